// Package parser classifies one device output line into a packet event, a
// raw-hex notice, or a debug event, per spec.md §4.2. Stateless except for
// the caller-owned rolling "last raw" string.
package parser

import (
	"regexp"
	"strings"
)

// packetPattern is the packet grammar from spec.md §4.2, transcribed from
// original_source/bridge/message_parser.py's PACKET_PATTERN.
var packetPattern = regexp.MustCompile(
	`^(\d{2}:\d{2}:\d{2}) - (\d{1,2}/\d{1,2}/\d{4}) U: (RX|TX), len=(\d+) \(type=(\d+), route=([A-Z]), payload_len=(\d+)\)` +
		`(?: SNR=(-?\d+) RSSI=(-?\d+) score=(\d+)(?: time=(\d+))? hash=([0-9A-F]+)(?: \[(.*)\])?)?`,
)

// Kind tags what a Classify call produced.
type Kind int

const (
	// KindNone means the line was a RAW update (no event to publish) or was
	// dropped silently.
	KindNone Kind = iota
	KindPacket
	KindDebug
)

// Packet is the parsed packet event per spec.md §4.2. Fields are kept as
// strings exactly as captured — no numeric coercion, per spec.
type Packet struct {
	Direction  string // "rx" or "tx"
	Time       string
	Date       string
	Len        string
	PacketType string
	Route      string
	PayloadLen string
	Raw        string
	SNR        string
	RSSI       string
	Score      string
	Duration   string
	Hash       string
	Path       string
	HasPath    bool
}

// Debug is the parsed debug event per spec.md §4.2.
type Debug struct {
	Message string
}

// Result is the outcome of classifying one line.
type Result struct {
	Kind   Kind
	Packet Packet
	Debug  Debug
}

// Classify inspects one device output line.
//
// lastRaw is the caller's current rolling "last raw" value; when the line
// is a "U RAW:" notice, Classify returns the new value via newLastRaw and
// the number of raw bytes represented (for bytes_processed accounting).
// debugEnabled gates whether lines starting with "DEBUG" are surfaced.
func Classify(line string, lastRaw string, debugEnabled bool) (result Result, newLastRaw string, rawByteCount int) {
	newLastRaw = lastRaw

	if idx := strings.Index(line, "U RAW:"); idx != -1 {
		rawHex := strings.TrimSpace(line[idx+len("U RAW:"):])
		newLastRaw = rawHex
		rawByteCount = len(rawHex) / 2
		return Result{Kind: KindNone}, newLastRaw, rawByteCount
	}

	if debugEnabled && strings.HasPrefix(line, "DEBUG") {
		return Result{Kind: KindDebug, Debug: Debug{Message: line}}, newLastRaw, 0
	}

	if m := packetPattern.FindStringSubmatch(line); m != nil {
		direction := strings.ToLower(m[3])
		p := Packet{
			Direction:  direction,
			Time:       m[1],
			Date:       m[2],
			Len:        m[4],
			PacketType: m[5],
			Route:      m[6],
			PayloadLen: m[7],
			Raw:        lastRaw,
		}
		if direction == "rx" {
			p.SNR = m[8]
			p.RSSI = m[9]
			p.Score = m[10]
			p.Duration = m[11]
			p.Hash = m[12]
			if m[6] == "D" && m[13] != "" {
				p.Path = m[13]
				p.HasPath = true
			}
		}
		return Result{Kind: KindPacket, Packet: p}, newLastRaw, 0
	}

	return Result{Kind: KindNone}, newLastRaw, 0
}
