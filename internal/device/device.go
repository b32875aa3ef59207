// Package device is the Device Link: a serialized line-oriented dialogue
// over the serial port to the repeater, per spec.md §4.1. Grounded on
// original_source/bridge/serial_connection.py, rebuilt as a mutex-guarded
// Go type over go.bug.st/serial.
package device

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Link owns the serial handle and serializes every request/response
// dialogue with it, per spec.md §4.1/§5: exactly one in-flight dialogue
// at a time, enforced by mu. The raw handle is never exposed.
type Link struct {
	mu           sync.Mutex
	port         serial.Port
	reader       *bufio.Reader
	lastActivity time.Time
	closed       bool
}

// Open tries each configured port in order and returns the first
// successful connection, per spec.md §4.8 step 1.
func Open(ports []string, baudRate int, timeout time.Duration) (*Link, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	var lastErr error
	for _, p := range ports {
		port, err := serial.Open(p, mode)
		if err != nil {
			lastErr = fmt.Errorf("opening %s: %w", p, err)
			continue
		}
		_ = port.SetReadTimeout(timeout)
		if _, err := port.Write([]byte("\r\n\r\n")); err != nil {
			_ = port.Close()
			lastErr = fmt.Errorf("priming %s: %w", p, err)
			continue
		}
		_ = port.ResetInputBuffer()
		_ = port.ResetOutputBuffer()

		return &Link{
			port:         port,
			reader:       bufio.NewReader(port),
			lastActivity: time.Now(),
		}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no serial ports configured")
	}
	return nil, lastErr
}

// SecondsSinceActivity reports monotonic seconds since the last successful
// byte read, for the watchdog in spec.md §4.8.
func (l *Link) SecondsSinceActivity() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastActivity).Seconds()
}

// Close is idempotent and swallows I/O errors, per spec.md §4.1.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	_ = l.port.Close()
}

// SetTime pushes the current wall-clock epoch to the device, per spec.md
// §4.1.
func (l *Link) SetTime() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cmd := fmt.Sprintf("time %d\r\n", time.Now().UTC().Unix())
	_, _ = l.sendLocked(cmd, 500*time.Millisecond)
}

// GetName returns the repeater's configured name, or "", false if the
// device didn't answer as expected.
func (l *Link) GetName() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("get name\r\n", 500*time.Millisecond)
	if err != nil {
		return "", false
	}
	return extractAfterDoublePrompt(resp)
}

// GetPubkey returns the canonical uppercase-hex public key.
func (l *Link) GetPubkey() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("get public.key\r\n", time.Second)
	if err != nil {
		return "", false
	}
	raw, ok := extractAfterDoublePrompt(resp)
	if !ok {
		return "", false
	}
	clean := strings.Map(stripKeyWhitespace, raw)
	if len(clean) != 64 || !isHex(clean) {
		return "", false
	}
	return strings.ToUpper(clean), true
}

// GetPrivkey returns the raw 128-hex-char private key, or false if the
// firmware refuses to disclose it.
func (l *Link) GetPrivkey() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("get prv.key\r\n", time.Second)
	if err != nil {
		return "", false
	}
	raw, ok := extractAfterDoublePrompt(resp)
	if !ok {
		return "", false
	}
	clean := strings.Map(stripKeyWhitespace, raw)
	if len(clean) != 128 || !isHex(clean) {
		return "", false
	}
	return clean, true
}

// GetRadioInfo returns the radio descriptor string.
func (l *Link) GetRadioInfo() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("get radio\r\n", 500*time.Millisecond)
	if err != nil {
		return "", false
	}
	return extractAfterDoublePrompt(resp)
}

// GetFirmwareVersion returns the firmware version string.
func (l *Link) GetFirmwareVersion() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("ver\r\n", 500*time.Millisecond)
	if err != nil {
		return "", false
	}
	return extractAfterSinglePrompt(resp)
}

// GetBoardType returns the board model string; "Unknown command" maps to
// "unknown" per spec.md §4.1.
func (l *Link) GetBoardType() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	resp, err := l.sendLocked("board\r\n", 500*time.Millisecond)
	if err != nil {
		return "", false
	}
	board, ok := extractAfterSinglePrompt(resp)
	if !ok {
		return "", false
	}
	if board == "Unknown command" {
		board = "unknown"
	}
	return board, true
}

// GetDeviceStats issues stats-core, stats-radio, and stats-packets, and
// merges whatever parses, per spec.md §4.1. Field names follow
// SPEC_FULL.md §D exactly as the firmware emits them (including the
// misleadingly named "debug_flags").
func (l *Link) GetDeviceStats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := map[string]any{}

	if resp, err := l.sendLocked("stats-core\r\n", 500*time.Millisecond); err == nil {
		if core := parseStatsJSON(resp); core != nil {
			copyKey(stats, core, "battery_mv")
			copyKey(stats, core, "uptime_secs")
			if v, ok := core["errors"]; ok {
				stats["debug_flags"] = v
			}
			copyKey(stats, core, "queue_len")
		}
	}

	if resp, err := l.sendLocked("stats-radio\r\n", 500*time.Millisecond); err == nil {
		if radio := parseStatsJSON(resp); radio != nil {
			copyKey(stats, radio, "noise_floor")
			copyKey(stats, radio, "tx_air_secs")
			copyKey(stats, radio, "rx_air_secs")
		}
	}

	if resp, err := l.sendLocked("stats-packets\r\n", 500*time.Millisecond); err == nil {
		if packets := parseStatsJSON(resp); packets != nil {
			copyKey(stats, packets, "recv_errors")
		}
	}

	return stats
}

func copyKey(dst, src map[string]any, key string) {
	if v, ok := src[key]; ok {
		dst[key] = v
	}
}

func parseStatsJSON(resp string) map[string]any {
	if !strings.Contains(resp, "-> ") || strings.Contains(resp, "Unknown command") {
		return nil
	}
	jsonStr, ok := extractAfterSinglePrompt(resp)
	if !ok {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil
	}
	return parsed
}

// ExecuteCommand writes command and polls for completion up to timeout,
// returning the stripped output, per spec.md §4.1.
func (l *Link) ExecuteCommand(command string, timeout time.Duration) (ok bool, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmd := strings.TrimSpace(command)
	if !strings.HasSuffix(cmd, "\r\n") {
		cmd += "\r\n"
	}

	_ = l.port.ResetInputBuffer()
	_ = l.port.ResetOutputBuffer()
	if _, err := l.port.Write([]byte(cmd)); err != nil {
		return false, fmt.Sprintf("Serial error: %v", err)
	}

	deadline := time.Now().Add(timeout)
	var collected strings.Builder
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		n, err := l.port.Read(buf)
		if n > 0 {
			collected.Write(buf[:n])
			l.lastActivity = time.Now()
		}
		full := collected.String()
		if strings.Contains(full, "-> ") || strings.HasSuffix(strings.TrimRight(full, " \t"), ">") {
			break
		}
		if err != nil {
			break
		}
	}

	full := collected.String()
	responseText := extractCommandResponse(full, strings.TrimSpace(command))
	return true, responseText
}

func extractCommandResponse(full, command string) string {
	var text string
	switch {
	case strings.Contains(full, "-> >"):
		text = strings.SplitN(full, "-> >", 2)[1]
	case strings.Contains(full, "-> "):
		text = strings.SplitN(full, "-> ", 2)[1]
	case strings.Contains(full, "> "):
		text = strings.SplitN(full, "> ", 2)[1]
	default:
		text = full
	}
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, command) {
		text = strings.TrimSpace(text[len(command):])
	}
	text = strings.TrimSpace(strings.TrimRight(text, "> "))
	if text == "" {
		text = "(no output)"
	}
	return text
}

// ReadLine is a non-blocking read of the next complete line, or false if
// nothing is ready.
func (l *Link) ReadLine() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reader.Buffered() == 0 {
		return "", false
	}
	line, err := l.reader.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	l.lastActivity = time.Now()
	trimmed := strings.TrimRight(line, "\r\n")
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// sendLocked writes cmd, waits delay, and returns whatever accumulated on
// the input buffer. Caller must hold mu.
func (l *Link) sendLocked(cmd string, delay time.Duration) (string, error) {
	if l.closed {
		return "", fmt.Errorf("device: link closed")
	}
	_ = l.port.ResetInputBuffer()
	_ = l.port.ResetOutputBuffer()
	if _, err := l.port.Write([]byte(cmd)); err != nil {
		return "", err
	}
	time.Sleep(delay)

	var out strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := l.port.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
			l.lastActivity = time.Now()
		}
		if n == 0 || err != nil {
			break
		}
	}
	return out.String(), nil
}

func extractAfterDoublePrompt(resp string) (string, bool) {
	if !strings.Contains(resp, "-> >") {
		return "", false
	}
	rest := strings.SplitN(resp, "-> >", 2)[1]
	rest = strings.TrimSpace(rest)
	if i := strings.IndexByte(rest, '\n'); i != -1 {
		rest = rest[:i]
	}
	rest = strings.TrimSpace(strings.ReplaceAll(rest, "\r", ""))
	return rest, true
}

func extractAfterSinglePrompt(resp string) (string, bool) {
	if !strings.Contains(resp, "-> ") {
		return "", false
	}
	rest := strings.SplitN(resp, "-> ", 2)[1]
	if i := strings.IndexByte(rest, '\n'); i != -1 {
		rest = rest[:i]
	}
	rest = strings.TrimSpace(strings.ReplaceAll(rest, "\r", ""))
	return rest, true
}

func stripKeyWhitespace(r rune) rune {
	switch r {
	case ' ', '\r', '\n', '\t':
		return -1
	default:
		return r
	}
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
