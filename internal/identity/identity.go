// Package identity holds the node's identity value: name, keys, and radio
// descriptors established once at startup and never mutated afterward
// (SPEC_FULL.md/§9 "immutable node-identity value set once after startup").
package identity

import (
	"fmt"
	"strings"
)

// Node is the bridge's identity, as queried from the repeater at startup.
// Zero value means "not yet established."
type Node struct {
	Name            string
	PublicKeyHex    string // 64 uppercase hex chars
	PrivateKeyHex   string // 128 hex chars, absent if firmware won't disclose
	RadioInfo       string
	FirmwareVersion string
	BoardType       string
}

// HasPrivateKey reports whether signing/token-auth is available.
func (n Node) HasPrivateKey() bool {
	return n.PrivateKeyHex != ""
}

// PublicKeyOrUnknown returns the canonical public key, or the literal
// "UNKNOWN" per spec.md §4.3 when identity hasn't been established yet.
func (n Node) PublicKeyOrUnknown() string {
	if n.PublicKeyHex == "" {
		return "UNKNOWN"
	}
	return n.PublicKeyHex
}

// NormalizePublicKey validates and canonicalizes a 64-hex-char public key
// per spec.md §4.1: strip whitespace, require exactly 64 hex chars,
// uppercase. Returns an error (not a zero value) on rejection so callers
// can distinguish "absent" from "malformed".
func NormalizePublicKey(raw string) (string, error) {
	return normalizeHex(raw, 64)
}

// NormalizePrivateKey validates a 128-hex-char private key per spec.md
// §4.1. Returned as-is (uppercased is irrelevant — never logged in full by
// callers), not normalized to a particular case since the spec only
// requires the public key be canonical.
func NormalizePrivateKey(raw string) (string, error) {
	trimmed := strings.Join(strings.Fields(raw), "")
	if len(trimmed) != 128 || !isHex(trimmed) {
		return "", fmt.Errorf("private key must be exactly 128 hex characters, got %d", len(trimmed))
	}
	return trimmed, nil
}

func normalizeHex(raw string, length int) (string, error) {
	trimmed := strings.Join(strings.Fields(raw), "")
	if len(trimmed) != length || !isHex(trimmed) {
		return "", fmt.Errorf("key must be exactly %d hex characters, got %d", length, len(trimmed))
	}
	return strings.ToUpper(trimmed), nil
}

func isHex(s string) bool {
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
