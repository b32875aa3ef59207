package parser

import "testing"

// TestClassify_RXPacketFields is the parser half of seed scenario 1 from
// spec.md §8; the IATA topic half is covered in internal/topics.
func TestClassify_RXPacketFields(t *testing.T) {
	line := "12:34:56 - 1/15/2025 U: RX, len=64 (type=1, route=D, payload_len=48) SNR=10 RSSI=-80 score=100 hash=ABCD1234"

	result, _, _ := Classify(line, "", false)
	if result.Kind != KindPacket {
		t.Fatalf("expected packet, got kind %v", result.Kind)
	}
	p := result.Packet
	if p.Direction != "rx" {
		t.Fatalf("direction = %q", p.Direction)
	}
	if p.SNR != "10" || p.RSSI != "-80" || p.Score != "100" || p.Hash != "ABCD1234" {
		t.Fatalf("unexpected fields: %+v", p)
	}
}

// TestClassify_RawPrecedesPacket is seed scenario 2 from spec.md §8.
func TestClassify_RawPrecedesPacket(t *testing.T) {
	rawLine := "12:34:56 - 1/15/2025 U RAW: AABB0011CCDD"
	result, lastRaw, byteCount := Classify(rawLine, "", false)
	if result.Kind != KindNone {
		t.Fatalf("expected no event from RAW line, got %v", result.Kind)
	}
	if lastRaw != "AABB0011CCDD" {
		t.Fatalf("lastRaw = %q", lastRaw)
	}
	if byteCount != 6 {
		t.Fatalf("byteCount = %d, want 6", byteCount)
	}

	packetLine := "12:34:56 - 1/15/2025 U: RX, len=64 (type=1, route=D, payload_len=48) SNR=10 RSSI=-80 score=100 hash=ABCD1234"
	result2, _, _ := Classify(packetLine, lastRaw, false)
	if result2.Kind != KindPacket {
		t.Fatalf("expected packet, got %v", result2.Kind)
	}
	if result2.Packet.Raw != "AABB0011CCDD" {
		t.Fatalf("raw = %q", result2.Packet.Raw)
	}
}

func TestClassify_DebugLineRequiresDebugMode(t *testing.T) {
	line := "DEBUG something happened"

	result, _, _ := Classify(line, "", false)
	if result.Kind != KindNone {
		t.Fatalf("expected dropped when debug disabled, got %v", result.Kind)
	}

	result2, _, _ := Classify(line, "", true)
	if result2.Kind != KindDebug {
		t.Fatalf("expected debug event, got %v", result2.Kind)
	}
	if result2.Debug.Message != line {
		t.Fatalf("message = %q", result2.Debug.Message)
	}
}

func TestClassify_PathOnlyOnRouteD(t *testing.T) {
	line := "12:34:56 - 1/15/2025 U: RX, len=64 (type=1, route=A, payload_len=48) SNR=10 RSSI=-80 score=100 hash=ABCD1234 [somepath]"
	result, _, _ := Classify(line, "", false)
	if result.Kind != KindPacket {
		t.Fatalf("expected packet, got %v", result.Kind)
	}
	if result.Packet.HasPath {
		t.Fatalf("path should not be set when route != D")
	}
}

func TestClassify_UnmatchedLineDropped(t *testing.T) {
	result, _, _ := Classify("garbage line that matches nothing", "", true)
	if result.Kind != KindNone {
		t.Fatalf("expected dropped, got %v", result.Kind)
	}
}

func TestClassify_TXDoesNotCarryRXFields(t *testing.T) {
	line := "12:34:56 - 1/15/2025 U: TX, len=64 (type=1, route=D, payload_len=48)"
	result, _, _ := Classify(line, "", false)
	if result.Kind != KindPacket {
		t.Fatalf("expected packet, got %v", result.Kind)
	}
	if result.Packet.SNR != "" || result.Packet.Hash != "" {
		t.Fatalf("TX packet should not carry RX-only fields: %+v", result.Packet)
	}
}
