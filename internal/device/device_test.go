package device

import "testing"

func TestExtractAfterDoublePrompt(t *testing.T) {
	got, ok := extractAfterDoublePrompt("get name\r\n-> >MyNode\r\n")
	if !ok || got != "MyNode" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestExtractAfterDoublePrompt_Missing(t *testing.T) {
	if _, ok := extractAfterDoublePrompt("no prompt here"); ok {
		t.Fatal("expected ok=false")
	}
}

func TestExtractAfterSinglePrompt(t *testing.T) {
	got, ok := extractAfterSinglePrompt("board\r\n-> unknown board\r\n")
	if !ok || got != "unknown board" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestExtractCommandResponse_StripsEchoAndPrompt(t *testing.T) {
	full := "get time\r\nget time\r\n-> 1700000000\r\n> "
	got := extractCommandResponse(full, "get time")
	if got != "1700000000" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractCommandResponse_EmptyBecomesNoOutput(t *testing.T) {
	got := extractCommandResponse("-> \r\n> ", "noop")
	if got != "(no output)" {
		t.Fatalf("got %q", got)
	}
}

func TestIsHex(t *testing.T) {
	if !isHex("ABCDEF0123") {
		t.Fatal("expected valid hex")
	}
	if isHex("ABCDEFG") {
		t.Fatal("expected invalid hex")
	}
	if isHex("") {
		t.Fatal("empty string is not valid hex")
	}
}
