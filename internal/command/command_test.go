package command

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodebridge/meshbridge/internal/token"
)

type fakeDevice struct {
	called  bool
	command string
}

func (f *fakeDevice) ExecuteCommand(command string, timeout time.Duration) (bool, string) {
	f.called = true
	f.command = command
	return true, "ok"
}

type fakePublisher struct {
	published []string
}

func (f *fakePublisher) PublishResponse(payload string) bool {
	f.published = append(f.published, payload)
	return true
}

func newTestHandler(t *testing.T) (*Handler, string, string, string) {
	t.Helper()
	nodePub, nodePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	companionPub, companionPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	nodePubHex := strings.ToUpper(hex.EncodeToString(nodePub))
	nodePrivHex := hex.EncodeToString(nodePriv)
	companionPubHex := strings.ToUpper(hex.EncodeToString(companionPub))
	companionPrivHex := hex.EncodeToString(companionPriv)

	cfg := Config{
		Enabled:            true,
		AllowedCompanions:  map[string]struct{}{companionPubHex: {}},
		DisallowedCommands: []string{"get prv.key", "set prv.key", "erase", "password"},
		NonceTTL:           120 * time.Second,
		CommandTimeout:     10 * time.Second,
	}
	h := New(cfg, nodePubHex, nodePrivHex, zerolog.Nop(), nil)
	return h, nodePubHex, companionPubHex, companionPrivHex
}

func envelopeFor(t *testing.T, companionPub, companionPriv, target, command, nonce string) string {
	t.Helper()
	signed, err := token.Create(companionPub, companionPriv, time.Hour, map[string]any{
		"publicKey": companionPub,
		"command":   command,
		"target":    target,
		"nonce":     nonce,
	})
	if err != nil {
		t.Fatalf("create envelope: %v", err)
	}
	return signed
}

// TestHandle_DisallowedCommandProducesSignedFailure is seed scenario 3.
func TestHandle_DisallowedCommandProducesSignedFailure(t *testing.T) {
	h, nodePub, companionPub, companionPriv := newTestHandler(t)
	device := &fakeDevice{}
	publisher := &fakePublisher{}
	h.SetDevice(device)
	h.SetPublisher(publisher)

	envelope := envelopeFor(t, companionPub, companionPriv, nodePub, "get prv.key", "N1")
	h.Handle(envelope)

	if device.called {
		t.Fatal("expected no execute_command call")
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(publisher.published))
	}
	payload, err := token.DecodePayload(publisher.published[0])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["success"] != false {
		t.Fatalf("expected success=false, got %v", payload["success"])
	}
	if payload["response"] != "Command blocked: get prv.key" {
		t.Fatalf("response = %v", payload["response"])
	}
	if !h.nonceSeen("N1") {
		t.Fatal("expected nonce N1 to be recorded")
	}
}

// TestHandle_ReplayIsSilentlyDropped is seed scenario 4.
func TestHandle_ReplayIsSilentlyDropped(t *testing.T) {
	h, nodePub, companionPub, companionPriv := newTestHandler(t)
	device := &fakeDevice{}
	publisher := &fakePublisher{}
	h.SetDevice(device)
	h.SetPublisher(publisher)

	envelope := envelopeFor(t, companionPub, companionPriv, nodePub, "get prv.key", "N1")
	h.Handle(envelope)
	publisher.published = nil // reset after the first (blocked-command) response

	replay := envelopeFor(t, companionPub, companionPriv, nodePub, "get time", "N1")
	h.Handle(replay)

	if device.called {
		t.Fatal("expected no execute_command call on replay")
	}
	if len(publisher.published) != 0 {
		t.Fatalf("expected no publish on replay, got %d", len(publisher.published))
	}
}

func TestHandle_AllowedCommandExecutes(t *testing.T) {
	h, nodePub, companionPub, companionPriv := newTestHandler(t)
	device := &fakeDevice{}
	publisher := &fakePublisher{}
	h.SetDevice(device)
	h.SetPublisher(publisher)

	envelope := envelopeFor(t, companionPub, companionPriv, nodePub, "get time", "N2")
	h.Handle(envelope)

	if !device.called || device.command != "get time" {
		t.Fatalf("expected execute_command(get time), called=%v command=%q", device.called, device.command)
	}
	if len(publisher.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(publisher.published))
	}
}

func TestHandle_WrongTargetDropped(t *testing.T) {
	h, _, companionPub, companionPriv := newTestHandler(t)
	device := &fakeDevice{}
	publisher := &fakePublisher{}
	h.SetDevice(device)
	h.SetPublisher(publisher)

	envelope := envelopeFor(t, companionPub, companionPriv, "NOTUS0000000000000000000000000000000000000000000000000000000000", "get time", "N3")
	h.Handle(envelope)

	if device.called || len(publisher.published) != 0 {
		t.Fatal("expected silent drop for mismatched target")
	}
}

func TestHandle_RateLimitExceededRepliesFailure(t *testing.T) {
	h, nodePub, companionPub, companionPriv := newTestHandler(t)
	h.cfg.RatePerSecond = 1
	h.cfg.RateBurst = 1
	device := &fakeDevice{}
	publisher := &fakePublisher{}
	h.SetDevice(device)
	h.SetPublisher(publisher)

	h.Handle(envelopeFor(t, companionPub, companionPriv, nodePub, "get time", "N5"))
	h.Handle(envelopeFor(t, companionPub, companionPriv, nodePub, "get time", "N6"))

	if len(publisher.published) != 2 {
		t.Fatalf("expected two publishes (one success, one rate-limit failure), got %d", len(publisher.published))
	}
	second, err := token.DecodePayload(publisher.published[1])
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if second["response"] != "Rate limit exceeded" {
		t.Fatalf("response = %v", second["response"])
	}
}

func TestHandle_UnauthorizedCompanionRepliesFailure(t *testing.T) {
	h, nodePub, _, _ := newTestHandler(t)
	otherPub, otherPriv, _ := ed25519.GenerateKey(nil)
	publisher := &fakePublisher{}
	h.SetPublisher(publisher)

	envelope := envelopeFor(t, hex.EncodeToString(otherPub), hex.EncodeToString(otherPriv), nodePub, "get time", "N4")
	h.Handle(envelope)

	if len(publisher.published) != 1 {
		t.Fatalf("expected one failure publish, got %d", len(publisher.published))
	}
	payload, _ := token.DecodePayload(publisher.published[0])
	if payload["response"] != "Unauthorized companion" {
		t.Fatalf("response = %v", payload["response"])
	}
}
