package manager

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodebridge/meshbridge/internal/config"
	"github.com/nodebridge/meshbridge/internal/stats"
)

func newTestManager() *Manager {
	return New(config.Topics{Packets: "meshcore/{IATA}/{PUBLIC_KEY}/packets", Status: "meshcore/{IATA}/{PUBLIC_KEY}/status"},
		nil, "XXX", "test-1.0", stats.NewCounters(), nil, zerolog.Nop())
}

// TestReconnectDelayFormula checks spec.md §8's quantified invariant,
// reconnect_delay = min(max_delay, initial_delay * backoff^k), against this
// package's backoff constants, applying the same per-failure update that
// ReconnectTick applies. It does not drive ReconnectTick itself.
func TestReconnectDelayFormula(t *testing.T) {
	delay := initialReconnectDelay
	for k := 0; k < 10; k++ {
		want := minFloat(float64(initialReconnectDelay)*pow(reconnectBackoff, k), float64(maxReconnectDelay))
		if float64(delay) != want {
			t.Fatalf("k=%d: got delay %v, want %v", k, delay, time.Duration(want))
		}
		delay = time.Duration(minFloat(float64(delay)*reconnectBackoff, float64(maxReconnectDelay)))
	}
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// TestSafePublish_WhileGloballyDisconnected exercises spec.md §8's
// "publish while globally disconnected" invariant: SafePublish must fail
// fast and record a publish failure without touching any broker client.
func TestSafePublish_WhileGloballyDisconnected(t *testing.T) {
	m := newTestManager()
	m.mqttConnected = false

	ok := m.SafePublish("meshcore/XXX/ABCD/packets", []byte("{}"), false)
	if ok {
		t.Fatalf("SafePublish succeeded while globally disconnected")
	}
	if got := m.counters.PublishFailures.Load(); got != 1 {
		t.Fatalf("PublishFailures = %d, want 1", got)
	}
}

func TestSafePublish_EmptyTopicAlwaysFails(t *testing.T) {
	m := newTestManager()
	m.mqttConnected = true

	if m.SafePublish("", []byte("{}"), false) {
		t.Fatalf("SafePublish succeeded with an empty topic")
	}
}

func TestIsAnyConnected_EmptyRecords(t *testing.T) {
	m := newTestManager()
	if m.IsAnyConnected() {
		t.Fatalf("IsAnyConnected true with no records")
	}
}

func TestConnectedCount_MixedRecords(t *testing.T) {
	m := newTestManager()
	r1 := &Record{Index: 0, Name: "a"}
	r1.connected = true
	r2 := &Record{Index: 1, Name: "b"}
	m.records = []*Record{r1, r2}

	connected, total := m.ConnectedCount()
	if connected != 1 || total != 2 {
		t.Fatalf("ConnectedCount = (%d, %d), want (1, 2)", connected, total)
	}
}

func TestBuildStatusMessage_UnknownIdentityFields(t *testing.T) {
	m := newTestManager()
	msg := m.buildStatusMessage("offline", false)
	if msg["radio"] != "unknown" || msg["model"] != "unknown" || msg["firmware_version"] != "unknown" {
		t.Fatalf("expected unknown placeholders, got %+v", msg)
	}
	if _, hasStats := msg["stats"]; hasStats {
		t.Fatalf("offline LWT message must not include stats")
	}
}

func TestShouldExit_AfterRequestShutdown(t *testing.T) {
	m := newTestManager()
	if m.ShouldExit() {
		t.Fatalf("ShouldExit true before any shutdown request")
	}
	m.RequestShutdown()
	if !m.ShouldExit() {
		t.Fatalf("ShouldExit false after RequestShutdown")
	}
}
