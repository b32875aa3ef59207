package topics

import (
	"strings"
	"testing"

	"github.com/nodebridge/meshbridge/internal/config"
)

func TestResolve_BrokerOverridePrecedesGlobal(t *testing.T) {
	global := config.Topics{Packets: "global/{IATA}/packets"}
	broker := config.Broker{}

	got := Resolve(KindPackets, global, broker, "CDG", "AA")
	if got != "global/CDG/packets" {
		t.Fatalf("got %q", got)
	}

	broker.TopicsOverride.Packets = "override/{IATA}/packets"
	got = Resolve(KindPackets, global, broker, "CDG", "AA")
	if got != "override/CDG/packets" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_PerBrokerIATAOverride(t *testing.T) {
	global := config.Topics{Status: "{IATA}/status"}
	broker := config.Broker{}
	broker.TopicsOverride.IATA = "LHR"

	got := Resolve(KindStatus, global, broker, "CDG", "AA")
	if got != "LHR/status" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_EmptyTemplateSuppresses(t *testing.T) {
	global := config.Topics{}
	broker := config.Broker{}

	if got := Resolve(KindDebug, global, broker, "CDG", "AA"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestResolve_PublicKeySubstitution(t *testing.T) {
	global := config.Topics{Packets: "meshcore/{IATA}/{PUBLIC_KEY}/packets"}
	got := Resolve(KindPackets, global, config.Broker{}, "CDG", "AAAABBBB")
	want := "meshcore/CDG/AAAABBBB/packets"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestSanitizeClientID_ReplacesSpacesAndStrips(t *testing.T) {
	got := SanitizeClientID("My Node! #1", "meshcore_")
	if strings.ContainsAny(got, " !#") {
		t.Fatalf("unsanitized characters survived: %q", got)
	}
	if !strings.HasPrefix(got, "meshcore_") {
		t.Fatalf("missing prefix: %q", got)
	}
}

func TestSanitizeClientID_TruncatesTo23Bytes(t *testing.T) {
	got := SanitizeClientID("a_very_long_node_name_that_exceeds_the_limit", "meshcore_")
	if len(got) > 23 {
		t.Fatalf("expected <=23 bytes, got %d (%q)", len(got), got)
	}
}

func TestSanitizeClientID_FiltersDirtyPrefixToo(t *testing.T) {
	got := SanitizeClientID("Node1", "my.bridge: ")
	if strings.ContainsAny(got, ". :") {
		t.Fatalf("unsanitized characters survived in prefix: %q", got)
	}
	if got != "mybridgeNode1" {
		t.Fatalf("got %q, want %q", got, "mybridgeNode1")
	}
}

func TestSanitizeClientID_Idempotent(t *testing.T) {
	once := SanitizeClientID("My Node", "meshcore_")
	twice := SanitizeClientID(once, "")
	if once != twice {
		t.Fatalf("not idempotent: %q vs %q", once, twice)
	}
}

func TestClientIDForBroker_AppendsIndexOnlyWhenPositive(t *testing.T) {
	if got := ClientIDForBroker("meshcore_node", 0); got != "meshcore_node" {
		t.Fatalf("got %q", got)
	}
	if got := ClientIDForBroker("meshcore_node", 2); got != "meshcore_node_2" {
		t.Fatalf("got %q", got)
	}
}
