// Package topics resolves broker-specific topic strings from templates and
// the node identity, per spec.md §4.3.
package topics

import (
	"strconv"
	"strings"

	"github.com/nodebridge/meshbridge/internal/config"
)

// Kind identifies a resolvable topic type.
type Kind string

const (
	KindPackets Kind = "packets"
	KindStatus  Kind = "status"
	KindDebug   Kind = "debug"
)

// SerialCommandsTopic is the fixed inbound command path (spec.md §6).
func SerialCommandsTopic(iata, pubkey string) string {
	return "meshcore/" + iata + "/" + pubkey + "/serial/commands"
}

// SerialResponsesTopic is the fixed outbound response path (spec.md §6).
func SerialResponsesTopic(iata, pubkey string) string {
	return "meshcore/" + iata + "/" + pubkey + "/serial/responses"
}

// Resolve computes the topic string for kind on a given broker.
//
// Resolution order per spec.md §4.3: the broker's own override for kind if
// non-empty, else the global template; then {IATA} and {PUBLIC_KEY} are
// substituted, where IATA comes from the broker's topics.iata override if
// set, else the global general.iata. An empty template resolves to the
// empty string, which callers treat as "suppress publication."
func Resolve(kind Kind, global config.Topics, broker config.Broker, globalIATA, publicKey string) string {
	template := globalTemplate(kind, global)
	if override := brokerOverride(kind, broker.TopicsOverride); override != "" {
		template = override
	}
	if template == "" {
		return ""
	}

	iata := globalIATA
	if broker.TopicsOverride.IATA != "" {
		iata = broker.TopicsOverride.IATA
	}

	template = strings.ReplaceAll(template, "{IATA}", iata)
	template = strings.ReplaceAll(template, "{PUBLIC_KEY}", publicKey)
	return template
}

func globalTemplate(kind Kind, t config.Topics) string {
	switch kind {
	case KindPackets:
		return t.Packets
	case KindStatus:
		return t.Status
	case KindDebug:
		return t.Debug
	default:
		return ""
	}
}

func brokerOverride(kind Kind, t config.BrokerTopics) string {
	switch kind {
	case KindPackets:
		return t.Packets
	case KindStatus:
		return t.Status
	case KindDebug:
		return t.Debug
	default:
		return ""
	}
}

// SanitizeClientID produces prefix + name with spaces turned to underscores,
// strips any character outside [A-Za-z0-9_-], and truncates to 23 bytes,
// per spec.md §4.3. Idempotent: re-sanitizing the output returns it
// unchanged.
func SanitizeClientID(name, prefix string) string {
	replaced := prefix + strings.ReplaceAll(name, " ", "_")
	var b strings.Builder
	for _, c := range replaced {
		if isAllowedClientIDChar(c) {
			b.WriteRune(c)
		}
	}
	out := b.String()
	if len(out) > 23 {
		out = out[:23]
	}
	return out
}

func isAllowedClientIDChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z':
	case c >= 'A' && c <= 'Z':
	case c >= '0' && c <= '9':
	case c == '_' || c == '-':
	default:
		return false
	}
	return true
}

// ClientIDForBroker appends "_{index}" for broker indices > 0, per
// spec.md §4.3.
func ClientIDForBroker(base string, index int) string {
	if index <= 0 {
		return base
	}
	return base + "_" + strconv.Itoa(index)
}
