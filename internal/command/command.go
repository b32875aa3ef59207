// Package command implements the Command Handler: authorizing, validating,
// and executing inbound signed command envelopes and replying with signed
// responses, per spec.md §4.6. Grounded on
// original_source/bridge/remote_serial.py, whose 13-step processing order
// this mirrors, with one added step: a per-companion rate limit right after
// the allowlist check.
package command

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nodebridge/meshbridge/internal/metrics"
	"github.com/nodebridge/meshbridge/internal/token"
)

// Device is the subset of the Device Link the handler needs.
type Device interface {
	ExecuteCommand(command string, timeout time.Duration) (ok bool, text string)
}

// Publisher broadcasts a signed response to every currently connected
// broker, per spec.md §4.6 ("broadcast to all connected brokers").
// Implemented by internal/manager.Manager.
type Publisher interface {
	PublishResponse(payload string) (publishedToAny bool)
}

// Config holds the Command Handler's static settings, sourced from
// config.RemoteSerial.
type Config struct {
	Enabled            bool
	AllowedCompanions  map[string]struct{} // uppercase hex pubkeys
	DisallowedCommands []string            // case-insensitive prefixes
	NonceTTL           time.Duration
	CommandTimeout     time.Duration

	// RatePerSecond and RateBurst throttle accepted commands per companion
	// key, independent of the disallow list, guarding against a
	// compromised-but-allowlisted companion hammering the serial link.
	// Zero RatePerSecond disables throttling.
	RatePerSecond float64
	RateBurst     int
}

// Handler processes inbound signed command envelopes.
type Handler struct {
	cfg Config

	nodePublicKey  string
	nodePrivateKey string

	device    Device
	publisher Publisher
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu          sync.Mutex
	nonces      map[string]time.Time
	limiters    map[string]*rate.Limiter // companion pubkey -> limiter
}

// New constructs a Handler. device and publisher may be nil/updated later
// (a fresh Device Link appears after every serial reconnect); callers must
// guard against nil before invoking Handle's execution step — Handle
// itself already checks. reg may be nil, in which case command metrics are
// skipped.
func New(cfg Config, nodePublicKey, nodePrivateKey string, logger zerolog.Logger, reg *metrics.Registry) *Handler {
	return &Handler{
		cfg:            cfg,
		nodePublicKey:  nodePublicKey,
		nodePrivateKey: nodePrivateKey,
		logger:         logger,
		metrics:        reg,
		nonces:         make(map[string]time.Time),
		limiters:       make(map[string]*rate.Limiter),
	}
}

// ConfigCopy returns the handler's static config, used by the Bridge
// Runtime to rebuild the handler once the node keys are known at startup.
func (h *Handler) ConfigCopy() Config {
	return h.cfg
}

// AllowedCompanions reports the configured companion allowlist size for
// startup logging.
func (h *Handler) AllowedCompanions() map[string]struct{} {
	return h.cfg.AllowedCompanions
}

// SetDevice updates the Device Link the handler executes commands
// against, called by the Bridge Runtime after every (re)open.
func (h *Handler) SetDevice(d Device) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.device = d
}

// SetPublisher wires the Broker Manager's fan-out publish, available once
// the Manager exists.
func (h *Handler) SetPublisher(p Publisher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publisher = p
}

// Handle processes one inbound envelope string. Steps follow spec.md §4.6
// in order; any negative outcome stops processing.
func (h *Handler) Handle(envelopeToken string) {
	// 1. Feature off.
	if !h.cfg.Enabled {
		h.logger.Debug().Msg("remote serial command received but feature is disabled")
		return
	}

	// 2. Companion allowlist empty.
	if len(h.cfg.AllowedCompanions) == 0 {
		h.logger.Warn().Msg("remote serial command received but no companions are allowed")
		return
	}

	// 3. Decode without verification.
	payload, err := token.DecodePayload(envelopeToken)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to decode command token")
		return
	}

	companionPubkey := strings.ToUpper(stringField(payload, "publicKey"))
	cmd := stringField(payload, "command")
	target := strings.ToUpper(stringField(payload, "target"))
	nonce := stringField(payload, "nonce")
	exp, hasExp := numericField(payload, "exp")

	// 4. Required fields present.
	if companionPubkey == "" || cmd == "" || target == "" || nonce == "" {
		h.logger.Warn().Msg("missing required fields in command token")
		return
	}

	// 5. Target matches our public key.
	if target != h.nodePublicKey {
		h.logger.Debug().Str("target", target).Msg("command target doesn't match our key")
		return
	}

	// 6. Companion allowlisted.
	if _, allowed := h.cfg.AllowedCompanions[companionPubkey]; !allowed {
		h.logger.Warn().Str("companion", companionPubkey).Msg("command from unauthorized companion")
		h.rejected("unauthorized_companion")
		h.respond(cmd, nonce, false, "Unauthorized companion")
		return
	}

	// Per-companion rate limit, ahead of the heavier expiry/replay/signature
	// checks so a hammering companion gets throttled cheaply.
	if !h.allowRate(companionPubkey) {
		h.logger.Warn().Str("companion", companionPubkey).Msg("command rejected: rate limit exceeded")
		h.rejected("rate_limited")
		h.respond(cmd, nonce, false, "Rate limit exceeded")
		return
	}

	// 7. Not expired.
	if hasExp && time.Now().Unix() > exp {
		h.logger.Warn().Msg("command token expired")
		h.rejected("expired")
		h.respond(cmd, nonce, false, "Command expired")
		return
	}

	// 8. Replay check.
	h.purgeOldNonces()
	if h.nonceSeen(nonce) {
		h.logger.Warn().Str("nonce", nonce).Msg("duplicate nonce detected, presumed replay")
		h.rejected("replay")
		return
	}

	// 9. Verify signature.
	if _, err := token.Verify(envelopeToken, companionPubkey); err != nil {
		h.logger.Warn().Err(err).Msg("command token signature verification failed")
		h.rejected("invalid_signature")
		h.respond(cmd, nonce, false, "Invalid signature")
		return
	}

	// 10. Record nonce.
	h.recordNonce(nonce)

	// 11. Disallow-list check.
	if blocked, rule := h.isBlocked(cmd); blocked {
		h.logger.Warn().Str("rule", rule).Str("command", cmd).Msg("command blocked by disallow rule")
		h.rejected("disallowed_command")
		h.respond(cmd, nonce, false, "Command blocked: "+rule)
		return
	}

	// 12. Device availability.
	h.mu.Lock()
	device := h.device
	h.mu.Unlock()
	if device == nil {
		h.rejected("device_unavailable")
		h.respond(cmd, nonce, false, "Serial port not connected")
		return
	}

	// 13. Execute and respond.
	h.logger.Info().Str("companion", companionPubkey).Str("command", cmd).Msg("executing remote serial command")
	_, text := device.ExecuteCommand(cmd, h.cfg.CommandTimeout)
	h.accepted()
	h.respond(cmd, nonce, true, text)
}

func (h *Handler) accepted() {
	if h.metrics != nil {
		h.metrics.CommandsAccepted.Inc()
	}
}

func (h *Handler) rejected(reason string) {
	if h.metrics != nil {
		h.metrics.CommandsRejected.WithLabelValues(reason).Inc()
	}
}

// allowRate reports whether companion may proceed, per a token-bucket
// limiter lazily created per companion key. Always allows when rate
// limiting is disabled (RatePerSecond == 0).
func (h *Handler) allowRate(companion string) bool {
	if h.cfg.RatePerSecond <= 0 {
		return true
	}
	h.mu.Lock()
	limiter, ok := h.limiters[companion]
	if !ok {
		burst := h.cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), burst)
		h.limiters[companion] = limiter
	}
	h.mu.Unlock()
	return limiter.Allow()
}

func (h *Handler) isBlocked(cmd string) (bool, string) {
	lower := strings.ToLower(strings.TrimSpace(cmd))
	for _, rule := range h.cfg.DisallowedCommands {
		if strings.HasPrefix(lower, strings.ToLower(rule)) {
			return true, rule
		}
	}
	return false, ""
}

func (h *Handler) nonceSeen(nonce string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, seen := h.nonces[nonce]
	return seen
}

func (h *Handler) recordNonce(nonce string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nonces[nonce] = time.Now()
}

func (h *Handler) purgeOldNonces() {
	h.mu.Lock()
	defer h.mu.Unlock()
	cutoff := time.Now().Add(-h.cfg.NonceTTL)
	for nonce, seenAt := range h.nonces {
		if seenAt.Before(cutoff) {
			delete(h.nonces, nonce)
		}
	}
}

// respond mints and broadcasts a signed response, per spec.md §4.6's
// response format.
func (h *Handler) respond(command, requestID string, success bool, response string) {
	if h.nodePrivateKey == "" {
		h.logger.Error().Msg("cannot sign command response - private key not available")
		return
	}

	h.mu.Lock()
	publisher := h.publisher
	h.mu.Unlock()
	if publisher == nil {
		h.logger.Error().Msg("cannot publish command response - no publisher wired")
		return
	}

	signed, err := token.Create(h.nodePublicKey, h.nodePrivateKey, 60*time.Second, map[string]any{
		"command":    command,
		"request_id": requestID,
		"success":    success,
		"response":   response,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to sign command response")
		return
	}

	if !publisher.PublishResponse(signed) {
		h.logger.Error().Msg("failed to publish serial response to any broker")
	}
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return v
}

func numericField(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
