// Package bridge is the Bridge Runtime: startup dialogue, main loop,
// stats reporter, and graceful shutdown, per spec.md §4.8. Grounded on
// original_source/bridge/background.py's service loop and logging shape.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodebridge/meshbridge/internal/command"
	"github.com/nodebridge/meshbridge/internal/config"
	"github.com/nodebridge/meshbridge/internal/device"
	"github.com/nodebridge/meshbridge/internal/identity"
	"github.com/nodebridge/meshbridge/internal/manager"
	"github.com/nodebridge/meshbridge/internal/metrics"
	"github.com/nodebridge/meshbridge/internal/parser"
	"github.com/nodebridge/meshbridge/internal/stats"
	"github.com/nodebridge/meshbridge/internal/topics"
)

const (
	tickInterval       = 10 * time.Millisecond
	statsInterval      = 300 * time.Second
	reopenRetryPeriod  = 5 * time.Second
	defaultWatchdogSec = 900.0
)

// Runtime wires together every internal package into the running bridge
// process.
type Runtime struct {
	cfg           *config.Config
	logger        zerolog.Logger
	clientVersion string

	device  *device.Link
	mgr     *manager.Manager
	handler *command.Handler
	counters *stats.Counters
	metrics *metrics.Registry

	node identity.Node

	lastRaw        string
	lastReopenAttempt time.Time
	watchdogFiredLogged bool
	reopenFailureLogged bool

	lastStatsSnapshot statsSnapshot

	shutdown atomic.Bool
}

type statsSnapshot struct {
	takenAt    time.Time
	packetsRX  int64
	packetsTX  int64
	rxAirSecs  float64
	txAirSecs  float64
}

// New constructs a Runtime from a loaded Config. Does not start anything.
func New(cfg *config.Config, logger zerolog.Logger, clientVersion string) *Runtime {
	counters := stats.NewCounters()
	reg := metrics.NewRegistry()

	mgr := manager.New(cfg.Topics, cfg.Broker, cfg.General.IATA, clientVersion, counters, reg, logger)

	handlerCfg := command.Config{
		Enabled:            cfg.RemoteSerial.Enabled,
		AllowedCompanions:  normalizeCompanions(cfg.RemoteSerial.AllowedCompanions, logger),
		DisallowedCommands: cfg.RemoteSerial.DisallowedCommands,
		NonceTTL:           time.Duration(cfg.RemoteSerial.NonceTTL) * time.Second,
		CommandTimeout:     time.Duration(cfg.RemoteSerial.CommandTimeout) * time.Second,
		RatePerSecond:      cfg.RemoteSerial.RateLimitPerSecond,
		RateBurst:          cfg.RemoteSerial.RateLimitBurst,
	}

	return &Runtime{
		cfg:           cfg,
		logger:        logger,
		clientVersion: clientVersion,
		mgr:           mgr,
		counters:      counters,
		metrics:       reg,
		handler:       command.New(handlerCfg, "", "", logger, reg),
	}
}

func normalizeCompanions(raw []string, logger zerolog.Logger) map[string]struct{} {
	out := make(map[string]struct{}, len(raw))
	for _, c := range raw {
		key, err := identity.NormalizePublicKey(c)
		if err != nil {
			logger.Warn().Str("value", c).Err(err).Msg("dropping invalid allowed_companions entry")
			continue
		}
		out[key] = struct{}{}
	}
	return out
}

// Metrics exposes the Prometheus registry for the metrics HTTP server.
func (r *Runtime) Metrics() *metrics.Registry {
	return r.metrics
}

// Run executes the startup sequence then blocks in the main loop until
// ctx is cancelled or the shutdown flag is raised internally. Returns a
// non-nil error only on unrecoverable startup failure, per spec.md §4.8.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return err
	}
	defer r.shutdownSequence()

	go r.statsReporterLoop(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if r.shutdown.Load() || r.mgr.ShouldExit() {
				return nil
			}
			r.tick()
		}
	}
}

// startup performs spec.md §4.8's numbered startup sequence.
func (r *Runtime) startup(ctx context.Context) error {
	link, err := device.Open(r.cfg.Serial.Ports, r.cfg.Serial.BaudRate, time.Duration(r.cfg.Serial.Timeout)*time.Second)
	if err != nil {
		return fmt.Errorf("bridge: opening serial link: %w", err)
	}
	r.device = link
	r.handler.SetDevice(link)

	if r.cfg.General.SyncTime {
		link.SetTime()
	}

	name, ok := link.GetName()
	if !ok {
		return fmt.Errorf("bridge: device did not answer get name")
	}
	pubkey, ok := link.GetPubkey()
	if !ok {
		return fmt.Errorf("bridge: device did not answer get public.key")
	}
	radio, ok := link.GetRadioInfo()
	if !ok {
		return fmt.Errorf("bridge: device did not answer get radio")
	}

	privkey, hasPriv := link.GetPrivkey()
	if !hasPriv {
		r.logger.Warn().Msg("device did not disclose a private key - token auth and command signing unavailable")
	}
	firmware, _ := link.GetFirmwareVersion()
	board, _ := link.GetBoardType()

	r.node = identity.Node{
		Name:            name,
		PublicKeyHex:    pubkey,
		PrivateKeyHex:   privkey,
		RadioInfo:       radio,
		FirmwareVersion: firmware,
		BoardType:       board,
	}
	r.mgr.SetIdentity(r.node)
	r.handler = command.New(r.handler.ConfigCopy(), pubkey, privkey, r.logger, r.metrics)
	r.handler.SetDevice(link)
	r.handler.SetPublisher(r.mgr)
	r.mgr.SetDispatcher(r.handler)

	if deviceStats := link.GetDeviceStats(); len(deviceStats) > 0 {
		r.mgr.SetDeviceStats(deviceStats)
	}

	r.logger.Info().Str("client_version", r.clientVersion).Msg("meshbridge starting")
	r.logger.Info().Bool("remote_serial_enabled", r.cfg.RemoteSerial.Enabled).
		Int("allowed_companions", len(r.handler.AllowedCompanions())).
		Strs("disallowed_commands", r.cfg.RemoteSerial.DisallowedCommands).
		Msg("remote serial command configuration")

	if err := r.connectWithRetry(ctx); err != nil {
		return err
	}

	return nil
}

// connectWithRetry performs spec.md §4.8 step 6: retry the initial
// connect with min(n*2, 30)-second backoff up to 10 times.
func (r *Runtime) connectWithRetry(ctx context.Context) error {
	const maxAttempts = 10
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.mgr.ConnectAll(); err == nil {
			return nil
		} else if attempt == maxAttempts {
			return fmt.Errorf("bridge: failed to connect to any broker after %d attempts: %w", maxAttempts, err)
		} else {
			delay := time.Duration(minInt(attempt*2, 30)) * time.Second
			r.logger.Warn().Int("attempt", attempt).Dur("retry_in", delay).Err(err).Msg("initial broker connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("bridge: exhausted initial broker connect attempts")
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// tick runs one pass of spec.md §4.8's main loop.
func (r *Runtime) tick() {
	r.mgr.ReconnectTick()

	if r.device == nil {
		r.attemptReopen()
		return
	}

	line, ok := r.device.ReadLine()
	if !ok {
		if r.device.SecondsSinceActivity() > r.watchdogTimeout() {
			if !r.watchdogFiredLogged {
				r.logger.Warn().Float64("seconds_idle", r.device.SecondsSinceActivity()).Msg("serial watchdog timeout - reopening link")
				r.watchdogFiredLogged = true
			}
			r.reopenDevice()
		}
		return
	}
	r.watchdogFiredLogged = false

	result, newLastRaw, rawBytes := parser.Classify(line, r.lastRaw, r.cfg.General.LogLevel == "debug")
	r.lastRaw = newLastRaw
	if rawBytes > 0 {
		r.counters.BytesProcessed.Add(int64(rawBytes))
	}

	switch result.Kind {
	case parser.KindPacket:
		r.publishPacket(result.Packet)
	case parser.KindDebug:
		r.publishDebug(result.Debug)
	}
}

func (r *Runtime) watchdogTimeout() float64 {
	if r.cfg.Serial.WatchdogTimeout <= 0 {
		return defaultWatchdogSec
	}
	return float64(r.cfg.Serial.WatchdogTimeout)
}

func (r *Runtime) reopenDevice() {
	r.device.Close()
	r.device = nil
	r.attemptReopen()
}

func (r *Runtime) attemptReopen() {
	if time.Since(r.lastReopenAttempt) < reopenRetryPeriod {
		return
	}
	r.lastReopenAttempt = time.Now()

	link, err := device.Open(r.cfg.Serial.Ports, r.cfg.Serial.BaudRate, time.Duration(r.cfg.Serial.Timeout)*time.Second)
	if err != nil {
		if !r.reopenFailureLogged {
			r.logger.Error().Err(err).Msg("failed to reopen serial link")
			r.reopenFailureLogged = true
		}
		return
	}
	r.reopenFailureLogged = false
	r.device = link
	r.handler.SetDevice(link)
	r.logger.Info().Msg("serial link reopened")
}

// resolveTopic resolves a global-template topic against the bridge's
// default IATA/public key, for the events (packets/debug/status) that
// SafePublish fans out identically to every broker. Per-broker topic
// overrides apply only to the status messages each Broker Manager record
// publishes directly on its own client (internal/manager's onConnect status
// publish and the last-will registered in connectRecord), not to this
// fan-out path.
func (r *Runtime) resolveTopic(kind topics.Kind) string {
	return topics.Resolve(kind, r.cfg.Topics, config.Broker{}, r.cfg.General.IATA, r.node.PublicKeyOrUnknown())
}

func (r *Runtime) resolveStatusTopic() string {
	return r.resolveTopic(topics.KindStatus)
}

func (r *Runtime) publishOnlineStatus(topic string) {
	payload, err := json.Marshal(map[string]any{
		"status":           "online",
		"timestamp":        time.Now().Format(time.RFC3339),
		"origin":           r.node.Name,
		"origin_id":        r.node.PublicKeyHex,
		"radio":            orEmpty(r.node.RadioInfo),
		"model":            orEmpty(r.node.BoardType),
		"firmware_version": orEmpty(r.node.FirmwareVersion),
		"client_version":   r.clientVersion,
	})
	if err != nil {
		return
	}
	r.mgr.SafePublish(topic, payload, false)
}

func orEmpty(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func (r *Runtime) publishPacket(p parser.Packet) {
	payload, err := json.Marshal(packetPayload(p))
	if err != nil {
		return
	}
	if r.metrics != nil {
		if p.Direction == "rx" {
			r.metrics.PacketsRX.Inc()
		} else {
			r.metrics.PacketsTX.Inc()
		}
	}
	topic := r.resolveTopic(topics.KindPackets)
	if topic == "" {
		return
	}
	if r.mgr.SafePublish(topic, payload, false) {
		if p.Direction == "rx" {
			r.counters.PacketsRX.Add(1)
		} else {
			r.counters.PacketsTX.Add(1)
		}
	}
}

func (r *Runtime) publishDebug(d parser.Debug) {
	topic := r.resolveTopic(topics.KindDebug)
	if topic == "" {
		return
	}
	payload, _ := json.Marshal(map[string]string{"message": d.Message})
	r.mgr.SafePublish(topic, payload, false)
}

func packetPayload(p parser.Packet) map[string]any {
	m := map[string]any{
		"direction":   p.Direction,
		"time":        p.Time,
		"date":        p.Date,
		"len":         p.Len,
		"type":        p.PacketType,
		"route":       p.Route,
		"payload_len": p.PayloadLen,
		"raw":         p.Raw,
	}
	if p.Direction == "rx" {
		m["snr"] = p.SNR
		m["rssi"] = p.RSSI
		m["score"] = p.Score
		m["duration"] = p.Duration
		m["hash"] = p.Hash
		if p.HasPath {
			m["path"] = p.Path
		}
	}
	return m
}

// shutdownSequence runs spec.md §4.8's shutdown cleanup.
func (r *Runtime) shutdownSequence() {
	if topic := r.resolveStatusTopic(); topic != "" {
		payload, err := json.Marshal(map[string]any{
			"status":           "offline",
			"timestamp":        time.Now().Format(time.RFC3339),
			"origin":           r.node.Name,
			"origin_id":        r.node.PublicKeyHex,
			"radio":            orEmpty(r.node.RadioInfo),
			"model":            orEmpty(r.node.BoardType),
			"firmware_version": orEmpty(r.node.FirmwareVersion),
			"client_version":   r.clientVersion,
		})
		if err == nil {
			r.mgr.SafePublish(topic, payload, false)
		}
	}
	r.mgr.RequestShutdown()
	r.counters.PruneReconnectHistory()
	if r.device != nil {
		r.device.Close()
	}
	r.logger.Info().Msg("meshbridge shut down")
}

// RequestShutdown raises the shutdown flag that the main loop and the stats
// reporter poll. The process entrypoint stops the runtime by cancelling the
// context passed to Run instead and does not call this.
func (r *Runtime) RequestShutdown() {
	r.shutdown.Store(true)
}
