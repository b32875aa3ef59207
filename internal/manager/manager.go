// Package manager is the Broker Manager: owns every Broker Client, drives
// initial connection, reconnection, message dispatch, and fan-out
// publishing, per spec.md §4.5. Grounded on
// original_source/bridge/mqtt_manager.py.
package manager

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodebridge/meshbridge/internal/broker"
	"github.com/nodebridge/meshbridge/internal/config"
	"github.com/nodebridge/meshbridge/internal/identity"
	"github.com/nodebridge/meshbridge/internal/logging"
	"github.com/nodebridge/meshbridge/internal/metrics"
	"github.com/nodebridge/meshbridge/internal/stats"
	"github.com/nodebridge/meshbridge/internal/token"
	"github.com/nodebridge/meshbridge/internal/topics"
)

// Reconnect state machine defaults, per spec.md §4.5.
const (
	initialReconnectDelay = time.Second
	reconnectBackoff      = 1.5
	maxReconnectDelay     = 120 * time.Second
	maxReconnectAttempts  = 12
	stillConnectingWindow = 10 * time.Second
	stableConnectionAge   = 120 * time.Second
)

// CommandDispatcher receives decoded inbound command envelopes. Satisfied
// by *command.Handler; kept as an interface so this package does not import
// internal/command (the handler calls back through command.Publisher,
// which Manager implements with PublishResponse).
type CommandDispatcher interface {
	Handle(envelopeToken string)
}

// Record is one configured broker's runtime state, per spec.md §3.
type Record struct {
	Index  int
	Name   string
	Cfg    config.Broker

	mu              sync.Mutex
	client          *broker.Client
	connected       bool
	connectingSince time.Time
	connectTime     time.Time
	reconnectAt     time.Time
	failedAttempts  int
}

func (r *Record) snapshot() (connected bool, connectingSince, connectTime, reconnectAt time.Time, failedAttempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, r.connectingSince, r.connectTime, r.reconnectAt, r.failedAttempts
}

// Manager owns the broker table and the reconnect state machine.
type Manager struct {
	cfg      config.Topics
	brokers  []config.Broker
	identity identity.Node
	logger   zerolog.Logger

	tokenCache *token.Cache
	counters   *stats.Counters
	metrics    *metrics.Registry
	dispatcher CommandDispatcher

	clientVersion string
	defaultIATA   string
	deviceStats   map[string]any

	mu             sync.Mutex
	records        []*Record
	reconnectDelay time.Duration
	mqttConnected  bool
	shutdown       bool
}

// New constructs a Manager for the given topics/broker config. SetIdentity
// must be called before ConnectAll.
func New(topicsCfg config.Topics, brokers []config.Broker, iata, clientVersion string, counters *stats.Counters, reg *metrics.Registry, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:            topicsCfg,
		brokers:        brokers,
		clientVersion:  clientVersion,
		defaultIATA:    iata,
		tokenCache:     token.NewCache(),
		counters:       counters,
		metrics:        reg,
		logger:         logger,
		reconnectDelay: initialReconnectDelay,
	}
}

// SetDeviceStats installs the latest device stats snapshot, merged into
// "online" status payloads, per spec.md §4.8.
func (m *Manager) SetDeviceStats(s map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceStats = s
}

// SetIdentity installs the node identity once established at startup.
func (m *Manager) SetIdentity(node identity.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = node
}

// SetDispatcher wires the Command Handler for inbound serial/commands
// messages.
func (m *Manager) SetDispatcher(d CommandDispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// RequestShutdown marks shutdown in progress; disconnect callbacks fired
// after this must not enqueue new reconnect attempts, per spec.md §5.
func (m *Manager) RequestShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdown = true
}

func (m *Manager) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// ShouldExit reports whether any broker escalated to the exhaustion
// condition, per spec.md §4.5/§5.
func (m *Manager) ShouldExit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

// ConnectAll performs the initial connection to every enabled broker, per
// spec.md §4.5. Requires at least one broker to connect within the wait
// window; otherwise returns an error for the Runtime's own outer retry
// policy.
func (m *Manager) ConnectAll() error {
	records := make([]*Record, len(m.brokers))
	var wg sync.WaitGroup
	for i, brokerCfg := range m.brokers {
		rec := &Record{Index: i, Name: brokerCfg.Name, Cfg: brokerCfg}
		records[i] = rec
		if rec.Name == "" {
			rec.Name = fmt.Sprintf("broker-%d", i)
		}
		if !brokerCfg.Enabled {
			continue
		}

		wg.Add(1)
		done := make(chan struct{})
		go func(rec *Record, done chan struct{}) {
			defer logging.RecoverPanic(m.logger, "connectRecord")
			m.connectRecord(rec)
			close(done)
		}(rec, done)
		go func() {
			defer logging.RecoverPanic(m.logger, "connectAllWaiter")
			defer wg.Done()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
			}
		}()
	}
	wg.Wait()

	m.mu.Lock()
	m.records = records
	m.mu.Unlock()

	if !m.IsAnyConnected() {
		return fmt.Errorf("manager: no brokers connected after initial connection attempts")
	}
	return nil
}

// ReconnectTick runs one pass of the reconnect state machine, per
// spec.md §4.5. Called once per Runtime tick.
func (m *Manager) ReconnectTick() {
	m.mu.Lock()
	records := append([]*Record(nil), m.records...)
	m.mu.Unlock()

	now := time.Now()
	for _, rec := range records {
		connected, connectingSince, _, reconnectAt, failedAttempts := rec.snapshot()
		if connected {
			continue
		}
		if !connectingSince.IsZero() && now.Sub(connectingSince) < stillConnectingWindow {
			continue
		}
		if now.Before(reconnectAt) {
			continue
		}
		if failedAttempts >= maxReconnectAttempts {
			m.logger.Error().Str("broker", rec.Name).Int("attempts", failedAttempts).
				Msg("consecutive failures exhausted - exiting for service restart")
			m.RequestShutdown()
			return
		}

		m.logger.Info().Str("broker", rec.Name).Int("attempt", failedAttempts+1).Msg("reconnecting")

		rec.mu.Lock()
		oldClient := rec.client
		rec.mu.Unlock()
		if oldClient != nil {
			oldClient.Disconnect()
		}
		m.tokenCache.Invalidate(rec.Index)
		if m.metrics != nil {
			m.metrics.BrokerReconnects.WithLabelValues(rec.Name).Inc()
		}

		if err := m.connectRecord(rec); err != nil {
			rec.mu.Lock()
			rec.failedAttempts++
			attempts := rec.failedAttempts
			jitter := time.Duration((rand.Float64() - 0.5) * float64(time.Second))
			delay := m.reconnectDelay + jitter
			if delay < 0 {
				delay = 0
			}
			rec.reconnectAt = now.Add(delay)
			rec.mu.Unlock()

			m.mu.Lock()
			m.reconnectDelay = time.Duration(minFloat(float64(m.reconnectDelay)*reconnectBackoff, float64(maxReconnectDelay)))
			m.mu.Unlock()

			m.logger.Warn().Str("broker", rec.Name).Int("attempt", attempts).Int("max", maxReconnectAttempts).
				Err(err).Msg("failed to reconnect")
		}
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// connectRecord creates a fresh client for rec and connects it.
func (m *Manager) connectRecord(rec *Record) error {
	if !rec.Cfg.Enabled {
		return nil
	}
	if rec.Cfg.Server == "" {
		return fmt.Errorf("broker %q: no server configured", rec.Name)
	}

	m.mu.Lock()
	node := m.identity
	m.mu.Unlock()
	if node.Name == "" {
		return fmt.Errorf("manager: cannot connect without node identity")
	}

	creds, ok := m.tokenCache.CredentialsFor(token.CredentialParams{
		Method:         string(rec.Cfg.AuthConfig.Method),
		StaticUsername: rec.Cfg.AuthConfig.Username,
		StaticPassword: rec.Cfg.AuthConfig.Password,
		Audience:       rec.Cfg.AuthConfig.Audience,
		Owner:          rec.Cfg.AuthConfig.Owner,
		Email:          rec.Cfg.AuthConfig.Email,
		TLSEnabled:     rec.Cfg.TLS.Enabled,
		TLSVerify:      rec.Cfg.TLS.Verify,
		ClientVersion:  m.clientVersion,
		NodePublicKey:  node.PublicKeyHex,
		NodePrivateKey: node.PrivateKeyHex,
		BrokerIndex:    rec.Index,
	})
	if !ok {
		return fmt.Errorf("broker %q: auth credentials unavailable", rec.Name)
	}

	clientID := topics.ClientIDForBroker(topics.SanitizeClientID(node.PublicKeyHex, rec.Cfg.ClientIDPrefix), rec.Index)

	statusTopic := topics.Resolve(topics.KindStatus, m.cfg, rec.Cfg, m.defaultIATA, node.PublicKeyOrUnknown())
	lwtPayload, _ := json.Marshal(m.buildStatusMessage("offline", false))

	qos := byte(rec.Cfg.QoS)
	if qos == 1 {
		qos = 0
	}

	transport := broker.TransportTCP
	if rec.Cfg.Transport == config.TransportWebsocket {
		transport = broker.TransportWebsocket
	}

	client := broker.New(broker.Options{
		ClientID:  clientID,
		Server:    rec.Cfg.Server,
		Port:      rec.Cfg.Port,
		Transport: transport,
		Keepalive: time.Duration(rec.Cfg.Keepalive) * time.Second,
		Username:  creds.Username,
		Password:  creds.Password,
		LastWill: broker.LastWill{
			Topic:   statusTopic,
			Payload: string(lwtPayload),
			QoS:     qos,
			Retain:  rec.Cfg.Retain,
		},
		TLS: broker.TLSConfig{Enabled: rec.Cfg.TLS.Enabled, Verify: rec.Cfg.TLS.Verify},
		OnConnect: func() {
			m.onConnect(rec)
		},
		OnDisconnect: func(err error) {
			m.onDisconnect(rec, err)
		},
		OnMessage: func(topic string, payload []byte) {
			m.onMessage(rec, topic, payload)
		},
	}, m.logger)

	rec.mu.Lock()
	rec.connectingSince = time.Now()
	rec.mu.Unlock()

	if err := client.Connect(); err != nil {
		return err
	}

	rec.mu.Lock()
	rec.client = client
	rec.mu.Unlock()
	return nil
}

func (m *Manager) onConnect(rec *Record) {
	rec.mu.Lock()
	wasConnected := rec.connected
	isFirstConnect := rec.connectTime.IsZero()
	rec.connected = true
	rec.connectingSince = time.Time{}
	rec.connectTime = time.Now()
	rec.failedAttempts = 0
	client := rec.client
	rec.mu.Unlock()

	m.mu.Lock()
	m.reconnectDelay = initialReconnectDelay
	m.mqttConnected = true
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BrokerConnects.WithLabelValues(rec.Name).Inc()
		m.metrics.BrokersConnected.Set(float64(m.connectedGaugeValue()))
	}

	switch {
	case wasConnected && !isFirstConnect:
		m.logger.Info().Str("broker", rec.Name).Msg("reconnected to broker")
	case isFirstConnect:
		m.logger.Info().Str("broker", rec.Name).Msg("connected to broker")
	}

	statusPayload, _ := json.Marshal(m.buildStatusMessage("online", true))
	statusTopic := topics.Resolve(topics.KindStatus, m.cfg, rec.Cfg, m.globalIATA(rec), m.identityPublicKeyOrUnknown())
	if statusTopic != "" && client != nil {
		qos := byte(rec.Cfg.QoS)
		if qos == 1 {
			qos = 0
		}
		client.Publish(statusTopic, statusPayload, qos, rec.Cfg.Retain)
	}

	if client != nil {
		node := m.currentIdentity()
		cmdTopic := topics.SerialCommandsTopic(m.globalIATA(rec), node.PublicKeyOrUnknown())
		if err := client.Subscribe(cmdTopic, 1); err != nil {
			m.logger.Error().Str("broker", rec.Name).Err(err).Msg("failed to subscribe to remote serial commands")
		} else {
			m.logger.Info().Str("broker", rec.Name).Str("topic", cmdTopic).Msg("subscribed to remote serial commands")
		}
	}
}

func (m *Manager) onDisconnect(rec *Record, err error) {
	if m.isShutdown() {
		rec.mu.Lock()
		rec.connected = false
		rec.mu.Unlock()
		return
	}

	rec.mu.Lock()
	alreadyDisconnected := !rec.connected
	rec.connected = false
	rec.connectingSince = time.Time{}

	m.mu.Lock()
	delay := m.reconnectDelay
	m.mu.Unlock()
	rec.reconnectAt = time.Now().Add(delay)

	connectTime := rec.connectTime
	if !connectTime.IsZero() {
		if time.Since(connectTime) < stableConnectionAge {
			rec.failedAttempts++
			m.logger.Warn().Str("broker", rec.Name).Int("failed_attempts", rec.failedAttempts).
				Msg("short-lived connection detected")
		} else if rec.failedAttempts > 0 {
			m.logger.Info().Str("broker", rec.Name).Msg("stable connection ended - resetting failure counter")
			rec.failedAttempts = 0
		}
	}
	rec.mu.Unlock()

	if m.metrics != nil {
		m.metrics.BrokerDisconnects.WithLabelValues(rec.Name).Inc()
		m.metrics.BrokersConnected.Set(float64(m.connectedGaugeValue()))
	}

	if !alreadyDisconnected {
		m.logger.Warn().Str("broker", rec.Name).Err(err).Msg("disconnected")
		if !connectTime.IsZero() {
			m.counters.RecordDisconnect(rec.Name)
		}
	}

	if !m.IsAnyConnected() {
		m.mu.Lock()
		m.mqttConnected = false
		m.mu.Unlock()
	}
}

func (m *Manager) onMessage(rec *Record, topic string, payload []byte) {
	if !hasSuffix(topic, "/serial/commands") {
		return
	}
	m.mu.Lock()
	dispatcher := m.dispatcher
	m.mu.Unlock()
	if dispatcher == nil {
		return
	}
	dispatcher.Handle(string(payload))
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// IsAnyConnected reports whether at least one broker is currently
// connected.
func (m *Manager) IsAnyConnected() bool {
	m.mu.Lock()
	records := m.records
	m.mu.Unlock()
	for _, rec := range records {
		connected, _, _, _, _ := rec.snapshot()
		if connected {
			return true
		}
	}
	return false
}

// ConnectedCount and TotalCount report broker connectivity for the stats
// reporter, per spec.md §4.8.
func (m *Manager) ConnectedCount() (connected, total int) {
	m.mu.Lock()
	records := m.records
	m.mu.Unlock()
	total = len(records)
	for _, rec := range records {
		c, _, _, _, _ := rec.snapshot()
		if c {
			connected++
		}
	}
	return connected, total
}

func (m *Manager) connectedGaugeValue() int {
	connected, _ := m.ConnectedCount()
	return connected
}

// SafePublish fans a payload out to every currently connected broker,
// per spec.md §4.5's safe_publish. Fails fast and bumps PublishFailures
// when globally disconnected.
func (m *Manager) SafePublish(topic string, payload []byte, retain bool) bool {
	if topic == "" {
		return false
	}
	m.mu.Lock()
	connected := m.mqttConnected
	records := append([]*Record(nil), m.records...)
	m.mu.Unlock()

	if !connected {
		m.counters.PublishFailures.Add(1)
		if m.metrics != nil {
			m.metrics.PublishFailures.Inc()
		}
		return false
	}

	success := false
	for _, rec := range records {
		isConnected, _, _, _, _ := rec.snapshot()
		if !isConnected {
			continue
		}
		rec.mu.Lock()
		client := rec.client
		rec.mu.Unlock()
		if client == nil {
			continue
		}
		qos := byte(rec.Cfg.QoS)
		if qos == 1 {
			qos = 0 // qos 1 causes retry storms at this device volume, per spec.md §4.5
		}
		if client.Publish(topic, payload, qos, retain) {
			success = true
		} else {
			m.counters.PublishFailures.Add(1)
			if m.metrics != nil {
				m.metrics.PublishFailures.Inc()
			}
		}
	}
	return success
}

// PublishResponse implements command.Publisher: broadcast a signed
// command response to all connected brokers at QoS 1, per spec.md §4.6.
func (m *Manager) PublishResponse(payload string) bool {
	node := m.currentIdentity()
	topic := topics.SerialResponsesTopic(m.globalIATAAny(), node.PublicKeyOrUnknown())

	m.mu.Lock()
	records := append([]*Record(nil), m.records...)
	m.mu.Unlock()

	published := false
	for _, rec := range records {
		isConnected, _, _, _, _ := rec.snapshot()
		if !isConnected {
			continue
		}
		rec.mu.Lock()
		client := rec.client
		rec.mu.Unlock()
		if client == nil {
			continue
		}
		if client.Publish(topic, []byte(payload), 1, false) {
			published = true
		}
	}
	return published
}

func (m *Manager) currentIdentity() identity.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

func (m *Manager) identityPublicKeyOrUnknown() string {
	return m.currentIdentity().PublicKeyOrUnknown()
}

func (m *Manager) globalIATA(rec *Record) string {
	if rec.Cfg.TopicsOverride.IATA != "" {
		return rec.Cfg.TopicsOverride.IATA
	}
	return m.defaultIATA
}

func (m *Manager) globalIATAAny() string {
	return m.defaultIATA
}

// buildStatusMessage mirrors original_source's build_status_message: a
// JSON object carrying identity, radio descriptor, and optionally the
// merged device stats map, per spec.md §4.8/§6.
func (m *Manager) buildStatusMessage(status string, includeStats bool) map[string]any {
	node := m.currentIdentity()
	msg := map[string]any{
		"status":           status,
		"timestamp":        time.Now().Format(time.RFC3339),
		"origin":           node.Name,
		"origin_id":        node.PublicKeyHex,
		"radio":            orUnknown(node.RadioInfo),
		"model":            orUnknown(node.BoardType),
		"firmware_version": orUnknown(node.FirmwareVersion),
		"client_version":   m.clientVersion,
	}
	if includeStats {
		m.mu.Lock()
		deviceStats := m.deviceStats
		m.mu.Unlock()
		if deviceStats != nil {
			msg["stats"] = deviceStats
		}
	}
	return msg
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
