// Package broker is the Broker Client: one logical connection to one
// broker, per spec.md §4.4. Grounded on
// original_source/bridge/broker_client.py's PahoBrokerClient, built on
// github.com/eclipse/paho.mqtt.golang (the pack's one real MQTT client
// library) with a github.com/gorilla/websocket-based keepalive loop for
// WebSocket transports, since paho doesn't expose the raw socket needed
// to send a transport-level PING frame.
package broker

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nodebridge/meshbridge/internal/logging"
)

// Transport mirrors config.Transport without importing internal/config,
// keeping this package usable independent of the config shape.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebsocket Transport = "websocket"
)

// LastWill is the broker's LWT registration, per spec.md §4.4.
type LastWill struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

// TLSConfig controls transport security, per spec.md §4.4.
type TLSConfig struct {
	Enabled bool
	Verify  bool
}

// Options captures everything the Broker Client constructor needs, per
// spec.md §4.4.
type Options struct {
	ClientID  string
	Server    string
	Port      int
	Transport Transport
	Keepalive time.Duration
	Username  string
	Password  string
	LastWill  LastWill
	TLS       TLSConfig

	OnConnect    func()
	OnDisconnect func(err error)
	OnMessage    func(topic string, payload []byte)
}

// Client is one logical connection to one broker.
type Client struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	mqttClient mqtt.Client
	wsConn     *websocket.Conn // retained only for transport-level PING; paho owns framing
	stopPing   chan struct{}
}

// New constructs a Client. It does not connect.
func New(opts Options, logger zerolog.Logger) *Client {
	return &Client{opts: opts, logger: logger}
}

// Connect dials the broker and starts its network loop, per spec.md §4.4.
func (c *Client) Connect() error {
	c.mu.Lock()

	scheme := "tcp"
	if c.opts.Transport == TransportWebsocket {
		scheme = "ws"
		if c.opts.TLS.Enabled {
			scheme = "wss"
		}
	} else if c.opts.TLS.Enabled {
		scheme = "ssl"
	}

	var broker string
	if c.opts.Transport == TransportWebsocket {
		broker = fmt.Sprintf("%s://%s:%d/", scheme, c.opts.Server, c.opts.Port)
	} else {
		broker = fmt.Sprintf("%s://%s:%d", scheme, c.opts.Server, c.opts.Port)
	}

	mqttOpts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(c.opts.ClientID).
		SetUsername(c.opts.Username).
		SetPassword(c.opts.Password).
		SetKeepAlive(c.opts.Keepalive).
		SetAutoReconnect(false). // reconnect is driven by internal/manager's own state machine
		SetCleanSession(true)

	if c.opts.LastWill.Topic != "" {
		mqttOpts.SetWill(c.opts.LastWill.Topic, c.opts.LastWill.Payload, c.opts.LastWill.QoS, c.opts.LastWill.Retain)
	}

	if c.opts.TLS.Enabled {
		mqttOpts.SetTLSConfig(&tls.Config{InsecureSkipVerify: !c.opts.TLS.Verify})
		if !c.opts.TLS.Verify {
			c.logger.Warn().Str("client_id", c.opts.ClientID).Msg("TLS verification disabled")
		}
	}

	if c.opts.Transport == TransportWebsocket {
		// paho abstracts the socket away entirely; dial with gorilla/websocket
		// ourselves so startKeepalive can reach the live *websocket.Conn to
		// send transport-level PING frames (spec.md §4.4), and hand paho a
		// net.Conn-shaped wrapper around it for MQTT framing.
		mqttOpts.SetCustomOpenConnectionFn(func(uri *url.URL, _ mqtt.ClientOptions) (net.Conn, error) {
			dialer := websocket.DefaultDialer
			if c.opts.TLS.Enabled {
				dialer = &websocket.Dialer{TLSClientConfig: &tls.Config{InsecureSkipVerify: !c.opts.TLS.Verify}}
			}
			wsConn, _, err := dialer.Dial(uri.String(), nil)
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.wsConn = wsConn
			c.mu.Unlock()
			return newWebsocketConn(wsConn), nil
		})
	}

	mqttOpts.SetOnConnectHandler(func(mqtt.Client) {
		if c.opts.Transport == TransportWebsocket {
			c.startKeepalive()
		}
		if c.opts.OnConnect != nil {
			c.opts.OnConnect()
		}
	})
	mqttOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.stopKeepalive()
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(err)
		}
	})
	mqttOpts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(msg.Topic(), msg.Payload())
		}
	})

	client := mqtt.NewClient(mqttOpts)
	c.mqttClient = client
	// Release c.mu before waiting: paho dials on its own goroutine, and the
	// WebSocket dialer above takes c.mu to store the connection.
	c.mu.Unlock()
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("broker: connect timed out")
	}
	return token.Error()
}

// IsConnected reports the underlying client library's live connection
// state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mqttClient != nil && c.mqttClient.IsConnected()
}

// Publish sends payload to topic at qos, per spec.md §4.4.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) bool {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return false
	}
	token := client.Publish(topic, qos, retain, payload)
	return token.WaitTimeout(5*time.Second) && token.Error() == nil
}

// Subscribe subscribes to topic at qos, per spec.md §4.4.
func (c *Client) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("broker: not connected")
	}
	token := client.Subscribe(topic, qos, nil)
	token.Wait()
	return token.Error()
}

// Disconnect stops the network loop and the keepalive task, per spec.md
// §4.4/§4.5. Errors are ignored, matching the reconnect loop's "stop old
// client (errors ignored)" step.
func (c *Client) Disconnect() {
	c.stopKeepalive()
	c.mu.Lock()
	client := c.mqttClient
	c.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
}

// startKeepalive launches the 45-second transport-level WebSocket PING
// loop, per spec.md §4.4/§5. startKeepalive takes its own short-lived lock;
// callers must not hold c.mu when invoking it.
func (c *Client) startKeepalive() {
	c.mu.Lock()
	if c.stopPing != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopPing = stop
	c.mu.Unlock()

	go func() {
		defer logging.RecoverPanic(c.logger, "websocketKeepalive")

		ticker := time.NewTicker(45 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				conn := c.wsConn
				c.mu.Unlock()
				if conn == nil {
					continue
				}
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					c.logger.Debug().Err(err).Msg("websocket keepalive ping failed")
				}
			}
		}
	}()
}

func (c *Client) stopKeepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
}
