// Package config loads the bridge's settings tree from TOML files and the
// environment, the way ws/config.go loads its .env-backed Config: ENV vars
// override the file, the file overrides defaults.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// General holds process-wide, non-serial, non-broker settings.
type General struct {
	IATA     string `mapstructure:"iata"`
	SyncTime bool   `mapstructure:"sync_time"`
	LogLevel string `mapstructure:"log_level"`
}

// Serial holds the serial device settings.
type Serial struct {
	Ports           []string `mapstructure:"ports"`
	BaudRate        int      `mapstructure:"baud_rate"`
	Timeout         int      `mapstructure:"timeout"`
	WatchdogTimeout int      `mapstructure:"watchdog_timeout"`
}

// Topics holds the global topic templates.
type Topics struct {
	Packets string `mapstructure:"packets"`
	Status  string `mapstructure:"status"`
	Debug   string `mapstructure:"debug"`
}

// BrokerTopics holds per-broker topic overrides plus an optional IATA
// override.
type BrokerTopics struct {
	Packets string `mapstructure:"packets"`
	Status  string `mapstructure:"status"`
	Debug   string `mapstructure:"debug"`
	IATA    string `mapstructure:"iata"`
}

// TLS holds per-broker transport security settings.
type TLS struct {
	Enabled bool `mapstructure:"enabled"`
	Verify  bool `mapstructure:"verify"`
}

// AuthMethod tags how a broker authenticates.
type AuthMethod string

const (
	AuthNone     AuthMethod = "none"
	AuthPassword AuthMethod = "password"
	AuthToken    AuthMethod = "token"
)

// Auth holds per-broker authentication settings.
type Auth struct {
	Method   AuthMethod `mapstructure:"method"`
	Username string     `mapstructure:"username"`
	Password string     `mapstructure:"password"`
	Audience string     `mapstructure:"audience"`
	Owner    string     `mapstructure:"owner"`
	Email    string     `mapstructure:"email"`
}

// Transport tags the wire transport a broker connection uses.
type Transport string

const (
	TransportTCP       Transport = "tcp"
	TransportWebsocket Transport = "websocket"
)

// Broker holds one configured broker's full settings.
type Broker struct {
	Name            string       `mapstructure:"name"`
	Enabled         bool         `mapstructure:"enabled"`
	Server          string       `mapstructure:"server"`
	Port            int          `mapstructure:"port"`
	Transport       Transport    `mapstructure:"transport"`
	Keepalive       int          `mapstructure:"keepalive"`
	QoS             int          `mapstructure:"qos"`
	Retain          bool         `mapstructure:"retain"`
	ClientIDPrefix  string       `mapstructure:"client_id_prefix"`
	TLS             TLS          `mapstructure:"tls"`
	AuthConfig      Auth         `mapstructure:"auth"`
	TopicsOverride  BrokerTopics `mapstructure:"topics"`
}

// RemoteSerial holds the signed-remote-command feature's settings.
type RemoteSerial struct {
	Enabled             bool     `mapstructure:"enabled"`
	AllowedCompanions   []string `mapstructure:"allowed_companions"`
	DisallowedCommands  []string `mapstructure:"disallowed_commands"`
	NonceTTL            int      `mapstructure:"nonce_ttl"`
	CommandTimeout      int      `mapstructure:"command_timeout"`
	RateLimitPerSecond  float64  `mapstructure:"rate_limit_per_second"`
	RateLimitBurst      int      `mapstructure:"rate_limit_burst"`
}

// Metrics holds the optional Prometheus exporter's settings. Not part of
// spec.md; added per SPEC_FULL.md §B/§C.3.
type Metrics struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Config is the whole parsed settings tree the core consumes.
type Config struct {
	General      General      `mapstructure:"general"`
	Serial       Serial       `mapstructure:"serial"`
	Topics       Topics       `mapstructure:"topics"`
	Broker       []Broker     `mapstructure:"broker"`
	RemoteSerial RemoteSerial `mapstructure:"remote_serial"`
	Metrics      Metrics      `mapstructure:"metrics"`
}

// Load reads a TOML config file (and an optional sibling .env) into Config.
// Environment variables win over the file, which wins over defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		// No .env file is a normal outcome — most deployments rely on the
		// TOML file plus systemd Environment= lines instead.
		_ = err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	setDefaults(v)

	v.SetEnvPrefix("MESHBRIDGE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %q: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config %q: %w", path, err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.iata", "XXX")
	v.SetDefault("general.sync_time", true)
	v.SetDefault("general.log_level", "info")

	v.SetDefault("serial.ports", []string{"/dev/ttyACM0"})
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.timeout", 2)
	v.SetDefault("serial.watchdog_timeout", 900)

	v.SetDefault("remote_serial.enabled", false)
	v.SetDefault("remote_serial.disallowed_commands", []string{
		"get prv.key", "set prv.key", "erase", "password",
	})
	v.SetDefault("remote_serial.nonce_ttl", 120)
	v.SetDefault("remote_serial.command_timeout", 10)
	v.SetDefault("remote_serial.rate_limit_per_second", 2.0)
	v.SetDefault("remote_serial.rate_limit_burst", 5)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
}

// validate fills per-broker defaults (port, keepalive, client-id prefix,
// transport, auth method) and fails the load on an unknown transport or
// auth method. It does not check timeouts or empty broker servers.
// Companion keys are validated separately, when the Bridge Runtime builds
// the allowlist with internal/identity.
func validate(cfg *Config) error {
	for i := range cfg.Broker {
		b := &cfg.Broker[i]
		if b.Port == 0 {
			b.Port = 1883
		}
		if b.Keepalive == 0 {
			b.Keepalive = 60
		}
		if b.ClientIDPrefix == "" {
			b.ClientIDPrefix = "meshcore_"
		}
		if b.Transport == "" {
			b.Transport = TransportTCP
		}
		if b.Transport != TransportTCP && b.Transport != TransportWebsocket {
			return fmt.Errorf("broker %q: unknown transport %q", b.Name, b.Transport)
		}
		if b.AuthConfig.Method == "" {
			b.AuthConfig.Method = AuthNone
		}
		if b.AuthConfig.Method != AuthNone && b.AuthConfig.Method != AuthPassword && b.AuthConfig.Method != AuthToken {
			return fmt.Errorf("broker %q: unknown auth method %q", b.Name, b.AuthConfig.Method)
		}
	}
	return nil
}
