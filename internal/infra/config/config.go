// Package config loads the msgpipe configuration from YAML and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Connection   ConnectionConfig   `yaml:"connection"`
	TLS          TLSConfig          `yaml:"tls"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Environment  EnvironmentConfig  `yaml:"environment"`
	Reachability ReachabilityConfig `yaml:"reachability"`
	Server       ServerConfig       `yaml:"server"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// ConnectionConfig configures the websocket connection.
type ConnectionConfig struct {
	// URL may contain two %s verbs for the login and password.
	URL                 string        `yaml:"url"`
	Transport           string        `yaml:"transport"`
	Agent               string        `yaml:"agent"`
	AgentHeader         string        `yaml:"agent_header"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	KeepaliveInterval   time.Duration `yaml:"keepalive_interval"`
	MaxMissedKeepalives int           `yaml:"max_missed_keepalives"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	ReadLimit           int64         `yaml:"read_limit"`
}

// TLSConfig configures server certificate validation.
type TLSConfig struct {
	TrustStore         string   `yaml:"trust_store"`
	Pins               []string `yaml:"pins"`
	BlacklistedSerials []string `yaml:"blacklisted_serials"`
	ServerName         string   `yaml:"server_name"`
}

// CredentialsConfig holds the account credentials and session tokens.
type CredentialsConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Cookie   string `yaml:"cookie"`
	ClientID string `yaml:"client_id"`
	Token    string `yaml:"token"`
}

// SupervisorConfig configures the reconnect loop.
type SupervisorConfig struct {
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// EnvironmentConfig seeds the inputs of the connection necessity check.
type EnvironmentConfig struct {
	Registered   bool `yaml:"registered"`
	Foreground   bool `yaml:"foreground"`
	PushEnabled  bool `yaml:"push_enabled"`
	Censored     bool `yaml:"censored"`
	ProxyEnabled bool `yaml:"proxy_enabled"`
}

// ReachabilityConfig configures the network probe.
type ReachabilityConfig struct {
	Enabled bool `yaml:"enabled"`
	// Address is probed with a TCP dial; empty means the connection URL host.
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerConfig configures the reference backend.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// LoggerConfig configures structured logging.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig configures OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Connection: ConnectionConfig{
			URL:                 "ws://localhost:8080/v1/websocket/?login=%s&password=%s",
			Transport:           "nhooyr",
			Agent:               "msgpipe",
			AgentHeader:         "X-Signal-Agent",
			RequestTimeout:      10 * time.Second,
			KeepaliveInterval:   55 * time.Second,
			MaxMissedKeepalives: 3,
			HandshakeTimeout:    30 * time.Second,
			ReadLimit:           1 << 20,
		},
		Supervisor: SupervisorConfig{
			ReadTimeout:    time.Minute,
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
		},
		Environment: EnvironmentConfig{
			Registered: true,
			Foreground: true,
		},
		Reachability: ReachabilityConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		Server: ServerConfig{
			Addr: ":8080",
			Path: "/v1/websocket/",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps MSGPIPE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MSGPIPE_URL"); v != "" {
		cfg.Connection.URL = v
	}
	if v := os.Getenv("MSGPIPE_TRANSPORT"); v != "" {
		cfg.Connection.Transport = v
	}
	if v := os.Getenv("MSGPIPE_AGENT"); v != "" {
		cfg.Connection.Agent = v
	}
	if v := os.Getenv("MSGPIPE_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Connection.RequestTimeout = d
		}
	}
	if v := os.Getenv("MSGPIPE_KEEPALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Connection.KeepaliveInterval = d
		}
	}
	if v := os.Getenv("MSGPIPE_MAX_MISSED_KEEPALIVES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Connection.MaxMissedKeepalives = n
		}
	}
	if v := os.Getenv("MSGPIPE_TLS_TRUST_STORE"); v != "" {
		cfg.TLS.TrustStore = v
	}
	if v := os.Getenv("MSGPIPE_USER"); v != "" {
		cfg.Credentials.User = v
	}
	if v := os.Getenv("MSGPIPE_PASSWORD"); v != "" {
		cfg.Credentials.Password = v
	}
	if v := os.Getenv("MSGPIPE_COOKIE"); v != "" {
		cfg.Credentials.Cookie = v
	}
	if v := os.Getenv("MSGPIPE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.ReadTimeout = d
		}
	}
	if v := os.Getenv("MSGPIPE_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Supervisor.BackoffMax = d
		}
	}
	if v := os.Getenv("MSGPIPE_PUSH_ENABLED"); v != "" {
		cfg.Environment.PushEnabled = v == "true"
	}
	if v := os.Getenv("MSGPIPE_PROXY_ENABLED"); v != "" {
		cfg.Environment.ProxyEnabled = v == "true"
	}
	if v := os.Getenv("MSGPIPE_REACHABILITY_ENABLED"); v != "" {
		cfg.Reachability.Enabled = v == "true"
	}
	if v := os.Getenv("MSGPIPE_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MSGPIPE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MSGPIPE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MSGPIPE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MSGPIPE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}
