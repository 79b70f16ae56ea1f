package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateConnection(cfg, ve)
	validateSupervisor(cfg, ve)
	validateReachability(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validTransports = map[string]bool{
	"nhooyr": true,
	"gobwas": true,
}

func validateConnection(cfg *Config, ve *ValidationError) {
	c := cfg.Connection
	if c.URL == "" {
		ve.Add("connection.url must not be empty")
	} else if u, err := url.Parse(strings.ReplaceAll(c.URL, "%s", "x")); err != nil {
		ve.Add("connection.url is invalid: %v", err)
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		ve.Add("connection.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if n := strings.Count(c.URL, "%s"); n != 0 && n != 2 {
		ve.Add("connection.url must contain zero or two %%s verbs, got %d", n)
	}
	if !validTransports[c.Transport] {
		ve.Add("connection.transport %q is not supported (nhooyr, gobwas)", c.Transport)
	}
	if c.RequestTimeout <= 0 {
		ve.Add("connection.request_timeout must be > 0")
	}
	if c.KeepaliveInterval <= 0 {
		ve.Add("connection.keepalive_interval must be > 0")
	}
	if c.MaxMissedKeepalives < 0 {
		ve.Add("connection.max_missed_keepalives must be >= 0")
	}
	if c.HandshakeTimeout <= 0 {
		ve.Add("connection.handshake_timeout must be > 0")
	}
}

func validateSupervisor(cfg *Config, ve *ValidationError) {
	s := cfg.Supervisor
	if s.ReadTimeout <= 0 {
		ve.Add("supervisor.read_timeout must be > 0")
	}
	if s.BackoffInitial <= 0 {
		ve.Add("supervisor.backoff_initial must be > 0")
	}
	if s.BackoffMax < s.BackoffInitial {
		ve.Add("supervisor.backoff_max must be >= supervisor.backoff_initial")
	}
}

func validateReachability(cfg *Config, ve *ValidationError) {
	r := cfg.Reachability
	if !r.Enabled {
		return
	}
	if r.Interval <= 0 {
		ve.Add("reachability.interval must be > 0 when reachability is enabled")
	}
	if r.Timeout <= 0 {
		ve.Add("reachability.timeout must be > 0 when reachability is enabled")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be text or json, got %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter must be noop or stdout, got %q", cfg.Tracer.Exporter)
	}
}
