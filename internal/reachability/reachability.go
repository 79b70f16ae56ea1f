// Package reachability probes the backend over TCP and reports when the
// network comes and goes.
package reachability

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// Probe checks whether address can be reached.
type Probe func(ctx context.Context, address string) error

// Monitor periodically probes an address. It assumes the network is
// available until a probe says otherwise.
type Monitor struct {
	address  string
	interval time.Duration
	timeout  time.Duration
	probe    Probe
	onChange func(available bool)
	logger   *slog.Logger

	available atomic.Bool
}

// New creates a Monitor. onChange is called on every transition.
func New(address string, interval, timeout time.Duration, onChange func(available bool), logger *slog.Logger) *Monitor {
	m := &Monitor{
		address:  address,
		interval: interval,
		timeout:  timeout,
		probe:    DialProbe,
		onChange: onChange,
		logger:   logger.With("component", "reachability", "address", address),
	}
	m.available.Store(true)
	return m
}

// Available returns the result of the last probe.
func (m *Monitor) Available() bool {
	return m.available.Load()
}

// Start runs the probe loop in the background until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go m.Run(ctx)
}

// Run probes immediately and then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and reports a transition. It returns the new state.
func (m *Monitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.probe(ctx, m.address)
	available := err == nil

	was := m.available.Swap(available)
	switch {
	case !was && available:
		m.logger.Info("network restored")
	case was && !available:
		m.logger.Warn("network lost", "error", err)
	default:
		return available
	}
	if m.onChange != nil {
		m.onChange(available)
	}
	return available
}

// DialProbe opens and closes a TCP connection to address.
func DialProbe(ctx context.Context, address string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// AddressFromURL returns the host:port a websocket URL connects to.
func AddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
