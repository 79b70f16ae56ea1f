// Package health tracks liveness of a message pipe from keepalive responses
// and failed requests.
package health

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/omochice/msgpipe/internal/wsconn"
)

// Snapshot is a point-in-time view of the monitor counters.
type Snapshot struct {
	Keepalives         int
	LastKeepalive      time.Time
	LastKeepaliveID    uint64
	ErrorsByStatus     map[uint16]int
	AuthErrors         int
	SinceLastKeepalive time.Duration
}

// Monitor implements wsconn.HealthMonitor.
type Monitor struct {
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	keepalives      int
	lastKeepalive   time.Time
	lastKeepaliveID uint64
	errors          map[uint16]int
	onAuthError     func(status uint16)
}

// NewMonitor creates a Monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With("component", "health"),
		now:    time.Now,
		errors: make(map[uint16]int),
	}
}

// OnAuthError registers fn to be called when a request is answered with 401
// or 403, which usually means the credentials were revoked.
func (m *Monitor) OnAuthError(fn func(status uint16)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthError = fn
}

// OnKeepAliveResponse implements wsconn.HealthMonitor.
func (m *Monitor) OnKeepAliveResponse(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keepalives++
	m.lastKeepalive = m.now()
	m.lastKeepaliveID = id
	m.logger.Debug("keepalive answered", "id", id)
}

// OnMessageError implements wsconn.HealthMonitor.
func (m *Monitor) OnMessageError(status uint16) {
	m.mu.Lock()
	m.errors[status]++
	fn := m.onAuthError
	m.mu.Unlock()

	m.logger.Warn("request failed", "status", status)
	if fn != nil && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		fn(status)
	}
}

// Snapshot returns the current counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := make(map[uint16]int, len(m.errors))
	auth := 0
	for status, n := range m.errors {
		errs[status] = n
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			auth += n
		}
	}

	s := Snapshot{
		Keepalives:      m.keepalives,
		LastKeepalive:   m.lastKeepalive,
		LastKeepaliveID: m.lastKeepaliveID,
		ErrorsByStatus:  errs,
		AuthErrors:      auth,
	}
	if !m.lastKeepalive.IsZero() {
		s.SinceLastKeepalive = m.now().Sub(m.lastKeepalive)
	}
	return s
}

var _ wsconn.HealthMonitor = (*Monitor)(nil)
