// Package supervisor keeps a websocket connection open while one is needed,
// reconnecting with exponential backoff, and feeds inbound frames to the
// envelope processor or the command router.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/omochice/msgpipe/internal/command"
	"github.com/omochice/msgpipe/internal/infra/tracer"
	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyRunning is returned by Run when the supervisor is already running.
var ErrAlreadyRunning = errors.New("supervisor already running")

// Router dispatches control commands.
type Router interface {
	Dispatch(ctx context.Context, f protocol.Frame) command.Outcome
}

// Supervisor owns the single connection of a client. Everything that needs
// to talk to the server goes through it.
type Supervisor struct {
	uri              string
	dialer           transport.Dialer
	router           Router
	envelopes        EnvelopeProcessor
	onAuthFailure    AuthFailureHandler
	drainedListeners []func()
	connOpts         []wsconn.Option
	readTimeout      time.Duration
	backoffInitial   time.Duration
	backoffMax       time.Duration
	logger           *slog.Logger
	connLogger       *slog.Logger

	// sleep waits between reconnect attempts.
	sleep func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	conds      Conditions
	authFailed bool
	changed    chan struct{}
	conn       *wsconn.Connection
	running    bool
}

// New creates a Supervisor dialing uri through dialer. Conditions default to
// a registered, foregrounded client on an available network.
func New(uri string, dialer transport.Dialer, router Router, opts ...Option) *Supervisor {
	s := &Supervisor{
		uri:            uri,
		dialer:         dialer,
		router:         router,
		readTimeout:    DefaultReadTimeout,
		backoffInitial: DefaultBackoffInitial,
		backoffMax:     DefaultBackoffMax,
		logger:         slog.Default(),
		sleep:          sleepContext,
		conds: Conditions{
			Registered:       true,
			Foreground:       true,
			NetworkAvailable: true,
		},
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connLogger = s.logger
	s.logger = s.logger.With("component", "supervisor")
	return s
}

// Conditions returns the current inputs of the necessity check.
func (s *Supervisor) Conditions() Conditions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conds
}

// Necessary reports whether a connection should be open right now.
func (s *Supervisor) Necessary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.necessaryLocked()
}

func (s *Supervisor) necessaryLocked() bool {
	return s.conds.Necessary() && !s.authFailed
}

// Notify applies ev and wakes the run loop. When the connection stops being
// necessary the open connection is closed at once.
func (s *Supervisor) Notify(ev Event) {
	s.mu.Lock()
	s.conds.apply(ev)
	if ev.Kind == EventRegistration || ev.Kind == EventCredentials {
		s.authFailed = false
	}
	necessary := s.necessaryLocked()
	close(s.changed)
	s.changed = make(chan struct{})
	conn := s.conn
	s.mu.Unlock()

	s.logger.Debug("condition changed", "kind", ev.Kind, "value", ev.Value, "necessary", necessary)

	if !necessary && conn != nil {
		s.logger.Info("connection no longer necessary, disconnecting")
		conn.Disconnect()
	}
}

// Run keeps a connection open while one is necessary until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, s.disconnect)
	defer stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffInitial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.backoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	s.logger.Info("supervisor started")

	for {
		if err := s.waitNecessary(ctx); err != nil {
			s.logger.Info("supervisor stopped")
			return nil
		}

		conn := s.open()
		if conn == nil {
			continue
		}
		if ctx.Err() != nil {
			s.release(conn)
			s.logger.Info("supervisor stopped")
			return nil
		}

		err := s.serve(ctx, conn, &attempts, b)
		s.release(conn)

		if ctx.Err() != nil {
			s.logger.Info("supervisor stopped")
			return nil
		}

		if errors.Is(err, wsconn.ErrAuthenticationFailed) {
			s.authenticationFailed()
			continue
		}
		if !s.Necessary() {
			continue
		}

		attempts++
		delay := b.NextBackOff()
		s.logger.Warn("connection lost, reconnecting", "attempts", attempts, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			s.logger.Info("supervisor stopped")
			return nil
		}
	}
}

// Request sends f over the current connection and waits for the response.
func (s *Supervisor) Request(ctx context.Context, f protocol.Frame) (wsconn.Response, error) {
	conn := s.current()
	if conn == nil {
		return wsconn.Response{}, wsconn.ErrNotConnected
	}
	return conn.Request(ctx, f)
}

// SendResponse answers a server request over the current connection.
func (s *Supervisor) SendResponse(ctx context.Context, f protocol.Frame) error {
	conn := s.current()
	if conn == nil {
		return wsconn.ErrNotConnected
	}
	return conn.SendResponse(ctx, f)
}

// State returns the state of the current connection.
func (s *Supervisor) State() wsconn.State {
	conn := s.current()
	if conn == nil {
		return wsconn.StateDisconnected
	}
	return conn.State()
}

func (s *Supervisor) current() *wsconn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Supervisor) waitNecessary(ctx context.Context) error {
	logged := false
	for {
		s.mu.Lock()
		ok := s.necessaryLocked()
		changed := s.changed
		s.mu.Unlock()

		if ok {
			return nil
		}
		if !logged {
			s.logger.Info("waiting for connection to become necessary")
			logged = true
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// open creates and connects a Connection unless necessity changed since the
// wait returned.
func (s *Supervisor) open() *wsconn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.necessaryLocked() {
		return nil
	}
	opts := append([]wsconn.Option{wsconn.WithLogger(s.connLogger)}, s.connOpts...)
	s.conn = wsconn.New(s.uri, s.dialer, opts...)
	s.conn.Connect()
	return s.conn
}

func (s *Supervisor) release(conn *wsconn.Connection) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}

func (s *Supervisor) disconnect() {
	if conn := s.current(); conn != nil {
		conn.Disconnect()
	}
}

func (s *Supervisor) authenticationFailed() {
	s.mu.Lock()
	s.authFailed = true
	s.mu.Unlock()

	s.logger.Error("authentication failed, waiting for new credentials")
	if s.onAuthFailure != nil {
		s.onAuthFailure()
	}
}

// serve reads inbound frames until the connection closes.
func (s *Supervisor) serve(ctx context.Context, conn *wsconn.Connection, attempts *int, b backoff.BackOff) error {
	ctx, span := tracer.StartSpan(ctx, "supervisor.connection", trace.WithAttributes(
		tracer.StringAttr("connection.name", conn.Name()),
		tracer.IntAttr("connection.attempts", *attempts),
	))
	defer span.End()

	drained := false
	for {
		f, err := conn.ReadInboundRequest(s.readTimeout)
		switch {
		case err == nil:
			*attempts = 0
			b.Reset()
			s.handle(ctx, conn, f)
		case errors.Is(err, wsconn.ErrTimeout):
			if conn.State() != wsconn.StateConnected {
				continue
			}
			*attempts = 0
			b.Reset()
			if !drained {
				drained = true
				s.drained()
			}
		default:
			tracer.RecordError(span, err)
			return err
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, conn *wsconn.Connection, f protocol.Frame) {
	if f.IsEnvelope() {
		s.handleEnvelope(ctx, conn, f)
		return
	}
	if f.Type == protocol.FrameTypeResponse && f.Command == "" {
		s.logger.Debug("dropping response without command", "id", f.ID, "status", f.Status)
		return
	}
	s.router.Dispatch(ctx, f)
}

// handleEnvelope passes f to the envelope processor and acknowledges
// envelope requests once they were processed.
func (s *Supervisor) handleEnvelope(ctx context.Context, conn *wsconn.Connection, f protocol.Frame) {
	if s.envelopes == nil {
		s.logger.Warn("no envelope processor, dropping envelope", "id", f.ID)
		return
	}
	if err := s.envelopes.ProcessEnvelope(ctx, f); err != nil {
		s.logger.Error("failed to process envelope", "id", f.ID, "error", err)
		return
	}
	if f.Type != protocol.FrameTypeRequest || f.ID == 0 {
		return
	}
	ack := protocol.NewResponse(f.ID, http.StatusOK, "OK", nil)
	if err := conn.SendResponse(ctx, ack); err != nil {
		s.logger.Warn("failed to acknowledge envelope", "id", f.ID, "error", err)
	}
}

func (s *Supervisor) drained() {
	s.logger.Debug("inbound queue drained")
	for _, fn := range s.drainedListeners {
		fn()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", ctx.Err())
	}
}
