package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

// Defaults used when an option is not given.
const (
	DefaultReadTimeout    = time.Minute
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// EnvelopeProcessor consumes frames carrying a secure envelope.
type EnvelopeProcessor interface {
	ProcessEnvelope(ctx context.Context, f protocol.Frame) error
}

// EnvelopeFunc adapts a function to EnvelopeProcessor.
type EnvelopeFunc func(ctx context.Context, f protocol.Frame) error

// ProcessEnvelope implements EnvelopeProcessor.
func (fn EnvelopeFunc) ProcessEnvelope(ctx context.Context, f protocol.Frame) error {
	return fn(ctx, f)
}

// AuthFailureHandler is called when the server rejects the credentials.
type AuthFailureHandler func()

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithConditions sets the initial inputs of the necessity check.
func WithConditions(c Conditions) Option {
	return func(s *Supervisor) {
		s.conds = c
	}
}

// WithEnvelopeProcessor sets the consumer of envelope frames. Without one,
// envelopes are dropped with a warning.
func WithEnvelopeProcessor(p EnvelopeProcessor) Option {
	return func(s *Supervisor) {
		s.envelopes = p
	}
}

// WithAuthFailureHandler sets the handler for rejected credentials.
func WithAuthFailureHandler(fn AuthFailureHandler) Option {
	return func(s *Supervisor) {
		s.onAuthFailure = fn
	}
}

// WithReadTimeout bounds each wait for an inbound frame.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// WithBackoff sets the first reconnect delay and its cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) {
		if initial > 0 {
			s.backoffInitial = initial
		}
		if max > 0 {
			s.backoffMax = max
		}
	}
}

// WithConnectionOptions sets the options of every Connection the supervisor opens.
func WithConnectionOptions(opts ...wsconn.Option) Option {
	return func(s *Supervisor) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// OnDrained registers fn to be called once the first read of a connection
// times out, meaning the server has nothing more queued.
func OnDrained(fn func()) Option {
	return func(s *Supervisor) {
		s.drainedListeners = append(s.drainedListeners, fn)
	}
}
