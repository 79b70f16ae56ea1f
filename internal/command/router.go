package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/omochice/msgpipe/pkg/protocol"
)

// Handler processes one control command.
type Handler func(ctx context.Context, f protocol.Frame) error

// Outcome reports what Dispatch did with a frame.
type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeIgnored
	OutcomeUnhandled
	OutcomeFailed
)

// String returns the string representation of Outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "HANDLED"
	case OutcomeIgnored:
		return "IGNORED"
	case OutcomeUnhandled:
		return "UNHANDLED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Router maps command paths to handlers. A path registered with a nil
// handler is ignored silently, unlike a path that was never registered.
type Router struct {
	logger *slog.Logger

	tableMu sync.RWMutex
	routes  map[string]Handler

	// mu serialises every handler invocation.
	mu sync.Mutex
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger.With("component", "command"),
		routes: make(map[string]Handler),
	}
}

// Handlers supplies the collaborators for commands that carry payloads.
type Handlers struct {
	Location  Handler
	StateSync Handler
}

// NewDefaultRouter creates a Router populated from the static command table.
// Commands with payloads are routed to h; a nil entry leaves the command
// unregistered.
func NewDefaultRouter(logger *slog.Logger, h Handlers) *Router {
	r := NewRouter(logger)
	for _, c := range Commands() {
		switch {
		case c.Ignored():
			r.Ignore(c.Path())
		case c == CommandLocation && h.Location != nil:
			r.Register(c.Path(), h.Location)
		case c == CommandStateSync && h.StateSync != nil:
			r.Register(c.Path(), h.StateSync)
		}
	}
	return r
}

// Register routes path to h. A nil h marks the path as ignored.
func (r *Router) Register(path string, h Handler) {
	r.tableMu.Lock()
	defer r.tableMu.Unlock()
	r.routes[path] = h
}

// Ignore marks path as an intentional no-op.
func (r *Router) Ignore(path string) {
	r.Register(path, nil)
}

// Registered reports whether path has a route, ignored or not.
func (r *Router) Registered(path string) bool {
	r.tableMu.RLock()
	defer r.tableMu.RUnlock()
	_, ok := r.routes[path]
	return ok
}

// Dispatch invokes the handler registered for the frame's command. Frames
// without a command are looked up by path. Dispatch never panics; handler
// errors and panics are logged and reported as OutcomeFailed.
func (r *Router) Dispatch(ctx context.Context, f protocol.Frame) Outcome {
	path := f.Command
	if path == "" {
		path = f.Path
	}

	r.tableMu.RLock()
	h, ok := r.routes[path]
	r.tableMu.RUnlock()

	if !ok {
		r.logger.Warn("unhandled command", "command", path, "frame", f.String())
		return OutcomeUnhandled
	}
	if h == nil {
		r.logger.Debug("ignoring command", "command", path)
		return OutcomeIgnored
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := invoke(ctx, h, f); err != nil {
		r.logger.Error("command handler failed", "command", path, "kind", ParseCommand(path), "error", err)
		return OutcomeFailed
	}
	return OutcomeHandled
}

func invoke(ctx context.Context, h Handler, f protocol.Frame) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, f)
}
