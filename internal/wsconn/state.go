package wsconn

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// State is the lifecycle state of a Connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateFailed
	StateAuthenticationFailed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateFailed:
		return "FAILED"
	case StateAuthenticationFailed:
		return "AUTHENTICATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// closing reports whether s is one of the states leading back to DISCONNECTED.
func (s State) closing() bool {
	return s == StateDisconnecting || s == StateFailed || s == StateAuthenticationFailed
}

// ValidTransition reports whether a connection may move from one state to
// the next.
func ValidTransition(from, to State) bool {
	switch from {
	case StateDisconnected:
		return to == StateConnecting
	case StateConnecting:
		return to == StateConnected || to.closing()
	case StateConnected:
		return to.closing()
	case StateDisconnecting, StateFailed, StateAuthenticationFailed:
		return to == StateDisconnected
	default:
		return false
	}
}

const subscriberBuffer = 32

// StateStream publishes state transitions. New subscribers first receive the
// current state.
type StateStream struct {
	mu      sync.Mutex
	current State
	subs    map[chan State]struct{}
	logger  *slog.Logger
}

func newStateStream(logger *slog.Logger) *StateStream {
	return &StateStream{
		subs:   make(map[chan State]struct{}),
		logger: logger,
	}
}

// Current returns the most recently published state.
func (s *StateStream) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Subscribe returns a channel of states and a function that releases it.
// A subscriber that falls behind by more than its buffer misses updates.
func (s *StateStream) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)

	s.mu.Lock()
	ch <- s.current
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// WaitFor blocks until one of the given states is published.
func (s *StateStream) WaitFor(ctx context.Context, states ...State) (State, error) {
	ch, cancel := s.Subscribe()
	defer cancel()

	for {
		select {
		case st := <-ch:
			if slices.Contains(states, st) {
				return st, nil
			}
		case <-ctx.Done():
			return s.Current(), ctx.Err()
		}
	}
}

func (s *StateStream) publish(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = st
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
			s.logger.Warn("state subscriber full, dropping update", "state", st)
		}
	}
}
