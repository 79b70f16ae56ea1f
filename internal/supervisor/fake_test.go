package supervisor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/omochice/msgpipe/internal/command"
	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/pkg/protocol"
)

type fakeSocket struct {
	in  chan []byte
	out chan []byte

	mu      sync.Mutex
	closed  chan struct{}
	readErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	select {
	case <-s.closed:
		return transport.ErrClosed
	case s.out <- append([]byte(nil), data...):
		return nil
	}
}

func (s *fakeSocket) Close() error {
	s.peerClose(transport.ErrClosed)
	return nil
}

func (s *fakeSocket) peerClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
	default:
		s.readErr = err
		close(s.closed)
	}
}

func (s *fakeSocket) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	s.in <- data
}

func (s *fakeSocket) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case data := <-s.out:
		f, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for client frame")
		return protocol.Frame{}
	}
}

func (s *fakeSocket) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for socket close")
	}
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dials   int
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, _ http.Header) (transport.Socket, error) {
	d.mu.Lock()
	d.dials++
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) socket(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockets:
		return s
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

type fakeRouter struct {
	frames chan protocol.Frame
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{frames: make(chan protocol.Frame, 16)}
}

func (r *fakeRouter) Dispatch(_ context.Context, f protocol.Frame) command.Outcome {
	r.frames <- f
	return command.OutcomeHandled
}

// sleepRecorder replaces the reconnect sleep and records every delay.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(n int)
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// start runs s in the background. Cleanup cancels it and waits for Run to
// return.
func start(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- s.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
	})
	return cancel, done
}
