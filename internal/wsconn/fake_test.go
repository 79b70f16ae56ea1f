package wsconn_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

// fakeSocket is an in-memory transport.Socket. The test plays the server by
// pushing into in and reading from out.
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

func (s *fakeSocket) Write(ctx context.Context, data []byte) error {
	copied := make([]byte, len(data))
	copy(copied, data)
	select {
	case <-s.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case s.out <- copied:
		return nil
	case <-s.closed:
		return transport.ErrClosed
	}
}

func (s *fakeSocket) Close() error {
	s.peerClose(transport.ErrClosed)
	return nil
}

// peerClose ends the socket; pending and future reads return err.
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

func (s *fakeSocket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// push delivers a frame to the client.
func (s *fakeSocket) push(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	s.in <- data
}

// next returns the next frame the client wrote.
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

var _ transport.Socket = (*fakeSocket)(nil)

// fakeDialer hands out fakeSockets, or fails with err.
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	dials   int
	url     string
	header  http.Header
	sockets chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{sockets: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Socket, error) {
	d.mu.Lock()
	d.dials++
	d.url = url
	d.header = header.Clone()
	err := d.err
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	s := newFakeSocket()
	d.sockets <- s
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// socket returns the socket of the next successful dial.
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

var _ transport.Dialer = (*fakeDialer)(nil)

type healthRecorder struct {
	mu         sync.Mutex
	keepalives []uint64
	errors     []uint16
}

func (h *healthRecorder) OnKeepAliveResponse(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keepalives = append(h.keepalives, id)
}

func (h *healthRecorder) OnMessageError(status uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, status)
}

func (h *healthRecorder) snapshot() ([]uint64, []uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.keepalives...), append([]uint16(nil), h.errors...)
}

var _ wsconn.HealthMonitor = (*healthRecorder)(nil)

// connect opens c against d and waits for CONNECTED.
func connect(t *testing.T, c *wsconn.Connection, d *fakeDialer) *fakeSocket {
	t.Helper()
	c.Connect()
	s := d.socket(t)
	waitState(t, c, wsconn.StateConnected)
	return s
}

func waitState(t *testing.T, c *wsconn.Connection, states ...wsconn.State) wsconn.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := c.States().WaitFor(ctx, states...)
	if err != nil {
		t.Fatalf("timeout waiting for %v, current state %v", states, st)
	}
	return st
}
