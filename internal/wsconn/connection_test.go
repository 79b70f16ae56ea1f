package wsconn_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/omochice/msgpipe/internal/infra/logger"
	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

func newConnection(d *fakeDialer, opts ...wsconn.Option) *wsconn.Connection {
	opts = append([]wsconn.Option{wsconn.WithLogger(logger.Discard())}, opts...)
	return wsconn.New("wss://chat.example.com/v1/websocket/?login=%s&password=%s", d, opts...)
}

// collectStates records every published state until DISCONNECTED follows a
// closing state.
func collectStates(c *wsconn.Connection) <-chan []wsconn.State {
	ch, cancel := c.States().Subscribe()
	done := make(chan []wsconn.State, 1)
	go func() {
		defer cancel()
		var seen []wsconn.State
		for st := range ch {
			seen = append(seen, st)
			n := len(seen)
			if st == wsconn.StateDisconnected && n > 1 && seen[n-2] != wsconn.StateDisconnected {
				done <- seen
				return
			}
		}
	}()
	return done
}

func assertValidPath(t *testing.T, states []wsconn.State) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		if !wsconn.ValidTransition(states[i-1], states[i]) {
			t.Errorf("invalid transition %v -> %v in %v", states[i-1], states[i], states)
		}
	}
}

func TestConnection_RequestResponse(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	s := connect(t, c, d)
	defer c.Close()

	fut, err := c.SendRequest(context.Background(), protocol.Frame{
		Type: protocol.FrameTypeRequest,
		ID:   42,
		Verb: "PUT",
		Path: "/v1/echo",
		Body: []byte("hi"),
	})
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	req := s.next(t)
	if req.ID != 42 || req.Path != "/v1/echo" || string(req.Body) != "hi" {
		t.Errorf("server received %v, want request 42 to /v1/echo", req)
	}
	if req.Command != "/v1/echo" {
		t.Errorf("Command = %q, want the request path", req.Command)
	}

	s.push(t, protocol.NewResponse(42, 200, "OK", []byte("hi")))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := fut.Await(ctx)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if resp.Status != 200 || string(resp.Body) != "hi" {
		t.Errorf("Await() = (%d, %q), want (200, %q)", resp.Status, resp.Body, "hi")
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}

	// The response is also delivered to the inbound consumer.
	f, err := c.ReadInboundRequest(time.Second)
	if err != nil {
		t.Fatalf("ReadInboundRequest() error = %v", err)
	}
	if f.Type != protocol.FrameTypeResponse || f.ID != 42 {
		t.Errorf("ReadInboundRequest() = %v, want RESPONSE 42", f)
	}
}

func TestConnection_SendRequestNotConnected(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)

	_, err := c.SendRequest(context.Background(), protocol.NewRequest(1, "GET", "/v1/echo", nil))
	if !errors.Is(err, wsconn.ErrNotConnected) || !errors.Is(err, wsconn.ErrConnectionClosed) {
		t.Errorf("SendRequest() error = %v, want ErrNotConnected", err)
	}
	if n := d.dialCount(); n != 0 {
		t.Errorf("dial count = %d, want 0", n)
	}
}

func TestConnection_SendRequestDuplicateID(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	connect(t, c, d)
	defer c.Close()

	if _, err := c.SendRequest(context.Background(), protocol.NewRequest(7, "GET", "/v1/a", nil)); err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	_, err := c.SendRequest(context.Background(), protocol.NewRequest(7, "GET", "/v1/b", nil))
	if !errors.Is(err, wsconn.ErrDuplicateRequest) {
		t.Errorf("SendRequest() error = %v, want ErrDuplicateRequest", err)
	}
}

func TestConnection_SendRequestKeepaliveID(t *testing.T) {
	d := newFakeDialer()
	health := &healthRecorder{}
	c := newConnection(d, wsconn.WithHealthMonitor(health))
	s := connect(t, c, d)
	defer c.Close()

	if err := c.SendKeepalive(context.Background()); err != nil {
		t.Fatalf("SendKeepalive() error = %v", err)
	}
	keepalive := s.next(t)

	_, err := c.SendRequest(context.Background(), protocol.NewRequest(keepalive.ID, "GET", "/v1/echo", nil))
	if !errors.Is(err, wsconn.ErrDuplicateRequest) {
		t.Fatalf("SendRequest() with in-flight keepalive id error = %v, want ErrDuplicateRequest", err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}

	s.push(t, protocol.NewResponse(keepalive.ID, 200, "OK", nil))
	if _, err := c.ReadInboundRequest(time.Second); err != nil {
		t.Fatalf("ReadInboundRequest() error = %v", err)
	}

	keepalives, _ := health.snapshot()
	if len(keepalives) != 1 || keepalives[0] != keepalive.ID {
		t.Errorf("health monitor keepalives = %v, want [%d]", keepalives, keepalive.ID)
	}
}

func TestConnection_RequestTimeout(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d, wsconn.WithRequestTimeout(50*time.Millisecond))
	connect(t, c, d)
	defer c.Close()

	fut, err := c.SendRequest(context.Background(), protocol.NewRequest(1, "GET", "/v1/slow", nil))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("future did not resolve after its timeout")
	}

	_, err = fut.Await(context.Background())
	if !errors.Is(err, wsconn.ErrTimeout) {
		t.Errorf("Await() error = %v, want ErrTimeout", err)
	}
	if n := c.Pending(); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestConnection_TeardownFailsPending(t *testing.T) {
	tests := []struct {
		name      string
		teardown  func(c *wsconn.Connection, s *fakeSocket)
		wantCause error
		wantState wsconn.State
	}{
		{
			name:      "local disconnect",
			teardown:  func(c *wsconn.Connection, s *fakeSocket) { c.Disconnect() },
			wantState: wsconn.StateDisconnecting,
		},
		{
			name:      "transport failure",
			teardown:  func(c *wsconn.Connection, s *fakeSocket) { s.peerClose(errors.New("connection reset")) },
			wantCause: wsconn.ErrTransportFailure,
			wantState: wsconn.StateFailed,
		},
		{
			name:      "clean close by peer",
			teardown:  func(c *wsconn.Connection, s *fakeSocket) { s.peerClose(transport.ErrClosed) },
			wantCause: transport.ErrClosed,
			wantState: wsconn.StateDisconnecting,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			c := newConnection(d)
			s := connect(t, c, d)
			defer c.Close()

			states := collectStates(c)

			const n = 5
			futures := make([]*wsconn.Future, 0, n)
			for i := uint64(1); i <= n; i++ {
				fut, err := c.SendRequest(context.Background(), protocol.NewRequest(i, "GET", "/v1/echo", nil))
				if err != nil {
					t.Fatalf("SendRequest(%d) error = %v", i, err)
				}
				futures = append(futures, fut)
			}

			tt.teardown(c, s)

			for _, fut := range futures {
				select {
				case <-fut.Done():
				case <-time.After(time.Second):
					t.Fatalf("future %d still pending after teardown", fut.ID())
				}
				_, err := fut.Await(context.Background())
				if !errors.Is(err, wsconn.ErrConnectionClosed) {
					t.Errorf("future %d error = %v, want ErrConnectionClosed", fut.ID(), err)
				}
				if tt.wantCause != nil && !errors.Is(err, tt.wantCause) {
					t.Errorf("future %d error = %v, want cause %v", fut.ID(), err, tt.wantCause)
				}
			}
			if got := c.Pending(); got != 0 {
				t.Errorf("Pending() = %d, want 0", got)
			}

			select {
			case seen := <-states:
				assertValidPath(t, seen)
				if seen[len(seen)-2] != tt.wantState {
					t.Errorf("closing state = %v, want %v (sequence %v)", seen[len(seen)-2], tt.wantState, seen)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for DISCONNECTED")
			}
		})
	}
}

func TestConnection_FuturesResolveExactlyOnce(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	s := connect(t, c, d)
	defer c.Close()

	const n = 50
	futures := make([]*wsconn.Future, n)
	for i := range futures {
		fut, err := c.SendRequest(context.Background(), protocol.NewRequest(uint64(i+1), "GET", "/v1/echo", nil))
		if err != nil {
			t.Fatalf("SendRequest() error = %v", err)
		}
		futures[i] = fut
	}

	// Answer the even ids, some of them twice, then tear down.
	for i := 2; i <= n; i += 2 {
		s.push(t, protocol.NewResponse(uint64(i), 200, "OK", nil))
		if i%10 == 0 {
			s.push(t, protocol.NewResponse(uint64(i), 500, "again", nil))
		}
	}
	deadline := time.After(time.Second)
	for _, fut := range futures {
		if fut.ID()%2 != 0 {
			continue
		}
		select {
		case <-fut.Done():
		case <-deadline:
			t.Fatalf("future %d not resolved", fut.ID())
		}
	}
	c.Disconnect()

	var wg sync.WaitGroup
	for _, fut := range futures {
		wg.Add(1)
		go func(fut *wsconn.Future) {
			defer wg.Done()
			resp, err := fut.Await(context.Background())
			if fut.ID()%2 == 0 {
				if err != nil || resp.Status != 200 {
					t.Errorf("future %d = (%d, %v), want (200, nil)", fut.ID(), resp.Status, err)
				}
				return
			}
			if !errors.Is(err, wsconn.ErrConnectionClosed) {
				t.Errorf("future %d error = %v, want ErrConnectionClosed", fut.ID(), err)
			}
		}(fut)
	}
	wg.Wait()
}

func TestConnection_Keepalive(t *testing.T) {
	d := newFakeDialer()
	health := &healthRecorder{}
	c := newConnection(d, wsconn.WithHealthMonitor(health))
	s := connect(t, c, d)
	defer c.Close()

	fut, err := c.SendRequest(context.Background(), protocol.NewRequest(5, "GET", "/v1/echo", nil))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	s.next(t)

	if err := c.SendKeepalive(context.Background()); err != nil {
		t.Fatalf("SendKeepalive() error = %v", err)
	}
	probe := s.next(t)
	if !probe.IsKeepalive() || probe.Verb != "GET" {
		t.Fatalf("keepalive frame = %v, want GET %s", probe, protocol.KeepalivePath)
	}

	s.push(t, protocol.NewResponse(probe.ID, 200, "OK", nil))

	f, err := c.ReadInboundRequest(time.Second)
	if err != nil {
		t.Fatalf("ReadInboundRequest() error = %v", err)
	}
	if f.ID != probe.ID {
		t.Errorf("ReadInboundRequest() id = %d, want %d", f.ID, probe.ID)
	}

	keepalives, _ := health.snapshot()
	if len(keepalives) != 1 || keepalives[0] != probe.ID {
		t.Errorf("health monitor keepalives = %v, want [%d]", keepalives, probe.ID)
	}

	select {
	case <-fut.Done():
		t.Error("keepalive response resolved an unrelated request")
	default:
	}

	// A second response with the same id is no longer a keepalive.
	s.push(t, protocol.NewResponse(probe.ID, 200, "OK", nil))
	if _, err := c.ReadInboundRequest(time.Second); err != nil {
		t.Fatalf("ReadInboundRequest() error = %v", err)
	}
	if keepalives, _ := health.snapshot(); len(keepalives) != 1 {
		t.Errorf("health monitor keepalives = %v, want exactly one", keepalives)
	}
}

func TestConnection_ErrorStatusReported(t *testing.T) {
	d := newFakeDialer()
	health := &healthRecorder{}
	c := newConnection(d, wsconn.WithHealthMonitor(health))
	s := connect(t, c, d)
	defer c.Close()

	resp := make(chan wsconn.Response, 1)
	go func() {
		r, _ := c.Request(context.Background(), protocol.NewRequest(9, "GET", "/v1/missing", nil))
		resp <- r
	}()
	req := s.next(t)
	s.push(t, protocol.NewResponse(req.ID, 404, "Not Found", nil))

	select {
	case r := <-resp:
		if r.Status != 404 {
			t.Errorf("Request() status = %d, want 404", r.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}

	if _, errs := health.snapshot(); len(errs) != 1 || errs[0] != 404 {
		t.Errorf("health monitor errors = %v, want [404]", errs)
	}
}

func TestConnection_SendKeepaliveNotConnected(t *testing.T) {
	c := newConnection(newFakeDialer())
	if err := c.SendKeepalive(context.Background()); !errors.Is(err, wsconn.ErrConnectionClosed) {
		t.Errorf("SendKeepalive() error = %v, want ErrConnectionClosed", err)
	}
	if err := c.SendResponse(context.Background(), protocol.NewResponse(1, 200, "OK", nil)); !errors.Is(err, wsconn.ErrConnectionClosed) {
		t.Errorf("SendResponse() error = %v, want ErrConnectionClosed", err)
	}
}

func TestConnection_SendResponse(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	s := connect(t, c, d)
	defer c.Close()

	if err := c.SendResponse(context.Background(), protocol.NewResponse(77, 200, "OK", nil)); err != nil {
		t.Fatalf("SendResponse() error = %v", err)
	}
	f := s.next(t)
	if f.Type != protocol.FrameTypeResponse || f.ID != 77 || f.Status != 200 {
		t.Errorf("server received %v, want RESPONSE 77 status 200", f)
	}

	err := c.SendResponse(context.Background(), protocol.NewRequest(1, "GET", "/", nil))
	if !errors.Is(err, protocol.ErrInvalidFrame) {
		t.Errorf("SendResponse(request) error = %v, want ErrInvalidFrame", err)
	}
}

func TestConnection_KeepaliveTimeoutFails(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d, wsconn.WithKeepalive(20*time.Millisecond, 2))
	s := connect(t, c, d)
	defer c.Close()

	states := collectStates(c)

	select {
	case seen := <-states:
		if seen[len(seen)-2] != wsconn.StateFailed {
			t.Errorf("closing state = %v, want FAILED (sequence %v)", seen[len(seen)-2], seen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not failed after unanswered keepalives")
	}
	if !s.isClosed() {
		t.Error("socket not closed after keepalive failure")
	}
}

func TestConnection_KeepaliveMissedLimit(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d, wsconn.WithKeepalive(20*time.Millisecond, 2))
	s := connect(t, c, d)
	defer c.Close()

	waitState(t, c, wsconn.StateDisconnected)

	probes := 0
	for {
		select {
		case data := <-s.out:
			f, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if f.IsKeepalive() {
				probes++
			}
			continue
		default:
		}
		break
	}
	if probes != 2 {
		t.Errorf("keepalives sent before failing = %d, want 2", probes)
	}
}

func TestConnection_KeepaliveAnsweredStaysUp(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d, wsconn.WithKeepalive(20*time.Millisecond, 2))
	s := connect(t, c, d)
	defer c.Close()

	stop := time.After(200 * time.Millisecond)
	for {
		select {
		case data := <-s.out:
			f, err := protocol.Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			s.push(t, protocol.NewResponse(f.ID, 200, "OK", nil))
		case <-stop:
			if st := c.State(); st != wsconn.StateConnected {
				t.Errorf("State() = %v, want CONNECTED", st)
			}
			return
		}
	}
}

func TestConnection_ReadInboundRequest(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	s := connect(t, c, d)
	defer c.Close()

	paths := []string{"/V1/Fence", "idle", "/v1/StateSync"}
	for i, p := range paths {
		s.push(t, protocol.NewRequest(uint64(100+i), "PUT", p, nil))
	}

	for i, want := range paths {
		f, err := c.ReadInboundRequest(time.Second)
		if err != nil {
			t.Fatalf("ReadInboundRequest() error = %v", err)
		}
		if f.Path != want || f.ID != uint64(100+i) {
			t.Errorf("ReadInboundRequest() = %v, want %s", f, want)
		}
	}

	start := time.Now()
	_, err := c.ReadInboundRequest(50 * time.Millisecond)
	if !errors.Is(err, wsconn.ErrTimeout) {
		t.Errorf("ReadInboundRequest() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("ReadInboundRequest() returned after %v, want about 50ms", elapsed)
	}
}

func TestConnection_ReadInboundRequestClosed(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)

	if _, err := c.ReadInboundRequest(time.Second); !errors.Is(err, wsconn.ErrConnectionClosed) {
		t.Errorf("ReadInboundRequest() before Connect error = %v, want ErrConnectionClosed", err)
	}

	connect(t, c, d)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.ReadInboundRequest(10 * time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, wsconn.ErrConnectionClosed) {
			t.Errorf("ReadInboundRequest() error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader not woken by Disconnect")
	}
}

func TestConnection_MalformedFrameDropped(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	s := connect(t, c, d)
	defer c.Close()

	s.in <- []byte("definitely not protobuf")
	s.push(t, protocol.NewRequest(3, "PUT", "/V1/Location", nil))

	f, err := c.ReadInboundRequest(time.Second)
	if err != nil {
		t.Fatalf("ReadInboundRequest() error = %v", err)
	}
	if f.ID != 3 {
		t.Errorf("ReadInboundRequest() = %v, want request 3", f)
	}
	if st := c.State(); st != wsconn.StateConnected {
		t.Errorf("State() = %v, want CONNECTED", st)
	}
}

func TestConnection_ConnectIdempotent(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	defer c.Close()

	first := c.Connect()
	second := c.Connect()
	if first != second {
		t.Error("Connect() returned a different stream on the second call")
	}
	d.socket(t)
	waitState(t, c, wsconn.StateConnected)
	c.Connect()

	if n := d.dialCount(); n != 1 {
		t.Errorf("dial count = %d, want 1", n)
	}
}

func TestConnection_Reconnect(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	defer c.Close()

	states := collectStates(c)
	connect(t, c, d)
	c.Disconnect()

	seen := <-states
	want := []wsconn.State{
		wsconn.StateDisconnected,
		wsconn.StateConnecting,
		wsconn.StateConnected,
		wsconn.StateDisconnecting,
		wsconn.StateDisconnected,
	}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}

	s := connect(t, c, d)
	if _, err := c.SendRequest(context.Background(), protocol.NewRequest(1, "GET", "/v1/echo", nil)); err != nil {
		t.Fatalf("SendRequest() after reconnect error = %v", err)
	}
	s.next(t)
}

func TestConnection_ReconnectDropsQueuedFrames(t *testing.T) {
	d := newFakeDialer()
	c := newConnection(d)
	defer c.Close()

	s := connect(t, c, d)

	fut, err := c.SendRequest(context.Background(), protocol.NewRequest(8, "GET", "/v1/echo", nil))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	s.next(t)

	s.push(t, protocol.NewRequest(7, "PUT", protocol.MessagePath, []byte("stale")))
	s.push(t, protocol.NewResponse(8, 200, "OK", nil))

	// frames are handled in order, so the request is queued once 8 resolves
	select {
	case <-fut.Done():
	case <-time.After(time.Second):
		t.Fatal("future did not resolve")
	}

	c.Disconnect()
	waitState(t, c, wsconn.StateDisconnected)
	connect(t, c, d)

	if f, err := c.ReadInboundRequest(50 * time.Millisecond); !errors.Is(err, wsconn.ErrTimeout) {
		t.Errorf("ReadInboundRequest() after reconnect = %v, %v, want ErrTimeout", f, err)
	}
}

func TestConnection_AuthenticationFailed(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantState wsconn.State
		wantErr   error
	}{
		{
			name:      "forbidden",
			err:       &transport.HandshakeError{StatusCode: 403},
			wantState: wsconn.StateAuthenticationFailed,
			wantErr:   wsconn.ErrAuthenticationFailed,
		},
		{
			name:      "unauthorized",
			err:       &transport.HandshakeError{StatusCode: 401},
			wantState: wsconn.StateAuthenticationFailed,
			wantErr:   wsconn.ErrAuthenticationFailed,
		},
		{
			name:      "unavailable",
			err:       &transport.HandshakeError{StatusCode: 503},
			wantState: wsconn.StateFailed,
			wantErr:   wsconn.ErrTransportFailure,
		},
		{
			name:      "network error",
			err:       errors.New("dial tcp: connection refused"),
			wantState: wsconn.StateFailed,
			wantErr:   wsconn.ErrTransportFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			d.err = tt.err
			c := newConnection(d)
			defer c.Close()

			states := collectStates(c)
			c.Connect()

			select {
			case seen := <-states:
				assertValidPath(t, seen)
				want := []wsconn.State{wsconn.StateDisconnected, wsconn.StateConnecting, tt.wantState, wsconn.StateDisconnected}
				if len(seen) != len(want) || seen[2] != tt.wantState {
					t.Errorf("states = %v, want %v", seen, want)
				}
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for DISCONNECTED")
			}

			_, err := c.ReadInboundRequest(time.Second)
			if !errors.Is(err, tt.wantErr) || !errors.Is(err, wsconn.ErrConnectionClosed) {
				t.Errorf("ReadInboundRequest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnection_Handshake(t *testing.T) {
	tests := []struct {
		name       string
		opts       []wsconn.Option
		wantURL    string
		wantHeader map[string]string
	}{
		{
			name:    "no credentials",
			wantURL: "wss://chat.example.com/v1/websocket/?login=%s&password=%s",
			wantHeader: map[string]string{
				"Cookie":     "0",
				"X-Ufsrvcid": "0",
				"X-Cm-Token": "0",
			},
		},
		{
			name: "credentials and agent",
			opts: []wsconn.Option{
				wsconn.WithAgent("", "OWA"),
				wsconn.WithCredentials(wsconn.StaticCredentials{
					User:     "+15550100",
					Password: "p@ss",
					Cookie:   "session=abc",
					Token:    "cm-1",
				}),
			},
			wantURL: "wss://chat.example.com/v1/websocket/?login=%2B15550100&password=p%40ss",
			wantHeader: map[string]string{
				"X-Signal-Agent": "OWA",
				"Cookie":         "session=abc",
				"X-Ufsrvcid":     "0",
				"X-Cm-Token":     "cm-1",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			c := newConnection(d, tt.opts...)
			connect(t, c, d)
			defer c.Close()

			d.mu.Lock()
			defer d.mu.Unlock()
			if d.url != tt.wantURL {
				t.Errorf("dial url = %q, want %q", d.url, tt.wantURL)
			}
			for k, want := range tt.wantHeader {
				if got := d.header.Get(k); got != want {
					t.Errorf("header %s = %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestConnection_ConnectivityListener(t *testing.T) {
	events := make(chan bool, 4)
	d := newFakeDialer()
	c := newConnection(d, wsconn.WithConnectivityListener(func(connected bool) {
		events <- connected
	}))

	connect(t, c, d)
	c.Close()

	for _, want := range []bool{true, false} {
		select {
		case got := <-events:
			if got != want {
				t.Errorf("connectivity event = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for connectivity event %v", want)
		}
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to wsconn.State
		want     bool
	}{
		{wsconn.StateDisconnected, wsconn.StateConnecting, true},
		{wsconn.StateDisconnected, wsconn.StateConnected, false},
		{wsconn.StateConnecting, wsconn.StateConnected, true},
		{wsconn.StateConnecting, wsconn.StateAuthenticationFailed, true},
		{wsconn.StateConnected, wsconn.StateFailed, true},
		{wsconn.StateConnected, wsconn.StateDisconnected, false},
		{wsconn.StateConnected, wsconn.StateConnecting, false},
		{wsconn.StateFailed, wsconn.StateDisconnected, true},
		{wsconn.StateFailed, wsconn.StateConnecting, false},
		{wsconn.StateDisconnecting, wsconn.StateDisconnected, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := wsconn.ValidTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
