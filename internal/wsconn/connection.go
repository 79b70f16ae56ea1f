// Package wsconn implements a framed request/response channel over one
// websocket: request correlation, keepalives, and an inbound queue drained by
// a single consumer.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/msgpipe/internal/infra/tracer"
	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/pkg/protocol"
	"go.opentelemetry.io/otel/trace"
)

// Connection owns one websocket and the tables tied to its lifetime.
type Connection struct {
	name                string
	uri                 string
	dialer              transport.Dialer
	creds               CredentialsProvider
	agent               string
	agentHeader         string
	requestTimeout      time.Duration
	keepaliveInterval   time.Duration
	maxMissedKeepalives int
	health              HealthMonitor
	onConnectivity      func(bool)
	logger              *slog.Logger
	states              *StateStream

	// mu guards everything below.
	mu            sync.Mutex
	state         State
	alive         bool
	epoch         uint64
	socket        transport.Socket
	cancel        context.CancelFunc
	pending       map[uint64]*Future
	keepalives    map[uint64]struct{}
	lastKeepalive uint64
	inbound       []protocol.Frame
	wake          chan struct{}
	closeErr      error

	wg sync.WaitGroup
}

// New creates a Connection for the websocket at uri. uri may contain two %s
// verbs which receive the user and password of the configured credentials.
func New(uri string, dialer transport.Dialer, opts ...Option) *Connection {
	c := &Connection{
		name:                uuid.New().String(),
		uri:                 uri,
		dialer:              dialer,
		agentHeader:         DefaultAgentHeader,
		requestTimeout:      DefaultRequestTimeout,
		keepaliveInterval:   DefaultKeepaliveInterval,
		maxMissedKeepalives: DefaultMaxMissedKeepalives,
		logger:              slog.Default(),
		pending:             make(map[uint64]*Future),
		keepalives:          make(map[uint64]struct{}),
		wake:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "wsconn", "conn", c.name)
	c.states = newStateStream(c.logger)
	return c
}

// Name returns the connection name used in logs.
func (c *Connection) Name() string {
	return c.name
}

// State returns the current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// States returns the state stream.
func (c *Connection) States() *StateStream {
	return c.states
}

// Connect starts opening the socket and returns the state stream. Calling it
// while a socket is open or opening does nothing.
func (c *Connection) Connect() *StateStream {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.alive {
		return c.states
	}

	c.alive = true
	c.epoch++
	c.closeErr = nil
	clear(c.inbound)
	c.inbound = c.inbound[:0]
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.setStateLocked(StateConnecting)

	uri, header := c.handshake()
	c.logger.Info("connecting")

	c.wg.Add(1)
	go c.dial(ctx, c.epoch, uri, header)

	return c.states
}

// Disconnect closes the socket and fails every outstanding request.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return
	}
	c.logger.Info("disconnecting")
	sock, cancel := c.shutdownLocked(StateDisconnecting, nil)
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	cancel()
	if sock != nil {
		c.notifyConnectivity(false)
	}
}

// Close disconnects and waits for the connection goroutines to exit. It must
// not be called from a connectivity listener.
func (c *Connection) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// SendRequest sends a request frame and returns the future of its response.
// It fails without touching the network unless the state is CONNECTED. The
// future resolves with ErrTimeout when no response arrives within the
// request timeout.
func (c *Connection) SendRequest(ctx context.Context, f protocol.Frame) (*Future, error) {
	if f.Type != protocol.FrameTypeRequest {
		return nil, fmt.Errorf("%w: %s is not a request", protocol.ErrInvalidFrame, f.Type)
	}
	if f.Command == "" {
		f.Command = f.Path
	}
	data, err := f.Encode()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateConnected || c.socket == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	_, pending := c.pending[f.ID]
	_, probing := c.keepalives[f.ID]
	if pending || probing {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRequest, f.ID)
	}
	fut := newFuture(f.ID)
	fut.timer = time.AfterFunc(c.requestTimeout, func() {
		c.forget(fut, fmt.Errorf("%w: request %d", ErrTimeout, fut.id))
	})
	c.pending[f.ID] = fut
	sock := c.socket
	c.mu.Unlock()

	if err := sock.Write(ctx, data); err != nil {
		err = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		c.forget(fut, err)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return fut, nil
}

// Request sends f and waits for its response.
func (c *Connection) Request(ctx context.Context, f protocol.Frame) (Response, error) {
	ctx, span := tracer.StartSpan(ctx, "wsconn.Request", trace.WithAttributes(
		tracer.StringAttr("request.path", f.Path),
		tracer.StringAttr("request.verb", f.Verb),
	))
	defer span.End()

	fut, err := c.SendRequest(ctx, f)
	if err != nil {
		tracer.RecordError(span, err)
		return Response{}, err
	}
	resp, err := fut.Await(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return Response{}, err
	}
	span.SetAttributes(tracer.IntAttr("response.status", int(resp.Status)))
	tracer.SetOK(span)
	return resp, nil
}

// SendResponse answers a server request.
func (c *Connection) SendResponse(ctx context.Context, f protocol.Frame) error {
	if f.Type != protocol.FrameTypeResponse {
		return fmt.Errorf("%w: %s is not a response", protocol.ErrInvalidFrame, f.Type)
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()

	if sock == nil {
		return ErrConnectionClosed
	}
	if err := sock.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send response: %w: %w", ErrTransportFailure, err)
	}
	return nil
}

// SendKeepalive sends one keepalive probe. Its response is reported to the
// health monitor instead of resolving a request.
func (c *Connection) SendKeepalive(ctx context.Context) error {
	c.mu.Lock()
	sock := c.socket
	if sock == nil {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	id := c.nextKeepaliveIDLocked()
	c.keepalives[id] = struct{}{}
	c.mu.Unlock()

	data, err := protocol.NewRequest(id, http.MethodGet, protocol.KeepalivePath, nil).Encode()
	if err != nil {
		return err
	}
	if err := sock.Write(ctx, data); err != nil {
		c.mu.Lock()
		delete(c.keepalives, id)
		c.mu.Unlock()
		return fmt.Errorf("failed to send keepalive: %w: %w", ErrTransportFailure, err)
	}
	return nil
}

// ReadInboundRequest returns the oldest queued inbound frame, waiting up to
// timeout for one to arrive. It returns ErrTimeout when the wait elapses and
// an error wrapping ErrConnectionClosed once the socket is gone and the queue
// is empty.
func (c *Connection) ReadInboundRequest(timeout time.Duration) (protocol.Frame, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	c.mu.Lock()
	for {
		if len(c.inbound) > 0 {
			f := c.inbound[0]
			c.inbound[0] = protocol.Frame{}
			c.inbound = c.inbound[1:]
			c.mu.Unlock()
			return f, nil
		}
		if !c.alive {
			err := c.closeErr
			c.mu.Unlock()
			if err == nil {
				err = ErrConnectionClosed
			}
			return protocol.Frame{}, err
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return protocol.Frame{}, ErrTimeout
		}
		c.mu.Lock()
	}
}

// Pending returns the number of outstanding requests.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) dial(ctx context.Context, epoch uint64, uri string, header http.Header) {
	defer c.wg.Done()

	sock, err := c.dialer.Dial(ctx, uri, header)

	c.mu.Lock()
	if c.epoch != epoch || !c.alive {
		c.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}

	if err != nil {
		terminal := StateFailed
		cause := fmt.Errorf("%w: %w", ErrTransportFailure, err)
		if transport.IsAuthFailure(err) {
			terminal = StateAuthenticationFailed
			cause = fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
		}
		c.logger.Warn("connect failed", "state", terminal, "error", err)
		_, cancel := c.shutdownLocked(terminal, cause)
		c.mu.Unlock()
		cancel()
		return
	}

	c.socket = sock
	c.setStateLocked(StateConnected)
	c.wg.Add(2)
	go c.readLoop(ctx, epoch, sock)
	go c.keepaliveLoop(ctx, epoch)
	c.mu.Unlock()

	if ra, ok := sock.(interface{ RemoteAddr() string }); ok {
		c.logger.Info("connected", "remote", ra.RemoteAddr())
	} else {
		c.logger.Info("connected")
	}
	c.notifyConnectivity(true)
}

func (c *Connection) readLoop(ctx context.Context, epoch uint64, sock transport.Socket) {
	defer c.wg.Done()

	for {
		data, err := sock.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				c.terminate(epoch, StateDisconnecting, err)
			} else {
				c.terminate(epoch, StateFailed, fmt.Errorf("%w: %w", ErrTransportFailure, err))
			}
			return
		}
		c.handleFrame(epoch, data)
	}
}

// handleFrame runs on the reader goroutine and only does table and queue work.
// Responses resolve their request or keepalive and are queued regardless,
// since some carry payloads of their own. Frames read from a socket of an
// earlier epoch are dropped; ids are only unique within one socket.
func (c *Connection) handleFrame(epoch uint64, data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	var (
		fut       *Future
		keepalive bool
	)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("dropping frame from previous socket", "id", f.ID)
		return
	}
	if f.Type == protocol.FrameTypeResponse {
		if p, ok := c.pending[f.ID]; ok {
			delete(c.pending, f.ID)
			fut = p
		} else if _, ok := c.keepalives[f.ID]; ok {
			delete(c.keepalives, f.ID)
			keepalive = true
		}
	}
	c.mu.Unlock()

	if c.health != nil {
		if keepalive {
			c.health.OnKeepAliveResponse(f.ID)
		}
		if fut != nil && f.Status >= 400 {
			c.health.OnMessageError(f.Status)
		}
	}
	if fut != nil {
		fut.complete(responseFrom(f), nil)
	}

	c.mu.Lock()
	if c.epoch == epoch {
		c.inbound = append(c.inbound, f)
		c.broadcastLocked()
	}
	c.mu.Unlock()
}

func (c *Connection) keepaliveLoop(ctx context.Context, epoch uint64) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.epoch != epoch || c.socket == nil {
			c.mu.Unlock()
			return
		}
		missed := len(c.keepalives)
		c.mu.Unlock()

		if c.maxMissedKeepalives > 0 && missed >= c.maxMissedKeepalives {
			c.terminate(epoch, StateFailed, fmt.Errorf("%w: %d keepalives unanswered", ErrTransportFailure, missed))
			return
		}
		if err := c.SendKeepalive(ctx); err != nil {
			c.logger.Warn("failed to send keepalive", "error", err)
		}
	}
}

// terminate tears down the socket of the given epoch after the transport
// ended it or it stopped answering.
func (c *Connection) terminate(epoch uint64, terminal State, cause error) {
	c.mu.Lock()
	if c.epoch != epoch || !c.alive {
		c.mu.Unlock()
		return
	}
	if terminal == StateFailed {
		c.logger.Warn("connection failed", "error", cause)
	} else {
		c.logger.Info("connection closed by peer", "reason", cause)
	}
	sock, cancel := c.shutdownLocked(terminal, cause)
	c.mu.Unlock()

	cancel()
	if sock != nil {
		sock.Close()
	}
	c.notifyConnectivity(false)
}

// shutdownLocked moves through terminal to DISCONNECTED, fails every
// outstanding request and wakes the reader. The caller closes the returned
// socket and cancels the returned context outside the lock.
func (c *Connection) shutdownLocked(terminal State, cause error) (transport.Socket, context.CancelFunc) {
	sock := c.socket
	cancel := c.cancel
	if cancel == nil {
		cancel = func() {}
	}

	c.socket = nil
	c.cancel = nil
	c.alive = false

	closed := ErrConnectionClosed
	if cause != nil {
		closed = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
	}
	c.closeErr = closed

	for id, fut := range c.pending {
		delete(c.pending, id)
		fut.complete(Response{}, closed)
	}
	clear(c.keepalives)

	c.setStateLocked(terminal)
	c.setStateLocked(StateDisconnected)
	c.broadcastLocked()

	return sock, cancel
}

// forget removes fut from the table if it is still registered and fails it.
func (c *Connection) forget(fut *Future, err error) {
	c.mu.Lock()
	if c.pending[fut.id] == fut {
		delete(c.pending, fut.id)
	}
	c.mu.Unlock()
	fut.complete(Response{}, err)
}

func (c *Connection) setStateLocked(next State) {
	if !ValidTransition(c.state, next) {
		c.logger.Error("invalid state transition", "from", c.state, "to", next)
		return
	}
	c.logger.Debug("state changed", "from", c.state, "to", next)
	c.state = next
	c.states.publish(next)
}

func (c *Connection) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// nextKeepaliveIDLocked derives probe ids from the wall clock in
// milliseconds, kept strictly increasing and clear of request ids.
func (c *Connection) nextKeepaliveIDLocked() uint64 {
	id := uint64(time.Now().UnixMilli())
	if id <= c.lastKeepalive {
		id = c.lastKeepalive + 1
	}
	for {
		_, pending := c.pending[id]
		_, probing := c.keepalives[id]
		if !pending && !probing {
			break
		}
		id++
	}
	c.lastKeepalive = id
	return id
}

// handshake returns the URI and upgrade headers for the next dial.
func (c *Connection) handshake() (string, http.Header) {
	uri := c.uri
	cookie, clientID, token := "", "", ""

	if c.creds != nil {
		if cr, ok := c.creds.Credentials(); ok {
			if strings.Count(uri, "%s") == 2 {
				uri = fmt.Sprintf(uri, url.QueryEscape(cr.User), url.QueryEscape(cr.Password))
			}
			cookie, clientID, token = cr.Cookie, cr.ClientID, cr.Token
		}
	}

	h := http.Header{}
	if c.agent != "" {
		h.Set(c.agentHeader, c.agent)
	}
	h.Set("Cookie", placeholder(cookie))
	h.Set("X-UFSRVCID", placeholder(clientID))
	h.Set("X-CM-TOKEN", placeholder(token))
	return uri, h
}

// placeholder keeps empty session values on the wire as a literal "0".
func placeholder(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

func (c *Connection) notifyConnectivity(connected bool) {
	if c.onConnectivity != nil {
		c.onConnectivity(connected)
	}
}
