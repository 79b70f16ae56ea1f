// Package server is a reference backend speaking the frame protocol over
// gorilla/websocket. It answers keepalives, echoes /v1/echo, and can push
// frames to every connected client.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/omochice/msgpipe/pkg/protocol"
)

// EchoPath is answered with the request body.
const EchoPath = "/v1/echo"

// ErrNoClients is returned by Push when nobody is connected.
var ErrNoClients = errors.New("no connected clients")

// HandlerFunc answers a request. Returning false sends no response.
type HandlerFunc func(req protocol.Frame) (protocol.Frame, bool)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type client struct {
	conn     *websocket.Conn
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Server is a websocket backend for msgpipe clients.
type Server struct {
	address      string
	path         string
	authenticate func(*http.Request) bool
	handlers     map[string]HandlerFunc
	onResponse   func(protocol.Frame)
	logger       *slog.Logger

	listener net.Listener
	server   *http.Server
	clients  map[*client]bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithPath sets the websocket endpoint path.
func WithPath(path string) Option {
	return func(s *Server) {
		s.path = path
	}
}

// WithAuthenticator rejects upgrades for which fn returns false with 403.
func WithAuthenticator(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.authenticate = fn
	}
}

// WithHandler answers requests for path with fn.
func WithHandler(path string, fn HandlerFunc) Option {
	return func(s *Server) {
		s.handlers[path] = fn
	}
}

// WithResponseListener is called with every response a client sends.
func WithResponseListener(fn func(protocol.Frame)) Option {
	return func(s *Server) {
		s.onResponse = fn
	}
}

// New creates a new Server instance
func New(address string, opts ...Option) *Server {
	s := &Server{
		address:  address,
		path:     "/v1/websocket/",
		handlers: make(map[string]HandlerFunc),
		clients:  make(map[*client]bool),
		logger:   slog.Default(),
	}
	s.handlers[protocol.KeepalivePath] = func(req protocol.Frame) (protocol.Frame, bool) {
		return protocol.NewResponse(req.ID, http.StatusOK, "OK", nil), true
	}
	s.handlers[EchoPath] = func(req protocol.Frame) (protocol.Frame, bool) {
		return protocol.NewResponse(req.ID, http.StatusOK, "OK", req.Body), true
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{
		Handler: mux,
	}

	s.logger.Info("server started", "addr", listener.Addr().String(), "path", s.path)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and every client, then waits for the handlers.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.Close()
	}
	s.DisconnectAll()
	s.wg.Wait()
	s.logger.Info("server stopped")
}

// DisconnectAll drops every client without a close handshake.
func (s *Server) DisconnectAll() {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// URL returns the websocket URL of the server.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + s.path
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Push sends f to every connected client.
func (s *Server) Push(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.clients) == 0 {
		return ErrNoClients
	}
	for c := range s.clients {
		s.send(c, data)
	}
	return nil
}

func (s *Server) send(c *client, data []byte) {
	select {
	case c.outgoing <- data:
	case <-c.done:
	default:
		s.logger.Warn("client channel full, dropping frame")
	}
}

// handleWebSocket handles WebSocket upgrade and client connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.authenticate != nil && !s.authenticate(r) {
		s.logger.Warn("rejecting client", "remote", r.RemoteAddr)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	c := &client{
		conn:     conn,
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	s.logger.Info("client connected", "remote", r.RemoteAddr)

	s.wg.Add(2)
	go s.writeLoop(c)
	go s.handleClient(c)
}

func (s *Server) writeLoop(c *client) {
	defer s.wg.Done()
	for {
		select {
		case data := <-c.outgoing:
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.logger.Warn("failed to send frame", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleClient reads frames until the client goes away.
func (s *Server) handleClient(c *client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		s.logger.Info("client disconnected")
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket error", "error", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("failed to decode frame", "error", err)
			continue
		}

		switch f.Type {
		case protocol.FrameTypeRequest:
			s.handleRequest(c, f)
		case protocol.FrameTypeResponse:
			if s.onResponse != nil {
				s.onResponse(f)
			}
		}
	}
}

func (s *Server) handleRequest(c *client, req protocol.Frame) {
	var (
		resp protocol.Frame
		ok   = true
	)
	if h, found := s.handlers[req.Path]; found {
		resp, ok = h(req)
	} else {
		s.logger.Debug("no handler", "path", req.Path)
		resp = protocol.NewResponse(req.ID, http.StatusNotFound, http.StatusText(http.StatusNotFound), nil)
	}
	if !ok {
		return
	}

	data, err := resp.Encode()
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	s.send(c, data)
}
