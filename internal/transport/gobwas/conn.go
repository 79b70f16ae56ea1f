// Package gobwas provides the gobwas/ws implementation of transport.Socket.
package gobwas

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/msgpipe/internal/transport"
)

// closeTimeout bounds how long Close waits to send the close frame.
const closeTimeout = time.Second

// Conn wraps net.Conn for WebSocket client connections using gobwas/ws.
type Conn struct {
	conn net.Conn
	rw   io.ReadWriter
	mu   sync.Mutex
}

// lockedWriter serialises control replies written by the reader with data
// frames written by Write.
type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (lw lockedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.Write(p)
}

// NewConn wraps an upgraded connection. br holds bytes read past the
// handshake and may be nil.
func NewConn(conn net.Conn, br *bufio.Reader) *Conn {
	c := &Conn{conn: conn}
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.mu, w: conn}}
	return c
}

// Read implements transport.Socket.
// Ping frames are answered while reading.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	data, err := wsutil.ReadServerBinary(c.rw)
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) && (closed.Code == ws.StatusNormalClosure || closed.Code == ws.StatusGoingAway) {
			return nil, fmt.Errorf("%w: %w", transport.ErrClosed, err)
		}
		return nil, err
	}
	return data, nil
}

// Write implements transport.Socket.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteClientBinary(c.conn, data)
}

// Close implements transport.Socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	c.mu.Unlock()
	return c.conn.Close()
}

// RemoteAddr returns the server address for logging.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

var _ transport.Socket = (*Conn)(nil)
