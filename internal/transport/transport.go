// Package transport abstracts the websocket implementation used by a
// connection so the client can run over different libraries.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrClosed is returned by Socket.Read after the peer closed the socket with a
// normal closure.
var ErrClosed = errors.New("socket closed")

// Socket abstracts one open websocket carrying binary frames.
type Socket interface {
	// Read reads a single binary message.
	// Returns an error wrapping ErrClosed after a clean close.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single binary message. Safe for concurrent use.
	Write(ctx context.Context, data []byte) error

	// Close closes the socket.
	Close() error
}

// Dialer opens sockets.
type Dialer interface {
	// Dial performs the upgrade handshake against url with the given request
	// headers. A rejected upgrade is reported as *HandshakeError.
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// HandshakeError reports an upgrade answered with a non-101 status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("websocket handshake rejected with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("websocket handshake rejected with status %d", e.StatusCode)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsAuthFailure reports whether err is a handshake rejected with 401 or 403.
func IsAuthFailure(err error) bool {
	var hs *HandshakeError
	if !errors.As(err, &hs) {
		return false
	}
	return hs.StatusCode == http.StatusUnauthorized || hs.StatusCode == http.StatusForbidden
}
