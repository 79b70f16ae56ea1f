package gobwas

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/omochice/msgpipe/internal/transport"
)

// Dialer opens sockets with gobwas/ws.
type Dialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Socket, error) {
	var status int
	dialer := ws.Dialer{
		Header:    ws.HandshakeHeaderHTTP(header),
		TLSConfig: d.TLSConfig,
		Timeout:   d.HandshakeTimeout,
		OnStatusError: func(code int, _ []byte, _ io.Reader) {
			status = code
		},
	}

	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		if status != 0 {
			return nil, &transport.HandshakeError{StatusCode: status, Err: err}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewConn(conn, br), nil
}

var _ transport.Dialer = (*Dialer)(nil)
