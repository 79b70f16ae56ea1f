package ws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/omochice/msgpipe/internal/transport"
	"nhooyr.io/websocket"
)

// DefaultReadLimit bounds the size of a single inbound frame.
const DefaultReadLimit = 1 << 20

// Dialer opens sockets with nhooyr.io/websocket.
type Dialer struct {
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadLimit        int64
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Socket, error) {
	opts := &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.httpClient(),
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &transport.HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = DefaultReadLimit
	}
	conn.SetReadLimit(limit)

	addr := ""
	if resp != nil && resp.Request != nil {
		addr = resp.Request.URL.Host
	}
	return NewConnWithAddr(conn, addr), nil
}

// httpClient bounds the handshake through the transport rather than the dial
// context, which must stay alive for the lifetime of the socket.
func (d *Dialer) httpClient() *http.Client {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
			TLSClientConfig:       d.TLSConfig,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

var _ transport.Dialer = (*Dialer)(nil)
