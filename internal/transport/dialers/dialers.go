// Package dialers builds the configured transport.Dialer.
package dialers

import (
	"fmt"

	"github.com/omochice/msgpipe/internal/infra/config"
	"github.com/omochice/msgpipe/internal/transport"
	"github.com/omochice/msgpipe/internal/transport/gobwas"
	"github.com/omochice/msgpipe/internal/transport/ws"
)

// Transport names accepted by New.
const (
	TransportNhooyr = "nhooyr"
	TransportGobwas = "gobwas"
)

// New returns a dialer for conn.Transport using the trust settings of tlsCfg.
func New(conn config.ConnectionConfig, tlsCfg config.TLSConfig) (transport.Dialer, error) {
	trust := transport.TrustConfig{
		TrustStore:         tlsCfg.TrustStore,
		Pins:               tlsCfg.Pins,
		BlacklistedSerials: tlsCfg.BlacklistedSerials,
		ServerName:         tlsCfg.ServerName,
	}
	tc, err := trust.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}

	switch conn.Transport {
	case TransportNhooyr, "":
		return &ws.Dialer{
			TLSConfig:        tc,
			HandshakeTimeout: conn.HandshakeTimeout,
			ReadLimit:        conn.ReadLimit,
		}, nil
	case TransportGobwas:
		return &gobwas.Dialer{
			TLSConfig:        tc,
			HandshakeTimeout: conn.HandshakeTimeout,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", conn.Transport)
	}
}
