package transport

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/big"
	"os"
)

// TrustConfig describes how server certificates are validated.
type TrustConfig struct {
	// TrustStore is a PEM file whose certificates replace the system roots.
	TrustStore string
	// TrustStorePEM is used instead of TrustStore when set.
	TrustStorePEM []byte
	// Pins are base64 SHA-256 digests of SubjectPublicKeyInfo. When set, at
	// least one certificate of the verified chain must match.
	Pins []string
	// BlacklistedSerials are certificate serial numbers (decimal or 0x hex)
	// rejected even when the chain verifies.
	BlacklistedSerials []string
	ServerName         string
}

// TLSConfig builds the client TLS configuration.
func (t TrustConfig) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: t.ServerName,
	}

	roots := t.TrustStorePEM
	if len(roots) == 0 && t.TrustStore != "" {
		data, err := os.ReadFile(t.TrustStore)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust store: %w", err)
		}
		roots = data
	}
	if len(roots) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(roots) {
			return nil, fmt.Errorf("trust store contains no certificates")
		}
		cfg.RootCAs = pool
	}

	pins := make([][]byte, 0, len(t.Pins))
	for _, p := range t.Pins {
		d, err := base64.StdEncoding.DecodeString(p)
		if err != nil || len(d) != sha256.Size {
			return nil, fmt.Errorf("invalid pin %q", p)
		}
		pins = append(pins, d)
	}

	blacklist := make([]*big.Int, 0, len(t.BlacklistedSerials))
	for _, s := range t.BlacklistedSerials {
		n, ok := new(big.Int).SetString(s, 0)
		if !ok {
			return nil, fmt.Errorf("invalid certificate serial %q", s)
		}
		blacklist = append(blacklist, n)
	}

	if len(pins) > 0 || len(blacklist) > 0 {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyConnection(cs, pins, blacklist)
		}
	}
	return cfg, nil
}

func verifyConnection(cs tls.ConnectionState, pins [][]byte, blacklist []*big.Int) error {
	for _, cert := range cs.PeerCertificates {
		for _, serial := range blacklist {
			if cert.SerialNumber != nil && cert.SerialNumber.Cmp(serial) == 0 {
				return fmt.Errorf("certificate %s is blacklisted", cert.SerialNumber)
			}
		}
	}

	if len(pins) == 0 {
		return nil
	}
	for _, chain := range cs.VerifiedChains {
		for _, cert := range chain {
			sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
			for _, pin := range pins {
				if bytes.Equal(sum[:], pin) {
					return nil
				}
			}
		}
	}
	return fmt.Errorf("no certificate in the verified chain matches a pinned key")
}

// Pin returns the pin string for cert.
func Pin(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}
