package wsconn

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned when no live socket backs a send or read.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotConnected is returned by SendRequest outside the CONNECTED state.
	ErrNotConnected = fmt.Errorf("%w: not connected", ErrConnectionClosed)
	// ErrTimeout is returned when nothing arrived within the requested window.
	ErrTimeout = errors.New("timeout")
	// ErrAuthenticationFailed is returned after the handshake was rejected
	// with 401 or 403.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrTransportFailure wraps socket level errors.
	ErrTransportFailure = errors.New("transport failure")
	// ErrDuplicateRequest is returned when a request id is already in flight.
	ErrDuplicateRequest = errors.New("request id already in flight")
)
