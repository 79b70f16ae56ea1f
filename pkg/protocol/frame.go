// Package protocol defines the frame exchanged over the message pipe and its
// protobuf wire encoding.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Well-known request paths.
const (
	KeepalivePath = "/v1/keepalive"
	MessagePath   = "/api/v1/message"

	// EnvelopeScheme prefixes the command of frames that carry an encrypted
	// per-user envelope instead of a control command.
	EnvelopeScheme = "ufsrv://"
)

var (
	// ErrMalformedFrame is returned when bytes do not parse into a frame.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidFrame is returned when a frame cannot be represented on the wire.
	ErrInvalidFrame = errors.New("invalid frame")
)

// FrameType discriminates requests from responses.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeRequest
	FrameTypeResponse
)

// String returns the string representation of FrameType
func (t FrameType) String() string {
	switch t {
	case FrameTypeRequest:
		return "REQUEST"
	case FrameTypeResponse:
		return "RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Frame is one wire-level message.
//
// Path, Verb are request-only; Status, Message are response-only. ID, Headers
// and Body belong to whichever side Type selects. Command is carried at the
// top level of the envelope and usually duplicates Path for control commands.
type Frame struct {
	Type    FrameType
	ID      uint64
	Path    string
	Verb    string
	Headers []string
	Body    []byte
	Status  uint16
	Message string
	Command string
}

// NewRequest builds a request frame whose command mirrors its path.
func NewRequest(id uint64, verb, path string, body []byte, headers ...string) Frame {
	return Frame{
		Type:    FrameTypeRequest,
		ID:      id,
		Verb:    verb,
		Path:    path,
		Body:    body,
		Headers: headers,
		Command: path,
	}
}

// NewResponse builds a response frame for the request with the given id.
func NewResponse(id uint64, status uint16, message string, body []byte, headers ...string) Frame {
	return Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Status:  status,
		Message: message,
		Body:    body,
		Headers: headers,
	}
}

// Validate reports whether the frame can be encoded without losing fields.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameTypeRequest:
		if f.Status != 0 || f.Message != "" {
			return fmt.Errorf("%w: request frame carries response status", ErrInvalidFrame)
		}
	case FrameTypeResponse:
		if f.Path != "" || f.Verb != "" {
			return fmt.Errorf("%w: response frame carries request path", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, f.Type)
	}
	return nil
}

// IsEnvelope reports whether the frame carries a secure message envelope
// rather than a control command.
func (f Frame) IsEnvelope() bool {
	if strings.HasPrefix(f.Command, EnvelopeScheme) {
		return true
	}
	return f.Type == FrameTypeRequest && f.Verb == "PUT" && f.Path == MessagePath
}

// IsKeepalive reports whether the frame is a keepalive probe.
func (f Frame) IsKeepalive() bool {
	return f.Type == FrameTypeRequest && f.Path == KeepalivePath
}

// Equal reports whether two frames are field-wise equal. Nil and empty
// slices compare equal.
func (f Frame) Equal(g Frame) bool {
	return f.Type == g.Type &&
		f.ID == g.ID &&
		f.Path == g.Path &&
		f.Verb == g.Verb &&
		f.Status == g.Status &&
		f.Message == g.Message &&
		f.Command == g.Command &&
		bytes.Equal(f.Body, g.Body) &&
		slices.Equal(f.Headers, g.Headers)
}

// String returns a short description used in logs.
func (f Frame) String() string {
	switch f.Type {
	case FrameTypeRequest:
		return fmt.Sprintf("REQUEST{id=%d %s %s command=%q}", f.ID, f.Verb, f.Path, f.Command)
	case FrameTypeResponse:
		return fmt.Sprintf("RESPONSE{id=%d status=%d command=%q}", f.ID, f.Status, f.Command)
	default:
		return fmt.Sprintf("UNKNOWN{id=%d}", f.ID)
	}
}
