package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of proto/websocket.proto.
const (
	fieldMessageType     protowire.Number = 1
	fieldMessageRequest  protowire.Number = 2
	fieldMessageResponse protowire.Number = 3
	fieldMessageCommand  protowire.Number = 4

	fieldRequestVerb    protowire.Number = 1
	fieldRequestPath    protowire.Number = 2
	fieldRequestBody    protowire.Number = 3
	fieldRequestID      protowire.Number = 4
	fieldRequestHeaders protowire.Number = 5

	fieldResponseID      protowire.Number = 1
	fieldResponseStatus  protowire.Number = 2
	fieldResponseMessage protowire.Number = 3
	fieldResponseBody    protowire.Number = 4
	fieldResponseHeaders protowire.Number = 5
)

// Encode encodes the frame into bytes using the protobuf wire format
func (f Frame) Encode() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	var b []byte
	b = protowire.AppendTag(b, fieldMessageType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))

	switch f.Type {
	case FrameTypeRequest:
		b = protowire.AppendTag(b, fieldMessageRequest, protowire.BytesType)
		b = protowire.AppendBytes(b, f.appendRequest(nil))
	case FrameTypeResponse:
		b = protowire.AppendTag(b, fieldMessageResponse, protowire.BytesType)
		b = protowire.AppendBytes(b, f.appendResponse(nil))
	}

	if f.Command != "" {
		b = protowire.AppendTag(b, fieldMessageCommand, protowire.BytesType)
		b = protowire.AppendString(b, f.Command)
	}
	return b, nil
}

// Decode decodes bytes into a frame. Every failure wraps ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	var (
		f                 Frame
		request, response []byte
		hasType           bool
	)

	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldMessageType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.Type = FrameType(v)
			hasType = true
			return n, nil
		case num == fieldMessageRequest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			request = append(request, v...)
			return n, nil
		case num == fieldMessageResponse && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			response = append(response, v...)
			return n, nil
		case num == fieldMessageCommand && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Command = v
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return Frame{}, err
	}

	if !hasType {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	switch f.Type {
	case FrameTypeRequest:
		err = f.decodeRequest(request)
	case FrameTypeResponse:
		err = f.decodeResponse(response)
	default:
		err = fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, f.Type)
	}
	if err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) appendRequest(b []byte) []byte {
	if f.Verb != "" {
		b = protowire.AppendTag(b, fieldRequestVerb, protowire.BytesType)
		b = protowire.AppendString(b, f.Verb)
	}
	if f.Path != "" {
		b = protowire.AppendTag(b, fieldRequestPath, protowire.BytesType)
		b = protowire.AppendString(b, f.Path)
	}
	if len(f.Body) > 0 {
		b = protowire.AppendTag(b, fieldRequestBody, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Body)
	}
	if f.ID != 0 {
		b = protowire.AppendTag(b, fieldRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ID)
	}
	for _, h := range f.Headers {
		b = protowire.AppendTag(b, fieldRequestHeaders, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

func (f Frame) appendResponse(b []byte) []byte {
	if f.ID != 0 {
		b = protowire.AppendTag(b, fieldResponseID, protowire.VarintType)
		b = protowire.AppendVarint(b, f.ID)
	}
	if f.Status != 0 {
		b = protowire.AppendTag(b, fieldResponseStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(f.Status))
	}
	if f.Message != "" {
		b = protowire.AppendTag(b, fieldResponseMessage, protowire.BytesType)
		b = protowire.AppendString(b, f.Message)
	}
	if len(f.Body) > 0 {
		b = protowire.AppendTag(b, fieldResponseBody, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Body)
	}
	for _, h := range f.Headers {
		b = protowire.AppendTag(b, fieldResponseHeaders, protowire.BytesType)
		b = protowire.AppendString(b, h)
	}
	return b
}

func (f *Frame) decodeRequest(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRequestVerb && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Verb = v
			return n, nil
		case num == fieldRequestPath && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Path = v
			return n, nil
		case num == fieldRequestBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			f.Body = cloneBytes(v)
			return n, nil
		case num == fieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.ID = v
			return n, nil
		case num == fieldRequestHeaders && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				f.Headers = append(f.Headers, v)
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
}

func (f *Frame) decodeResponse(data []byte) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldResponseID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			f.ID = v
			return n, nil
		case num == fieldResponseStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n >= 0 && v > math.MaxUint16 {
				return 0, fmt.Errorf("%w: status %d out of range", ErrMalformedFrame, v)
			}
			f.Status = uint16(v)
			return n, nil
		case num == fieldResponseMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			f.Message = v
			return n, nil
		case num == fieldResponseBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			f.Body = cloneBytes(v)
			return n, nil
		case num == fieldResponseHeaders && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n >= 0 {
				f.Headers = append(f.Headers, v)
			}
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// walk iterates the fields of one message, handing each value to fn. fn
// returns the number of bytes it consumed or a negative protowire length.
func walk(data []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformedFrame, protowire.ParseError(n))
		}
		data = data[n:]

		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformedFrame, num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

// skip consumes a field this codec does not know about.
func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
