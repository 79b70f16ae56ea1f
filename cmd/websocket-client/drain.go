package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/omochice/msgpipe/internal/wsconn"
	"github.com/omochice/msgpipe/pkg/protocol"
)

const drainPoll = time.Second

type inboundReader interface {
	ReadInboundRequest(timeout time.Duration) (protocol.Frame, error)
}

// drainInbound empties the inbound queue until the connection closes.
// Responses were already delivered to their callers and are discarded;
// server-pushed requests are printed to w.
func drainInbound(r inboundReader, w io.Writer) error {
	for {
		f, err := r.ReadInboundRequest(drainPoll)
		if errors.Is(err, wsconn.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if f.Type != protocol.FrameTypeRequest {
			continue
		}
		fmt.Fprintf(w, "[push %s %s]: %s\n", f.Verb, f.Path, f.Body)
	}
}
