package wsconn

import (
	"context"
	"sync"
	"time"

	"github.com/omochice/msgpipe/pkg/protocol"
)

// Response is the outcome of a request sent with SendRequest.
type Response struct {
	Status  uint16
	Message string
	Body    []byte
	Headers []string
}

func responseFrom(f protocol.Frame) Response {
	return Response{
		Status:  f.Status,
		Message: f.Message,
		Body:    f.Body,
		Headers: f.Headers,
	}
}

// Future is the single-assignment result slot of an outstanding request.
type Future struct {
	id    uint64
	done  chan struct{}
	once  sync.Once
	resp  Response
	err   error
	timer *time.Timer
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// ID returns the request id this future is keyed by.
func (f *Future) ID() uint64 {
	return f.id
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the future resolves or ctx is done. Abandoning the wait
// does not cancel the request.
func (f *Future) Await(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// complete resolves the future; only the first call has an effect.
func (f *Future) complete(resp Response, err error) bool {
	fired := false
	f.once.Do(func() {
		if f.timer != nil {
			f.timer.Stop()
		}
		f.resp = resp
		f.err = err
		close(f.done)
		fired = true
	})
	return fired
}
