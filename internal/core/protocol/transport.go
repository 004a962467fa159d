package protocol

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Transport moves whole frames between the two sides of a peer. Send may be
// called concurrently; Receive is called from a single read loop.
type Transport interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory transports. Frames sent on one are
// received on the other in order.
func Pipe(buffer int) (Transport, Transport) {
	if buffer <= 0 {
		buffer = 64
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}
	closeAll := func() { once.Do(func() { close(done) }) }

	a := &pipeEnd{id: uuid.NewString(), addr: "pipe:a", in: ba, out: ab, done: done, closeAll: closeAll}
	b := &pipeEnd{id: uuid.NewString(), addr: "pipe:b", in: ab, out: ba, done: done, closeAll: closeAll}
	return a, b
}

type pipeEnd struct {
	id       string
	addr     string
	in       <-chan []byte
	out      chan<- []byte
	done     chan struct{}
	closeAll func()
	sent     atomic.Uint64
}

func (p *pipeEnd) ID() string         { return p.id }
func (p *pipeEnd) RemoteAddr() string { return p.addr }

func (p *pipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.done:
		return ErrTransportClosed
	default:
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case p.out <- buf:
		p.sent.Add(1)
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.closeAll()
	return nil
}
