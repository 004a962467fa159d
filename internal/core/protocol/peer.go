package protocol

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeusync/mapsync/internal/core/observability/log"
)

// EventSink receives inbound events. Deliver is called from a single
// goroutine, in arrival order.
type EventSink interface {
	Deliver(ctx context.Context, event Envelope) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event Envelope) error

func (f EventSinkFunc) Deliver(ctx context.Context, event Envelope) error { return f(ctx, event) }

// CallHandler executes inbound calls on the remote side. Calls are handled
// sequentially in arrival order.
type CallHandler interface {
	HandleCall(ctx context.Context, call Envelope) Envelope
}

// CallHandlerFunc adapts a function to CallHandler.
type CallHandlerFunc func(ctx context.Context, call Envelope) Envelope

func (f CallHandlerFunc) HandleCall(ctx context.Context, call Envelope) Envelope { return f(ctx, call) }

// PeerStats is a snapshot of peer counters.
type PeerStats struct {
	CallsSent       uint64 `json:"calls_sent"`
	CallsFailed     uint64 `json:"calls_failed"`
	RepliesReceived uint64 `json:"replies_received"`
	EventsReceived  uint64 `json:"events_received"`
	EventsRejected  uint64 `json:"events_rejected"`
	CallsHandled    uint64 `json:"calls_handled"`
	Pending         int    `json:"pending"`
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

func WithCodec(c Codec) PeerOption             { return func(p *Peer) { p.codec = c } }
func WithEventSink(s EventSink) PeerOption     { return func(p *Peer) { p.sink = s } }
func WithCallHandler(h CallHandler) PeerOption { return func(p *Peer) { p.handler = h } }
func WithLogger(l log.Log) PeerOption          { return func(p *Peer) { p.logger = l } }
func WithEventBuffer(n int) PeerOption         { return func(p *Peer) { p.eventBuffer = n } }

// Peer is one side of a message-passing channel. It sends calls and
// correlates their replies, executes inbound calls through a CallHandler and
// forwards inbound events to an EventSink.
type Peer struct {
	id        string
	transport Transport
	codec     Codec
	sink      EventSink
	handler   CallHandler
	logger    log.Log

	pending      sync.Map // call id -> *Completion
	pendingCount atomic.Int64

	eventBuffer int
	events      chan Envelope

	closed    atomic.Bool
	running   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once

	callsSent       atomic.Uint64
	callsFailed     atomic.Uint64
	repliesReceived atomic.Uint64
	eventsReceived  atomic.Uint64
	eventsRejected  atomic.Uint64
	callsHandled    atomic.Uint64
}

func NewPeer(t Transport, opts ...PeerOption) *Peer {
	p := &Peer{
		id:          uuid.NewString(),
		transport:   t,
		codec:       JSONCodec{},
		logger:      log.Nop(),
		eventBuffer: 256,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(log.PeerID(p.id), log.String("remote_addr", t.RemoteAddr()))
	p.events = make(chan Envelope, p.eventBuffer)
	return p
}

func (p *Peer) ID() string { return p.id }

// Done is closed when the peer shuts down.
func (p *Peer) Done() <-chan struct{} { return p.done }

// SetEventSink replaces the sink. It must be called before Run.
func (p *Peer) SetEventSink(s EventSink) { p.sink = s }

// Call sends a call envelope and returns a completion resolved by the
// matching reply. Send failures resolve the completion immediately.
func (p *Peer) Call(ctx context.Context, call Envelope) *Completion {
	if p.closed.Load() {
		return Failed(ErrPeerClosed)
	}
	call.Kind = KindCall
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	frame, err := p.codec.Encode(call)
	if err != nil {
		p.callsFailed.Add(1)
		return Failed(err)
	}

	c := NewCompletion()
	p.pending.Store(call.ID, c)
	p.pendingCount.Add(1)

	if err = p.transport.Send(ctx, frame); err != nil {
		p.settle(call.ID, Envelope{}, err)
		p.callsFailed.Add(1)
		p.logger.Warn("Failed to send call", log.Op(call.Op), log.Error(err))
		return c
	}
	p.callsSent.Add(1)

	// The peer may have shut down between Store and Send; make sure nothing
	// is left waiting forever.
	if p.closed.Load() {
		p.settle(call.ID, Envelope{}, ErrPeerClosed)
	}
	return c
}

// Emit sends an event envelope. Used by the remote side.
func (p *Peer) Emit(ctx context.Context, event Envelope) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	event.Kind = KindEvent
	frame, err := p.codec.Encode(event)
	if err != nil {
		return err
	}
	return p.transport.Send(ctx, frame)
}

// Run reads frames until the transport fails, ctx ends or Close is called.
// Pending calls are failed with ErrPeerClosed on return.
func (p *Peer) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("peer is already running")
	}
	defer p.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = p.transport.Close()
		case <-stop:
		}
	}()

	dispatchDone := make(chan struct{})
	go p.dispatchEvents(ctx, dispatchDone)
	defer func() {
		close(p.events)
		<-dispatchDone
	}()

	for {
		frame, err := p.transport.Receive(ctx)
		if err != nil {
			if p.closed.Load() || errors.Is(err, ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			p.logger.Debug("Peer read loop stopped", log.Error(err))
			return err
		}

		env, err := p.codec.Decode(frame)
		if err != nil {
			p.logger.Warn("Dropping malformed frame", log.Error(err))
			continue
		}

		switch env.Kind {
		case KindReply:
			p.repliesReceived.Add(1)
			if !p.settle(env.ReplyTo, env, env.Failed()) {
				p.logger.Debug("Reply for unknown call", log.String("reply_to", env.ReplyTo))
			}
		case KindEvent:
			p.eventsReceived.Add(1)
			select {
			case p.events <- env:
			case <-ctx.Done():
				return nil
			}
		case KindCall:
			p.handleCall(ctx, env)
		}
	}
}

func (p *Peer) handleCall(ctx context.Context, call Envelope) {
	var reply Envelope
	if p.handler == nil {
		reply = FailureFor(call, ErrNoCallHandler)
	} else {
		reply = p.handler.HandleCall(ctx, call)
		reply.Kind = KindReply
		reply.ReplyTo = call.ID
		if reply.Op == "" {
			reply.Op = call.Op
		}
	}
	p.callsHandled.Add(1)

	frame, err := p.codec.Encode(reply)
	if err != nil {
		p.logger.Error("Failed to encode reply", log.Op(call.Op), log.Error(err))
		return
	}
	if err = p.transport.Send(ctx, frame); err != nil {
		p.logger.Warn("Failed to send reply", log.Op(call.Op), log.Error(err))
	}
}

func (p *Peer) dispatchEvents(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for ev := range p.events {
		if p.sink == nil {
			p.eventsRejected.Add(1)
			continue
		}
		if err := p.sink.Deliver(ctx, ev); err != nil {
			p.eventsRejected.Add(1)
			p.logger.Debug("Event not delivered",
				log.String("event", ev.Name),
				log.String("token", ev.Token),
				log.Error(err))
		}
	}
}

func (p *Peer) settle(id string, reply Envelope, err error) bool {
	v, ok := p.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	p.pendingCount.Add(-1)
	return v.(*Completion).Resolve(reply, err)
}

// Close stops the peer and closes the transport.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := p.transport.Close()
	if !p.running.Load() {
		p.shutdown()
	}
	return err
}

func (p *Peer) shutdown() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.pending.Range(func(key, _ any) bool {
			p.settle(key.(string), Envelope{}, ErrPeerClosed)
			return true
		})
		close(p.done)
	})
}

func (p *Peer) Stats() PeerStats {
	return PeerStats{
		CallsSent:       p.callsSent.Load(),
		CallsFailed:     p.callsFailed.Load(),
		RepliesReceived: p.repliesReceived.Load(),
		EventsReceived:  p.eventsReceived.Load(),
		EventsRejected:  p.eventsRejected.Load(),
		CallsHandled:    p.callsHandled.Load(),
		Pending:         int(p.pendingCount.Load()),
	}
}
