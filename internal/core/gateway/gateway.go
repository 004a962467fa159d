// Package gateway turns local layer intents into asynchronous calls to the
// remote engine. Every operation produces at most one outbound call per step
// and returns a deferred completion; callers either wait on it before issuing
// a dependent operation or drop it.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/registry"
	"github.com/zeusync/mapsync/pkg/concurrent"
)

// Caller sends a call envelope to the remote side. protocol.Peer implements
// it.
type Caller interface {
	Call(ctx context.Context, call protocol.Envelope) *protocol.Completion
}

type Option func(*Gateway)

func WithLogger(l log.Log) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithFailureFunc installs an observer for failed calls nobody waits on.
func WithFailureFunc(f FailureFunc) Option {
	return func(g *Gateway) { g.onFailure = f }
}

// WithRegisterConcurrency bounds RegisterAll.
func WithRegisterConcurrency(n int) Option {
	return func(g *Gateway) { g.registerLimit = n }
}

// pendingRegistration tracks a two-phase registration whose reply has not
// arrived. A teardown that races the reply abandons it, and the reply handler
// then destroys the remote object instead of recording it.
type pendingRegistration struct {
	completion *protocol.Completion
	mu         sync.Mutex
	abandoned  bool
	done       bool
}

// pendingAttach is the attach step of a two-phase creation that waits for
// its registration. Detach cancels it while it has not been sent.
type pendingAttach struct {
	mapID     string
	mu        sync.Mutex
	cancelled bool
	sent      bool
}

type Gateway struct {
	caller        Caller
	registry      *registry.Registry
	logger        log.Log
	onFailure     FailureFunc
	registerLimit int

	inflight      sync.Map // layer id -> *pendingRegistration
	inflightCount atomic.Int64
	attaching     sync.Map // layer id -> *pendingAttach

	calls         atomic.Uint64
	failures      atomic.Uint64
	compensations atomic.Uint64
}

func New(caller Caller, reg *registry.Registry, opts ...Option) *Gateway {
	g := &Gateway{
		caller:        caller,
		registry:      reg,
		logger:        log.Nop(),
		registerLimit: 8,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(log.Component("gateway"))
	return g
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }

func (g *Gateway) Stats() Stats {
	return Stats{
		Calls:         g.calls.Load(),
		Failures:      g.failures.Load(),
		Compensations: g.compensations.Load(),
		InFlight:      int(g.inflightCount.Load()),
	}
}

func (g *Gateway) send(ctx context.Context, call protocol.Envelope) *protocol.Completion {
	g.calls.Add(1)
	g.logger.Debug("Dispatching call",
		log.Op(call.Op),
		log.MapID(call.Map),
		log.LayerID(call.Layer))
	return g.caller.Call(ctx, call)
}

// track reports a failure of c unless somebody else handles it.
func (g *Gateway) track(c *protocol.Completion, call protocol.Envelope) *protocol.Completion {
	c.Then(func(_ protocol.Envelope, err error) {
		if err == nil {
			return
		}
		g.failures.Add(1)
		g.logger.Warn("Remote call failed",
			log.Op(call.Op),
			log.MapID(call.Map),
			log.LayerID(call.Layer),
			log.Error(err))
		if g.onFailure != nil {
			g.onFailure(Failure{Op: call.Op, Map: call.Map, Layer: call.Layer, Err: err})
		}
	})
	return c
}

func layerCall(op, mapID string, l *layer.Layer) (protocol.Envelope, error) {
	call, err := protocol.NewCall(op, mapID).WithPayload(bodyOf(l))
	if err != nil {
		return call, err
	}
	call.Layer = l.ID()
	return call, nil
}

// Create creates l remotely as a member of mapID.
//
// Fused kinds are created and attached in one call; the registry entry is
// inserted before the call is sent. Two-phase kinds are registered first if
// needed and attached once the handle is known; the completion resolves with
// the attach reply.
func (g *Gateway) Create(ctx context.Context, mapID string, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	if mapID == "" {
		return nil, ErrEmptyMapID
	}
	route, err := Lookup(l.Kind())
	if err != nil {
		return nil, err
	}
	if l.Disposed() {
		return nil, ErrDisposed
	}
	if route.Shape == TwoPhase {
		return g.createTwoPhase(ctx, mapID, l)
	}

	call, err := layerCall(route.Create, mapID, l)
	if err != nil {
		return nil, err
	}
	token := registry.NewToken()
	if err = g.registry.Register(l.ID(), token, mapID, l); err != nil {
		return nil, err
	}
	call.Token = token.ID()

	c := g.send(ctx, call).Chain(func(reply protocol.Envelope, err error) (protocol.Envelope, error) {
		// The entry may have been released while the call was in flight.
		e, live := g.registry.Lookup(l.ID())
		live = live && e.Token == token
		switch {
		case err != nil:
			if live {
				g.registry.Release(l.ID())
			}
			return reply, err
		case live && reply.Handle != "":
			l.AssignHandle(layer.Handle(reply.Handle))
		}
		return reply, nil
	})
	return g.track(c, call), nil
}

func (g *Gateway) createTwoPhase(ctx context.Context, mapID string, l *layer.Layer) (*protocol.Completion, error) {
	reg, err := g.Register(ctx, l)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	pa := &pendingAttach{mapID: mapID}
	g.attaching.Store(l.ID(), pa)

	result := protocol.NewCompletion()
	reg.Then(func(_ protocol.Envelope, err error) {
		pa.mu.Lock()
		g.attaching.CompareAndDelete(l.ID(), pa)
		if err == nil && pa.cancelled {
			err = ErrAttachCancelled
		}
		if err != nil {
			pa.mu.Unlock()
			result.Resolve(protocol.Envelope{}, err)
			return
		}
		att, err := g.Attach(ctx, mapID, l)
		pa.sent = true
		pa.mu.Unlock()
		if err != nil {
			result.Resolve(protocol.Envelope{}, err)
			return
		}
		result.Resolve(att.Wait(ctx))
	})
	return result, nil
}

// cancelAttach stops a two-phase creation on mapID from attaching l. It
// reports false once the attach has been sent.
func (g *Gateway) cancelAttach(id, mapID string) bool {
	v, ok := g.attaching.Load(id)
	if !ok {
		return false
	}
	pa := v.(*pendingAttach)
	pa.mu.Lock()
	defer pa.mu.Unlock()
	if pa.sent || pa.cancelled || pa.mapID != mapID {
		return false
	}
	pa.cancelled = true
	g.attaching.CompareAndDelete(id, pa)
	return true
}

// Register creates the remote counterpart of a two-phase layer without
// placing it on a map. On success the handle is stored on the layer and a
// registry entry with no owner is inserted. Concurrent registrations of the
// same layer share one call.
func (g *Gateway) Register(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	route, err := Lookup(l.Kind())
	if err != nil {
		return nil, err
	}
	if route.Shape != TwoPhase {
		return nil, fmt.Errorf("%w: %s is created together with its map", ErrWrongShape, l.Kind())
	}
	if l.Disposed() {
		return nil, ErrDisposed
	}
	if l.Registered() {
		if g.registry.Contains(l.ID()) {
			return protocol.Completed(protocol.Envelope{Handle: string(l.Handle())}, nil), nil
		}
		// Stale handle from a counterpart that has been torn down.
		l.TakeHandle()
	}

	pending := &pendingRegistration{completion: protocol.NewCompletion()}
	if prev, loaded := g.inflight.LoadOrStore(l.ID(), pending); loaded {
		return prev.(*pendingRegistration).completion, nil
	}
	g.inflightCount.Add(1)

	call, err := layerCall(route.Create, "", l)
	if err != nil {
		g.finishRegistration(l.ID(), pending)
		pending.completion.Resolve(protocol.Envelope{}, err)
		return nil, err
	}
	token := registry.NewToken()
	call.Token = token.ID()

	g.send(ctx, call).Then(func(reply protocol.Envelope, err error) {
		g.completeRegistration(l, token, pending, reply, err)
	})
	return pending.completion, nil
}

func (g *Gateway) completeRegistration(
	l *layer.Layer,
	token *registry.Token,
	pending *pendingRegistration,
	reply protocol.Envelope,
	err error,
) {
	if err == nil && reply.Handle == "" {
		err = ErrNoHandle
	}

	pending.mu.Lock()
	abandoned := err == nil && (pending.abandoned || l.Disposed())
	if err == nil && !abandoned {
		l.AssignHandle(layer.Handle(reply.Handle))
		_ = g.registry.Register(l.ID(), token, "", l)
	}
	pending.done = true
	pending.mu.Unlock()
	g.finishRegistration(l.ID(), pending)

	switch {
	case err != nil:
		token.Dispose()
		g.logger.Warn("Registration failed", log.LayerID(l.ID()), log.Kind(l.Kind().String()), log.Error(err))
		pending.completion.Resolve(reply, err)
	case abandoned:
		token.Dispose()
		g.compensate(l.ID(), reply.Handle)
		pending.completion.Resolve(reply, ErrDisposed)
	default:
		pending.completion.Resolve(reply, nil)
	}
}

func (g *Gateway) finishRegistration(id string, pending *pendingRegistration) {
	if g.inflight.CompareAndDelete(id, pending) {
		g.inflightCount.Add(-1)
	}
}

// abandon marks an in-flight registration of id as torn down. It returns
// true when the reply handler will take care of destroying the remote
// object.
func (g *Gateway) abandon(id string) bool {
	v, ok := g.inflight.Load(id)
	if !ok {
		return false
	}
	pending := v.(*pendingRegistration)
	pending.mu.Lock()
	defer pending.mu.Unlock()
	if pending.done {
		return false
	}
	pending.abandoned = true
	return true
}

// compensate destroys a remote object created for a layer that was torn
// down while its creation was in flight.
func (g *Gateway) compensate(id, handle string) {
	g.compensations.Add(1)
	g.logger.Info("Destroying object created after teardown", log.LayerID(id), log.String("handle", handle))
	call := protocol.NewCall(OpDispose, "")
	call.Layer = id
	call.Handle = handle
	g.track(g.send(context.Background(), call), call)
}

// RegisterAll registers layers concurrently and waits for every reply.
func (g *Gateway) RegisterAll(ctx context.Context, layers ...*layer.Layer) error {
	return concurrent.ForEach(ctx, layers, g.registerLimit, func(ctx context.Context, l *layer.Layer) error {
		c, err := g.Register(ctx, l)
		if err != nil {
			return err
		}
		_, err = c.Wait(ctx)
		return err
	})
}

// Attach places a registered two-phase layer on mapID. A layer without a
// handle is rejected synchronously. Callers must Detach before attaching to
// another map.
func (g *Gateway) Attach(ctx context.Context, mapID string, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	if mapID == "" {
		return nil, ErrEmptyMapID
	}
	if !IsTwoPhase(l.Kind()) {
		return nil, fmt.Errorf("%w: %s cannot be attached by handle", ErrWrongShape, l.Kind())
	}
	if l.Disposed() {
		return nil, ErrDisposed
	}
	h := l.Handle()
	if h == "" || !g.registry.Reassign(l.ID(), mapID) {
		return nil, ErrNotRegistered
	}

	call := protocol.NewCall(OpAttach, mapID)
	call.Layer = l.ID()
	call.Handle = string(h)
	return g.track(g.send(ctx, call), call), nil
}

// Detach takes a two-phase layer off mapID and keeps its remote object. A
// creation still waiting for its registration never attaches; its completion
// fails with ErrAttachCancelled.
func (g *Gateway) Detach(ctx context.Context, mapID string, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	if g.cancelAttach(l.ID(), mapID) {
		g.logger.Debug("Pending attach cancelled", log.MapID(mapID), log.LayerID(l.ID()))
		return protocol.Completed(protocol.Envelope{}, nil), nil
	}
	h := l.Handle()
	if h == "" || !g.registry.Reassign(l.ID(), "") {
		return nil, ErrNotRegistered
	}

	call := protocol.NewCall(OpDetach, mapID)
	call.Layer = l.ID()
	call.Handle = string(h)
	return g.track(g.send(ctx, call), call), nil
}

// Remove tears down the remote object of id and releases its registry entry
// without waiting for the reply. Removing an id with nothing registered is a
// no-op.
func (g *Gateway) Remove(ctx context.Context, mapID, id string) *protocol.Completion {
	if g.abandon(id) {
		return protocol.Completed(protocol.Envelope{}, nil)
	}

	entry, ok := g.registry.Release(id)
	if !ok {
		g.logger.Debug("Nothing to remove", log.MapID(mapID), log.LayerID(id))
		return protocol.Completed(protocol.Envelope{}, nil)
	}

	call := protocol.NewCall(OpRemove, mapID)
	call.Layer = id
	if entry.Layer != nil {
		if h, had := entry.Layer.TakeHandle(); had {
			call.Handle = string(h)
		}
	}
	return g.track(g.send(ctx, call), call)
}

// Dispose destroys the remote object of l, releases its entry and marks the
// layer disposed. Disposing twice is a no-op.
func (g *Gateway) Dispose(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	if g.abandon(l.ID()) {
		l.MarkDisposed()
		return protocol.Completed(protocol.Envelope{}, nil), nil
	}

	h := l.Handle()
	entry, had := g.registry.Release(l.ID())
	l.MarkDisposed()
	if !had && h == "" {
		return protocol.Completed(protocol.Envelope{}, nil), nil
	}

	call := protocol.NewCall(OpDispose, entry.Owner)
	call.Layer = l.ID()
	call.Handle = string(h)
	return g.track(g.send(ctx, call), call), nil
}

func (g *Gateway) updateCall(op string, l *layer.Layer, payload any) (protocol.Envelope, error) {
	entry, ok := g.registry.Lookup(l.ID())
	if !ok {
		return protocol.Envelope{}, ErrNotCreated
	}
	call, err := protocol.NewCall(op, entry.Owner).WithPayload(payload)
	if err != nil {
		return call, err
	}
	call.Layer = l.ID()
	call.Handle = string(l.Handle())
	return call, nil
}

// UpdateShape sends the current properties of a shape layer.
func (g *Gateway) UpdateShape(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	route, err := Lookup(l.Kind())
	if err != nil {
		return nil, err
	}
	if route.Update == "" {
		return nil, fmt.Errorf("%w: no shape update for %s", ErrUnhandledKind, l.Kind())
	}
	call, err := g.updateCall(route.Update, l, bodyOf(l))
	if err != nil {
		return nil, err
	}
	return g.track(g.send(ctx, call), call), nil
}

// SetLatLng moves a point layer.
func (g *Gateway) SetLatLng(ctx context.Context, l *layer.Layer, pos LatLng) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	switch l.Kind() {
	case layer.KindMarker, layer.KindCircle, layer.KindPopup:
	default:
		return nil, fmt.Errorf("%w: %s has no single position", ErrWrongShape, l.Kind())
	}
	call, err := g.updateCall(OpSetLatLng, l, pos)
	if err != nil {
		return nil, err
	}
	return g.track(g.send(ctx, call), call), nil
}

// UpdatePopupContent pushes the layer's popup content.
func (g *Gateway) UpdatePopupContent(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	content := l.Popup()
	if content == nil {
		return nil, fmt.Errorf("%w: %s has no popup", ErrInvalidOperation, l)
	}
	call, err := g.updateCall(OpPopupContent, l, content)
	if err != nil {
		return nil, err
	}
	return g.track(g.send(ctx, call), call), nil
}

// UpdateTooltipContent pushes the layer's tooltip content.
func (g *Gateway) UpdateTooltipContent(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	content := l.Tooltip()
	if content == nil {
		return nil, fmt.Errorf("%w: %s has no tooltip", ErrInvalidOperation, l)
	}
	call, err := g.updateCall(OpTooltipContent, l, content)
	if err != nil {
		return nil, err
	}
	return g.track(g.send(ctx, call), call), nil
}
