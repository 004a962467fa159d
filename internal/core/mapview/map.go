// Package mapview keeps a map's remote layer set congruent with its local
// ordered collection.
//
// Every mutation of the collection is recorded as a Change and queued. A
// single drain loop per map applies changes in the order they were made,
// dispatching teardown for removed layers before creation of added ones.
// Each change is fully dispatched before the next one is considered.
package mapview

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zeusync/mapsync/internal/core/events/bus"
	"github.com/zeusync/mapsync/internal/core/gateway"
	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/registry"
	"github.com/zeusync/mapsync/pkg/sequence"
)

type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// View is the initial camera of a map, sent with createMap.
type View struct {
	Center  gateway.LatLng `json:"center"`
	Zoom    float64        `json:"zoom"`
	MinZoom float64        `json:"minZoom,omitempty"`
	MaxZoom float64        `json:"maxZoom,omitempty"`
	// MaxBounds restricts panning to the given area.
	MaxBounds *gateway.Bounds `json:"maxBounds,omitempty"`
	// ZoomControl shows the zoom buttons. Nil leaves them on.
	ZoomControl *bool `json:"zoomControl,omitempty"`
}

type Option func(*Map)

func WithID(id string) Option {
	return func(m *Map) { m.id = id }
}

func WithView(v View) Option {
	return func(m *Map) { m.view = v }
}

func WithLogger(l log.Log) Option {
	return func(m *Map) { m.logger = l }
}

// WithRegisterTimeout bounds how long the drain loop waits for a two-phase
// registration before giving up on the insertion.
func WithRegisterTimeout(d time.Duration) Option {
	return func(m *Map) { m.registerTimeout = d }
}

type Map struct {
	id              string
	view            View
	gw              *gateway.Gateway
	router          *Router
	logger          log.Log
	registerTimeout time.Duration

	state     atomic.Int32
	lifecycle sync.Mutex
	token     *registry.Token
	events    *bus.Slots
	// discarding resolves once a createMap that Initialize gave up on has
	// been undone remotely.
	discarding *protocol.Completion

	mu        sync.Mutex
	layers    Collection
	newLayers []*layer.Layer

	changes   *sequence.Queue[*Change]
	stopDrain context.CancelFunc
	drained   chan struct{}
}

func New(gw *gateway.Gateway, router *Router, opts ...Option) *Map {
	m := &Map{
		id:              uuid.NewString(),
		view:            View{Zoom: 1},
		gw:              gw,
		router:          router,
		logger:          log.Nop(),
		registerTimeout: 30 * time.Second,
		changes:         sequence.NewQueue[*Change](),
		drained:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(log.MapID(m.id))
	m.events = bus.NewSlots(m.id, mapSlots...)
	return m
}

func (m *Map) ID() string { return m.id }

func (m *Map) State() State { return State(m.state.Load()) }

// Events exposes the map's named event slots.
func (m *Map) Events() *bus.Slots { return m.events }

// On subscribes handler to a map event.
func (m *Map) On(name string, handler bus.EventHandler) (bus.Subscription, error) {
	return m.events.Subscribe(name, handler)
}

// Initialize creates the remote map and waits for it. Layers can be added
// only afterwards.
func (m *Map) Initialize(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	switch m.State() {
	case StateInitialized:
		return ErrAlreadyInitialized
	case StateDisposed:
		return ErrDisposed
	}

	if m.discarding != nil {
		if _, err := m.discarding.Wait(ctx); err != nil {
			return err
		}
		m.discarding = nil
	}

	token := registry.NewToken()
	m.token = token
	m.router.bindMap(token, m)

	c, err := m.gw.CreateMap(ctx, m.id, token.ID(), m.view)
	if err == nil {
		if _, err = c.Wait(ctx); err != nil {
			m.discarding = m.discardCreate(c)
		}
	}
	if err != nil {
		m.router.unbindMap(token)
		token.Dispose()
		m.logger.Error("Failed to create remote map", log.Error(err))
		return err
	}

	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.stopDrain = cancel
	go m.drain(drainCtx)

	m.state.Store(int32(StateInitialized))
	m.logger.Info("Map initialized")
	_ = m.events.Raise(EventInitialized, nil)
	return nil
}

// discardCreate disposes the remote map if the abandoned createMap c still
// succeeds. The returned completion never fails.
func (m *Map) discardCreate(c *protocol.Completion) *protocol.Completion {
	return c.Chain(func(_ protocol.Envelope, err error) (protocol.Envelope, error) {
		if err != nil {
			return protocol.Envelope{}, nil
		}
		m.logger.Info("Disposing remote map created after initialization gave up")
		ctx := context.Background()
		d, err := m.gw.DisposeMap(ctx, m.id)
		if err == nil {
			_, err = d.Wait(ctx)
		}
		if err != nil {
			m.logger.Warn("Failed to dispose abandoned remote map", log.Error(err))
		}
		return protocol.Envelope{}, nil
	})
}

func (m *Map) usable() error {
	switch m.State() {
	case StateUninitialized:
		return ErrUninitialized
	case StateDisposed:
		return ErrDisposed
	}
	return nil
}

func checkLayer(l *layer.Layer) error {
	if l == nil {
		return ErrNilLayer
	}
	if l.Disposed() {
		return gateway.ErrDisposed
	}
	_, err := gateway.Lookup(l.Kind())
	return err
}

// mutate applies fn to the collection and queues the resulting change under
// one lock, so queue order is mutation order.
func (m *Map) mutate(fn func(c *Collection) (*Change, error)) (*protocol.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.usable(); err != nil {
		return nil, err
	}
	ch, err := fn(&m.layers)
	if err != nil {
		return nil, err
	}
	ch.done = protocol.NewCompletion()
	if err = m.changes.Push(ch); err != nil {
		return nil, ErrDisposed
	}
	return ch.done, nil
}

// AddLayer appends l. The completion resolves once the remote side has
// answered every call the change produced.
func (m *Map) AddLayer(l *layer.Layer) (*protocol.Completion, error) {
	if err := checkLayer(l); err != nil {
		return nil, err
	}
	return m.mutate(func(c *Collection) (*Change, error) {
		if c.Contains(l) {
			return nil, ErrDuplicateLayer
		}
		return c.Append(l), nil
	})
}

// RemoveLayer removes l and tears down its remote object.
func (m *Map) RemoveLayer(l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	return m.mutate(func(c *Collection) (*Change, error) {
		i := c.IndexOf(l)
		if i < 0 {
			return nil, ErrLayerNotFound
		}
		return c.RemoveAt(i), nil
	})
}

// ReplaceLayer swaps prev for next at the same position. prev is torn down
// before next is created.
func (m *Map) ReplaceLayer(prev, next *layer.Layer) (*protocol.Completion, error) {
	if prev == nil {
		return nil, ErrNilLayer
	}
	if err := checkLayer(next); err != nil {
		return nil, err
	}
	return m.mutate(func(c *Collection) (*Change, error) {
		i := c.IndexOf(prev)
		if i < 0 {
			return nil, ErrLayerNotFound
		}
		if prev != next && c.Contains(next) {
			return nil, ErrDuplicateLayer
		}
		return c.ReplaceAt(i, next), nil
	})
}

// MoveLayer reorders the collection. The moved layer is recreated so the
// remote draw order follows.
func (m *Map) MoveLayer(from, to int) (*protocol.Completion, error) {
	return m.mutate(func(c *Collection) (*Change, error) {
		if from < 0 || from >= c.Len() || to < 0 || to >= c.Len() {
			return nil, ErrIndexOutOfRange
		}
		return c.Move(from, to), nil
	})
}

// ClearLayers removes every layer.
func (m *Map) ClearLayers() (*protocol.Completion, error) {
	return m.mutate(func(c *Collection) (*Change, error) {
		return c.Reset(), nil
	})
}

// Layers returns a read-only snapshot of the collection.
func (m *Map) Layers() []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers.Snapshot()
}

// LayersOfKind returns the layers of kind k in collection order.
func (m *Map) LayersOfKind(k layer.Kind) []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.layers.OfKind(k)
}

func (m *Map) drain(ctx context.Context) {
	defer close(m.drained)
	for {
		ch, err := m.changes.Pop(ctx)
		if err != nil {
			return
		}
		m.apply(ctx, ch)
	}
}

func (m *Map) apply(ctx context.Context, ch *Change) {
	var (
		pending []*protocol.Completion
		errs    []error
	)

	for _, l := range ch.Removed {
		pending = append(pending, m.gw.Remove(ctx, m.id, l.ID()))
	}
	for _, l := range ch.Added {
		c, err := m.insert(ctx, l)
		if err != nil {
			m.logger.Warn("Failed to create layer",
				log.LayerID(l.ID()),
				log.Kind(l.Kind().String()),
				log.Error(err))
			errs = append(errs, err)
			continue
		}
		pending = append(pending, c)
	}

	m.logger.Debug("Change dispatched",
		log.String("action", ch.Action.String()),
		log.Int("removed", len(ch.Removed)),
		log.Int("added", len(ch.Added)))

	go func() {
		for _, c := range pending {
			<-c.Done()
			if err := c.Err(); err != nil {
				errs = append(errs, err)
			}
		}
		ch.done.Resolve(protocol.Envelope{}, errors.Join(errs...))
	}()
}

// insert dispatches creation of l. Two-phase layers are registered first
// and attached once the handle is known, so the attach call is on the wire
// before the next change is considered.
func (m *Map) insert(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if !gateway.IsTwoPhase(l.Kind()) {
		return m.gw.Create(ctx, m.id, l)
	}

	reg, err := m.gw.Register(ctx, l)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, m.registerTimeout)
	defer cancel()
	if _, err = reg.Wait(waitCtx); err != nil {
		return nil, err
	}
	return m.gw.Attach(ctx, m.id, l)
}

// AddNewLayer places l on the map outside the collection, registering it
// first if needed. Two-phase layers added this way can later move to
// another map without being recreated.
func (m *Map) AddNewLayer(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if err := checkLayer(l); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	for _, it := range m.newLayers {
		if it == l {
			return nil, ErrDuplicateLayer
		}
	}
	c, err := m.gw.Create(ctx, m.id, l)
	if err != nil {
		return nil, err
	}
	m.newLayers = append(m.newLayers, l)
	return c, nil
}

// RemoveNewLayer takes a layer added with AddNewLayer off the map.
// Two-phase layers keep their remote object.
func (m *Map) RemoveNewLayer(ctx context.Context, l *layer.Layer) (*protocol.Completion, error) {
	if l == nil {
		return nil, ErrNilLayer
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return nil, err
	}
	i := -1
	for j, it := range m.newLayers {
		if it == l {
			i = j
			break
		}
	}
	if i < 0 {
		return nil, ErrLayerNotFound
	}

	var c *protocol.Completion
	if gateway.IsTwoPhase(l.Kind()) {
		var err error
		if c, err = m.gw.Detach(ctx, m.id, l); err != nil {
			return nil, err
		}
	} else {
		c = m.gw.Remove(ctx, m.id, l.ID())
	}
	m.newLayers = append(m.newLayers[:i], m.newLayers[i+1:]...)
	return c, nil
}

// NewLayers returns the layers added with AddNewLayer.
func (m *Map) NewLayers() []*layer.Layer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*layer.Layer, len(m.newLayers))
	copy(out, m.newLayers)
	return out
}

// Dispose tears down every layer and the remote map. Afterwards every
// operation fails with ErrDisposed and no event fires.
func (m *Map) Dispose(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	prev := m.State()
	m.state.Store(int32(StateDisposed))
	m.mu.Unlock()

	if prev != StateInitialized {
		m.changes.Close()
		m.events.Close()
		return nil
	}

	// Let queued changes finish so teardown sees the final collection.
	m.changes.Close()
	select {
	case <-m.drained:
	case <-ctx.Done():
		m.stopDrain()
		<-m.drained
	}
	m.stopDrain()

	// Calls are not cancelled once started; ctx only bounds the final wait.
	sendCtx := context.WithoutCancel(ctx)

	m.mu.Lock()
	layers := m.layers.Reset().Removed
	newLayers := m.newLayers
	m.newLayers = nil
	m.mu.Unlock()

	for _, l := range layers {
		m.gw.Remove(sendCtx, m.id, l.ID())
	}
	for _, l := range newLayers {
		if gateway.IsTwoPhase(l.Kind()) {
			_, _ = m.gw.Detach(sendCtx, m.id, l)
		} else {
			m.gw.Remove(sendCtx, m.id, l.ID())
		}
	}

	var err error
	if c, cerr := m.gw.DisposeMap(sendCtx, m.id); cerr != nil {
		err = cerr
	} else {
		_, err = c.Wait(ctx)
	}

	m.router.unbindMap(m.token)
	m.token.Dispose()
	m.events.Close()
	m.logger.Info("Map disposed", log.Int("layers", len(layers)))
	return err
}
