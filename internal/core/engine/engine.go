// Package engine is a headless remote context: it executes the gateway's
// command set against an in-memory scene graph, hands out handles and emits
// events through the callback tokens it was given. cmd/renderer serves it over
// a network transport and tests drive it over an in-memory pipe.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/zeusync/mapsync/internal/core/gateway"
	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
)

// Emitter sends events back to the local side. protocol.Peer implements it.
type Emitter interface {
	Emit(ctx context.Context, event protocol.Envelope) error
}

// Call is one executed command, recorded in arrival order.
type Call struct {
	Op     string
	Map    string
	Layer  string
	Handle string
	Err    error
}

// Object is a remote counterpart of a local layer.
type Object struct {
	Handle  string
	LayerID string
	Kind    layer.Kind
	Token   string
	Map     string
	Body    gateway.Body
	LatLng  *gateway.LatLng
}

// Scene is the state of one remote map.
type Scene struct {
	ID          string
	Token       string
	Center      gateway.LatLng
	Zoom        float64
	MaxBounds   *gateway.Bounds
	ZoomControl bool
	Popup       *gateway.PopupRequest
	Layers      []string // handles in attach order
}

// clamp keeps p inside the scene's max bounds, if any.
func (s *Scene) clamp(p gateway.LatLng) gateway.LatLng {
	if b := s.MaxBounds; b != nil {
		p.Lat = min(max(p.Lat, b.SouthWest.Lat), b.NorthEast.Lat)
		p.Lng = min(max(p.Lng, b.SouthWest.Lng), b.NorthEast.Lng)
	}
	return p
}

type Option func(*Engine)

func WithLogger(l log.Log) Option {
	return func(e *Engine) { e.logger = l }
}

// WithEvents makes the engine emit add/remove and view-change events the
// way a browser map would.
func WithEvents(enabled bool) Option {
	return func(e *Engine) { e.emitLifecycle = enabled }
}

type Engine struct {
	logger        log.Log
	emitter       Emitter
	emitLifecycle bool

	createOps map[string]layer.Kind
	updateOps map[string]layer.Kind

	mu       sync.Mutex
	scenes   map[string]*Scene
	objects  map[string]*Object // handle -> object
	byLayer  map[string]string  // layer id -> handle
	calls    []Call
	failures map[string]error
	holds    map[string]chan struct{}

	nextHandle atomic.Uint64
}

func New(opts ...Option) *Engine {
	e := &Engine{
		logger:        log.Nop(),
		emitLifecycle: true,
		createOps:     make(map[string]layer.Kind),
		updateOps:     make(map[string]layer.Kind),
		scenes:        make(map[string]*Scene),
		objects:       make(map[string]*Object),
		byLayer:       make(map[string]string),
		failures:      make(map[string]error),
		holds:         make(map[string]chan struct{}),
	}
	for k, r := range gateway.Routes() {
		e.createOps[r.Create] = k
		if r.Update != "" {
			e.updateOps[r.Update] = k
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(log.Component("engine"))
	return e
}

// Bind sets the channel events are emitted on.
func (e *Engine) Bind(emitter Emitter) {
	e.mu.Lock()
	e.emitter = emitter
	e.mu.Unlock()
}

// FailNext makes the next call of op fail with err.
func (e *Engine) FailNext(op string, err error) {
	e.mu.Lock()
	e.failures[op] = err
	e.mu.Unlock()
}

// Hold blocks calls of op until the returned release function is called.
// Calls are executed in order, so everything behind a held call waits too.
func (e *Engine) Hold(op string) (release func()) {
	ch := make(chan struct{})
	e.mu.Lock()
	e.holds[op] = ch
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.holds[op] == ch {
				delete(e.holds, op)
			}
			e.mu.Unlock()
			close(ch)
		})
	}
}

// HandleCall executes one command. It implements protocol.CallHandler.
func (e *Engine) HandleCall(ctx context.Context, call protocol.Envelope) protocol.Envelope {
	e.mu.Lock()
	hold := e.holds[call.Op]
	e.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return protocol.FailureFor(call, ctx.Err())
		}
	}

	handle, result, events, err := e.execute(call)

	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: call.Op, Map: call.Map, Layer: call.Layer, Handle: handle, Err: err})
	e.mu.Unlock()

	if err != nil {
		e.logger.Debug("Call failed", log.Op(call.Op), log.LayerID(call.Layer), log.Error(err))
		return protocol.FailureFor(call, err)
	}
	for _, ev := range events {
		e.emit(ctx, ev)
	}
	return protocol.ReplyFor(call, handle, result)
}

func (e *Engine) execute(call protocol.Envelope) (handle string, result json.RawMessage, events []protocol.Envelope, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ferr, ok := e.failures[call.Op]; ok {
		delete(e.failures, call.Op)
		return "", nil, nil, ferr
	}

	if kind, ok := e.createOps[call.Op]; ok {
		return e.create(call, kind)
	}
	if _, ok := e.updateOps[call.Op]; ok {
		return "", nil, nil, e.update(call)
	}

	switch call.Op {
	case gateway.OpCreateMap:
		return e.createMap(call)
	case gateway.OpDisposeMap:
		return e.disposeMap(call)
	case gateway.OpAttach:
		return e.attach(call)
	case gateway.OpDetach:
		return e.detach(call)
	case gateway.OpRemove, gateway.OpDispose:
		return e.destroy(call)
	case gateway.OpSetLatLng:
		return "", nil, nil, e.setLatLng(call)
	case gateway.OpPopupContent, gateway.OpTooltipContent:
		return "", nil, nil, e.updateContent(call)
	case gateway.OpFitBounds, gateway.OpPanTo, gateway.OpZoomIn, gateway.OpZoomOut:
		return e.view(call)
	case gateway.OpGetCenter:
		s, err := e.scene(call.Map)
		if err != nil {
			return "", nil, nil, err
		}
		raw, err := json.Marshal(s.Center)
		return "", raw, nil, err
	case gateway.OpGetZoom:
		s, err := e.scene(call.Map)
		if err != nil {
			return "", nil, nil, err
		}
		return "", json.RawMessage(strconv.FormatFloat(s.Zoom, 'f', -1, 64)), nil, nil
	case gateway.OpInvalidateSize:
		_, err := e.scene(call.Map)
		return "", nil, nil, err
	case gateway.OpOpenPopup:
		return e.openPopup(call)
	case gateway.OpClosePopup:
		s, err := e.scene(call.Map)
		if err != nil {
			return "", nil, nil, err
		}
		s.Popup = nil
		return "", nil, nil, nil
	}
	return "", nil, nil, fmt.Errorf("%w: %s", ErrUnknownOp, call.Op)
}

func (e *Engine) scene(id string) (*Scene, error) {
	s, ok := e.scenes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMap, id)
	}
	return s, nil
}

func (e *Engine) mintHandle() string {
	return "obj-" + strconv.FormatUint(e.nextHandle.Add(1), 10)
}

func (e *Engine) create(call protocol.Envelope, kind layer.Kind) (string, json.RawMessage, []protocol.Envelope, error) {
	var body gateway.Body
	if len(call.Payload) > 0 {
		if err := json.Unmarshal(call.Payload, &body); err != nil {
			return "", nil, nil, fmt.Errorf("decode body: %w", err)
		}
	}
	fused := call.Map != ""
	if fused {
		if _, err := e.scene(call.Map); err != nil {
			return "", nil, nil, err
		}
	}

	obj := &Object{
		Handle:  e.mintHandle(),
		LayerID: call.Layer,
		Kind:    kind,
		Token:   call.Token,
		Body:    body,
	}
	if prev, ok := e.byLayer[call.Layer]; ok {
		delete(e.objects, prev)
	}
	e.objects[obj.Handle] = obj
	e.byLayer[call.Layer] = obj.Handle

	if !fused {
		return obj.Handle, nil, nil, nil
	}
	return obj.Handle, nil, e.place(obj, call.Map), nil
}

func (e *Engine) place(obj *Object, mapID string) []protocol.Envelope {
	s := e.scenes[mapID]
	obj.Map = mapID
	s.Layers = append(s.Layers, obj.Handle)
	return e.lifecycle(obj.Token, layer.EventAdd)
}

func (e *Engine) unplace(obj *Object) []protocol.Envelope {
	if obj.Map == "" {
		return nil
	}
	if s, ok := e.scenes[obj.Map]; ok {
		for i, h := range s.Layers {
			if h == obj.Handle {
				s.Layers = append(s.Layers[:i], s.Layers[i+1:]...)
				break
			}
		}
	}
	obj.Map = ""
	return e.lifecycle(obj.Token, layer.EventRemove)
}

func (e *Engine) lifecycle(token, name string, names ...string) []protocol.Envelope {
	if !e.emitLifecycle || token == "" {
		return nil
	}
	out := []protocol.Envelope{protocol.NewEvent(token, name, nil)}
	for _, n := range names {
		out = append(out, protocol.NewEvent(token, n, nil))
	}
	return out
}

func (e *Engine) object(call protocol.Envelope) (*Object, error) {
	if call.Handle != "" {
		if obj, ok := e.objects[call.Handle]; ok {
			return obj, nil
		}
	}
	if h, ok := e.byLayer[call.Layer]; ok {
		return e.objects[h], nil
	}
	if call.Handle != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, call.Handle)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownLayer, call.Layer)
}

func (e *Engine) attach(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	if _, err := e.scene(call.Map); err != nil {
		return "", nil, nil, err
	}
	obj, ok := e.objects[call.Handle]
	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrUnknownHandle, call.Handle)
	}
	var events []protocol.Envelope
	if obj.Map != "" {
		events = e.unplace(obj)
	}
	return obj.Handle, nil, append(events, e.place(obj, call.Map)...), nil
}

func (e *Engine) detach(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	obj, err := e.object(call)
	if err != nil {
		return "", nil, nil, err
	}
	if obj.Map == "" {
		return "", nil, nil, ErrNotOnMap
	}
	return obj.Handle, nil, e.unplace(obj), nil
}

func (e *Engine) destroy(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	obj, err := e.object(call)
	if err != nil {
		return "", nil, nil, err
	}
	events := e.unplace(obj)
	delete(e.objects, obj.Handle)
	if e.byLayer[obj.LayerID] == obj.Handle {
		delete(e.byLayer, obj.LayerID)
	}
	return obj.Handle, nil, events, nil
}

func (e *Engine) update(call protocol.Envelope) error {
	obj, err := e.object(call)
	if err != nil {
		return err
	}
	var body gateway.Body
	if err = call.Decode(&body); err != nil {
		return err
	}
	obj.Body = body
	return nil
}

func (e *Engine) setLatLng(call protocol.Envelope) error {
	obj, err := e.object(call)
	if err != nil {
		return err
	}
	var pos gateway.LatLng
	if err = call.Decode(&pos); err != nil {
		return err
	}
	obj.LatLng = &pos
	return nil
}

func (e *Engine) updateContent(call protocol.Envelope) error {
	obj, err := e.object(call)
	if err != nil {
		return err
	}
	var content layer.Content
	if err = call.Decode(&content); err != nil {
		return err
	}
	if call.Op == gateway.OpPopupContent {
		obj.Body.Popup = &content
	} else {
		obj.Body.Tooltip = &content
	}
	return nil
}

func (e *Engine) createMap(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	if _, ok := e.scenes[call.Map]; ok {
		return "", nil, nil, fmt.Errorf("%w: %q", ErrMapExists, call.Map)
	}
	s := &Scene{ID: call.Map, Token: call.Token, Zoom: 1, ZoomControl: true}
	if len(call.Payload) > 0 {
		var opts struct {
			Center      *gateway.LatLng `json:"center"`
			Zoom        *float64        `json:"zoom"`
			MaxBounds   *gateway.Bounds `json:"maxBounds"`
			ZoomControl *bool           `json:"zoomControl"`
		}
		if err := json.Unmarshal(call.Payload, &opts); err == nil {
			s.MaxBounds = opts.MaxBounds
			if opts.Center != nil {
				s.Center = s.clamp(*opts.Center)
			}
			if opts.Zoom != nil {
				s.Zoom = *opts.Zoom
			}
			if opts.ZoomControl != nil {
				s.ZoomControl = *opts.ZoomControl
			}
		}
	}
	e.scenes[call.Map] = s
	return "map-" + call.Map, nil, e.lifecycle(s.Token, "load"), nil
}

func (e *Engine) disposeMap(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	s, err := e.scene(call.Map)
	if err != nil {
		return "", nil, nil, err
	}
	for _, h := range s.Layers {
		obj, ok := e.objects[h]
		if !ok {
			continue
		}
		obj.Map = ""
		if !gateway.IsTwoPhase(obj.Kind) {
			delete(e.objects, h)
			if e.byLayer[obj.LayerID] == h {
				delete(e.byLayer, obj.LayerID)
			}
		}
	}
	delete(e.scenes, call.Map)
	return "", nil, e.lifecycle(s.Token, "unload"), nil
}

func (e *Engine) view(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	s, err := e.scene(call.Map)
	if err != nil {
		return "", nil, nil, err
	}
	switch call.Op {
	case gateway.OpFitBounds:
		var req struct {
			Bounds gateway.Bounds `json:"bounds"`
		}
		if err = call.Decode(&req); err != nil {
			return "", nil, nil, err
		}
		s.Center = s.clamp(gateway.LatLng{
			Lat: (req.Bounds.SouthWest.Lat + req.Bounds.NorthEast.Lat) / 2,
			Lng: (req.Bounds.SouthWest.Lng + req.Bounds.NorthEast.Lng) / 2,
		})
		return "", nil, e.lifecycle(s.Token, "movestart", "move", "moveend"), nil
	case gateway.OpPanTo:
		var req struct {
			Position gateway.LatLng `json:"position"`
		}
		if err = call.Decode(&req); err != nil {
			return "", nil, nil, err
		}
		s.Center = s.clamp(req.Position)
		return "", nil, e.lifecycle(s.Token, "movestart", "move", "moveend"), nil
	default:
		var req gateway.ZoomRequest
		if len(call.Payload) > 0 {
			if err = call.Decode(&req); err != nil {
				return "", nil, nil, err
			}
		}
		if req.Delta == 0 {
			req.Delta = 1
		}
		if call.Op == gateway.OpZoomOut {
			req.Delta = -req.Delta
		}
		s.Zoom += req.Delta
		return "", nil, e.lifecycle(s.Token, "zoomstart", "zoom", "zoomend"), nil
	}
}

func (e *Engine) openPopup(call protocol.Envelope) (string, json.RawMessage, []protocol.Envelope, error) {
	s, err := e.scene(call.Map)
	if err != nil {
		return "", nil, nil, err
	}
	var req gateway.PopupRequest
	if err = call.Decode(&req); err != nil {
		return "", nil, nil, err
	}
	s.Popup = &req
	return "", nil, nil, nil
}

func (e *Engine) emit(ctx context.Context, ev protocol.Envelope) {
	e.mu.Lock()
	emitter := e.emitter
	e.mu.Unlock()
	if emitter == nil {
		return
	}
	if err := emitter.Emit(ctx, ev); err != nil {
		e.logger.Debug("Failed to emit event", log.String("event", ev.Name), log.Error(err))
	}
}

// Fire emits a user-interaction event on the object of layerID, the way a
// click in a browser would.
func (e *Engine) Fire(ctx context.Context, layerID, name string, payload any) error {
	e.mu.Lock()
	var token string
	if h, ok := e.byLayer[layerID]; ok {
		token = e.objects[h].Token
	}
	e.mu.Unlock()
	if token == "" {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, layerID)
	}
	return e.fire(ctx, token, name, payload)
}

// FireMap emits a map-level event.
func (e *Engine) FireMap(ctx context.Context, mapID, name string, payload any) error {
	e.mu.Lock()
	s, ok := e.scenes[mapID]
	var token string
	if ok {
		token = s.Token
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMap, mapID)
	}
	if token == "" {
		return ErrNoToken
	}
	return e.fire(ctx, token, name, payload)
}

// FireToken emits an event on an arbitrary token, including ones the local
// side has already disposed.
func (e *Engine) FireToken(ctx context.Context, token, name string, payload any) error {
	return e.fire(ctx, token, name, payload)
}

func (e *Engine) fire(ctx context.Context, token, name string, payload any) error {
	ev := protocol.NewEvent(token, name, nil)
	ev, err := ev.WithPayload(payload)
	if err != nil {
		return err
	}
	e.mu.Lock()
	emitter := e.emitter
	e.mu.Unlock()
	if emitter == nil {
		return ErrNoToken
	}
	return emitter.Emit(ctx, ev)
}

// Calls returns every executed command in order.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Ops returns the names of calls touching layerID, in order.
func (e *Engine) Ops(layerID string) []string {
	var out []string
	for _, c := range e.Calls() {
		if c.Layer == layerID {
			out = append(out, c.Op)
		}
	}
	return out
}

// Object returns a copy of the object created for layerID.
func (e *Engine) Object(layerID string) (Object, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byLayer[layerID]
	if !ok {
		return Object{}, false
	}
	return *e.objects[h], true
}

// Scene returns a copy of the scene of mapID.
func (e *Engine) Scene(mapID string) (Scene, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.scenes[mapID]
	if !ok {
		return Scene{}, false
	}
	out := *s
	out.Layers = append([]string(nil), s.Layers...)
	return out, true
}

// ObjectCount returns the number of live remote objects.
func (e *Engine) ObjectCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.objects)
}
