// Package layer defines the local map layer entity: a stable identifier, a
// closed Kind, an opaque JSON property bag, the remote handle assigned once the
// remote engine has created the counterpart, and the named event slots inbound
// notifications are raised on.
package layer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeusync/mapsync/internal/core/events/bus"
)

var (
	ErrUnknownKind = errors.New("unknown layer kind")
	ErrDisposed    = errors.New("layer is disposed")
)

// Handle is the opaque reference the remote engine returns for a created
// object. The empty handle means unregistered.
type Handle string

// Content is the body of a popup or tooltip bound to a layer.
type Content struct {
	Content string `json:"content"`
}

type Layer struct {
	id   string
	kind Kind

	mu      sync.RWMutex
	payload json.RawMessage
	popup   *Content
	tooltip *Content

	handle   atomic.Pointer[Handle]
	disposed atomic.Bool

	events *bus.Slots
}

// New creates a layer of the given kind. props is marshalled to JSON and
// passed to the remote engine untouched; nil means no properties.
func New(kind Kind, props any) (*Layer, error) {
	raw, err := marshalProps(props)
	if err != nil {
		return nil, err
	}
	return NewRaw(kind, raw)
}

// NewRaw creates a layer from an already encoded property bag.
func NewRaw(kind Kind, raw json.RawMessage) (*Layer, error) {
	if kind == KindUnknown || int(kind) >= len(kindNames) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	id := uuid.NewString()
	return &Layer{
		id:      id,
		kind:    kind,
		payload: raw,
		events:  bus.NewSlots(id, SlotNames(kind)...),
	}, nil
}

// MustNew is New for static layer definitions; it panics on error.
func MustNew(kind Kind, props any) *Layer {
	l, err := New(kind, props)
	if err != nil {
		panic(err)
	}
	return l
}

func marshalProps(props any) (json.RawMessage, error) {
	switch p := props.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("marshal layer properties: %w", err)
	}
	return raw, nil
}

func (l *Layer) ID() string { return l.id }

func (l *Layer) Kind() Kind { return l.kind }

// Payload returns the current property bag.
func (l *Layer) Payload() json.RawMessage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.payload
}

// SetPayload replaces the property bag. The remote copy only changes when an
// update is sent through the gateway.
func (l *Layer) SetPayload(props any) error {
	raw, err := marshalProps(props)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.payload = raw
	l.mu.Unlock()
	return nil
}

func (l *Layer) Popup() *Content {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.popup
}

func (l *Layer) SetPopup(content string) {
	l.mu.Lock()
	l.popup = &Content{Content: content}
	l.mu.Unlock()
}

func (l *Layer) Tooltip() *Content {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tooltip
}

func (l *Layer) SetTooltip(content string) {
	l.mu.Lock()
	l.tooltip = &Content{Content: content}
	l.mu.Unlock()
}

// Handle returns the remote handle, or "" while unregistered.
func (l *Layer) Handle() Handle {
	if h := l.handle.Load(); h != nil {
		return *h
	}
	return ""
}

// Registered reports whether a remote handle has been assigned.
func (l *Layer) Registered() bool {
	return l.Handle() != ""
}

// AssignHandle sets the handle once. It returns false if a handle is already
// set, the handle is empty, or the layer is disposed.
func (l *Layer) AssignHandle(h Handle) bool {
	if h == "" || l.disposed.Load() {
		return false
	}
	return l.handle.CompareAndSwap(nil, &h)
}

// TakeHandle clears and returns the handle after the remote counterpart has
// been torn down. Event slots stay open so the layer can be added again.
func (l *Layer) TakeHandle() (Handle, bool) {
	prev := l.handle.Swap(nil)
	if prev == nil {
		return "", false
	}
	return *prev, true
}

// Disposed reports whether MarkDisposed has been called.
func (l *Layer) Disposed() bool {
	return l.disposed.Load()
}

// MarkDisposed clears the handle and closes every event slot. It returns
// false if the layer was already disposed.
func (l *Layer) MarkDisposed() bool {
	if !l.disposed.CompareAndSwap(false, true) {
		return false
	}
	l.handle.Store(nil)
	l.events.Close()
	return true
}

// Events exposes the layer's named event slots.
func (l *Layer) Events() *bus.Slots {
	return l.events
}

// On subscribes handler to the named slot.
func (l *Layer) On(name string, handler bus.EventHandler) (bus.Subscription, error) {
	return l.events.Subscribe(name, handler)
}

func (l *Layer) String() string {
	return fmt.Sprintf("%s(%s)", l.kind, l.id)
}
