package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownSlot = errors.New("unknown event slot")
	ErrSlotsClosed = errors.New("event slots are closed")
)

// simpleEvent is the Event implementation used for remote notifications.
type simpleEvent struct {
	typeStr string
	source  string
	ts      time.Time
	payload json.RawMessage
}

func (e simpleEvent) Type() string             { return e.typeStr }
func (e simpleEvent) Source() string           { return e.source }
func (e simpleEvent) Timestamp() time.Time     { return e.ts }
func (e simpleEvent) Payload() json.RawMessage { return e.payload }

// NewEvent creates a simple Event implementation.
func NewEvent(typ, src string, payload json.RawMessage) Event {
	return simpleEvent{typeStr: typ, source: src, ts: time.Now(), payload: payload}
}

// Decode unmarshals the event payload into v.
func Decode(e Event, v any) error {
	if len(e.Payload()) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload(), v)
}

type subscription struct {
	id        string
	eventType string
	handler   EventHandler
	active    atomic.Bool
	cancel    func()
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) IsActive() bool    { return s.active.Load() }
func (s *subscription) Cancel() error {
	if s.active.CompareAndSwap(true, false) && s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Slots is a fixed set of named event slots, each holding an ordered list of
// subscribers. It is safe for concurrent use: subscribe, unsubscribe and fire
// may race with each other.
type Slots struct {
	mu       sync.RWMutex
	source   string
	handlers map[string][]*subscription
	closed   bool
}

// NewSlots declares the slot names an entity exposes. Subscribing to or firing
// a name outside this set fails with ErrUnknownSlot.
func NewSlots(source string, names ...string) *Slots {
	s := &Slots{
		source:   source,
		handlers: make(map[string][]*subscription, len(names)),
	}
	for _, name := range names {
		s.handlers[name] = nil
	}
	return s
}

// Names returns the declared slot names.
func (s *Slots) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	return out
}

// Has reports whether name is a declared slot.
func (s *Slots) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[name]
	return ok
}

// Subscribe appends handler to the slot's subscriber list.
func (s *Slots) Subscribe(name string, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscribe %q: nil handler", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSlotsClosed
	}
	if _, ok := s.handlers[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSlot, name)
	}

	sub := &subscription{id: uuid.NewString(), eventType: name, handler: handler}
	sub.active.Store(true)
	sub.cancel = func() { s.remove(name, sub.id) }
	s.handlers[name] = append(s.handlers[name], sub)
	return sub, nil
}

// Unsubscribe cancels the given Subscription. It is safe to call with nil.
func (s *Slots) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (s *Slots) remove(name, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.handlers[name]
	for i, sub := range subs {
		if sub.id == id {
			next := make([]*subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			s.handlers[name] = next
			return
		}
	}
}

// Count returns the number of active subscribers on a slot.
func (s *Slots) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers[name])
}

// Fire delivers the event synchronously to every subscriber of event.Type(),
// in subscription order. Handler errors are joined. Firing on closed slots is
// a no-op.
func (s *Slots) Fire(event Event) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	subs, ok := s.handlers[event.Type()]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, event.Type())
	}

	var all error
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		if err := sub.handler(event); err != nil {
			all = errors.Join(all, err)
		}
	}
	return all
}

// Raise builds an event sourced from this slot set and fires it.
func (s *Slots) Raise(name string, payload json.RawMessage) error {
	return s.Fire(NewEvent(name, s.source, payload))
}

// FireAsync fires in a separate goroutine and returns a channel that receives
// the joined error (or nil) and is then closed.
func (s *Slots) FireAsync(event Event) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- s.Fire(event)
		close(ch)
	}()
	return ch
}

// Close cancels every subscription. Later Subscribe calls fail and Fire does
// nothing.
func (s *Slots) Close() {
	s.mu.Lock()
	all := s.handlers
	s.handlers = make(map[string][]*subscription, len(all))
	for name := range all {
		s.handlers[name] = nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.active.Store(false)
		}
	}
}

// Closed reports whether Close has been called.
func (s *Slots) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
