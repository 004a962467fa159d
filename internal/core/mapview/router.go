package mapview

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/registry"
)

var _ protocol.EventSink = (*Router)(nil)

// Router delivers inbound events to the layer or map their callback token
// was minted for. A token stays deliverable exactly as long as its registry
// entry or map binding.
type Router struct {
	registry *registry.Registry
	logger   log.Log

	maps sync.Map // token id -> *Map

	delivered     atomic.Uint64
	undeliverable atomic.Uint64
}

func NewRouter(reg *registry.Registry, logger log.Log) *Router {
	if logger == nil {
		logger = log.Nop()
	}
	return &Router{
		registry: reg,
		logger:   logger.With(log.Component("router")),
	}
}

func (r *Router) bindMap(token *registry.Token, m *Map) {
	r.maps.Store(token.ID(), m)
}

func (r *Router) unbindMap(token *registry.Token) {
	r.maps.Delete(token.ID())
}

// Deliver raises ev on the slot named ev.Name of the addressed entity.
func (r *Router) Deliver(_ context.Context, ev protocol.Envelope) error {
	if e, ok := r.registry.Resolve(ev.Token); ok && e.Layer != nil {
		return r.raised(ev, e.Layer.Events().Raise(ev.Name, ev.Payload))
	}
	if v, ok := r.maps.Load(ev.Token); ok {
		m := v.(*Map)
		if !m.token.Disposed() {
			return r.raised(ev, m.events.Raise(ev.Name, ev.Payload))
		}
	}

	r.undeliverable.Add(1)
	r.logger.Debug("Dropping event for dead token", log.String("token", ev.Token), log.String("event", ev.Name))
	return fmt.Errorf("%w: %s for token %q", ErrUndeliverable, ev.Name, ev.Token)
}

func (r *Router) raised(ev protocol.Envelope, err error) error {
	if err != nil {
		r.logger.Warn("Event handler failed", log.String("event", ev.Name), log.Error(err))
		return err
	}
	r.delivered.Add(1)
	return nil
}

// Stats returns delivered and undeliverable event counts.
func (r *Router) Stats() (delivered, undeliverable uint64) {
	return r.delivered.Load(), r.undeliverable.Load()
}
