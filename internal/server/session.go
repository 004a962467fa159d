package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/mapsync/internal/core/gateway"
	"github.com/zeusync/mapsync/internal/core/mapview"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/registry"
)

// SessionFunc runs the application against a freshly connected renderer.
// It may return right away; the session lives until the renderer leaves.
type SessionFunc func(ctx context.Context, s *Session) error

// Session binds one connected renderer to its own registry, gateway and
// event router.
type Session struct {
	peer     *protocol.Peer
	registry *registry.Registry
	gateway  *gateway.Gateway
	router   *mapview.Router
	logger   log.Log

	registerTimeout time.Duration
	connectedAt     time.Time

	maps   sync.Map // map id -> *mapview.Map
	closed atomic.Bool
}

type SessionStats struct {
	ID                  string             `json:"id"`
	ConnectedAt         time.Time          `json:"connected_at"`
	Maps                int                `json:"maps"`
	Entries             int                `json:"entries"`
	Gateway             gateway.Stats      `json:"gateway"`
	Peer                protocol.PeerStats `json:"peer"`
	EventsDelivered     uint64             `json:"events_delivered"`
	EventsUndeliverable uint64             `json:"events_undeliverable"`
}

func (s *Server) newSession(t protocol.Transport) *Session {
	reg := registry.New(s.config.Sync.RegistryShards)
	router := mapview.NewRouter(reg, s.logger)
	peer := protocol.NewPeer(t,
		protocol.WithEventSink(router),
		protocol.WithLogger(s.logger),
		protocol.WithEventBuffer(s.config.Transport.EventBuffer),
		protocol.WithCodec(protocol.JSONCodec{MaxSize: int(s.config.Transport.WebSocket.MaxMessageSize)}),
	)
	logger := s.logger.With(log.String("session_id", peer.ID()))
	gw := gateway.New(peer, reg,
		gateway.WithLogger(logger),
		gateway.WithRegisterConcurrency(s.config.Sync.RegisterConcurrency),
		gateway.WithFailureFunc(func(gateway.Failure) {
			s.failures.Add(1)
		}),
	)
	return &Session{
		peer:            peer,
		registry:        reg,
		gateway:         gw,
		router:          router,
		logger:          logger,
		registerTimeout: s.config.Sync.RegisterTimeout,
		connectedAt:     time.Now(),
	}
}

func (s *Session) ID() string { return s.peer.ID() }

func (s *Session) Gateway() *gateway.Gateway { return s.gateway }

func (s *Session) Registry() *registry.Registry { return s.registry }

// Done is closed once the renderer has gone.
func (s *Session) Done() <-chan struct{} { return s.peer.Done() }

// NewMap creates a map bound to this session's renderer. Call Initialize on
// it before adding layers.
func (s *Session) NewMap(opts ...mapview.Option) (*mapview.Map, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	base := []mapview.Option{
		mapview.WithLogger(s.logger),
		mapview.WithRegisterTimeout(s.registerTimeout),
	}
	m := mapview.New(s.gateway, s.router, append(base, opts...)...)
	if _, loaded := s.maps.LoadOrStore(m.ID(), m); loaded {
		return nil, ErrMapExists
	}
	return m, nil
}

// Map returns a map created with NewMap.
func (s *Session) Map(id string) (*mapview.Map, bool) {
	v, ok := s.maps.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*mapview.Map), true
}

func (s *Session) Maps() []*mapview.Map {
	var out []*mapview.Map
	s.maps.Range(func(_, v any) bool {
		out = append(out, v.(*mapview.Map))
		return true
	})
	return out
}

func (s *Session) Stats() SessionStats {
	delivered, undeliverable := s.router.Stats()
	return SessionStats{
		ID:                  s.ID(),
		ConnectedAt:         s.connectedAt,
		Maps:                len(s.Maps()),
		Entries:             s.registry.Len(),
		Gateway:             s.gateway.Stats(),
		Peer:                s.peer.Stats(),
		EventsDelivered:     delivered,
		EventsUndeliverable: undeliverable,
	}
}

// close disposes every map while the renderer may still be reachable, then
// shuts the peer down.
func (s *Session) close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, m := range s.Maps() {
		if err := m.Dispose(ctx); err != nil && !errors.Is(err, protocol.ErrPeerClosed) {
			errs = append(errs, err)
		}
		s.maps.Delete(m.ID())
	}
	if err := s.peer.Close(); err != nil && !errors.Is(err, protocol.ErrTransportClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
