package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/pkg/sequence"
)

type Health struct {
	Status   string `json:"status"`
	Sessions int64  `json:"sessions"`
	Uptime   string `json:"uptime"`
}

// Metrics are process-wide counters summed over live sessions.
type Metrics struct {
	Sessions            int            `json:"sessions"`
	Maps                int            `json:"maps"`
	Entries             int            `json:"entries"`
	Calls               uint64         `json:"calls"`
	InFlight            int            `json:"in_flight"`
	Compensations       uint64         `json:"compensations"`
	Failures            uint64         `json:"failures"`
	EventsDelivered     uint64         `json:"events_delivered"`
	EventsUndeliverable uint64         `json:"events_undeliverable"`
	PerSession          []SessionStats `json:"per_session"`
}

// Handler serves the renderer endpoint plus health and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Server.WebSocketPath, s.authenticate(http.HandlerFunc(s.handleWebSocket)))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.closed.Load() {
		status, code = "closing", http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, Health{
		Status:   status,
		Sessions: s.sessionCount.Load(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.Metrics())
}

// Metrics snapshots the counters of every live session.
func (s *Server) Metrics() Metrics {
	stats := sequence.Map(sequence.From(s.Sessions()), (*Session).Stats).Collect()
	m := Metrics{
		Sessions:   len(stats),
		Failures:   s.failures.Load(),
		PerSession: stats,
	}
	for _, st := range stats {
		m.Maps += st.Maps
		m.Entries += st.Entries
		m.Calls += st.Gateway.Calls
		m.InFlight += st.Gateway.InFlight
		m.Compensations += st.Gateway.Compensations
		m.EventsDelivered += st.EventsDelivered
		m.EventsUndeliverable += st.EventsUndeliverable
	}
	return m
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", log.Error(err))
	}
}
