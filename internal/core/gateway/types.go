package gateway

import (
	"encoding/json"

	"github.com/zeusync/mapsync/internal/core/layer"
)

type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Bounds struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

// FitOptions tune fitBounds. Zero values leave the remote defaults.
type FitOptions struct {
	Padding []float64 `json:"padding,omitempty"`
	MaxZoom float64   `json:"maxZoom,omitempty"`
}

// PanOptions tune panTo.
type PanOptions struct {
	Animate  bool    `json:"animate"`
	Duration float64 `json:"duration,omitempty"`
}

// ZoomRequest is the body of zoomIn and zoomOut.
type ZoomRequest struct {
	Delta float64 `json:"delta,omitempty"`
}

// PopupRequest opens a standalone popup at a position.
type PopupRequest struct {
	Position LatLng `json:"position"`
	Content  string `json:"content"`
}

// Body is the payload of create and update calls.
type Body struct {
	Kind       string          `json:"kind"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Popup      *layer.Content  `json:"popup,omitempty"`
	Tooltip    *layer.Content  `json:"tooltip,omitempty"`
}

func bodyOf(l *layer.Layer) Body {
	return Body{
		Kind:       l.Kind().String(),
		Properties: l.Payload(),
		Popup:      l.Popup(),
		Tooltip:    l.Tooltip(),
	}
}

// Failure describes a failed call nobody was waiting on.
type Failure struct {
	Op    string
	Map   string
	Layer string
	Err   error
}

// FailureFunc observes failed fire-and-forget calls.
type FailureFunc func(Failure)

// Stats is a snapshot of gateway counters.
type Stats struct {
	Calls         uint64 `json:"calls"`
	Failures      uint64 `json:"failures"`
	Compensations uint64 `json:"compensations"`
	InFlight      int    `json:"in_flight"`
}
