package mapview

import (
	"context"

	"github.com/zeusync/mapsync/internal/core/gateway"
	"github.com/zeusync/mapsync/internal/core/protocol"
)

func (m *Map) FitBounds(ctx context.Context, bounds gateway.Bounds, opts gateway.FitOptions) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.FitBounds(ctx, m.id, bounds, opts)
}

func (m *Map) PanTo(ctx context.Context, pos gateway.LatLng, opts gateway.PanOptions) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.PanTo(ctx, m.id, pos, opts)
}

// Center asks the remote map for its current center.
func (m *Map) Center(ctx context.Context) (gateway.LatLng, error) {
	if err := m.usable(); err != nil {
		return gateway.LatLng{}, err
	}
	return m.gw.GetCenter(ctx, m.id)
}

// Zoom asks the remote map for its current zoom level.
func (m *Map) Zoom(ctx context.Context) (float64, error) {
	if err := m.usable(); err != nil {
		return 0, err
	}
	return m.gw.GetZoom(ctx, m.id)
}

func (m *Map) ZoomIn(ctx context.Context, delta float64) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.ZoomIn(ctx, m.id, delta)
}

func (m *Map) ZoomOut(ctx context.Context, delta float64) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.ZoomOut(ctx, m.id, delta)
}

func (m *Map) InvalidateSize(ctx context.Context) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.InvalidateSize(ctx, m.id)
}

func (m *Map) OpenPopup(ctx context.Context, req gateway.PopupRequest) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.OpenPopup(ctx, m.id, req)
}

func (m *Map) ClosePopup(ctx context.Context) (*protocol.Completion, error) {
	if err := m.usable(); err != nil {
		return nil, err
	}
	return m.gw.ClosePopup(ctx, m.id)
}
