package gateway

import (
	"context"
	"fmt"

	"github.com/zeusync/mapsync/internal/core/protocol"
)

func (g *Gateway) mapCall(ctx context.Context, op, mapID string, payload any) (*protocol.Completion, error) {
	if mapID == "" {
		return nil, ErrEmptyMapID
	}
	call, err := protocol.NewCall(op, mapID).WithPayload(payload)
	if err != nil {
		return nil, err
	}
	return g.send(ctx, call), nil
}

// CreateMap creates the remote map. token routes map-level events back.
// The caller waits on the completion before adding layers.
func (g *Gateway) CreateMap(ctx context.Context, mapID, token string, options any) (*protocol.Completion, error) {
	if mapID == "" {
		return nil, ErrEmptyMapID
	}
	call, err := protocol.NewCall(OpCreateMap, mapID).WithPayload(options)
	if err != nil {
		return nil, err
	}
	call.Token = token
	return g.send(ctx, call), nil
}

func (g *Gateway) DisposeMap(ctx context.Context, mapID string) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpDisposeMap, mapID, nil)
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpDisposeMap, mapID), nil
}

func (g *Gateway) FitBounds(ctx context.Context, mapID string, bounds Bounds, opts FitOptions) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpFitBounds, mapID, struct {
		Bounds  Bounds     `json:"bounds"`
		Options FitOptions `json:"options"`
	}{bounds, opts})
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpFitBounds, mapID), nil
}

func (g *Gateway) PanTo(ctx context.Context, mapID string, pos LatLng, opts PanOptions) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpPanTo, mapID, struct {
		Position LatLng     `json:"position"`
		Options  PanOptions `json:"options"`
	}{pos, opts})
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpPanTo, mapID), nil
}

// GetCenter asks the remote map for its center and waits for the answer.
func (g *Gateway) GetCenter(ctx context.Context, mapID string) (LatLng, error) {
	c, err := g.mapCall(ctx, OpGetCenter, mapID, nil)
	if err != nil {
		return LatLng{}, err
	}
	reply, err := c.Wait(ctx)
	if err != nil {
		return LatLng{}, err
	}
	var center LatLng
	if err = reply.Decode(&center); err != nil {
		return LatLng{}, fmt.Errorf("decode center: %w", err)
	}
	return center, nil
}

// GetZoom asks the remote map for its zoom level and waits for the answer.
func (g *Gateway) GetZoom(ctx context.Context, mapID string) (float64, error) {
	c, err := g.mapCall(ctx, OpGetZoom, mapID, nil)
	if err != nil {
		return 0, err
	}
	reply, err := c.Wait(ctx)
	if err != nil {
		return 0, err
	}
	var zoom float64
	if err = reply.Decode(&zoom); err != nil {
		return 0, fmt.Errorf("decode zoom: %w", err)
	}
	return zoom, nil
}

func (g *Gateway) ZoomIn(ctx context.Context, mapID string, delta float64) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpZoomIn, mapID, ZoomRequest{Delta: delta})
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpZoomIn, mapID), nil
}

func (g *Gateway) ZoomOut(ctx context.Context, mapID string, delta float64) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpZoomOut, mapID, ZoomRequest{Delta: delta})
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpZoomOut, mapID), nil
}

func (g *Gateway) InvalidateSize(ctx context.Context, mapID string) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpInvalidateSize, mapID, nil)
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpInvalidateSize, mapID), nil
}

func (g *Gateway) OpenPopup(ctx context.Context, mapID string, req PopupRequest) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpOpenPopup, mapID, req)
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpOpenPopup, mapID), nil
}

func (g *Gateway) ClosePopup(ctx context.Context, mapID string) (*protocol.Completion, error) {
	c, err := g.mapCall(ctx, OpClosePopup, mapID, nil)
	if err != nil {
		return nil, err
	}
	return g.trackMap(c, OpClosePopup, mapID), nil
}

func (g *Gateway) trackMap(c *protocol.Completion, op, mapID string) *protocol.Completion {
	return g.track(c, protocol.Envelope{Op: op, Map: mapID})
}
