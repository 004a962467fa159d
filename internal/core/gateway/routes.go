package gateway

import (
	"fmt"

	"github.com/zeusync/mapsync/internal/core/layer"
)

// CallShape selects how a kind is created remotely.
type CallShape uint8

const (
	// Fused kinds are created and attached to their map in one call.
	Fused CallShape = iota + 1
	// TwoPhase kinds are registered independent of any map, then attached by
	// handle. They can move between maps without being recreated.
	TwoPhase
)

func (s CallShape) String() string {
	switch s {
	case Fused:
		return "fused"
	case TwoPhase:
		return "two-phase"
	default:
		return fmt.Sprintf("shape(%d)", uint8(s))
	}
}

// Route is one dispatch table entry.
type Route struct {
	Create string
	Update string
	Shape  CallShape
}

// Remote operation names.
const (
	OpAttach         = "addLayer"
	OpDetach         = "removeFromMap"
	OpRemove         = "removeLayer"
	OpDispose        = "disposeLayer"
	OpSetLatLng      = "setLatLng"
	OpPopupContent   = "updatePopupContent"
	OpTooltipContent = "updateTooltipContent"

	OpCreateMap      = "createMap"
	OpDisposeMap     = "disposeMap"
	OpFitBounds      = "fitBounds"
	OpPanTo          = "panTo"
	OpGetCenter      = "getCenter"
	OpGetZoom        = "getZoom"
	OpZoomIn         = "zoomIn"
	OpZoomOut        = "zoomOut"
	OpInvalidateSize = "invalidateSize"
	OpOpenPopup      = "openPopupOnMap"
	OpClosePopup     = "closePopupOnMap"
)

var routes = map[layer.Kind]Route{
	layer.KindTileLayer:      {Create: "addTilelayer", Shape: Fused},
	layer.KindMbTilesLayer:   {Create: "addMbTilesLayer", Shape: Fused},
	layer.KindShapefileLayer: {Create: "addShapefileLayer", Shape: Fused},
	layer.KindImageLayer:     {Create: "addImageLayer", Shape: Fused},
	layer.KindGeoJSONLayer:   {Create: "addGeoJsonLayer", Shape: Fused},
	layer.KindPopup:          {Create: "addPopupLayer", Shape: Fused},
	layer.KindRectangle:      {Create: "addRectangle", Update: "updateRectangle", Shape: Fused},
	layer.KindCircle:         {Create: "addCircle", Update: "updateCircle", Shape: Fused},
	layer.KindPolygon:        {Create: "addPolygon", Update: "updatePolygon", Shape: Fused},
	layer.KindMarker:         {Create: "createMarker", Shape: TwoPhase},
	layer.KindPolyline:       {Create: "createPolyline", Update: "updatePolyline", Shape: TwoPhase},
}

// Lookup returns the route for k, or ErrUnhandledKind.
func Lookup(k layer.Kind) (Route, error) {
	r, ok := routes[k]
	if !ok {
		return Route{}, fmt.Errorf("%w: %s", ErrUnhandledKind, k)
	}
	return r, nil
}

// Routes returns a copy of the dispatch table.
func Routes() map[layer.Kind]Route {
	out := make(map[layer.Kind]Route, len(routes))
	for k, r := range routes {
		out[k] = r
	}
	return out
}

// IsTwoPhase reports whether k is registered before being attached.
func IsTwoPhase(k layer.Kind) bool {
	r, ok := routes[k]
	return ok && r.Shape == TwoPhase
}
