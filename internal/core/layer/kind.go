package layer

import (
	"fmt"
	"strings"
)

// Kind is the closed set of layer variants the remote engine understands.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTileLayer
	KindMbTilesLayer
	KindShapefileLayer
	KindImageLayer
	KindGeoJSONLayer
	KindPopup
	KindMarker
	KindRectangle
	KindCircle
	KindPolygon
	KindPolyline
)

var kindNames = [...]string{
	KindUnknown:        "unknown",
	KindTileLayer:      "tile",
	KindMbTilesLayer:   "mbtiles",
	KindShapefileLayer: "shapefile",
	KindImageLayer:     "image",
	KindGeoJSONLayer:   "geojson",
	KindPopup:          "popup",
	KindMarker:         "marker",
	KindRectangle:      "rectangle",
	KindCircle:         "circle",
	KindPolygon:        "polygon",
	KindPolyline:       "polyline",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s && Kind(k) != KindUnknown {
			return Kind(k), nil
		}
	}
	return KindUnknown, fmt.Errorf("unknown layer kind %q", s)
}

// IsShape reports whether the kind is a vector path (rectangle, circle,
// polygon, polyline).
func (k Kind) IsShape() bool {
	switch k {
	case KindRectangle, KindCircle, KindPolygon, KindPolyline:
		return true
	}
	return false
}

// Interactive kinds raise pointer events.
func (k Kind) Interactive() bool {
	switch k {
	case KindMarker, KindImageLayer, KindGeoJSONLayer:
		return true
	}
	return k.IsShape()
}

func (k Kind) Draggable() bool {
	return k == KindMarker
}
