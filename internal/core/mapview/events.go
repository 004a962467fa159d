package mapview

import "github.com/zeusync/mapsync/internal/core/gateway"

// Map event slots. EventInitialized is raised locally; the rest mirror the
// remote map's own events.
const (
	EventInitialized = "initialized"

	EventZoomLevelsChange = "zoomlevelschange"
	EventResize           = "resize"
	EventUnload           = "unload"
	EventViewReset        = "viewreset"
	EventLoad             = "load"
	EventZoomStart        = "zoomstart"
	EventMoveStart        = "movestart"
	EventZoom             = "zoom"
	EventMove             = "move"
	EventZoomEnd          = "zoomend"
	EventMoveEnd          = "moveend"
	EventMouseMove        = "mousemove"
	EventKeyPress         = "keypress"
	EventKeyDown          = "keydown"
	EventKeyUp            = "keyup"
	EventPreClick         = "preclick"
	EventClick            = "click"
	EventDblClick         = "dblclick"
	EventMouseDown        = "mousedown"
	EventMouseUp          = "mouseup"
	EventMouseOver        = "mouseover"
	EventMouseOut         = "mouseout"
	EventContextMenu      = "contextmenu"
)

var mapSlots = []string{
	EventInitialized,
	EventZoomLevelsChange, EventResize, EventUnload, EventViewReset, EventLoad,
	EventZoomStart, EventMoveStart, EventZoom, EventMove, EventZoomEnd, EventMoveEnd,
	EventMouseMove, EventKeyPress, EventKeyDown, EventKeyUp,
	EventPreClick, EventClick, EventDblClick, EventMouseDown, EventMouseUp,
	EventMouseOver, EventMouseOut, EventContextMenu,
}

// Point is a pixel position or size.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DomMouseEvent carries the modifier keys of the browser event behind a
// pointer event.
type DomMouseEvent struct {
	AltKey   bool `json:"altKey"`
	CtrlKey  bool `json:"ctrlKey"`
	MetaKey  bool `json:"metaKey"`
	ShiftKey bool `json:"shiftKey"`
}

// MouseEvent is the payload of pointer events on maps and interactive
// layers. Decode it with bus.Decode.
type MouseEvent struct {
	LatLng         gateway.LatLng `json:"latlng"`
	LayerPoint     Point          `json:"layerPoint"`
	ContainerPoint Point          `json:"containerPoint"`
	OriginalEvent  DomMouseEvent  `json:"originalEvent"`
}

// ResizeEvent is the payload of EventResize.
type ResizeEvent struct {
	OldSize Point `json:"oldSize"`
	NewSize Point `json:"newSize"`
}
