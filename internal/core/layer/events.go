package layer

// Slot names every layer exposes.
const (
	EventAdd          = "add"
	EventRemove       = "remove"
	EventPopupOpen    = "popupopen"
	EventPopupClose   = "popupclose"
	EventTooltipOpen  = "tooltipopen"
	EventTooltipClose = "tooltipclose"
)

// Pointer slots for interactive kinds.
const (
	EventClick       = "click"
	EventDblClick    = "dblclick"
	EventMouseDown   = "mousedown"
	EventMouseUp     = "mouseup"
	EventMouseOver   = "mouseover"
	EventMouseOut    = "mouseout"
	EventContextMenu = "contextmenu"
)

// Drag slots for draggable kinds.
const (
	EventDragStart = "dragstart"
	EventDrag      = "drag"
	EventDragEnd   = "dragend"
	EventMove      = "move"
)

var (
	baseSlots        = []string{EventAdd, EventRemove, EventPopupOpen, EventPopupClose, EventTooltipOpen, EventTooltipClose}
	interactiveSlots = []string{EventClick, EventDblClick, EventMouseDown, EventMouseUp, EventMouseOver, EventMouseOut, EventContextMenu}
	dragSlots        = []string{EventDragStart, EventDrag, EventDragEnd, EventMove}
)

// SlotNames returns the event slots a layer of kind k exposes.
func SlotNames(k Kind) []string {
	names := make([]string, 0, len(baseSlots)+len(interactiveSlots)+len(dragSlots))
	names = append(names, baseSlots...)
	if k.Interactive() {
		names = append(names, interactiveSlots...)
	}
	if k.Draggable() {
		names = append(names, dragSlots...)
	}
	return names
}
