package layer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/mapsync/internal/core/events/bus"
)

func TestNew_UniqueIdentifiers(t *testing.T) {
	a := MustNew(KindMarker, nil)
	b := MustNew(KindMarker, nil)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.Registered())
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(KindUnknown, nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = New(Kind(200), nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestNew_MarshalsProperties(t *testing.T) {
	l, err := New(KindCircle, map[string]any{"radius": 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"radius":12}`, string(l.Payload()))

	raw := json.RawMessage(`{"url":"https://tiles/{z}/{x}/{y}.png"}`)
	tile, err := New(KindTileLayer, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, tile.Payload())

	require.NoError(t, l.SetPayload(map[string]any{"radius": 3}))
	assert.JSONEq(t, `{"radius":3}`, string(l.Payload()))
}

func TestAssignHandle_IsMonotonic(t *testing.T) {
	l := MustNew(KindMarker, nil)

	assert.False(t, l.AssignHandle(""))
	assert.True(t, l.AssignHandle("h-1"))
	assert.False(t, l.AssignHandle("h-2"))
	assert.Equal(t, Handle("h-1"), l.Handle())
}

func TestMarkDisposed_ClearsHandleAndSlots(t *testing.T) {
	l := MustNew(KindMarker, nil)
	require.True(t, l.AssignHandle("h-1"))
	calls := 0
	_, err := l.On(EventClick, func(bus.Event) error { calls++; return nil })
	require.NoError(t, err)

	assert.True(t, l.MarkDisposed())
	assert.False(t, l.MarkDisposed())

	assert.True(t, l.Disposed())
	assert.Equal(t, Handle(""), l.Handle())
	assert.False(t, l.AssignHandle("h-2"))
	assert.NoError(t, l.Events().Raise(EventClick, nil))
	assert.Equal(t, 0, calls)
}

func TestSlotNames_ByKind(t *testing.T) {
	tile := MustNew(KindTileLayer, nil)
	assert.True(t, tile.Events().Has(EventAdd))
	assert.False(t, tile.Events().Has(EventClick))

	marker := MustNew(KindMarker, nil)
	assert.True(t, marker.Events().Has(EventClick))
	assert.True(t, marker.Events().Has(EventDragEnd))

	polygon := MustNew(KindPolygon, nil)
	assert.True(t, polygon.Events().Has(EventMouseOver))
	assert.False(t, polygon.Events().Has(EventDrag))
}

func TestParseKind(t *testing.T) {
	for k := KindTileLayer; k <= KindPolyline; k++ {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, parsed)
	}
	_, err := ParseKind("unknown")
	assert.Error(t, err)
	assert.Equal(t, "kind(99)", Kind(99).String())
}

func TestPopupAndTooltip(t *testing.T) {
	l := MustNew(KindMarker, nil)
	assert.Nil(t, l.Popup())

	l.SetPopup("<b>hi</b>")
	l.SetTooltip("tip")

	assert.Equal(t, "<b>hi</b>", l.Popup().Content)
	assert.Equal(t, "tip", l.Tooltip().Content)
}

func TestTakeHandle_AllowsReRegistration(t *testing.T) {
	l := MustNew(KindPolyline, nil)
	_, ok := l.TakeHandle()
	assert.False(t, ok)

	require.True(t, l.AssignHandle("h-1"))
	h, ok := l.TakeHandle()
	require.True(t, ok)
	assert.Equal(t, Handle("h-1"), h)
	assert.False(t, l.Registered())

	assert.True(t, l.AssignHandle("h-2"))
	assert.False(t, l.Events().Closed())
}
