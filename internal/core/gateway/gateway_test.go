package gateway_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/mapsync/internal/core/engine"
	"github.com/zeusync/mapsync/internal/core/gateway"
	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/registry"
)

const testMap = "map-1"

type harness struct {
	gw       *gateway.Gateway
	eng      *engine.Engine
	reg      *registry.Registry
	failures chan gateway.Failure
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		eng:      engine.New(),
		reg:      registry.New(4),
		failures: make(chan gateway.Failure, 16),
	}
	local, _ := engine.Loopback(ctx, h.eng, nil, nil)
	h.gw = gateway.New(local, h.reg, gateway.WithFailureFunc(func(f gateway.Failure) {
		h.failures <- f
	}))

	c, err := h.gw.CreateMap(ctx, testMap, "map-token", nil)
	require.NoError(t, err)
	_, err = c.Wait(ctx)
	require.NoError(t, err)
	return h
}

func wait(t *testing.T, c *protocol.Completion) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := c.Wait(ctx)
	require.NoError(t, err)
	return reply
}

func TestCreate_FusedRegistersEagerly(t *testing.T) {
	h := newHarness(t)
	circle := layer.MustNew(layer.KindCircle, map[string]any{"radius": 10})

	c, err := h.gw.Create(context.Background(), testMap, circle)
	require.NoError(t, err)

	// The entry exists before the reply arrives.
	e, ok := h.reg.Lookup(circle.ID())
	require.True(t, ok)
	assert.Equal(t, testMap, e.Owner)

	reply := wait(t, c)
	assert.NotEmpty(t, reply.Handle)
	assert.Equal(t, layer.Handle(reply.Handle), circle.Handle())
	assert.Equal(t, []string{"addCircle"}, h.eng.Ops(circle.ID()))

	obj, ok := h.eng.Object(circle.ID())
	require.True(t, ok)
	assert.Equal(t, testMap, obj.Map)
	assert.Equal(t, e.Token.ID(), obj.Token)
}

func TestCreate_TwoPhaseRegistersThenAttaches(t *testing.T) {
	h := newHarness(t)
	marker := layer.MustNew(layer.KindMarker, map[string]any{"lat": 1, "lng": 2})

	c, err := h.gw.Create(context.Background(), testMap, marker)
	require.NoError(t, err)
	wait(t, c)

	assert.Equal(t, []string{"createMarker", "addLayer"}, h.eng.Ops(marker.ID()))
	assert.NotEmpty(t, marker.Handle())

	e, ok := h.reg.Lookup(marker.ID())
	require.True(t, ok)
	assert.Equal(t, testMap, e.Owner)
}

func TestAttach_BeforeRegisterIsRejected(t *testing.T) {
	h := newHarness(t)
	marker := layer.MustNew(layer.KindMarker, nil)

	_, err := h.gw.Attach(context.Background(), testMap, marker)
	assert.ErrorIs(t, err, gateway.ErrNotRegistered)
	assert.ErrorIs(t, err, gateway.ErrInvalidOperation)
	assert.Empty(t, h.eng.Calls()[1:])
}

func TestAttach_RejectsFusedKinds(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.Attach(context.Background(), testMap, layer.MustNew(layer.KindPolygon, nil))
	assert.ErrorIs(t, err, gateway.ErrWrongShape)

	_, err = h.gw.Register(context.Background(), layer.MustNew(layer.KindTileLayer, nil))
	assert.ErrorIs(t, err, gateway.ErrWrongShape)
}

func TestRegister_MoveBetweenMapsKeepsHandle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	wait(t, mustCompletion(t)(h.gw.CreateMap(ctx, "map-2", "", nil)))

	line := layer.MustNew(layer.KindPolyline, nil)
	wait(t, mustCompletion(t)(h.gw.Register(ctx, line)))
	handle := line.Handle()
	require.NotEmpty(t, handle)

	wait(t, mustCompletion(t)(h.gw.Attach(ctx, testMap, line)))
	wait(t, mustCompletion(t)(h.gw.Detach(ctx, testMap, line)))
	wait(t, mustCompletion(t)(h.gw.Attach(ctx, "map-2", line)))

	assert.Equal(t, handle, line.Handle())
	e, ok := h.reg.Lookup(line.ID())
	require.True(t, ok)
	assert.Equal(t, "map-2", e.Owner)

	s1, _ := h.eng.Scene(testMap)
	s2, _ := h.eng.Scene("map-2")
	assert.Empty(t, s1.Layers)
	assert.Equal(t, []string{string(handle)}, s2.Layers)
	assert.Equal(t, []string{"createPolyline", "addLayer", "removeFromMap", "addLayer"}, h.eng.Ops(line.ID()))
}

func TestRegister_SharesInFlightCall(t *testing.T) {
	h := newHarness(t)
	release := h.eng.Hold("createMarker")
	marker := layer.MustNew(layer.KindMarker, nil)

	a, err := h.gw.Register(context.Background(), marker)
	require.NoError(t, err)
	b, err := h.gw.Register(context.Background(), marker)
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, h.gw.Stats().InFlight)

	release()
	wait(t, a)
	assert.Equal(t, []string{"createMarker"}, h.eng.Ops(marker.ID()))
	assert.Equal(t, 0, h.gw.Stats().InFlight)
}

func TestRegisterAll_Concurrent(t *testing.T) {
	h := newHarness(t)
	layers := []*layer.Layer{
		layer.MustNew(layer.KindMarker, nil),
		layer.MustNew(layer.KindMarker, nil),
		layer.MustNew(layer.KindPolyline, nil),
	}
	require.NoError(t, h.gw.RegisterAll(context.Background(), layers...))

	assert.Equal(t, 3, h.reg.Len())
	for _, l := range layers {
		e, ok := h.reg.Lookup(l.ID())
		require.True(t, ok)
		assert.Same(t, l, e.Layer)
		assert.True(t, l.Registered())
	}
}

func TestRemove_ReleasesEagerly(t *testing.T) {
	h := newHarness(t)
	rect := layer.MustNew(layer.KindRectangle, nil)
	c, err := h.gw.Create(context.Background(), testMap, rect)
	require.NoError(t, err)
	wait(t, c)
	e, _ := h.reg.Lookup(rect.ID())

	rc := h.gw.Remove(context.Background(), testMap, rect.ID())
	assert.False(t, h.reg.Contains(rect.ID()))
	assert.True(t, e.Token.Disposed())
	wait(t, rc)

	// A second remove is a no-op: nothing is sent.
	wait(t, h.gw.Remove(context.Background(), testMap, rect.ID()))
	assert.Equal(t, []string{"addRectangle", "removeLayer"}, h.eng.Ops(rect.ID()))
	assert.Equal(t, 0, h.eng.ObjectCount())
}

func TestDispose_MidFlightRegistrationIsCompensated(t *testing.T) {
	h := newHarness(t)
	release := h.eng.Hold("createMarker")
	marker := layer.MustNew(layer.KindMarker, nil)

	reg, err := h.gw.Register(context.Background(), marker)
	require.NoError(t, err)

	_, err = h.gw.Dispose(context.Background(), marker)
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = reg.Wait(ctx)
	assert.ErrorIs(t, err, gateway.ErrDisposed)

	require.Eventually(t, func() bool { return h.eng.ObjectCount() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"createMarker", "disposeLayer"}, h.eng.Ops(marker.ID()))
	assert.False(t, h.reg.Contains(marker.ID()))
	assert.Equal(t, uint64(1), h.gw.Stats().Compensations)
}

func TestDispose_IsIdempotent(t *testing.T) {
	h := newHarness(t)
	marker := layer.MustNew(layer.KindMarker, nil)
	wait(t, mustCompletion(t)(h.gw.Create(context.Background(), testMap, marker)))

	wait(t, mustCompletion(t)(h.gw.Dispose(context.Background(), marker)))
	wait(t, mustCompletion(t)(h.gw.Dispose(context.Background(), marker)))

	assert.True(t, marker.Disposed())
	assert.Equal(t, []string{"createMarker", "addLayer", "disposeLayer"}, h.eng.Ops(marker.ID()))
	_, err := h.gw.Create(context.Background(), testMap, marker)
	assert.ErrorIs(t, err, gateway.ErrDisposed)
}

func TestUpdates_RequireCreation(t *testing.T) {
	h := newHarness(t)
	poly := layer.MustNew(layer.KindPolygon, nil)

	_, err := h.gw.UpdateShape(context.Background(), poly)
	assert.ErrorIs(t, err, gateway.ErrNotCreated)

	wait(t, mustCompletion(t)(h.gw.Create(context.Background(), testMap, poly)))
	require.NoError(t, poly.SetPayload(map[string]any{"color": "red"}))
	wait(t, mustCompletion(t)(h.gw.UpdateShape(context.Background(), poly)))

	obj, ok := h.eng.Object(poly.ID())
	require.True(t, ok)
	assert.JSONEq(t, `{"color":"red"}`, string(obj.Body.Properties))
}

func TestUpdateShape_UnhandledKindFailsFast(t *testing.T) {
	h := newHarness(t)
	tile := layer.MustNew(layer.KindTileLayer, nil)
	wait(t, mustCompletion(t)(h.gw.Create(context.Background(), testMap, tile)))

	_, err := h.gw.UpdateShape(context.Background(), tile)
	assert.ErrorIs(t, err, gateway.ErrUnhandledKind)

	_, err = h.gw.Create(context.Background(), testMap, &layer.Layer{})
	assert.ErrorIs(t, err, gateway.ErrUnhandledKind)
}

func TestContentAndPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	marker := layer.MustNew(layer.KindMarker, nil)
	wait(t, mustCompletion(t)(h.gw.Create(ctx, testMap, marker)))

	_, err := h.gw.UpdatePopupContent(ctx, marker)
	assert.ErrorIs(t, err, gateway.ErrInvalidOperation)

	marker.SetPopup("hello")
	marker.SetTooltip("tip")
	wait(t, mustCompletion(t)(h.gw.UpdatePopupContent(ctx, marker)))
	wait(t, mustCompletion(t)(h.gw.UpdateTooltipContent(ctx, marker)))
	wait(t, mustCompletion(t)(h.gw.SetLatLng(ctx, marker, gateway.LatLng{Lat: 3, Lng: 4})))

	obj, _ := h.eng.Object(marker.ID())
	assert.Equal(t, "hello", obj.Body.Popup.Content)
	assert.Equal(t, "tip", obj.Body.Tooltip.Content)
	assert.Equal(t, &gateway.LatLng{Lat: 3, Lng: 4}, obj.LatLng)

	_, err = h.gw.SetLatLng(ctx, layer.MustNew(layer.KindPolygon, nil), gateway.LatLng{})
	assert.ErrorIs(t, err, gateway.ErrWrongShape)
}

func TestFireAndForgetFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.eng.FailNext("addCircle", errors.New("renderer out of memory"))
	circle := layer.MustNew(layer.KindCircle, nil)

	c, err := h.gw.Create(context.Background(), testMap, circle)
	require.NoError(t, err)

	select {
	case f := <-h.failures:
		assert.Equal(t, "addCircle", f.Op)
		assert.Equal(t, circle.ID(), f.Layer)
		assert.True(t, protocol.IsRemote(f.Err))
	case <-time.After(2 * time.Second):
		t.Fatal("failure not reported")
	}
	_, err = c.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, uint64(1), h.gw.Stats().Failures)
}

func TestMapView(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	wait(t, mustCompletion(t)(h.gw.PanTo(ctx, testMap, gateway.LatLng{Lat: 10, Lng: 20}, gateway.PanOptions{})))
	center, err := h.gw.GetCenter(ctx, testMap)
	require.NoError(t, err)
	assert.Equal(t, gateway.LatLng{Lat: 10, Lng: 20}, center)

	wait(t, mustCompletion(t)(h.gw.FitBounds(ctx, testMap, gateway.Bounds{
		SouthWest: gateway.LatLng{Lat: 0, Lng: 0},
		NorthEast: gateway.LatLng{Lat: 2, Lng: 4},
	}, gateway.FitOptions{})))
	center, err = h.gw.GetCenter(ctx, testMap)
	require.NoError(t, err)
	assert.Equal(t, gateway.LatLng{Lat: 1, Lng: 2}, center)

	wait(t, mustCompletion(t)(h.gw.ZoomIn(ctx, testMap, 2)))
	wait(t, mustCompletion(t)(h.gw.ZoomOut(ctx, testMap, 0)))
	zoom, err := h.gw.GetZoom(ctx, testMap)
	require.NoError(t, err)
	assert.Equal(t, 2.0, zoom)

	wait(t, mustCompletion(t)(h.gw.InvalidateSize(ctx, testMap)))
	wait(t, mustCompletion(t)(h.gw.OpenPopup(ctx, testMap, gateway.PopupRequest{Content: "hi"})))
	scene, _ := h.eng.Scene(testMap)
	require.NotNil(t, scene.Popup)
	wait(t, mustCompletion(t)(h.gw.ClosePopup(ctx, testMap)))

	_, err = h.gw.ZoomIn(ctx, "", 1)
	assert.ErrorIs(t, err, gateway.ErrEmptyMapID)
}

func TestConcurrentCreateOfDistinctLayers(t *testing.T) {
	h := newHarness(t)
	a := layer.MustNew(layer.KindMarker, nil)
	b := layer.MustNew(layer.KindCircle, nil)

	var wg sync.WaitGroup
	for _, l := range []*layer.Layer{a, b} {
		wg.Add(1)
		go func(l *layer.Layer) {
			defer wg.Done()
			c, err := h.gw.Create(context.Background(), testMap, l)
			if assert.NoError(t, err) {
				_, err = c.Wait(context.Background())
				assert.NoError(t, err)
			}
		}(l)
	}
	wg.Wait()

	require.Equal(t, 2, h.reg.Len())
	ea, _ := h.reg.Lookup(a.ID())
	eb, _ := h.reg.Lookup(b.ID())
	assert.Same(t, a, ea.Layer)
	assert.Same(t, b, eb.Layer)
}

func mustCompletion(t *testing.T) func(*protocol.Completion, error) *protocol.Completion {
	return func(c *protocol.Completion, err error) *protocol.Completion {
		t.Helper()
		require.NoError(t, err)
		return c
	}
}

func TestDetach_CancelsPendingAttach(t *testing.T) {
	h := newHarness(t)
	release := h.eng.Hold("createMarker")
	marker := layer.MustNew(layer.KindMarker, nil)

	created, err := h.gw.Create(context.Background(), testMap, marker)
	require.NoError(t, err)

	wait(t, mustCompletion(t)(h.gw.Detach(context.Background(), testMap, marker)))
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = created.Wait(ctx)
	assert.ErrorIs(t, err, gateway.ErrAttachCancelled)

	// The remote object survives off the map, ready to be attached again.
	assert.Equal(t, []string{"createMarker"}, h.eng.Ops(marker.ID()))
	e, ok := h.reg.Lookup(marker.ID())
	require.True(t, ok)
	assert.Empty(t, e.Owner)
	s, _ := h.eng.Scene(testMap)
	assert.Empty(t, s.Layers)

	wait(t, mustCompletion(t)(h.gw.Attach(context.Background(), testMap, marker)))
	assert.Equal(t, []string{"createMarker", "addLayer"}, h.eng.Ops(marker.ID()))
}
