package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlots_FireInSubscriptionOrder(t *testing.T) {
	s := NewSlots("layer-1", "click", "dblclick")
	var order []int
	for i := 0; i < 3; i++ {
		_, err := s.Subscribe("click", func(e Event) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Raise("click", nil))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestSlots_UnknownSlot(t *testing.T) {
	s := NewSlots("layer-1", "click")

	_, err := s.Subscribe("drag", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrUnknownSlot)

	err = s.Raise("drag", nil)
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestSlots_CancelStopsDelivery(t *testing.T) {
	s := NewSlots("layer-1", "click")
	calls := 0
	sub, err := s.Subscribe("click", func(Event) error { calls++; return nil })
	require.NoError(t, err)

	require.NoError(t, s.Raise("click", nil))
	require.NoError(t, sub.Cancel())
	require.NoError(t, sub.Cancel())
	require.NoError(t, s.Raise("click", nil))

	assert.Equal(t, 1, calls)
	assert.False(t, sub.IsActive())
	assert.Equal(t, 0, s.Count("click"))
	assert.NoError(t, s.Unsubscribe(nil))
}

func TestSlots_JoinsHandlerErrors(t *testing.T) {
	s := NewSlots("layer-1", "click")
	errA := errors.New("a")
	errB := errors.New("b")
	_, _ = s.Subscribe("click", func(Event) error { return errA })
	_, _ = s.Subscribe("click", func(Event) error { return nil })
	_, _ = s.Subscribe("click", func(Event) error { return errB })

	err := s.Raise("click", nil)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
}

func TestSlots_CloseSilencesEverything(t *testing.T) {
	s := NewSlots("layer-1", "click")
	calls := 0
	sub, _ := s.Subscribe("click", func(Event) error { calls++; return nil })

	s.Close()

	assert.True(t, s.Closed())
	assert.False(t, sub.IsActive())
	assert.NoError(t, s.Raise("click", nil))
	assert.Equal(t, 0, calls)
	_, err := s.Subscribe("click", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrSlotsClosed)
}

func TestSlots_FireAsync(t *testing.T) {
	s := NewSlots("layer-1", "click")
	_, _ = s.Subscribe("click", func(Event) error { return errors.New("fail") })

	select {
	case err := <-s.FireAsync(NewEvent("click", "layer-1", nil)):
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("async fire did not complete")
	}
}

func TestSlots_DecodePayload(t *testing.T) {
	s := NewSlots("marker", "move")
	var got struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	_, _ = s.Subscribe("move", func(e Event) error {
		assert.Equal(t, "marker", e.Source())
		return Decode(e, &got)
	})

	require.NoError(t, s.Raise("move", json.RawMessage(`{"lat":1.5,"lng":-2}`)))
	assert.Equal(t, 1.5, got.Lat)
	assert.Equal(t, -2.0, got.Lng)
}

func TestSlots_ConcurrentSubscribeAndFire(t *testing.T) {
	s := NewSlots("layer-1", "click")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub, err := s.Subscribe("click", func(Event) error { return nil })
			if err == nil {
				_ = sub.Cancel()
			}
		}()
		go func() {
			defer wg.Done()
			_ = s.Raise("click", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, s.Count("click"))
}
