package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_Validate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{"call", NewCall("addLayer", "m"), true},
		{"call without op", Envelope{Kind: KindCall, ID: "1"}, false},
		{"reply", Envelope{Kind: KindReply, ReplyTo: "1"}, true},
		{"reply without correlation", Envelope{Kind: KindReply}, false},
		{"event", NewEvent("tok", "click", nil), true},
		{"event without token", Envelope{Kind: KindEvent, Name: "click"}, false},
		{"unknown kind", Envelope{Kind: "bogus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
			}
		})
	}
}

func TestEnvelope_PayloadHelpers(t *testing.T) {
	call, err := NewCall("panTo", "m").WithPayload(map[string]float64{"lat": 1.5, "lng": 2})
	require.NoError(t, err)

	var got map[string]float64
	require.NoError(t, call.Decode(&got))
	assert.Equal(t, 1.5, got["lat"])

	raw := json.RawMessage(`{"a":1}`)
	call, err = call.WithPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, call.Payload)

	assert.ErrorIs(t, NewCall("zoomIn", "m").Decode(&got), ErrInvalidEnvelope)
}

func TestEnvelope_Failed(t *testing.T) {
	call := NewCall("removeLayer", "m")
	assert.NoError(t, ReplyFor(call, "", nil).Failed())

	err := FailureFor(call, errors.New("gone")).Failed()
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "removeLayer", re.Op)
	assert.Equal(t, "remote removeLayer: gone", err.Error())
}

func TestJSONCodec_RoundTripAndLimits(t *testing.T) {
	codec := JSONCodec{MaxSize: 256}
	call := NewCall("addMarker", "map-1")
	call.Token = "tok"

	frame, err := codec.Encode(call)
	require.NoError(t, err)
	decoded, err := codec.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, call, decoded)

	_, err = codec.Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	big := NewCall("addGeoJsonLayer", "m")
	big.Payload = json.RawMessage(`"` + strings.Repeat("a", 300) + `"`)
	_, err = codec.Encode(big)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestCompletion_ResolvesOnce(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.Resolved())
	assert.NoError(t, c.Err())

	assert.True(t, c.Resolve(Envelope{Handle: "h"}, nil))
	assert.False(t, c.Resolve(Envelope{}, errors.New("late")))

	reply, err := c.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h", reply.Handle)
}

func TestCompletion_Chain(t *testing.T) {
	c := NewCompletion()
	next := c.Chain(func(reply Envelope, err error) (Envelope, error) {
		reply.Handle += "-attached"
		return reply, err
	})
	c.Resolve(Envelope{Handle: "h"}, nil)

	reply, err := next.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h-attached", reply.Handle)
}

func TestPipe_CloseUnblocksBothEnds(t *testing.T) {
	a, b := Pipe(1)
	require.NoError(t, a.Send(context.Background(), []byte("x")))
	frame, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), frame)

	require.NoError(t, a.Close())
	_, err = b.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, b.Send(context.Background(), []byte("y")), ErrTransportClosed)
}
