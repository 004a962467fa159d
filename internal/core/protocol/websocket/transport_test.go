package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/mapsync/internal/core/protocol"
)

func TestTransport_PeerRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, cfg)
		if err != nil {
			return
		}
		remote := protocol.NewPeer(tr, protocol.WithCallHandler(protocol.CallHandlerFunc(
			func(_ context.Context, call protocol.Envelope) protocol.Envelope {
				return protocol.ReplyFor(call, "h-"+call.Op, nil)
			})))
		_ = remote.Run(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr, err := Dial(ctx, url, cfg)
	require.NoError(t, err)

	local := protocol.NewPeer(tr)
	go func() { _ = local.Run(ctx) }()
	defer func() { _ = local.Close() }()

	reply, err := local.Call(ctx, protocol.NewCall("createMarker", "")).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h-createMarker", reply.Handle)

	sent, received := tr.Stats()
	assert.Positive(t, sent)
	assert.Positive(t, received)
}

func TestTransport_SendAfterClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, cfg)
		if err != nil {
			return
		}
		_, _ = tr.Receive(r.Context())
		_ = tr.Close()
	}))
	defer srv.Close()

	tr, err := Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), cfg)
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send(context.Background(), []byte("{}")), protocol.ErrTransportClosed)
	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, protocol.ErrTransportClosed)
}

func TestUpgrader_ChecksOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://maps.example"}
	up := Upgrader(cfg)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://maps.example")
	assert.True(t, up.CheckOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(r))
}
