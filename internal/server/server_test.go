package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/mapsync/internal/config"
	"github.com/zeusync/mapsync/internal/core/engine"
	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/mapview"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol/websocket"
)

func startServer(t *testing.T, cfg *config.Config, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	srv := New(cfg, log.Nop(), opts...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return srv, hs.URL
}

func wsURL(base string) string {
	return "ws" + strings.TrimPrefix(base, "http") + "/ws"
}

// connectRenderer dials the server and answers its calls with a headless
// engine until the test ends.
func connectRenderer(t *testing.T, url string) (*engine.Engine, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tr, err := websocket.Dial(ctx, url, websocket.DefaultConfig())
	require.NoError(t, err)
	eng := engine.New()
	go func() { _ = engine.Serve(ctx, tr, eng, nil) }()
	return eng, cancel
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func TestServer_SessionDrivesRenderer(t *testing.T) {
	ready := make(chan *mapview.Map, 1)
	srv, base := startServer(t, nil, WithSessionFunc(func(ctx context.Context, s *Session) error {
		m, err := s.NewMap(mapview.WithID("main"))
		if err != nil {
			return err
		}
		if err = m.Initialize(ctx); err != nil {
			return err
		}
		c, err := m.AddLayer(layer.MustNew(layer.KindCircle, map[string]any{"radius": 3}))
		if err != nil {
			return err
		}
		if _, err = c.Wait(ctx); err != nil {
			return err
		}
		ready <- m
		return nil
	}))

	eng, disconnect := connectRenderer(t, wsURL(base))

	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("session never finished setup")
	}

	scene, ok := eng.Scene("main")
	require.True(t, ok)
	assert.Len(t, scene.Layers, 1)

	var metrics Metrics
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/metrics", &metrics))
	assert.Equal(t, 1, metrics.Sessions)
	assert.Equal(t, 1, metrics.Maps)
	assert.Equal(t, 1, metrics.Entries)
	assert.GreaterOrEqual(t, metrics.Calls, uint64(1))

	disconnect()
	assert.Eventually(t, func() bool { return len(srv.Sessions()) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestServer_SessionLookup(t *testing.T) {
	got := make(chan *Session, 1)
	srv, base := startServer(t, nil, WithSessionFunc(func(_ context.Context, s *Session) error {
		got <- s
		return nil
	}))
	connectRenderer(t, wsURL(base))

	var sess *Session
	select {
	case sess = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no session")
	}

	found, ok := srv.Session(sess.ID())
	require.True(t, ok)
	assert.Same(t, sess, found)

	m, err := sess.NewMap(mapview.WithID("a"))
	require.NoError(t, err)
	_, err = sess.NewMap(mapview.WithID("a"))
	assert.ErrorIs(t, err, ErrMapExists)

	byID, ok := sess.Map("a")
	require.True(t, ok)
	assert.Same(t, m, byID)
}

func TestServer_Health(t *testing.T) {
	_, base := startServer(t, nil)

	var h Health
	assert.Equal(t, http.StatusOK, getJSON(t, base+"/health", &h))
	assert.Equal(t, "ok", h.Status)
	assert.Zero(t, h.Sessions)
}

func TestServer_RequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.Server.AuthToken = "secret"
	_, base := startServer(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := websocket.Dial(ctx, wsURL(base), websocket.DefaultConfig())
	assert.Error(t, err)

	_, err = websocket.Dial(ctx, wsURL(base)+"?token=wrong", websocket.DefaultConfig())
	assert.Error(t, err)

	tr, err := websocket.Dial(ctx, wsURL(base)+"?token=secret", websocket.DefaultConfig())
	require.NoError(t, err)
	_ = tr.Close()
}

func TestTokenAuth(t *testing.T) {
	auth := TokenAuth{Token: "secret"}

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.ErrorIs(t, auth.Authenticate(r), ErrUnauthorized)

	r.Header.Set("Authorization", "Bearer secret")
	assert.NoError(t, auth.Authenticate(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=secret", nil)
	assert.NoError(t, auth.Authenticate(r))
}

func TestServer_RunStopsWithContext(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	srv := New(cfg, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.ErrorIs(t, srv.Run(context.Background()), ErrServerClosed)
}

func TestServer_RejectsRenderersAfterClose(t *testing.T) {
	srv := New(config.Default(), log.Nop())
	require.NoError(t, srv.Close())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, srv.beginSession())
}

func TestServer_ShutdownWaitsForStartedSessions(t *testing.T) {
	srv := New(config.Default(), log.Nop())
	require.True(t, srv.beginSession())

	done := make(chan struct{})
	go func() {
		_ = srv.shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned with a session still running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, srv.beginSession())

	srv.sessionWG.Done()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
