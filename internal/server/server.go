// Package server accepts renderer connections and gives each one a session
// the application can create maps on.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/mapsync/internal/config"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/protocol/quic"
	"github.com/zeusync/mapsync/internal/core/protocol/websocket"
)

type Option func(*Server)

// WithSessionFunc sets the application code run for every new session.
func WithSessionFunc(fn SessionFunc) Option {
	return func(s *Server) { s.onSession = fn }
}

func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithQUICTLS overrides the TLS config of the QUIC listener.
func WithQUICTLS(c *tls.Config) Option {
	return func(s *Server) { s.quicTLS = c }
}

type Server struct {
	config    *config.Config
	logger    log.Log
	onSession SessionFunc
	auth      Authenticator
	quicTLS   *tls.Config

	httpServer *http.Server
	quicLn     *quic.Listener

	sessions     sync.Map // session id -> *Session
	sessionCount atomic.Int64
	sessionMu    sync.Mutex // orders sessionWG.Add against shutdown
	sessionWG    sync.WaitGroup
	baseCtx      context.Context
	baseCancel   context.CancelFunc

	failures atomic.Uint64
	started  time.Time

	running atomic.Bool
	closed  atomic.Bool
}

func New(cfg *config.Config, logger log.Log, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Provide()
	}
	s := &Server{
		config:  cfg,
		logger:  logger.With(log.Component("server")),
		started: time.Now(),
	}
	if cfg.Server.AuthToken != "" {
		s.auth = TokenAuth{Token: cfg.Server.AuthToken}
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx ends, then shuts everything down. It returns the
// first listener failure, if any.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		s.running.Store(false)
		return err
	}
	if s.config.Transport.QUIC.Enabled {
		if err = s.listenQUIC(); err != nil {
			_ = ln.Close()
			s.running.Store(false)
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("HTTP server listening", log.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if s.quicLn != nil {
		g.Go(func() error { return s.acceptQUIC(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	err = g.Wait()
	s.logger.Info("Server stopped", log.Int64("sessions", s.sessionCount.Load()))
	return err
}

func (s *Server) listenQUIC() error {
	q := s.config.Transport.QUIC
	tlsConf := s.quicTLS
	if tlsConf == nil {
		var err error
		if q.CertFile != "" {
			tlsConf, err = quic.LoadTLS(q.CertFile, q.KeyFile)
		} else {
			s.logger.Warn("No QUIC certificate configured, using a self-signed one")
			tlsConf, err = quic.GenerateSelfSignedTLS()
		}
		if err != nil {
			return err
		}
	}
	ln, err := quic.Listen(q.Addr, tlsConf, s.config.QUIC(), s.logger)
	if err != nil {
		return err
	}
	s.quicLn = ln
	return nil
}

func (s *Server) acceptQUIC(ctx context.Context) error {
	for {
		t, err := s.quicLn.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, protocol.ErrTransportClosed) {
				return nil
			}
			s.logger.Warn("Failed to accept QUIC renderer", log.Error(err))
			continue
		}
		if !s.beginSession() {
			_ = t.Close()
			return nil
		}
		go func() {
			defer s.sessionWG.Done()
			s.serve(s.baseCtx, t)
		}()
	}
}

func (s *Server) shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	// Sessions that passed beginSession have been added by now.
	s.sessionMu.Lock()
	s.sessionMu.Unlock() //nolint:staticcheck

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if s.quicLn != nil {
		_ = s.quicLn.Close()
	}
	s.sessions.Range(func(_, v any) bool {
		if cerr := v.(*Session).close(ctx); cerr != nil {
			s.logger.Warn("Session did not close cleanly", log.Error(cerr))
		}
		return true
	})
	s.baseCancel()
	s.sessionWG.Wait()
	return err
}

// Close stops a server that was never run, or one whose Run has returned.
func (s *Server) Close() error {
	if s.running.Load() {
		return s.shutdown()
	}
	s.closed.Store(true)
	s.baseCancel()
	return nil
}

// serve runs one renderer session to completion.
func (s *Server) serve(ctx context.Context, t protocol.Transport) {
	sess := s.newSession(t)
	s.sessions.Store(sess.ID(), sess)
	s.sessionCount.Add(1)
	sess.logger.Info("Renderer connected",
		log.String("remote_addr", t.RemoteAddr()),
		log.Int64("sessions", s.sessionCount.Load()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.onSession != nil {
		go func() {
			if err := s.onSession(runCtx, sess); err != nil {
				sess.logger.Error("Session handler failed", log.Error(err))
			}
		}()
	}

	if err := sess.peer.Run(runCtx); err != nil {
		sess.logger.Warn("Renderer connection failed", log.Error(err))
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer closeCancel()
	if err := sess.close(closeCtx); err != nil {
		sess.logger.Debug("Session closed with errors", log.Error(err))
	}

	s.sessions.Delete(sess.ID())
	s.sessionCount.Add(-1)
	sess.logger.Info("Renderer disconnected", log.Int64("sessions", s.sessionCount.Load()))
}

// beginSession counts a new session goroutine unless shutdown has started.
// The caller must call sessionWG.Done when it returns true.
func (s *Server) beginSession() bool {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.sessionWG.Add(1)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.beginSession() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer s.sessionWG.Done()

	t, err := websocket.Accept(w, r, s.config.WebSocket())
	if err != nil {
		s.logger.Warn("Failed to accept renderer", log.Error(err))
		return
	}
	s.serve(s.baseCtx, t)
}

// Session returns a live session by id.
func (s *Server) Session(id string) (*Session, bool) {
	v, ok := s.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

func (s *Server) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	return out
}
