// Package websocket carries protocol frames over gorilla/websocket text
// messages, one envelope per message.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/zeusync/mapsync/internal/core/protocol"
)

var _ protocol.Transport = (*Transport)(nil)

// Config holds websocket transport settings.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// AllowedOrigins restricts browser origins; empty accepts any.
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  1 << 20,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Transport wraps one websocket connection.
type Transport struct {
	id     string
	conn   *websocket.Conn
	config Config

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

func newTransport(conn *websocket.Conn, cfg Config) *Transport {
	t := &Transport{
		id:     uuid.New().String(),
		conn:   conn,
		config: cfg,
		done:   make(chan struct{}),
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}
	if cfg.PingInterval > 0 {
		go t.keepAlive()
	}
	return t
}

// Upgrader builds a gorilla upgrader honoring the configured origins.
func Upgrader(cfg Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range cfg.AllowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}

// Accept upgrades an HTTP request to a websocket transport.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Transport, error) {
	conn, err := Upgrader(cfg).Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to upgrade connection")
	}
	return newTransport(conn, cfg), nil
}

// Dial connects to a websocket endpoint.
func Dial(ctx context.Context, url string, cfg Config) (*Transport, error) {
	dialer := &websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return newTransport(conn, cfg), nil
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

func (t *Transport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return protocol.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if t.config.WriteTimeout > 0 {
		deadline = time.Now().Add(t.config.WriteTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if t.closed.Load() {
			return protocol.ErrTransportClosed
		}
		return errors.Wrap(err, "failed to write message")
	}
	t.bytesSent.Add(uint64(len(frame)))
	return nil
}

func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if t.closed.Load() {
			return nil, protocol.ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, protocol.ErrTransportClosed
			}
			return nil, errors.Wrap(err, "failed to read message")
		}
		if t.config.ReadTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		t.bytesReceived.Add(uint64(len(data)))
		return data, nil
	}
}

func (t *Transport) keepAlive() {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()
	wait := t.config.WriteTimeout
	if wait <= 0 {
		wait = time.Second
	}
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close sends a close frame and closes the connection.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.writeMu.Lock()
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return t.conn.Close()
}

// Stats returns bytes sent and received.
func (t *Transport) Stats() (sent, received uint64) {
	return t.bytesSent.Load(), t.bytesReceived.Load()
}
