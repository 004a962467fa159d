// Package quic carries protocol frames over a single bidirectional QUIC
// stream. Each frame is prefixed with its length as a 4-byte big-endian
// integer. A zero-length frame is a keep-alive and is never surfaced.
package quic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/pkg/generic"
)

const (
	// ALPN is the application protocol negotiated during the TLS handshake.
	ALPN = "mapsync-quic"

	headerSize = 4

	closeNormal quic.ApplicationErrorCode = 0
)

var _ protocol.Transport = (*Transport)(nil)

// Config holds QUIC transport settings.
type Config struct {
	MaxMessageSize   uint32
	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxMessageSize:   1 << 20,
		IdleTimeout:      30 * time.Second,
		KeepAlive:        15 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       c.IdleTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		HandshakeIdleTimeout: c.HandshakeTimeout,
	}
}

// Transport wraps one QUIC connection and its single stream.
type Transport struct {
	id     string
	conn   *quic.Conn
	stream *quic.Stream
	config Config

	writeMu sync.Mutex
	readBuf [headerSize]byte
	closed  atomic.Bool
}

func newTransport(conn *quic.Conn, stream *quic.Stream, cfg Config) *Transport {
	return &Transport{
		id:     uuid.NewString(),
		conn:   conn,
		stream: stream,
		config: cfg,
	}
}

// Dial connects to a QUIC listener and opens the frame stream. An empty
// frame is written immediately so the listener can accept the stream.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg Config) (*Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "")
		return nil, errors.Wrap(err, "failed to open QUIC stream")
	}
	t := newTransport(conn, stream, cfg)
	if err = t.writeFrame(nil); err != nil {
		_ = t.Close()
		return nil, err
	}
	return t, nil
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
	if err := checkFrameSize(uint64(len(frame)), t.config.MaxMessageSize); err != nil {
		return err
	}
	return t.writeFrame(frame)
}

// checkFrameSize rejects frames over limit, and frames the 4-byte length
// prefix cannot describe. A zero limit only applies the latter.
func checkFrameSize(n uint64, limit uint32) error {
	if n > math.MaxUint32 || (limit > 0 && n > uint64(limit)) {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "frame of %d bytes", n)
	}
	return nil
}

var framePool = generic.NewPool(func() *bytes.Buffer { return new(bytes.Buffer) }, (*bytes.Buffer).Reset)

func (t *Transport) writeFrame(frame []byte) error {
	buf := framePool.Get()
	defer framePool.Put(buf)
	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	buf.Write(header[:])
	buf.Write(frame)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stream.Write(buf.Bytes()); err != nil {
		if t.closed.Load() {
			return protocol.ErrTransportClosed
		}
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// Receive reads the next non-empty frame. It is not safe for concurrent use.
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	for {
		if t.closed.Load() {
			return nil, protocol.ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(t.stream, t.readBuf[:]); err != nil {
			return nil, t.readErr(err)
		}
		size := binary.BigEndian.Uint32(t.readBuf[:])
		if size == 0 {
			continue
		}
		if t.config.MaxMessageSize > 0 && size > t.config.MaxMessageSize {
			return nil, errors.Wrapf(protocol.ErrMessageTooLarge, "frame of %d bytes", size)
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(t.stream, frame); err != nil {
			return nil, t.readErr(err)
		}
		return frame, nil
	}
}

func (t *Transport) readErr(err error) error {
	if t.closed.Load() || errors.Is(err, io.EOF) {
		return protocol.ErrTransportClosed
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return protocol.ErrTransportClosed
	}
	return errors.Wrap(err, "failed to read frame")
}

func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = t.stream.Close()
	return t.conn.CloseWithError(closeNormal, "closed")
}

// Listener accepts QUIC connections and yields one Transport per connection.
type Listener struct {
	listener *quic.Listener
	config   Config
	logger   log.Log
	closed   atomic.Bool
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config, cfg Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	ln, err := quic.ListenAddr(addr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrap(err, "failed to start QUIC listener")
	}
	l := &Listener{
		listener: ln,
		config:   cfg,
		logger:   logger.With(log.String("listener_addr", ln.Addr().String())),
	}
	l.logger.Info("QUIC listener started")
	return l, nil
}

// Accept waits for a connection and its frame stream.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	if l.closed.Load() {
		return nil, protocol.ErrTransportClosed
	}
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		if l.closed.Load() {
			return nil, protocol.ErrTransportClosed
		}
		return nil, errors.Wrap(err, "failed to accept QUIC connection")
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(closeNormal, "")
		return nil, errors.Wrap(err, "failed to accept QUIC stream")
	}
	l.logger.Debug("QUIC connection accepted", log.String("remote_addr", conn.RemoteAddr().String()))
	return newTransport(conn, stream, l.config), nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.logger.Info("Closing QUIC listener")
	return l.listener.Close()
}
