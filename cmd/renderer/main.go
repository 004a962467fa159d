// Command renderer is a headless remote map context. It connects to a
// mapsync server and executes its commands against an in-memory scene.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/mapsync/internal/core/engine"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
	"github.com/zeusync/mapsync/internal/core/protocol/quic"
	"github.com/zeusync/mapsync/internal/core/protocol/websocket"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/ws", "websocket endpoint of the server")
	quicAddr := flag.String("quic", "", "QUIC address of the server; overrides -url")
	insecure := flag.Bool("insecure", false, "skip QUIC certificate verification")
	token := flag.String("token", "", "auth token")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := log.New(log.ParseLevel(*level)).With(log.Component("renderer"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t, err := dial(ctx, *wsURL, *quicAddr, *insecure, *token)
	if err != nil {
		fmt.Println("Error connecting:", err)
		os.Exit(1)
	}
	logger.Info("Connected", log.String("remote_addr", t.RemoteAddr()))

	eng := engine.New(engine.WithLogger(logger))
	if err = engine.Serve(ctx, t, eng, logger); err != nil {
		fmt.Println("Error serving:", err)
		os.Exit(1)
	}
	logger.Info("Disconnected", log.Int("objects", eng.ObjectCount()))
}

func dial(ctx context.Context, wsURL, quicAddr string, insecure bool, token string) (protocol.Transport, error) {
	if quicAddr != "" {
		return quic.Dial(ctx, quicAddr, quic.ClientTLS(insecure), quic.DefaultConfig())
	}
	if token != "" {
		u, err := url.Parse(wsURL)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		wsURL = u.String()
	}
	return websocket.Dial(ctx, wsURL, websocket.DefaultConfig())
}
