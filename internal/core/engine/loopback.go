package engine

import (
	"context"

	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol"
)

// Loopback connects e to a new local peer over an in-memory pipe and runs
// both peers until ctx ends. Events the engine emits are delivered to sink.
func Loopback(ctx context.Context, e *Engine, sink protocol.EventSink, logger log.Log) (local, remote *protocol.Peer) {
	if logger == nil {
		logger = log.Nop()
	}
	a, b := protocol.Pipe(256)
	local = protocol.NewPeer(a, protocol.WithEventSink(sink), protocol.WithLogger(logger))
	remote = protocol.NewPeer(b, protocol.WithCallHandler(e), protocol.WithLogger(logger))
	e.Bind(remote)

	go func() { _ = local.Run(ctx) }()
	go func() { _ = remote.Run(ctx) }()
	return local, remote
}

// Serve answers the calls arriving on t with e until t closes or ctx ends.
// It is the remote half of a real deployment.
func Serve(ctx context.Context, t protocol.Transport, e *Engine, logger log.Log) error {
	if logger == nil {
		logger = log.Nop()
	}
	p := protocol.NewPeer(t, protocol.WithCallHandler(e), protocol.WithLogger(logger))
	e.Bind(p)
	return p.Run(ctx)
}
