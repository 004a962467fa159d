package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/mapsync/internal/config"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideConfig,
	ProvideLogger,
	ProvideServer,
)

// ProvideConfig loads path, or returns the defaults when path is empty.
func ProvideConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func ProvideLogger(cfg *config.Config) log.Log {
	return cfg.Logger()
}

func ProvideServer(cfg *config.Config, logger log.Log, fn server.SessionFunc) *server.Server {
	return server.New(cfg, logger, server.WithSessionFunc(fn))
}
