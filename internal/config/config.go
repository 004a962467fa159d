// Package config loads mapsync settings from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/core/protocol/quic"
	"github.com/zeusync/mapsync/internal/core/protocol/websocket"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalidConfig     = errors.New("invalid config")
)

type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Sync      SyncConfig      `yaml:"sync" toml:"sync"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	WebSocketPath   string        `yaml:"websocket_path" toml:"websocket_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins" toml:"allowed_origins"`
	// AuthToken, when set, must be presented by renderers as a bearer token
	// or a token query parameter.
	AuthToken       string        `yaml:"auth_token" toml:"auth_token"`
}

type TransportConfig struct {
	WebSocket   WebSocketConfig `yaml:"websocket" toml:"websocket"`
	QUIC        QUICConfig      `yaml:"quic" toml:"quic"`
	EventBuffer int             `yaml:"event_buffer" toml:"event_buffer"`
}

type WebSocketConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval" toml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size" toml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size" toml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" toml:"write_buffer_size"`
}

type QUICConfig struct {
	Enabled          bool          `yaml:"enabled" toml:"enabled"`
	Addr             string        `yaml:"addr" toml:"addr"`
	CertFile         string        `yaml:"cert_file" toml:"cert_file"`
	KeyFile          string        `yaml:"key_file" toml:"key_file"`
	MaxMessageSize   uint32        `yaml:"max_message_size" toml:"max_message_size"`
	IdleTimeout      time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	KeepAlive        time.Duration `yaml:"keep_alive" toml:"keep_alive"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

type SyncConfig struct {
	RegistryShards      int           `yaml:"registry_shards" toml:"registry_shards"`
	RegisterConcurrency int           `yaml:"register_concurrency" toml:"register_concurrency"`
	RegisterTimeout     time.Duration `yaml:"register_timeout" toml:"register_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // "json" or "console"
}

func Default() *Config {
	ws := websocket.DefaultConfig()
	q := quic.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WebSocketPath:   "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Transport: TransportConfig{
			WebSocket: WebSocketConfig{
				ReadTimeout:     ws.ReadTimeout,
				WriteTimeout:    ws.WriteTimeout,
				PingInterval:    ws.PingInterval,
				MaxMessageSize:  ws.MaxMessageSize,
				ReadBufferSize:  ws.ReadBufferSize,
				WriteBufferSize: ws.WriteBufferSize,
			},
			QUIC: QUICConfig{
				Addr:             ":8443",
				MaxMessageSize:   q.MaxMessageSize,
				IdleTimeout:      q.IdleTimeout,
				KeepAlive:        q.KeepAlive,
				HandshakeTimeout: q.HandshakeTimeout,
			},
			EventBuffer: 256,
		},
		Sync: SyncConfig{
			RegistryShards:      16,
			RegisterConcurrency: 8,
			RegisterTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, fmt.Errorf("%w: server.addr is empty", ErrInvalidConfig))
	}
	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		errs = append(errs, fmt.Errorf("%w: server.websocket_path must start with /", ErrInvalidConfig))
	}
	if c.Transport.WebSocket.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: transport.websocket.max_message_size must be positive", ErrInvalidConfig))
	}
	if c.Transport.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("%w: transport.event_buffer must be positive", ErrInvalidConfig))
	}
	if q := c.Transport.QUIC; q.Enabled {
		if q.Addr == "" {
			errs = append(errs, fmt.Errorf("%w: transport.quic.addr is empty", ErrInvalidConfig))
		}
		if (q.CertFile == "") != (q.KeyFile == "") {
			errs = append(errs, fmt.Errorf("%w: transport.quic needs both cert_file and key_file", ErrInvalidConfig))
		}
	}
	if c.Sync.RegistryShards <= 0 {
		errs = append(errs, fmt.Errorf("%w: sync.registry_shards must be positive", ErrInvalidConfig))
	}
	if c.Sync.RegisterTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: sync.register_timeout must be positive", ErrInvalidConfig))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format))
	}
	return errors.Join(errs...)
}

// WebSocket converts the section to transport settings.
func (c *Config) WebSocket() websocket.Config {
	w := c.Transport.WebSocket
	return websocket.Config{
		ReadTimeout:     w.ReadTimeout,
		WriteTimeout:    w.WriteTimeout,
		PingInterval:    w.PingInterval,
		MaxMessageSize:  w.MaxMessageSize,
		ReadBufferSize:  w.ReadBufferSize,
		WriteBufferSize: w.WriteBufferSize,
		AllowedOrigins:  c.Server.AllowedOrigins,
	}
}

func (c *Config) QUIC() quic.Config {
	q := c.Transport.QUIC
	return quic.Config{
		MaxMessageSize:   q.MaxMessageSize,
		IdleTimeout:      q.IdleTimeout,
		KeepAlive:        q.KeepAlive,
		HandshakeTimeout: q.HandshakeTimeout,
	}
}

// Logger builds the process logger from the logging section.
func (c *Config) Logger() *log.Logger {
	return log.NewWithOptions(log.ParseLevel(c.Logging.Level), log.Options{Encoding: c.Logging.Format})
}
