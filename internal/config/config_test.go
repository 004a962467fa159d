package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath)
	assert.False(t, cfg.Transport.QUIC.Enabled)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "mapsync.yaml", `
server:
  addr: ":9000"
  allowed_origins: ["https://maps.example.com"]
transport:
  websocket:
    write_timeout: 3s
sync:
  register_timeout: 5s
logging:
  level: debug
  format: console
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WebSocketPath, "unset keys keep defaults")
	assert.Equal(t, 3*time.Second, cfg.Transport.WebSocket.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.Sync.RegisterTimeout)
	assert.Equal(t, "console", cfg.Logging.Format)

	ws := cfg.WebSocket()
	assert.Equal(t, []string{"https://maps.example.com"}, ws.AllowedOrigins)
	assert.Equal(t, 3*time.Second, ws.WriteTimeout)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "mapsync.toml", `
[server]
addr = ":7000"

[transport.quic]
enabled = true
addr = ":7443"
idle_timeout = "45s"

[sync]
registry_shards = 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.True(t, cfg.Transport.QUIC.Enabled)
	assert.Equal(t, 45*time.Second, cfg.QUIC().IdleTimeout)
	assert.Equal(t, 4, cfg.Sync.RegistryShards)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "mapsync.json", `{}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(writeFile(t, "bad.yaml", "server: ["))
	assert.Error(t, err)
}

func TestValidate_CollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Addr = ""
	cfg.Server.WebSocketPath = "ws"
	cfg.Logging.Format = "xml"
	cfg.Transport.QUIC.Enabled = true
	cfg.Transport.QUIC.CertFile = "cert.pem"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"server.addr", "websocket_path", "logging.format", "cert_file"} {
		assert.Contains(t, err.Error(), want)
	}
}
