package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workerlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_OverDefaults(t *testing.T) {
	path := writeConfig(t, `
transport:
  kind: stdio
  command: /usr/local/bin/workerlink-worker
  args: ["-transport", "stdio"]
  grace_period: 5s
gateway:
  port: "9000"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, TransportStdio, cfg.Transport.Kind)
	assert.Equal(t, []string{"-transport", "stdio"}, cfg.Transport.Args)
	assert.Equal(t, 5*time.Second, cfg.Transport.GracePeriod)
	assert.Equal(t, "9000", cfg.Gateway.Port)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Gateway.RequestTimeout)
	assert.Equal(t, "workerlink:", cfg.Transport.Redis.Prefix)
	assert.Equal(t, 1024, cfg.Journal.BufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "transport: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WORKERLINK_TRANSPORT", "redis")
	t.Setenv("WORKERLINK_REDIS_ADDR", "redis:6380")
	t.Setenv("WORKERLINK_REDIS_DB", "3")
	t.Setenv("WORKERLINK_GATEWAY_PORT", "7070")
	t.Setenv("WORKERLINK_REQUEST_TIMEOUT", "750ms")
	t.Setenv("WORKERLINK_JOURNAL_DSN", "postgres://localhost/workerlink?sslmode=disable")
	t.Setenv("WORKERLINK_PUBSUB_PROJECT", "ocx-prod")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "redis:6380", cfg.Transport.Redis.Addr)
	assert.Equal(t, 3, cfg.Transport.Redis.DB)
	assert.Equal(t, "7070", cfg.Gateway.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Gateway.RequestTimeout)
	assert.Equal(t, "postgres://localhost/workerlink?sslmode=disable", cfg.Journal.DSN)
	assert.Equal(t, "ocx-prod", cfg.Events.PubSub.Project)
	assert.Equal(t, "workerlink-events", cfg.Events.PubSub.Topic)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("WORKERLINK_REDIS_DB", "zero")
	_, err := Load("")
	assert.ErrorContains(t, err, "WORKERLINK_REDIS_DB")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"default pipe", func(c *Config) {}, ""},
		{"stdio without command", func(c *Config) { c.Transport.Kind = TransportStdio }, "transport.command"},
		{"ws without url", func(c *Config) { c.Transport.Kind = TransportWS }, "transport.url"},
		{"grpc without addr", func(c *Config) { c.Transport.Kind = TransportGRPC }, "transport.addr"},
		{"grpc with addr", func(c *Config) { c.Transport.Kind = TransportGRPC; c.Transport.Addr = "localhost:9090" }, ""},
		{"unknown kind", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "unknown transport"},
		{"pubsub without topic", func(c *Config) { c.Events.PubSub = PubSubConfig{Project: "p"} }, "events.pubsub.topic"},
		{"unknown ids", func(c *Config) { c.Transport.IDs = "random" }, "unknown id generator"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}
