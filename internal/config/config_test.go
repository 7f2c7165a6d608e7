// ABOUTME: Tests for configuration loading, defaults, env expansion, and validation.
// ABOUTME: Uses temp files to exercise the full Load path.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
auth:
  mode: "insecure"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "http://localhost:8000", cfg.Backend.BaseURL)

	// Defaults
	assert.Equal(t, DefaultMaxSessions, cfg.Streaming.MaxSessions)
	assert.Equal(t, DefaultIdleTimeout, cfg.Streaming.IdleTimeout)
	assert.Equal(t, DefaultSweepInterval, cfg.Streaming.SweepInterval)
	assert.Equal(t, DefaultMaxAge, cfg.Streaming.MaxAge)
	assert.Equal(t, DefaultPageSize, cfg.Conversations.PageSize)
	assert.Equal(t, DefaultRefreshInterval, cfg.Registry.RefreshInterval)
	assert.Equal(t, "insecure", cfg.Auth.Mode)
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
  request_timeout: "10s"
auth:
  mode: "insecure"
registry:
  refresh_interval: "1m"
  health_interval: "15s"
streaming:
  max_sessions: 4
  idle_timeout: "5s"
  sweep_interval: "30s"
  max_age: "90s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Backend.RequestTimeout)
	assert.Equal(t, time.Minute, cfg.Registry.RefreshInterval)
	assert.Equal(t, 15*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 4, cfg.Streaming.MaxSessions)
	assert.Equal(t, 5*time.Second, cfg.Streaming.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.Streaming.SweepInterval)
	assert.Equal(t, 90*time.Second, cfg.Streaming.MaxAge)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
streaming:
  idle_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "sekrit")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
auth:
  mode: "jwt"
  jwt_secret: "${RELAY_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sekrit", cfg.Auth.JWTSecret)
}

func TestLoad_JWTModeRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
auth:
  mode: "jwt"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoad_AuthModeMustBeExplicit(t *testing.T) {
	// No auth section at all: insecure mode must never be a silent default
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.mode")
}

func TestLoad_JWTSecretImpliesJWTMode(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
backend:
  base_url: "http://localhost:8000"
auth:
  jwt_secret: "abc"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "jwt", cfg.Auth.Mode)
}

func TestLoad_MissingBackend(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.base_url")
}

func TestLoad_MissingServerAddr(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "http://localhost:8000"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.http_addr")
}

func TestLoad_TailscaleRequiresHostname(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "http://localhost:8000"
tailscale:
  enabled: true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tailscale.hostname")
}

func TestLoad_TailscaleReplacesServerAddr(t *testing.T) {
	path := writeConfig(t, `
backend:
  base_url: "http://localhost:8000"
auth:
  mode: "insecure"
tailscale:
  enabled: true
  hostname: "parley-relay"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "parley-relay", cfg.Tailscale.Hostname)
}
