package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArgs(t *testing.T, args ...string) {
	t.Helper()
	old := os.Args
	os.Args = append([]string{"serve-client"}, args...)
	t.Cleanup(func() { os.Args = old })
}

func TestLoadConfig_Defaults(t *testing.T) {
	withArgs(t)
	cfg := LoadConfig()
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ServerURL)
	assert.Equal(t, "serve-client.db", cfg.DatabasePath)
	assert.Equal(t, 30*time.Second, cfg.SyncInterval)
}

func TestLoadConfig_Flags(t *testing.T) {
	withArgs(t, "-a", "https://serve.example.com", "-d", "/tmp/s.db", "-i", "5")
	cfg := LoadConfig()
	assert.Equal(t, "https://serve.example.com", cfg.ServerURL)
	assert.Equal(t, "/tmp/s.db", cfg.DatabasePath)
	assert.Equal(t, 5*time.Second, cfg.SyncInterval)
}

func TestLoadConfig_JsonOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server_url": "https://json.example.com",
		"sync_interval_seconds": 10
	}`), 0o600))

	withArgs(t, "-c", path)
	cfg := LoadConfig()
	assert.Equal(t, "https://json.example.com", cfg.ServerURL)
	// Unset JSON fields keep their defaults.
	assert.Equal(t, "serve-client.db", cfg.DatabasePath)
	assert.Equal(t, 10*time.Second, cfg.SyncInterval)
}

func TestLoadConfig_FlagsBeatJson(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"server_url": "https://json.example.com"}`), 0o600))

	withArgs(t, "-c", path, "-a", "https://flag.example.com")
	cfg := LoadConfig()
	assert.Equal(t, "https://flag.example.com", cfg.ServerURL)
}
