// Package config assembles the runtime settings of the Serve client
// from three layers: built-in defaults, an optional JSON file (-c/
// -config), and command-line flags. Later layers win.
package config

import "time"

// Config holds runtime settings for the Serve client.
type Config struct {
	// ServerURL is the base URL of the Serve REST API.
	ServerURL string
	// DatabasePath is the SQLite file holding local sync state.
	DatabasePath string
	// SyncInterval is how often a long-running client polls for deltas.
	SyncInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DatabasePath = "serve-client.db"
	c.SyncInterval = 30 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
