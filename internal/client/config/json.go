package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/servehq/serve-sdk-go/internal/flagx"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. The sync
// interval is given in seconds.
type JsonConfig struct {
	ServerURL           string `json:"server_url"`
	DatabasePath        string `json:"database_path"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`
}

// parseJson overlays Config with values from the JSON file named by the
// -c/-config flag. Absent file path means no JSON layer. Fields left
// empty in the file keep their current values. Panics on read or
// unmarshal errors.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.SyncIntervalSeconds > 0 {
		cfg.SyncInterval = time.Duration(jc.SyncIntervalSeconds) * time.Second
	}
}
