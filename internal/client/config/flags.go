package config

import (
	"flag"
	"os"
	"time"

	"github.com/servehq/serve-sdk-go/internal/flagx"
)

// Flags owned by this package. The CLI strips the same set before
// reading positional commands.
var ConfigFlags = []string{"-a", "-d", "-i", "-c", "-config"}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   base URL of the Serve server (default from Config)
//	-d string   path to the local SQLite database
//	-i int      sync interval in seconds
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the Serve server")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path to the local SQLite database")
	syncInterval := fs.Int("i", int(cfg.SyncInterval.Seconds()), "sync interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncInterval = time.Duration(*syncInterval) * time.Second
}
