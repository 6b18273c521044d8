package config

import (
	"flag"
	"io"
	"time"

	"github.com/dmitrijs2005/medvault/internal/flagx"
)

// parseFlags populates selected Config fields from args. Only the flags
// listed in doc.go are considered; everything else is filtered out with
// flagx.FilterArgs so other loaders can share the same argument list.
func parseFlags(cfg *Config, args []string) {
	args = flagx.FilterArgs(args, "a", "d", "l", "t", "i", "inbox", "seed")

	fs := flag.NewFlagSet("medvault", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.HTTPAddr, "a", cfg.HTTPAddr, "address and port of the HTTP API")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "data directory")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.Transport, "t", cfg.Transport, "sync transport (noop, s3, http)")
	fs.StringVar(&cfg.InboxDir, "inbox", cfg.InboxDir, "inbox directory to watch")
	fs.BoolVar(&cfg.SeedDemoFiles, "seed", cfg.SeedDemoFiles, "seed demo catalog records")
	pollInterval := fs.Int("i", int(cfg.SyncPollInterval.Seconds()), "sync poll interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "i" {
			cfg.SyncPollInterval = time.Duration(*pollInterval) * time.Second
		}
	})
}
