// Package config loads runtime configuration for medvault.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c / -config or $MEDVAULT_CONFIG.
//  3. Command-line flags, which override earlier values.
//
// Supported flags
//
//	-a string   address:port of the HTTP API
//	-d string   data directory (database, encrypted files, keyring)
//	-l string   log level: debug, info, warn, error
//	-t string   sync transport: noop, s3 or http
//	-i int      sync poll interval (seconds)
//	-inbox dir  watch dir for files to submit (empty disables the watcher)
//	-seed       seed the catalog with demo records on an empty database
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "3s" or
// integer nanoseconds. Keys missing from the file keep their earlier value:
//
//	{
//	  "data_dir": "/var/lib/medvault",
//	  "http_addr": "127.0.0.1:8080",
//	  "transport": "s3",
//	  "s3": {"bucket": "medvault", "region": "eu-central-1"},
//	  "sync_poll_interval": "5s",
//	  "inbox_rescan": "30s"
//	}
//
// LoadConfig only rejects malformed input. (*Config).Validate checks that
// the loaded values are usable.
package config
