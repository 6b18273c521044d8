package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/medvault/internal/flagx"
	"github.com/dmitrijs2005/medvault/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations go
// through timex.Duration so they may be given as "3s" or as nanoseconds.
type JsonConfig struct {
	DataDir      string `json:"data_dir"`
	DatabaseFile string `json:"database_file"`
	StorageDir   string `json:"storage_dir"`
	KeyringFile  string `json:"keyring_file"`
	Passphrase   string `json:"passphrase"`

	ConsentText    string         `json:"consent_text"`
	ConsentLatency timex.Duration `json:"consent_latency"`

	BaseLabel          string `json:"base_label"`
	DefaultCategory    string `json:"default_category"`
	DefaultDescription string `json:"default_description"`
	SeedDemoFiles      bool   `json:"seed_demo_files"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	HTTPAddr       string         `json:"http_addr"`
	RateLimit      float64        `json:"rate_limit"`
	RateBurst      int            `json:"rate_burst"`
	SessionSecret  string         `json:"session_secret"`
	SessionTTL     timex.Duration `json:"session_ttl"`
	LoginDelay     timex.Duration `json:"login_delay"`
	WorkerPoolSize int            `json:"worker_pool_size"`

	Transport        string   `json:"transport"`
	S3               S3Config `json:"s3"`
	UploadURL        string   `json:"upload_url"`
	ReachabilityAddr string   `json:"reachability_addr"`

	SyncPollInterval timex.Duration `json:"sync_poll_interval"`
	SyncLease        timex.Duration `json:"sync_lease"`
	SyncMaxAttempts  int            `json:"sync_max_attempts"`
	SyncBaseBackoff  timex.Duration `json:"sync_base_backoff"`
	SyncMaxBackoff   timex.Duration `json:"sync_max_backoff"`

	InboxDir    string         `json:"inbox_dir"`
	InboxRescan timex.Duration `json:"inbox_rescan"`
}

func toJson(c *Config) JsonConfig {
	return JsonConfig{
		DataDir:            c.DataDir,
		DatabaseFile:       c.DatabaseFile,
		StorageDir:         c.StorageDir,
		KeyringFile:        c.KeyringFile,
		Passphrase:         c.Passphrase,
		ConsentText:        c.ConsentText,
		ConsentLatency:     timex.Duration{Duration: c.ConsentLatency},
		BaseLabel:          c.BaseLabel,
		DefaultCategory:    c.DefaultCategory,
		DefaultDescription: c.DefaultDescription,
		SeedDemoFiles:      c.SeedDemoFiles,
		LogLevel:           c.LogLevel,
		LogFormat:          c.LogFormat,
		HTTPAddr:           c.HTTPAddr,
		RateLimit:          c.RateLimit,
		RateBurst:          c.RateBurst,
		SessionSecret:      c.SessionSecret,
		SessionTTL:         timex.Duration{Duration: c.SessionTTL},
		LoginDelay:         timex.Duration{Duration: c.LoginDelay},
		WorkerPoolSize:     c.WorkerPoolSize,
		Transport:          c.Transport,
		S3:                 c.S3,
		UploadURL:          c.UploadURL,
		ReachabilityAddr:   c.ReachabilityAddr,
		SyncPollInterval:   timex.Duration{Duration: c.SyncPollInterval},
		SyncLease:          timex.Duration{Duration: c.SyncLease},
		SyncMaxAttempts:    c.SyncMaxAttempts,
		SyncBaseBackoff:    timex.Duration{Duration: c.SyncBaseBackoff},
		SyncMaxBackoff:     timex.Duration{Duration: c.SyncMaxBackoff},
		InboxDir:           c.InboxDir,
		InboxRescan:        timex.Duration{Duration: c.InboxRescan},
	}
}

func (jc JsonConfig) apply(c *Config) {
	c.DataDir = jc.DataDir
	c.DatabaseFile = jc.DatabaseFile
	c.StorageDir = jc.StorageDir
	c.KeyringFile = jc.KeyringFile
	c.Passphrase = jc.Passphrase
	c.ConsentText = jc.ConsentText
	c.ConsentLatency = jc.ConsentLatency.Duration
	c.BaseLabel = jc.BaseLabel
	c.DefaultCategory = jc.DefaultCategory
	c.DefaultDescription = jc.DefaultDescription
	c.SeedDemoFiles = jc.SeedDemoFiles
	c.LogLevel = jc.LogLevel
	c.LogFormat = jc.LogFormat
	c.HTTPAddr = jc.HTTPAddr
	c.RateLimit = jc.RateLimit
	c.RateBurst = jc.RateBurst
	c.SessionSecret = jc.SessionSecret
	c.SessionTTL = jc.SessionTTL.Duration
	c.LoginDelay = jc.LoginDelay.Duration
	c.WorkerPoolSize = jc.WorkerPoolSize
	c.Transport = jc.Transport
	c.S3 = jc.S3
	c.UploadURL = jc.UploadURL
	c.ReachabilityAddr = jc.ReachabilityAddr
	c.SyncPollInterval = jc.SyncPollInterval.Duration
	c.SyncLease = jc.SyncLease.Duration
	c.SyncMaxAttempts = jc.SyncMaxAttempts
	c.SyncBaseBackoff = jc.SyncBaseBackoff.Duration
	c.SyncMaxBackoff = jc.SyncMaxBackoff.Duration
	c.InboxDir = jc.InboxDir
	c.InboxRescan = jc.InboxRescan.Duration
}

// parseJson overlays cfg with values from the JSON file named by -c/-config
// (or $MEDVAULT_CONFIG). Keys absent from the file keep their current value.
// Panics on read or unmarshal errors.
func parseJson(cfg *Config, args []string) {
	path := flagx.ConfigPath(args)
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	jc := toJson(cfg)
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}
	jc.apply(cfg)
}
