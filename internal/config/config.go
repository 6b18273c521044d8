package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/dmitrijs2005/medvault/internal/models"
)

// ErrInvalid marks a configuration that loaded but cannot be used.
var ErrInvalid = errors.New("invalid config")

// S3Config configures the S3 sync transport. Empty access keys fall back to
// the default AWS credential chain.
type S3Config struct {
	Bucket       string `json:"bucket"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	Prefix       string `json:"prefix"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

// Config holds runtime settings for medvault.
//
// Relative DatabaseFile, StorageDir and KeyringFile values are resolved
// against DataDir; see the *Path helpers.
type Config struct {
	DataDir      string
	DatabaseFile string
	StorageDir   string
	KeyringFile  string
	// Passphrase unlocks the keyring. Empty means prompt on the terminal.
	Passphrase string

	ConsentText    string
	ConsentLatency time.Duration

	BaseLabel          string
	DefaultCategory    string
	DefaultDescription string
	SeedDemoFiles      bool

	LogLevel  string
	LogFormat string

	HTTPAddr       string
	RateLimit      float64
	RateBurst      int
	SessionSecret  string
	SessionTTL     time.Duration
	LoginDelay     time.Duration
	WorkerPoolSize int

	Transport        string
	S3               S3Config
	UploadURL        string
	ReachabilityAddr string

	SyncPollInterval time.Duration
	SyncLease        time.Duration
	SyncMaxAttempts  int
	SyncBaseBackoff  time.Duration
	SyncMaxBackoff   time.Duration

	InboxDir string
	// InboxRescan is how often the inbox is rescanned for missed events.
	InboxRescan time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "medvault-data"
	c.DatabaseFile = "medvault.db"
	c.StorageDir = "files"
	c.KeyringFile = "keyring.json"

	c.ConsentText = "This is the consent content. Please read it carefully."
	c.ConsentLatency = time.Second

	c.BaseLabel = "medical_file"
	c.DefaultCategory = "other"
	c.DefaultDescription = "Encrypted medical file"

	c.LogLevel = "info"
	c.LogFormat = "json"

	c.HTTPAddr = "127.0.0.1:8080"
	c.RateLimit = 10
	c.RateBurst = 20
	c.SessionTTL = 12 * time.Hour
	c.LoginDelay = time.Second
	c.WorkerPoolSize = 4

	c.Transport = "noop"

	c.SyncPollInterval = 5 * time.Second
	c.SyncLease = time.Minute
	c.SyncMaxAttempts = 8
	c.SyncBaseBackoff = 2 * time.Second
	c.SyncMaxBackoff = 5 * time.Minute

	c.InboxRescan = 30 * time.Second
}

// Validate reports every setting that would leave medvault unusable.
func (c *Config) Validate() error {
	var err error
	if strings.TrimSpace(c.ConsentText) == "" {
		err = multierr.Append(err, fmt.Errorf("%w: consent_text is empty", ErrInvalid))
	}
	if _, perr := models.ParseCategory(c.DefaultCategory); perr != nil {
		err = multierr.Append(err, fmt.Errorf("%w: default_category: %w", ErrInvalid, perr))
	}
	if c.InboxRescan < 0 {
		err = multierr.Append(err, fmt.Errorf("%w: inbox_rescan is negative", ErrInvalid))
	}
	return err
}

// Category is DefaultCategory in canonical form. Unknown values fall back to
// models.CategoryOther; Validate rejects them first.
func (c *Config) Category() models.Category {
	cat, err := models.ParseCategory(c.DefaultCategory)
	if err != nil {
		return models.CategoryOther
	}
	return cat
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and the flags found in args. Later sources take
// precedence over earlier ones. Malformed input panics.
func LoadConfig(args []string) *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg, args)
	parseFlags(cfg, args)
	return cfg
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

func (c *Config) DatabasePath() string { return c.resolve(c.DatabaseFile) }
func (c *Config) StoragePath() string  { return c.resolve(c.StorageDir) }
func (c *Config) KeyringPath() string  { return c.resolve(c.KeyringFile) }
