package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FeedConfig declares a provider feed to seed into the store on startup.
type FeedConfig struct {
	// Provider is the source system name (e.g. "teamsnap", "gamechanger", "ical").
	Provider string `yaml:"provider" json:"provider"`
	// ExternalTeamID identifies the team inside the provider.
	ExternalTeamID string `yaml:"external_team_id" json:"external_team_id"`
	// URL is the feed endpoint; webcal:// is accepted.
	URL string `yaml:"url" json:"url"`
	// Name is an optional display name; the sync derives one otherwise.
	Name  string `yaml:"name" json:"name"`
	Sport string `yaml:"sport" json:"sport"`
	Color string `yaml:"color" json:"color"`
	// ProfileID is the destination profile. Empty means metadata-only syncs.
	ProfileID string `yaml:"profile_id" json:"profile_id"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the sync API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the sync trigger API.
	Listen string `yaml:"listen" json:"listen"`

	// Database is the sqlite DSN for the shared event store.
	Database string `yaml:"database" json:"database"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// RefreshCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// used for periodic sync of every feed connection.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// FetchTimeoutSeconds bounds a single feed download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// MaxFeedBytes caps the size of a downloaded feed body.
	MaxFeedBytes int64 `yaml:"max_feed_bytes" json:"max_feed_bytes"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`

	// Workers is the number of feeds synced concurrently in a batch run.
	Workers int `yaml:"workers" json:"workers"`

	// DefaultTimezone is used for floating times when the profile owner's
	// timezone can't be determined.
	DefaultTimezone string `yaml:"default_timezone" json:"default_timezone"`

	// BackfillDays and HorizonDays bound recurrence expansion around now.
	// BackfillDays 0 starts the window at now.
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`

	// Feeds is the list of feed connections seeded on startup.
	Feeds []FeedConfig `yaml:"feeds" json:"feeds"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultListen          = "127.0.0.1:8080"
	defaultDatabase        = "file:teamfeed.db?mode=rwc"
	defaultLogLevel        = "info"
	defaultRefreshCron     = "*/30 * * * *"
	defaultFetchTimeout    = 30
	defaultMaxFeedBytes    = 10 << 20
	defaultUserAgent       = "teamfeed/0.1 (+calendar sync)"
	defaultWorkers         = 4
	defaultDefaultTimezone = "UTC"
	defaultBackfillDays    = 30
	defaultHorizonDays     = 365
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              defaultListen,
		Database:            defaultDatabase,
		LogLevel:            defaultLogLevel,
		RefreshCron:         defaultRefreshCron,
		FetchTimeoutSeconds: defaultFetchTimeout,
		MaxFeedBytes:        defaultMaxFeedBytes,
		UserAgent:           defaultUserAgent,
		Workers:             defaultWorkers,
		DefaultTimezone:     defaultDefaultTimezone,
		BackfillDays:        defaultBackfillDays,
		HorizonDays:         defaultHorizonDays,
		Feeds:               []FeedConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeout
	}
	if c.MaxFeedBytes <= 0 {
		c.MaxFeedBytes = defaultMaxFeedBytes
	}
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.DefaultTimezone == "" {
		c.DefaultTimezone = defaultDefaultTimezone
	}
	if c.BackfillDays < 0 {
		c.BackfillDays = 0
	}
	if c.HorizonDays <= 0 {
		c.HorizonDays = defaultHorizonDays
	}
	if c.Feeds == nil {
		c.Feeds = []FeedConfig{}
	}
	for i := range c.Feeds {
		if c.Feeds[i].Provider == "" {
			c.Feeds[i].Provider = "ical"
		}
		if c.Feeds[i].ExternalTeamID == "" {
			c.Feeds[i].ExternalTeamID = c.Feeds[i].URL
		}
	}
}

// FetchTimeout returns FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// DefaultLocation resolves DefaultTimezone, falling back to UTC.
func (c *Config) DefaultLocation() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Keys missing from the file keep their defaults, so an explicit zero
	// (backfill_days: 0) stays distinguishable from an omitted key.
	cfg := *DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".teamfeed-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
