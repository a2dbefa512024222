package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Environment overrides, applied after the YAML file is read.
const (
	EnvStoreDriver = "COACHCAL_STORE_DRIVER"
	EnvStoreDSN    = "COACHCAL_STORE_DSN"
	EnvListen      = "COACHCAL_LISTEN"
	EnvLogLevel    = "COACHCAL_LOG_LEVEL"
)

// TeamConfig describes one team and its training calendar feed.
type TeamConfig struct {
	// ID is the team identifier records are stored under.
	ID string `yaml:"id" json:"id"`
	// ICSURL is the feed to import. It often embeds a private token.
	ICSURL string `yaml:"ics_url" json:"ics_url"`
	// Timezone is the team's IANA zone, used for floating times.
	Timezone string `yaml:"timezone" json:"timezone"`
	// Schedule is a cron spec for periodic imports; empty disables them.
	Schedule string `yaml:"schedule" json:"schedule"`
}

// ImportConfig holds the import tunables.
type ImportConfig struct {
	LookbackDays  int `yaml:"lookback_days" json:"lookback_days"`
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`
	// RetentionDays must be at least LookbackDays, or the sweep would delete
	// records the same run imported.
	RetentionDays int `yaml:"retention_days" json:"retention_days"`
	// MaxIterations caps the instances one rule may generate, counted from
	// its DTSTART and including instances before the window. A daily series
	// older than about 27 years exceeds the default of 10000 and fails the
	// whole import as a parse failure; raise it for such feeds.
	MaxIterations   int           `yaml:"max_iterations" json:"max_iterations"`
	DefaultTimezone string        `yaml:"default_timezone" json:"default_timezone"`
	DeepLinkBase    string        `yaml:"deep_link_base" json:"deep_link_base"`
	SourceTag       string        `yaml:"source_tag" json:"source_tag"`
	Workers         int           `yaml:"workers" json:"workers"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
	FetchRetries    int           `yaml:"fetch_retries" json:"fetch_retries"`
	UserAgent       string        `yaml:"user_agent" json:"user_agent"`
	MaxFeedBytes    int64         `yaml:"max_feed_bytes" json:"max_feed_bytes"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is one of "memory", "sqlite" or "postgres".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Store  StoreConfig  `yaml:"store" json:"store"`
	Import ImportConfig `yaml:"import" json:"import"`

	Teams []TeamConfig `yaml:"teams" json:"teams"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultImportConfig returns the import tunables used when the file sets none.
func DefaultImportConfig() ImportConfig {
	return ImportConfig{
		LookbackDays:    1,
		LookaheadDays:   90,
		RetentionDays:   2,
		MaxIterations:   10000,
		DefaultTimezone: "Europe/Paris",
		DeepLinkBase:    "coachcal://trainings/",
		SourceTag:       "ics",
		Workers:         4,
		FetchTimeout:    20 * time.Second,
		FetchRetries:    0,
		UserAgent:       "coachcal-ics-importer/1.0",
		MaxFeedBytes:    10 << 20,
	}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "127.0.0.1:8080",
		LogLevel:  "info",
		Store:     StoreConfig{Driver: DriverSQLite, DSN: "coachcal.db"},
		Import:    DefaultImportConfig(),
		Teams:     []TeamConfig{},
		BasicAuth: nil,
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly. Zero lookback and
// retention are legitimate and kept.
func (c *Config) Normalize() {
	def := DefaultImportConfig()
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Driver == DriverSQLite && c.Store.DSN == "" {
		c.Store.DSN = "coachcal.db"
	}

	im := &c.Import
	if im.LookaheadDays == 0 {
		im.LookaheadDays = def.LookaheadDays
	}
	if im.MaxIterations == 0 {
		im.MaxIterations = def.MaxIterations
	}
	if im.DefaultTimezone == "" {
		im.DefaultTimezone = def.DefaultTimezone
	}
	if im.DeepLinkBase == "" {
		im.DeepLinkBase = def.DeepLinkBase
	}
	if im.SourceTag == "" {
		im.SourceTag = def.SourceTag
	}
	if im.Workers == 0 {
		im.Workers = def.Workers
	}
	if im.FetchTimeout == 0 {
		im.FetchTimeout = def.FetchTimeout
	}
	if im.UserAgent == "" {
		im.UserAgent = def.UserAgent
	}
	if im.MaxFeedBytes == 0 {
		im.MaxFeedBytes = def.MaxFeedBytes
	}

	if c.Teams == nil {
		c.Teams = []TeamConfig{}
	}
	for i := range c.Teams {
		c.Teams[i].ID = strings.TrimSpace(c.Teams[i].ID)
	}
}

// ApplyEnv overrides fields from the environment. getenv is usually
// os.Getenv; unset variables leave the field alone.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvStoreDriver); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate reports every setting that cannot be used as-is.
func (c *Config) Validate() error {
	var errs []error
	im := c.Import

	if im.LookbackDays < 0 {
		errs = append(errs, fmt.Errorf("import.lookback_days must not be negative, got %d", im.LookbackDays))
	}
	if im.LookaheadDays <= 0 {
		errs = append(errs, fmt.Errorf("import.lookahead_days must be positive, got %d", im.LookaheadDays))
	}
	if im.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("import.retention_days must not be negative, got %d", im.RetentionDays))
	} else if im.RetentionDays < im.LookbackDays {
		errs = append(errs, fmt.Errorf("import.retention_days (%d) must not be shorter than import.lookback_days (%d)",
			im.RetentionDays, im.LookbackDays))
	}
	if im.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("import.max_iterations must be positive, got %d", im.MaxIterations))
	}
	if im.Workers <= 0 {
		errs = append(errs, fmt.Errorf("import.workers must be positive, got %d", im.Workers))
	}
	if im.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("import.fetch_timeout must be positive, got %s", im.FetchTimeout))
	}
	if im.FetchRetries < 0 {
		errs = append(errs, fmt.Errorf("import.fetch_retries must not be negative, got %d", im.FetchRetries))
	}
	if _, err := time.LoadLocation(im.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("import.default_timezone: %w", err))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}

	seen := make(map[string]bool, len(c.Teams))
	for i, t := range c.Teams {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("teams[%d]: id is empty", i))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("teams[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("teams[%d] (%s): timezone: %w", i, t.ID, err))
			}
		}
	}

	if c.BasicAuth != nil && c.BasicAuth.Username == "" {
		errs = append(errs, errors.New("basic_auth.username is empty"))
	}

	return errors.Join(errs...)
}

// Team returns the configured team with the given id.
func (c *Config) Team(id string) (TeamConfig, bool) {
	for _, t := range c.Teams {
		if t.ID == id {
			return t, true
		}
	}
	return TeamConfig{}, false
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML over the defaults, so omitted keys keep their default
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600, since feed URLs and
//     credentials live here.
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

	tmp, err := os.CreateTemp(dir, ".coachcal-config-*.tmp")
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

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
