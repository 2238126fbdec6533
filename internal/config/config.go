package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds file- and environment-driven configuration.
type Config struct {
	Toggl       Toggl       `yaml:"toggl"`
	Database    Database    `yaml:"database"`
	Sync        Sync        `yaml:"sync"`
	HTTP        HTTP        `yaml:"http"`
	Credentials Credentials `yaml:"credentials"`
	Log         Log         `yaml:"log"`
}

type Toggl struct {
	BaseURL     string        `yaml:"base_url"` // default: https://api.track.toggl.com
	RateLimit   float64       `yaml:"rate_limit"`
	Burst       int           `yaml:"burst"`
	MaxQueue    int           `yaml:"max_queue"`
	MaxWait     time.Duration `yaml:"max_wait"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	PageSize    int           `yaml:"page_size"`
	ClientTTL   time.Duration `yaml:"client_ttl"`
}

type Database struct {
	Driver string `yaml:"driver"` // mysql (default), postgres, sqlite
	DSN    string `yaml:"dsn"`    // e.g., user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
}

type Sync struct {
	Timezone   string        `yaml:"timezone"` // e.g., UTC (default), Europe/Berlin
	RunTimeout time.Duration `yaml:"run_timeout"`
	Workers    int           `yaml:"workers"`
	MaxWindow  time.Duration `yaml:"max_window"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Credentials struct {
	Passphrase string `yaml:"passphrase"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Toggl: Toggl{
			BaseURL:     "https://api.track.toggl.com",
			RateLimit:   50,
			Burst:       50,
			MaxQueue:    256,
			MaxWait:     2 * time.Second,
			CallTimeout: 10 * time.Second,
			PageSize:    200,
			ClientTTL:   15 * time.Minute,
		},
		Database: Database{Driver: "mysql"},
		Sync: Sync{
			Timezone:   "UTC",
			RunTimeout: 30 * time.Second,
			Workers:    4,
			MaxWindow:  31 * 24 * time.Hour,
		},
		HTTP: HTTP{Addr: ":8080"},
		Log:  Log{Level: "info", Format: "text"},
	}
}

// Load reads defaults, then the YAML file at path (if any, falling back to
// TOGGL_SYNC_CONFIG), then environment variables, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("TOGGL_SYNC_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Toggl.BaseURL, "TOGGL_BASE_URL")
	// MYSQL_DSN predates DB_DSN and is still honored.
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		cfg.Database.Driver = "mysql"
		cfg.Database.DSN = dsn
	}
	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.DSN, "DB_DSN")
	setString(&cfg.Sync.Timezone, "SYNC_TZ")
	setString(&cfg.HTTP.Addr, "HTTP_ADDR")
	setString(&cfg.Credentials.Passphrase, "CREDENTIALS_PASSPHRASE")
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	if v := os.Getenv("TOGGL_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return errors.New("TOGGL_RATE_LIMIT must be a number")
		}
		cfg.Toggl.RateLimit = f
	}
	if v := os.Getenv("SYNC_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("SYNC_WORKERS must be an integer")
		}
		cfg.Sync.Workers = n
	}
	if v := os.Getenv("SYNC_RUN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.New("SYNC_RUN_TIMEOUT must be a duration")
		}
		cfg.Sync.RunTimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Database.Driver) {
	case "mysql", "postgres", "postgresql", "pq", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if _, err := time.LoadLocation(c.Sync.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("sync.timezone: %w", err))
	}
	if c.Toggl.RateLimit <= 0 {
		errs = append(errs, errors.New("toggl.rate_limit must be positive"))
	}
	if c.Toggl.PageSize <= 0 {
		errs = append(errs, errors.New("toggl.page_size must be positive"))
	}
	if c.Sync.Workers <= 0 {
		errs = append(errs, errors.New("sync.workers must be positive"))
	}
	if c.Sync.RunTimeout <= 0 {
		errs = append(errs, errors.New("sync.run_timeout must be positive"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location returns the configured sync timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Sync.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
