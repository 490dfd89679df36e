// Package config loads cloudcam settings from CLOUDCAM_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const envPrefix = "CLOUDCAM_"

// Store backends.
const (
	StoreBolt   = "bbolt"
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// Config is the full process configuration.
type Config struct {
	Username   string
	Password   string
	TOTPSecret string

	StorageRoot string
	DataDir     string
	Listen      string

	RefreshInterval   time.Duration
	StreamIdleTimeout time.Duration
	HTTPTimeout       time.Duration
	PageSize          int
	DownloadWorkers   int
	Timezone          string

	StoreBackend  string
	StoreKey      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel  string
	LogFormat string

	TokenURL     string
	MFAVerifyURL string
	VideosURL    string
	DevicesURL   string
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		StorageRoot:       "./media",
		DataDir:           "./data",
		Listen:            ":8080",
		RefreshInterval:   5 * time.Minute,
		StreamIdleTimeout: 5 * time.Minute,
		HTTPTimeout:       30 * time.Second,
		PageSize:          1000,
		DownloadWorkers:   4,
		StoreBackend:      StoreBolt,
		RedisAddr:         "localhost:6379",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads the given .env files (".env" when none are named; missing
// files are ignored) and then the environment. Variables already set in
// the environment win over .env values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from defaults overridden by getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	c := Default()
	r := reader{getenv: getenv}

	r.str("USERNAME", &c.Username)
	r.str("PASSWORD", &c.Password)
	r.str("TOTP_SECRET", &c.TOTPSecret)
	r.str("STORAGE_ROOT", &c.StorageRoot)
	r.str("DATA_DIR", &c.DataDir)
	r.str("LISTEN", &c.Listen)
	r.duration("REFRESH_INTERVAL", &c.RefreshInterval)
	r.duration("STREAM_IDLE_TIMEOUT", &c.StreamIdleTimeout)
	r.duration("HTTP_TIMEOUT", &c.HTTPTimeout)
	r.int("PAGE_SIZE", &c.PageSize)
	r.int("DOWNLOAD_WORKERS", &c.DownloadWorkers)
	r.str("TIMEZONE", &c.Timezone)
	r.str("STORE_BACKEND", &c.StoreBackend)
	r.str("STORE_KEY", &c.StoreKey)
	r.str("REDIS_ADDR", &c.RedisAddr)
	r.str("REDIS_PASSWORD", &c.RedisPassword)
	r.int("REDIS_DB", &c.RedisDB)
	r.str("LOG_LEVEL", &c.LogLevel)
	r.str("LOG_FORMAT", &c.LogFormat)
	r.str("TOKEN_URL", &c.TokenURL)
	r.str("MFA_VERIFY_URL", &c.MFAVerifyURL)
	r.str("VIDEOS_URL", &c.VideosURL)
	r.str("DEVICES_URL", &c.DevicesURL)

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return c, nil
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) lookup(key string) (string, bool) {
	v := strings.TrimSpace(r.getenv(envPrefix + key))
	return v, v != ""
}

func (r *reader) str(key string, dst *string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *reader) int(key string, dst *int) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: invalid integer %q", envPrefix, key, v))
		return
	}
	*dst = n
}

// duration accepts Go durations ("90s", "5m") and bare seconds ("300").
func (r *reader) duration(key string, dst *time.Duration) {
	v, ok := r.lookup(key)
	if !ok {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: invalid duration %q", envPrefix, key, v))
		return
	}
	*dst = d
}

// Validate checks everything needed to run the sync service.
func (c *Config) Validate() error {
	var errs []error
	if c.Username == "" {
		errs = append(errs, fmt.Errorf("username is required (%sUSERNAME)", envPrefix))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("password is required (%sPASSWORD)", envPrefix))
	}
	if c.StorageRoot == "" {
		errs = append(errs, errors.New("storage root must not be empty"))
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, errors.New("refresh interval must be positive"))
	}
	if c.StreamIdleTimeout <= 0 {
		errs = append(errs, errors.New("stream idle timeout must be positive"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http timeout must be positive"))
	}
	if c.PageSize < 1 {
		errs = append(errs, errors.New("page size must be at least 1"))
	}
	if c.DownloadWorkers < 1 {
		errs = append(errs, errors.New("download workers must be at least 1"))
	}
	if err := c.ValidateStore(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("log format must be json or text, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// ValidateStore checks the token store settings alone.
func (c *Config) ValidateStore() error {
	switch c.StoreBackend {
	case StoreMemory:
		return nil
	case StoreBolt:
		if c.DataDir == "" {
			return errors.New("data dir is required for the bbolt store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreKey == "" {
		return fmt.Errorf("store key is required for the %s store (%sSTORE_KEY)", c.StoreBackend, envPrefix)
	}
	return nil
}

// Location returns the configured time zone, or the local one.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}
