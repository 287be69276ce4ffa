// Package config loads paperrelay settings from an optional YAML file and
// PAPERRELAY_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "PAPERRELAY_"

type BrowserConfig struct {
	RemoteURL string `yaml:"remote_url"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	LogLevel        string        `yaml:"log_level"`
	BackendProfile  string        `yaml:"backend_profile"`
	DataDir         string        `yaml:"data_dir"`
	SyncDSN         string        `yaml:"sync_dsn"`
	LocalDSN        string        `yaml:"local_dsn"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	Origins         []string      `yaml:"origins"`
	SearchURL       string        `yaml:"search_url"`
	PanelURL        string        `yaml:"panel_url"`
	DownloadDir     string        `yaml:"download_dir"`
	Browser         BrowserConfig `yaml:"browser"`
	Auth            AuthConfig    `yaml:"auth"`
	FlushSchedule   string        `yaml:"flush_schedule"`
	WatchSyncScope  bool          `yaml:"watch_sync_scope"`
	WatchDebounce   time.Duration `yaml:"watch_debounce"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		LogLevel:        "info",
		DataDir:         ".paperrelay",
		DownloadDir:     "downloads",
		Auth:            AuthConfig{TokenTTL: 24 * time.Hour},
		FlushSchedule:   "@every 1m",
		WatchDebounce:   250 * time.Millisecond,
		MaxBodyBytes:    1 << 20,
		RateLimitWindow: time.Minute,
	}
}

// Load reads path when it is non-empty, then applies the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	cfg.applyEnv(env(getenv))
	return cfg, nil
}

type env func(string) string

func (e env) get(name string) string {
	return strings.TrimSpace(e(EnvPrefix + name))
}

func (c *Config) applyEnv(e env) {
	c.ListenAddr = e.stringEnv("ADDR", c.ListenAddr)
	c.LogLevel = e.stringEnv("LOG_LEVEL", c.LogLevel)
	c.BackendProfile = e.stringEnv("BACKEND_PROFILE", c.BackendProfile)
	c.DataDir = e.stringEnv("DATA_DIR", c.DataDir)
	c.SyncDSN = e.stringEnv("SYNC_DSN", c.SyncDSN)
	c.LocalDSN = e.stringEnv("LOCAL_DSN", c.LocalDSN)
	c.PostgresDSN = e.stringEnv("POSTGRES_DSN", c.PostgresDSN)
	if raw := e.get("ORIGINS"); raw != "" {
		c.Origins = splitList(raw)
	}
	c.SearchURL = e.stringEnv("SEARCH_URL", c.SearchURL)
	c.PanelURL = e.stringEnv("PANEL_URL", c.PanelURL)
	c.DownloadDir = e.stringEnv("DOWNLOAD_DIR", c.DownloadDir)
	c.Browser.RemoteURL = e.stringEnv("BROWSER_REMOTE_URL", c.Browser.RemoteURL)
	c.Auth.Secret = e.stringEnv("JWT_SECRET", c.Auth.Secret)
	c.Auth.TokenTTL = e.durationEnv("TOKEN_TTL", c.Auth.TokenTTL)
	c.FlushSchedule = e.stringEnv("FLUSH_SCHEDULE", c.FlushSchedule)
	c.WatchSyncScope = e.boolEnv("WATCH_SYNC_SCOPE", c.WatchSyncScope)
	c.WatchDebounce = e.durationEnv("WATCH_DEBOUNCE", c.WatchDebounce)
	c.MaxBodyBytes = e.int64Env("MAX_BODY_BYTES", c.MaxBodyBytes)
	c.RateLimitMax = e.intEnv("RATE_LIMIT_MAX", c.RateLimitMax)
	c.RateLimitWindow = e.durationEnv("RATE_LIMIT_WINDOW", c.RateLimitWindow)
}

func (e env) stringEnv(name, fallback string) string {
	if raw := e.get(name); raw != "" {
		return raw
	}
	return fallback
}

func (e env) intEnv(name string, fallback int) int {
	raw := e.get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e env) int64Env(name string, fallback int64) int64 {
	raw := e.get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e env) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := e.get(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func (e env) boolEnv(name string, fallback bool) bool {
	raw := e.get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ScopeDSNs resolves the sync and local scope DSNs. Explicit DSNs win over
// the backend profile; an empty result means in-memory.
func (c Config) ScopeDSNs() (syncDSN, localDSN string, err error) {
	profileSync, profileLocal, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	syncDSN = strings.TrimSpace(c.SyncDSN)
	if syncDSN == "" {
		syncDSN = profileSync
	}
	localDSN = strings.TrimSpace(c.LocalDSN)
	if localDSN == "" {
		localDSN = profileLocal
	}
	return syncDSN, localDSN, nil
}

func (c Config) profileDefaults() (string, string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.BackendProfile))
	dataDir := strings.TrimSpace(c.DataDir)
	if dataDir == "" {
		dataDir = ".paperrelay"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(c.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("%sPOSTGRES_DSN is required when backend profile is %s", EnvPrefix, profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "sync.json"),
			"file://" + filepath.Join(dataDir, "history.json"),
			nil
	case "sqlite":
		dsn := "sqlite://" + filepath.Join(dataDir, "paperrelay.db")
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen address is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("invalid max body bytes: %d", c.MaxBodyBytes)
	}
	_, _, err := c.ScopeDSNs()
	return err
}

// SlogLevel maps LogLevel onto slog levels; unknown values mean info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
