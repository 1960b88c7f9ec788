// Package config loads ~/.chatsync/config.toml plus .env and environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	dark "github.com/thiagokokada/dark-mode-go"
)

const (
	DirName  = ".chatsync"
	FileName = "config.toml"
	EnvFile  = ".env"
)

// Environment variables that override file values.
const (
	EnvDataDir   = "CHATSYNC_DATA_DIR"
	EnvBaseURL   = "CHATSYNC_BASE_URL"
	EnvAppID     = "CHATSYNC_APP_ID"
	EnvLoginCode = "CHATSYNC_LOGIN_CODE"
	EnvDebug     = "CHATSYNC_DEBUG"
	EnvWebToken  = "CHATSYNC_WEB_TOKEN"
)

// Consent modes.
const (
	ConsentPrompt = "prompt"
	ConsentAccept = "accept"
	ConsentReject = "reject"
	ConsentBan    = "ban"
	ConsentFail   = "fail"
)

// Config is the full chatsync configuration.
type Config struct {
	Backend BackendSettings `toml:"backend"`
	Sync    SyncSettings    `toml:"sync"`
	Consent ConsentSettings `toml:"consent"`
	Picker  PickerSettings  `toml:"picker"`
	Cache   CacheSettings   `toml:"cache"`
	Logs    LogSettings     `toml:"logs"`
	Web     WebSettings     `toml:"web"`
	UI      UISettings      `toml:"ui"`
}

// BackendSettings points at the chat backend.
type BackendSettings struct {
	// BaseURL is the endpoint prefix, e.g. https://kefu.example.com/api/chat
	BaseURL string `toml:"base_url"`

	// AppID identifies this client application to the backend
	AppID string `toml:"app_id"`

	// LoginCode is a fixed one-time code used when no interactive
	// credential issuer exists (headless send, tests)
	LoginCode string `toml:"login_code,omitempty"`

	// TimeoutSeconds caps each request. 0 means no client-side timeout.
	TimeoutSeconds int `toml:"timeout_seconds"`

	// MaxResponseMB caps a response body, the full history included
	// (default: 16)
	MaxResponseMB int `toml:"max_response_mb"`
}

// MaxResponseBytes is MaxResponseMB in bytes.
func (b BackendSettings) MaxResponseBytes() int64 {
	return int64(b.MaxResponseMB) << 20
}

// SyncSettings controls the polling loops.
type SyncSettings struct {
	// HistoryIntervalSeconds between history pulls (default: 5)
	HistoryIntervalSeconds int `toml:"history_interval_seconds"`

	// HeartbeatIntervalSeconds between presence beats (default: 30)
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
}

func (s SyncSettings) HistoryInterval() time.Duration {
	return time.Duration(s.HistoryIntervalSeconds) * time.Second
}

func (s SyncSettings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// ConsentSettings controls the push notification consent prompt.
type ConsentSettings struct {
	// Mode is "prompt" (ask the user), or a canned answer for headless use:
	// "accept", "reject", "ban", "fail"
	Mode string `toml:"mode"`

	// SkipIfSubscribed treats a login that reports an existing subscription
	// as already accepted
	SkipIfSubscribed bool `toml:"skip_if_subscribed"`
}

// PickerSettings controls the image picker.
type PickerSettings struct {
	// AlbumDir is searched for "album" picks (default: ~/Pictures)
	AlbumDir string `toml:"album_dir"`

	// CameraDir is watched for new captures on "camera" picks
	CameraDir string `toml:"camera_dir"`

	// CameraWaitSeconds bounds how long a camera pick waits (default: 120)
	CameraWaitSeconds int `toml:"camera_wait_seconds"`

	// Original uploads files untouched instead of the size-reduced variant
	Original bool `toml:"original"`

	// MaxDimension is the longest edge of the reduced variant (default: 1280)
	MaxDimension int `toml:"max_dimension"`

	// JPEGQuality of the reduced variant (default: 80)
	JPEGQuality int `toml:"jpeg_quality"`
}

// CacheSettings controls the local history cache.
type CacheSettings struct {
	Disabled bool `toml:"disabled"`

	// Path to the SQLite file (default: <data dir>/history.db)
	Path string `toml:"path"`

	// HeartbeatRetentionDays bounds the heartbeat ledger; older entries are
	// pruned at startup (default: 7)
	HeartbeatRetentionDays int `toml:"heartbeat_retention_days"`
}

// HeartbeatRetention is how long heartbeat ledger entries are kept.
func (c CacheSettings) HeartbeatRetention() time.Duration {
	return time.Duration(c.HeartbeatRetentionDays) * 24 * time.Hour
}

// LogSettings maps onto logging.Config.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Debug      bool   `toml:"debug"`

	// PprofAddr enables a pprof listener, e.g. "localhost:6060"
	PprofAddr string `toml:"pprof_addr"`
}

// WebSettings controls `chatsync web`.
type WebSettings struct {
	Listen string `toml:"listen"`

	// Token required as bearer token or ?token= when set
	Token string `toml:"token"`

	// Push enables web push notifications for agent replies
	Push bool `toml:"push"`

	// VAPIDSubject is the contact URI sent to push services
	VAPIDSubject string `toml:"vapid_subject"`

	// RatePerSecond and Burst limit the send endpoints
	RatePerSecond float64 `toml:"rate_per_second"`
	Burst         int     `toml:"burst"`
}

// UISettings controls the terminal view.
type UISettings struct {
	// Theme is "dark", "light" or "system"
	Theme string `toml:"theme"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Backend.MaxResponseMB <= 0 {
		c.Backend.MaxResponseMB = 16
	}
	if c.Sync.HistoryIntervalSeconds <= 0 {
		c.Sync.HistoryIntervalSeconds = 5
	}
	if c.Sync.HeartbeatIntervalSeconds <= 0 {
		c.Sync.HeartbeatIntervalSeconds = 30
	}
	if c.Consent.Mode == "" {
		c.Consent.Mode = ConsentPrompt
	}
	if c.Picker.AlbumDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Picker.AlbumDir = filepath.Join(home, "Pictures")
		}
	}
	if c.Picker.CameraWaitSeconds <= 0 {
		c.Picker.CameraWaitSeconds = 120
	}
	if c.Picker.MaxDimension <= 0 {
		c.Picker.MaxDimension = 1280
	}
	if c.Picker.JPEGQuality <= 0 {
		c.Picker.JPEGQuality = 80
	}
	if c.Cache.HeartbeatRetentionDays <= 0 {
		c.Cache.HeartbeatRetentionDays = 7
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
	if c.Logs.Format == "" {
		c.Logs.Format = "json"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8470"
	}
	if c.Web.VAPIDSubject == "" {
		c.Web.VAPIDSubject = "mailto:chatsync@localhost"
	}
	if c.Web.RatePerSecond <= 0 {
		c.Web.RatePerSecond = 2
	}
	if c.Web.Burst <= 0 {
		c.Web.Burst = 5
	}
	if c.UI.Theme == "" {
		c.UI.Theme = "dark"
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvBaseURL)); v != "" {
		c.Backend.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAppID)); v != "" {
		c.Backend.AppID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLoginCode)); v != "" {
		c.Backend.LoginCode = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvWebToken)); v != "" {
		c.Web.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebug)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logs.Debug = b
		}
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.base_url %q must be an absolute http(s) URL", c.Backend.BaseURL)
		}
	}
	if c.Backend.TimeoutSeconds < 0 {
		return errors.New("backend.timeout_seconds must not be negative")
	}
	switch c.Consent.Mode {
	case ConsentPrompt, ConsentAccept, ConsentReject, ConsentBan, ConsentFail:
	default:
		return fmt.Errorf("consent.mode %q must be one of prompt, accept, reject, ban, fail", c.Consent.Mode)
	}
	if c.Picker.JPEGQuality > 100 {
		return fmt.Errorf("picker.jpeg_quality %d must be between 1 and 100", c.Picker.JPEGQuality)
	}
	switch c.UI.Theme {
	case "dark", "light", "system":
	default:
		return fmt.Errorf("ui.theme %q must be dark, light or system", c.UI.Theme)
	}
	switch c.Logs.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logs.format %q must be json or text", c.Logs.Format)
	}
	return nil
}

// RequireBackend reports whether enough is configured to talk to a backend.
func (c *Config) RequireBackend() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is not set (config or %s)", EnvBaseURL)
	}
	if c.Backend.AppID == "" {
		return fmt.Errorf("backend.app_id is not set (config or %s)", EnvAppID)
	}
	return nil
}

// RequestTimeout returns the per-request timeout, zero meaning none.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSeconds) * time.Second
}

// CachePath resolves the history cache location, empty when disabled.
func (c *Config) CachePath() string {
	if c.Cache.Disabled {
		return ""
	}
	if c.Cache.Path != "" {
		return c.Cache.Path
	}
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "history.db")
}

// ResolveTheme maps "system" onto the OS appearance. Detection failures fall
// back to dark.
func (c *Config) ResolveTheme() string {
	if c.UI.Theme != "system" {
		return c.UI.Theme
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return "dark"
	}
	return "light"
}

// Dir returns the data directory, honoring CHATSYNC_DATA_DIR.
func Dir() (string, error) {
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// LoadEnvFiles reads .env from the working directory and the data directory.
// Variables already present in the environment win; missing files are fine.
func LoadEnvFiles() error {
	candidates := []string{EnvFile}
	if dir, err := Dir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, EnvFile))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

var (
	cache   *Config
	cacheMu sync.RWMutex
)

// Load returns the cached config, reading it on first use. A parse error
// is returned together with the defaults so callers can report and go on.
func Load() (*Config, error) {
	cacheMu.RLock()
	if cache != nil {
		defer cacheMu.RUnlock()
		return cache, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cache != nil {
		return cache, nil
	}

	path, err := Path()
	if err != nil {
		cache = Default()
		return cache, err
	}
	cfg, err := LoadFile(path)
	if err != nil {
		fallback := Default()
		fallback.applyEnv()
		cache = fallback
		return cache, err
	}
	cache = cfg
	return cache, nil
}

// Reload drops the cache and loads again.
func Reload() (*Config, error) {
	ClearCache()
	return Load()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cache = nil
	cacheMu.Unlock()
}

// LoadFile reads a specific config file without touching the cache. A
// missing file yields defaults plus environment overrides.
func LoadFile(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to the default path atomically and clears the cache.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveFile(path, cfg)
}

// SaveFile writes cfg to path via a temp file and rename.
func SaveFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# chatsync configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}

	ClearCache()
	return nil
}
