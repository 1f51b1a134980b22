// Package config loads runtime settings from .env files and PULSE_IAP_*
// environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-iap/internal/retry"
	"github.com/rcourtman/pulse-iap/pkg/purchases"
)

const envPrefix = "PULSE_IAP_"

// Config holds every runtime setting.
type Config struct {
	DataDir string

	// LedgerPath is the SQLite file or directory. Defaults to DataDir.
	LedgerPath string

	SecureStoreDir    string
	SecureStoreSecret string

	AppStoreBundleID string
	PlayPackageName  string
	AggregatorAppID  string

	KeyEndpoint     string
	KeyClientID     string
	KeyClientSecret string
	KeyTokenURL     string
	KeyFingerprint  string
	KeyFetchTimeout time.Duration

	// CatalogPath is an optional JSON feature catalog. Empty means the
	// built-in catalog.
	CatalogPath string

	LogLevel  string
	LogFormat string

	Retry                retry.Config
	SlowRestoreThreshold time.Duration
	ExcludeProducts      []string

	// EnvOverrides records which settings came from the environment.
	EnvOverrides map[string]bool
}

// Identities maps each platform to the app identity its receipts must carry.
func (c *Config) Identities() map[purchases.Platform]string {
	return map[purchases.Platform]string{
		purchases.PlatformAppStore:   c.AppStoreBundleID,
		purchases.PlatformPlayStore:  c.PlayPackageName,
		purchases.PlatformAggregator: c.AggregatorAppID,
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".pulse-iap")
	}
	return ".pulse-iap"
}

func defaults(dataDir string) *Config {
	return &Config{
		DataDir:              dataDir,
		LedgerPath:           dataDir,
		SecureStoreDir:       filepath.Join(dataDir, "secure"),
		KeyFetchTimeout:      15 * time.Second,
		LogLevel:             "info",
		LogFormat:            "auto",
		Retry:                retry.DefaultConfig(),
		SlowRestoreThreshold: 10 * time.Second,
		EnvOverrides:         make(map[string]bool),
	}
}

// env resolves settings: the process environment wins over .env files.
type env struct {
	files map[string]string
}

func (e env) lookup(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	v, ok := e.files[name]
	return v, ok
}

func readEnvFile(path string, into map[string]string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	values, err := godotenv.Read(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Failed to load .env file")
		return
	}
	for k, v := range values {
		if _, seen := into[k]; !seen {
			into[k] = v
		}
	}
	log.Debug().Str("file", path).Msg("Loaded .env file")
}

// Load builds the configuration from defaults, <data dir>/.env, ./.env and
// the environment, in increasing precedence, then validates it.
func Load() (*Config, error) {
	dataDir := defaultDataDir()
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "DATA_DIR")); dir != "" {
		dataDir = dir
	}

	e := env{files: make(map[string]string)}
	readEnvFile(filepath.Join(dataDir, ".env"), e.files)
	readEnvFile(".env", e.files)
	if dir, ok := e.lookup(envPrefix + "DATA_DIR"); ok && strings.TrimSpace(dir) != "" {
		dataDir = strings.TrimSpace(dir)
	}

	cfg := defaults(dataDir)
	if err := cfg.applyEnv(e); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(e env) error {
	str := func(key string, dst *string) {
		if v, ok := e.lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			c.EnvOverrides[key] = true
		}
	}

	str("LEDGER_PATH", &c.LedgerPath)
	str("SECURE_STORE_DIR", &c.SecureStoreDir)
	str("SECURE_STORE_SECRET", &c.SecureStoreSecret)
	str("APP_STORE_BUNDLE_ID", &c.AppStoreBundleID)
	str("PLAY_PACKAGE_NAME", &c.PlayPackageName)
	str("AGGREGATOR_APP_ID", &c.AggregatorAppID)
	str("KEY_ENDPOINT", &c.KeyEndpoint)
	str("KEY_CLIENT_ID", &c.KeyClientID)
	str("KEY_CLIENT_SECRET", &c.KeyClientSecret)
	str("KEY_TOKEN_URL", &c.KeyTokenURL)
	str("KEY_FINGERPRINT", &c.KeyFingerprint)
	str("CATALOG_PATH", &c.CatalogPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := e.lookup(envPrefix + "RETRY_MAX"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sRETRY_MAX: %w", envPrefix, err)
		}
		c.Retry.MaxRetries = n
		c.EnvOverrides["RETRY_MAX"] = true
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RETRY_INITIAL_DELAY", &c.Retry.InitialDelay},
		{"RETRY_MAX_DELAY", &c.Retry.MaxDelay},
		{"SLOW_RESTORE_THRESHOLD", &c.SlowRestoreThreshold},
		{"KEY_FETCH_TIMEOUT", &c.KeyFetchTimeout},
	}
	for _, d := range durations {
		v, ok := e.lookup(envPrefix + d.key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, d.key, err)
		}
		*d.dst = parsed
		c.EnvOverrides[d.key] = true
	}

	if v, ok := e.lookup(envPrefix + "EXCLUDE_PRODUCTS"); ok {
		c.ExcludeProducts = splitList(v)
		c.EnvOverrides["EXCLUDE_PRODUCTS"] = true
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 10 {
		return fmt.Errorf("retry max must be between 0 and 10, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.InitialDelay <= 0 {
		return fmt.Errorf("retry initial delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry max delay %s is below initial delay %s", c.Retry.MaxDelay, c.Retry.InitialDelay)
	}
	if c.SlowRestoreThreshold < 0 {
		return fmt.Errorf("slow restore threshold must not be negative")
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "auto":
	default:
		return fmt.Errorf("log format must be json, console or auto, got %q", c.LogFormat)
	}

	if c.KeyEndpoint != "" {
		if err := checkHTTPURL("key endpoint", c.KeyEndpoint); err != nil {
			return err
		}
	}
	if c.KeyClientID != "" {
		if c.KeyClientSecret == "" || c.KeyTokenURL == "" {
			return fmt.Errorf("key client id requires a client secret and token url")
		}
		if err := checkHTTPURL("key token url", c.KeyTokenURL); err != nil {
			return err
		}
	}
	return nil
}

func checkHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http or https url, got %q", name, raw)
	}
	return nil
}
