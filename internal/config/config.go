package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath = "configs/worldrates.yaml"

	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Reference ReferenceConfig `yaml:"reference"`
	WorldBank WorldBankConfig `yaml:"worldbank"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Retry     RetryConfig     `yaml:"retry"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Lock      LockConfig      `yaml:"lock"`
	Queue     QueueConfig     `yaml:"queue"`
	HTTP      HTTPConfig      `yaml:"http"`
	Probe     ProbeConfig     `yaml:"probe"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type ReferenceConfig struct {
	CountriesCSV string `yaml:"countries_csv"`
}

type WorldBankConfig struct {
	BaseURL        string `yaml:"base_url"`
	PerPage        int    `yaml:"per_page"`
	RecentYears    int    `yaml:"recent_years"`
	HistoryYears   int    `yaml:"history_years"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinDelayMs     int    `yaml:"min_delay_ms"`
}

type ExchangeConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MinDelayMs     int    `yaml:"min_delay_ms"`
}

type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms"`
}

type IngestConfig struct {
	FetcherTimeoutSeconds int    `yaml:"fetcher_timeout_seconds"`
	ExchangeSchedule      string `yaml:"exchange_schedule"`
	FullSchedule          string `yaml:"full_schedule"`
	StartupCheck          bool   `yaml:"startup_check"`
}

type LockConfig struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	ExpirySeconds int    `yaml:"expiry_seconds"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisKey      string `yaml:"redis_key"`
}

type QueueConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

type HTTPConfig struct {
	Addr             string  `yaml:"addr"`
	CacheSize        int     `yaml:"cache_size"`
	CacheTTLSeconds  int     `yaml:"cache_ttl_seconds"`
	ClientRatePerSec float64 `yaml:"client_rate_per_sec"`
	ClientBurst      int     `yaml:"client_burst"`
}

type ProbeConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	MaxAttempts     int `yaml:"max_attempts"`
}

func Default() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "json"},
		Store:     StoreConfig{Backend: BackendJSON, Path: "data/economic_data.json"},
		Reference: ReferenceConfig{CountriesCSV: "configs/countries.csv"},
		WorldBank: WorldBankConfig{
			BaseURL:        "https://api.worldbank.org/v2",
			PerPage:        1000,
			RecentYears:    5,
			HistoryYears:   30,
			TimeoutSeconds: 30,
			MinDelayMs:     1000,
		},
		Exchange: ExchangeConfig{
			URL:            "https://open.er-api.com/v6/latest/USD",
			TimeoutSeconds: 30,
			MinDelayMs:     500,
		},
		Retry: RetryConfig{MaxAttempts: 3, BackoffMs: 2000},
		Ingest: IngestConfig{
			FetcherTimeoutSeconds: 1800,
			ExchangeSchedule:      "0 2 * * *",
			FullSchedule:          "0 3 * * 1",
			StartupCheck:          true,
		},
		Lock: LockConfig{
			Backend:       BackendFile,
			Path:          "data/ingestion.lock",
			ExpirySeconds: 3600,
			RedisKey:      "worldrates:ingestion:lock",
		},
		Queue: QueueConfig{MaxConcurrent: 3},
		HTTP: HTTPConfig{
			Addr:             ":8080",
			CacheSize:        64,
			CacheTTLSeconds:  3600,
			ClientRatePerSec: 10,
			ClientBurst:      20,
		},
		Probe: ProbeConfig{IntervalSeconds: 30, MaxAttempts: 120},
	}
}

// Load reads .env into the environment, then the YAML file at path, then
// WORLDRATES_* overrides. A missing file is fine at the default path only.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getenv("WORLDRATES_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("WORLDRATES_LOG_FORMAT", c.Log.Format)

	c.Store.Backend = getenv("WORLDRATES_STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getenv("WORLDRATES_STORE_PATH", c.Store.Path)
	c.Reference.CountriesCSV = getenv("WORLDRATES_COUNTRIES_CSV", c.Reference.CountriesCSV)

	c.WorldBank.BaseURL = getenv("WORLDRATES_WORLDBANK_BASE_URL", c.WorldBank.BaseURL)
	c.WorldBank.PerPage = getenvInt("WORLDRATES_WORLDBANK_PER_PAGE", c.WorldBank.PerPage)
	c.WorldBank.RecentYears = getenvInt("WORLDRATES_WORLDBANK_RECENT_YEARS", c.WorldBank.RecentYears)
	c.WorldBank.HistoryYears = getenvInt("WORLDRATES_WORLDBANK_HISTORY_YEARS", c.WorldBank.HistoryYears)
	c.WorldBank.TimeoutSeconds = getenvInt("WORLDRATES_WORLDBANK_TIMEOUT_SECONDS", c.WorldBank.TimeoutSeconds)
	c.WorldBank.MinDelayMs = getenvInt("WORLDRATES_WORLDBANK_MIN_DELAY_MS", c.WorldBank.MinDelayMs)

	c.Exchange.URL = getenv("WORLDRATES_EXCHANGE_URL", c.Exchange.URL)
	c.Exchange.TimeoutSeconds = getenvInt("WORLDRATES_EXCHANGE_TIMEOUT_SECONDS", c.Exchange.TimeoutSeconds)
	c.Exchange.MinDelayMs = getenvInt("WORLDRATES_EXCHANGE_MIN_DELAY_MS", c.Exchange.MinDelayMs)

	c.Retry.MaxAttempts = getenvInt("WORLDRATES_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.BackoffMs = getenvInt("WORLDRATES_RETRY_BACKOFF_MS", c.Retry.BackoffMs)

	c.Ingest.FetcherTimeoutSeconds = getenvInt("WORLDRATES_FETCHER_TIMEOUT_SECONDS", c.Ingest.FetcherTimeoutSeconds)
	c.Ingest.ExchangeSchedule = getenvRaw("WORLDRATES_EXCHANGE_SCHEDULE", c.Ingest.ExchangeSchedule)
	c.Ingest.FullSchedule = getenvRaw("WORLDRATES_FULL_SCHEDULE", c.Ingest.FullSchedule)
	c.Ingest.StartupCheck = getenvBool("WORLDRATES_STARTUP_CHECK", c.Ingest.StartupCheck)

	c.Lock.Backend = getenv("WORLDRATES_LOCK_BACKEND", c.Lock.Backend)
	c.Lock.Path = getenv("WORLDRATES_LOCK_PATH", c.Lock.Path)
	c.Lock.ExpirySeconds = getenvInt("WORLDRATES_LOCK_EXPIRY_SECONDS", c.Lock.ExpirySeconds)
	c.Lock.RedisAddr = getenv("WORLDRATES_REDIS_ADDR", c.Lock.RedisAddr)
	c.Lock.RedisKey = getenv("WORLDRATES_REDIS_LOCK_KEY", c.Lock.RedisKey)

	c.Queue.MaxConcurrent = getenvInt("WORLDRATES_QUEUE_MAX_CONCURRENT", c.Queue.MaxConcurrent)

	c.HTTP.Addr = getenv("WORLDRATES_HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.CacheSize = getenvInt("WORLDRATES_CACHE_SIZE", c.HTTP.CacheSize)
	c.HTTP.CacheTTLSeconds = getenvInt("WORLDRATES_CACHE_TTL_SECONDS", c.HTTP.CacheTTLSeconds)
	c.HTTP.ClientRatePerSec = getenvFloat("WORLDRATES_CLIENT_RATE_PER_SEC", c.HTTP.ClientRatePerSec)
	c.HTTP.ClientBurst = getenvInt("WORLDRATES_CLIENT_BURST", c.HTTP.ClientBurst)

	c.Probe.IntervalSeconds = getenvInt("WORLDRATES_PROBE_INTERVAL_SECONDS", c.Probe.IntervalSeconds)
	c.Probe.MaxAttempts = getenvInt("WORLDRATES_PROBE_MAX_ATTEMPTS", c.Probe.MaxAttempts)
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendJSON, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("config: store path is required")
	}
	switch c.Lock.Backend {
	case BackendFile:
		if strings.TrimSpace(c.Lock.Path) == "" {
			return errors.New("config: lock path is required")
		}
	case BackendRedis:
		if strings.TrimSpace(c.Lock.RedisAddr) == "" {
			return errors.New("config: redis_addr is required for the redis lock")
		}
	default:
		return fmt.Errorf("config: unknown lock backend %q", c.Lock.Backend)
	}
	if c.WorldBank.HistoryYears < c.WorldBank.RecentYears {
		return fmt.Errorf("config: history_years (%d) must not be below recent_years (%d)", c.WorldBank.HistoryYears, c.WorldBank.RecentYears)
	}
	return nil
}

func (w WorldBankConfig) Timeout() time.Duration { return seconds(w.TimeoutSeconds) }

func (w WorldBankConfig) MinDelay() time.Duration { return millis(w.MinDelayMs) }

func (e ExchangeConfig) Timeout() time.Duration { return seconds(e.TimeoutSeconds) }

func (e ExchangeConfig) MinDelay() time.Duration { return millis(e.MinDelayMs) }

func (r RetryConfig) Backoff() time.Duration { return millis(r.BackoffMs) }

func (i IngestConfig) FetcherTimeout() time.Duration { return seconds(i.FetcherTimeoutSeconds) }

func (l LockConfig) Expiry() time.Duration { return seconds(l.ExpirySeconds) }

func (h HTTPConfig) CacheTTL() time.Duration { return seconds(h.CacheTTLSeconds) }

func (p ProbeConfig) Interval() time.Duration { return seconds(p.IntervalSeconds) }

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

// getenvRaw lets a set-but-empty variable clear the value.
func getenvRaw(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func getenvInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return fallback
	}
}
