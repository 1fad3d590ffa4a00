package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"worldrates/internal/config"
	"worldrates/internal/ingest"
	"worldrates/internal/lock"
	"worldrates/internal/logging"
	"worldrates/internal/projection"
	"worldrates/internal/providers"
	"worldrates/internal/providers/erapi"
	"worldrates/internal/providers/worldbank"
	"worldrates/internal/ratelimit"
	"worldrates/internal/reference"
	"worldrates/internal/retry"
	"worldrates/internal/store"
	"worldrates/internal/store/jsonfile"
	"worldrates/internal/store/sqlite"
)

type stateLock interface {
	lock.Lock
	State(ctx context.Context) (lock.State, error)
}

// app holds everything a subcommand needs, wired from one config file.
type app struct {
	cfg       config.Config
	log       *zap.Logger
	store     *store.Store
	sources   *ratelimit.Registry
	projector *projection.Projector
	worldbank *worldbank.Client
	runner    *ingest.Runner
	lock      stateLock
	redis     *redis.Client
}

func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	persister, err := openPersister(cfg.Store, log.Named("sqlite"))
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, persister, store.WithLogger(log.Named("store")))
	if err != nil {
		_ = persister.Close()
		return nil, err
	}

	a := &app{cfg: cfg, log: log, store: st}
	if err := a.seedIfEmpty(ctx); err != nil {
		log.Warn("countries not seeded", zap.Error(err))
	}

	a.sources = ratelimit.NewRegistry(map[string]time.Duration{
		ratelimit.SourceWorldBank: cfg.WorldBank.MinDelay(),
		ratelimit.SourceExchange:  cfg.Exchange.MinDelay(),
	})
	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     retry.Fixed(cfg.Retry.Backoff()),
		Retryable:   retry.IsTransient,
	}

	a.projector = projection.NewProjector(st, cfg.HTTP.CacheSize, cfg.HTTP.CacheTTL())
	a.worldbank = worldbank.NewWithConfig(worldbank.Config{
		BaseURL:      cfg.WorldBank.BaseURL,
		PerPage:      cfg.WorldBank.PerPage,
		RecentYears:  cfg.WorldBank.RecentYears,
		HistoryYears: cfg.WorldBank.HistoryYears,
		Timeout:      cfg.WorldBank.Timeout(),
	}, a.sources.For(ratelimit.SourceWorldBank), policy, log.Named("worldbank"))
	exchange := erapi.NewWithConfig(erapi.Config{
		URL:     cfg.Exchange.URL,
		Timeout: cfg.Exchange.Timeout(),
	}, a.sources.For(ratelimit.SourceExchange), policy, st, st, log.Named("erapi"))

	fetchers := append([]providers.Fetcher{exchange}, a.worldbank.Fetchers(st, st)...)
	orchestrator := ingest.NewOrchestrator(ingest.Config{FetcherTimeout: cfg.Ingest.FetcherTimeout()}, fetchers, a.projector, log.Named("ingest"))

	if err := a.openLock(); err != nil {
		a.Close()
		return nil, err
	}
	a.runner = ingest.NewRunner(orchestrator, a.lock, log.Named("ingest"))
	return a, nil
}

func openPersister(cfg config.StoreConfig, log *zap.Logger) (store.Persister, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return sqlite.New(cfg.Path, sqlite.WithCorruptReset(log))
	default:
		return jsonfile.New(cfg.Path)
	}
}

func (a *app) openLock() error {
	switch a.cfg.Lock.Backend {
	case config.BackendRedis:
		a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.Lock.RedisAddr})
		l, err := lock.NewRedisLock(a.redis, a.cfg.Lock.RedisKey, a.cfg.Lock.Expiry())
		if err != nil {
			return err
		}
		a.lock = l
	default:
		l, err := lock.NewFileLock(a.cfg.Lock.Path, a.cfg.Lock.Expiry())
		if err != nil {
			return err
		}
		a.lock = l
	}
	return nil
}

// seedIfEmpty loads the reference countries on a store that has none.
func (a *app) seedIfEmpty(ctx context.Context) error {
	if len(a.store.Countries()) > 0 {
		return nil
	}
	countries, err := reference.LoadCountries(a.cfg.Reference.CountriesCSV)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("countries file %s not found", a.cfg.Reference.CountriesCSV)
	}
	if err != nil {
		return err
	}
	inserted, err := a.store.SeedCountries(ctx, countries)
	if err != nil {
		return err
	}
	a.log.Info("countries seeded", zap.Int("inserted", inserted))
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}
