package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patternd/internal/cache"
	"github.com/fyrsmithlabs/patternd/internal/config"
	httpserver "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/patterns"
	"github.com/fyrsmithlabs/patternd/internal/postgres"
	"github.com/fyrsmithlabs/patternd/internal/secrets"
)

// engine is the wired pattern engine: storage, cache, and the three
// operations the transports call into.
type engine struct {
	store    patterns.Store
	history  patterns.HistoryStore
	cache    *cache.InsightCache
	updater  *patterns.Updater
	synth    *patterns.Synthesizer
	assemble *patterns.Assembler

	healthCheck func(ctx context.Context) error
	closers     []func()
}

// buildEngine constructs the storage backend named by cfg and the engine
// components on top of it. Close releases everything it opened.
func buildEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{healthCheck: func(context.Context) error { return nil }}
	defer func() {
		if err != nil {
			e.Close()
		}
	}()

	switch cfg.Storage.Backend {
	case config.BackendMemory:
		e.store = patterns.NewInMemoryStore()
		e.history = patterns.NewInMemoryHistory(cfg.History.Retention.Duration())
		logger.Info("using in-memory storage")

	case config.BackendPostgres:
		pgCfg := cfg.Storage.Postgres
		if cfg.Storage.AutoMigrate {
			if err := postgres.RunMigrations(ctx, pgCfg.DSN); err != nil {
				return nil, fmt.Errorf("migrating schema: %w", err)
			}
			logger.Info("schema migrations applied")
		}

		pool, err := postgres.NewPool(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		e.closers = append(e.closers, pool.Close)
		e.healthCheck = pool.Ping

		store, err := postgres.NewStore(ctx, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("creating aggregate store: %w", err)
		}
		history, err := postgres.NewHistory(pool, logger)
		if err != nil {
			return nil, fmt.Errorf("creating history store: %w", err)
		}
		e.store, e.history = store, history
		logger.Info("using postgres storage")

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	redactor, err := secrets.NewRedactor(secrets.Config{
		Enabled:       cfg.History.Secrets.Enabled,
		AllowlistFile: cfg.History.Secrets.AllowlistFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating feedback redactor: %w", err)
	}
	stored := secrets.WrapHistory(e.history, redactor, logger)

	loc, err := cfg.Engine.Location()
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	opts := []patterns.UpdaterOption{
		patterns.WithHistory(stored),
		patterns.WithNormalizer(patterns.NewNormalizer(loc)),
	}

	// Left as a nil interface when disabled so the synthesizer skips caching.
	var insightCache patterns.InsightCache
	if cfg.Cache.Enabled {
		c, err := cache.New(cache.Config{
			MaxCost: cfg.Cache.MaxCost,
			TTL:     cfg.Cache.TTL.Duration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating insight cache: %w", err)
		}
		e.cache = c
		e.closers = append(e.closers, c.Close)
		insightCache = c
		opts = append(opts, patterns.WithInvalidator(c))
	}

	e.updater, err = patterns.NewUpdater(&patterns.UpdaterConfig{
		MaxAttempts:  cfg.Updater.MaxAttempts,
		RetryBackoff: cfg.Updater.RetryBackoff.Duration(),
	}, e.store, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating updater: %w", err)
	}

	e.synth, err = patterns.NewSynthesizer(e.store, insightCache, logger)
	if err != nil {
		return nil, fmt.Errorf("creating synthesizer: %w", err)
	}

	e.assemble, err = patterns.NewAssembler(e.store, e.history, e.synth, logger)
	if err != nil {
		return nil, fmt.Errorf("creating assembler: %w", err)
	}
	return e, nil
}

// services exposes the engine to the HTTP transport.
func (e *engine) services() httpserver.Services {
	s := httpserver.Services{
		Recorder:    e.updater,
		Store:       e.store,
		Insights:    e.synth,
		Assembler:   e.assemble,
		HealthCheck: e.healthCheck,
	}
	if e.cache != nil {
		s.Invalidator = e.cache
	}
	return s
}

// prune drops history older than retention.
func (e *engine) prune(ctx context.Context, retention time.Duration, logger *zap.Logger) {
	removed, err := e.history.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("history prune failed", zap.Error(err))
		}
		return
	}
	if removed > 0 {
		logger.Info("pruned outcome history", zap.Int("removed", removed))
	}
}

// pruneLoop runs prune every interval until ctx is done.
func (e *engine) pruneLoop(ctx context.Context, interval, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.prune(ctx, retention, logger)
		}
	}
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
