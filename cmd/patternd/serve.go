package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/patternd/internal/config"
	httpserver "github.com/fyrsmithlabs/patternd/internal/http"
	"github.com/fyrsmithlabs/patternd/internal/ingest"
	"github.com/fyrsmithlabs/patternd/internal/logging"
	"github.com/fyrsmithlabs/patternd/internal/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the optional NATS outcome consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// run serves until ctx is cancelled or a component fails, then shuts down
// within the configured timeout.
func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	tel, err := telemetry.New(ctx, &cfg.Telemetry, zl)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			zl.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	eng, err := buildEngine(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer eng.Close()

	server, err := httpserver.NewServer(eng.services(), zl, &httpserver.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		BodyLimit:         cfg.Server.BodyLimit,
		RateLimitRPS:      cfg.Server.RateLimit.RPS,
		RateLimitBurst:    cfg.Server.RateLimit.Burst,
		HistoryWindowDays: cfg.History.WindowDays,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	var consumer *ingest.Consumer
	if cfg.NATS.Enabled {
		consumer, err = ingest.Connect(ctx, ingest.Config{
			URL:        cfg.NATS.URL,
			Token:      cfg.NATS.Token.Value(),
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			AckWait:    cfg.NATS.AckWait.Duration(),
			MaxDeliver: cfg.NATS.MaxDeliver,
		}, eng.updater, zl)
		if err != nil {
			return fmt.Errorf("connecting outcome consumer: %w", err)
		}
		defer consumer.Stop()
	}

	zl.Info("patternd starting",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("cache", cfg.Cache.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Bool("telemetry", tel.IsEnabled()))

	if consumer != nil {
		if err := consumer.Start(ctx); err != nil {
			return fmt.Errorf("starting outcome consumer: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		eng.pruneLoop(gctx, cfg.History.PruneInterval.Duration(), cfg.History.Retention.Duration(), zl)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if consumer != nil {
			consumer.Stop()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		zl.Error("patternd stopped with error", zap.Error(err))
		return err
	}
	zl.Info("patternd stopped")
	return nil
}
