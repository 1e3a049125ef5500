package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"example.com/withme/internal/config"
	"example.com/withme/internal/geo"
	"example.com/withme/internal/ingest"
	"example.com/withme/internal/ratelimit"
	"example.com/withme/internal/stats"
	"example.com/withme/internal/storage"
	sbolt "example.com/withme/internal/storage/bolt"
	spg "example.com/withme/internal/storage/postgres"
	"example.com/withme/internal/stream"
	transport "example.com/withme/internal/transport/http"
)

// backend is what every storage driver provides.
type backend interface {
	storage.EventStore
	ratelimit.Store
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "withme-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	now := func() time.Time { return time.Now().UTC() }

	store, err := openStorage(ctx, cfg.Storage, now, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("storage ready", "driver", cfg.Storage.Driver)

	limiter, err := ratelimit.New(store, ratelimit.Config{
		MaxRequests: cfg.RateLimit.MaxRequests,
		Window:      cfg.RateLimit.Window(),
	}, now, logger)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var resolver geo.Resolver = geo.Nop{}
	if cfg.GeoIPDB != "" {
		mm := geo.NewMaxMind(cfg.GeoIPDB, logger)
		defer mm.Close()
		resolver = mm
	} else {
		logger.Info("geo enrichment disabled: geoip_db not set")
	}

	hub := stream.NewHub()
	aggregator := stats.New(store, cfg.Stats.TTL, now, logger)
	deps := &transport.ServerDeps{
		Cfg:     cfg,
		Gateway: ingest.NewGateway(store, limiter, resolver, hub, logger),
		Stats:   aggregator,
		Stream: stream.NewBroadcaster(store, hub, stream.Config{
			PollInterval: cfg.Stream.PollInterval,
			MaxLifetime:  cfg.Stream.MaxLifetime,
			BatchSize:    cfg.Stream.BatchSize,
			Retry:        cfg.Stream.Retry,
		}, logger),
		Store:  store,
		Logger: logger,
	}

	srv := deps.NewServer(":" + cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		limiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		aggregator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStorage(ctx context.Context, cfg config.StorageConfig, now func() time.Time, logger *slog.Logger) (backend, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := spg.Connect(ctx, cfg.PostgresDSN, now, logger)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return db, nil
	case "bolt":
		s, err := sbolt.Open(cfg.BoltPath, now, logger)
		if err != nil {
			return nil, fmt.Errorf("bolt open %s: %w", cfg.BoltPath, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}
