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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"campaignsync/internal/presence"
	"campaignsync/internal/realtime"
	"campaignsync/internal/server"
	"campaignsync/internal/storage"
	"campaignsync/internal/telemetry"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	if err := run(logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "campaignsync", version, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, ping, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	deps := realtime.Deps{Logger: logger}
	var writer *storage.Writer
	if store != nil {
		writer = storage.NewWriter(store, storage.WriterConfig{
			QueueSize:    cfg.PersistQueueSize,
			MaxRetries:   cfg.PersistMaxRetries,
			FlushTimeout: cfg.ShutdownTimeout,
			Logger:       logger,
		})
		deps.Permissions = store
		deps.Loader = store
		deps.Persister = writer
	}

	var mirror *presence.RedisMirror
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		mirror = presence.NewRedisMirror(rdb, logger)
		deps.Mirror = mirror
	}

	hub := realtime.NewHub(realtime.Config{
		SendQueueSize:    cfg.SendQueueSize,
		LogCapacity:      cfg.SyncLogRetention,
		LogMaxAge:        cfg.SyncLogMaxAge,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TypingTTL:        cfg.TypingTTL,
	}, deps)

	verifier, err := server.NewTokenVerifier(cfg, logger)
	if err != nil {
		return fmt.Errorf("token verifier: %w", err)
	}
	var opts []server.Option
	if ping != nil {
		opts = append(opts, server.WithReadiness(ping))
	}
	httpServer := server.New(cfg, hub, verifier, logger, opts...).HTTPServer()

	// Persistence and the mirror outlive the HTTP side so the hub's final
	// leave events still reach them.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()

	g, gctx := errgroup.WithContext(ctx)
	var workers errgroup.Group
	if writer != nil {
		workers.Go(func() error { return writer.Run(workCtx) })
	}
	if mirror != nil {
		workers.Go(func() error { return mirror.Run(workCtx) })
	}

	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", httpServer.Addr), slog.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		hub.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	stopWork()
	if werr := workers.Wait(); werr != nil && err == nil {
		err = werr
	}
	return err
}

// openStore opens the configured backend. The memory driver has no store and
// no readiness probe.
func openStore(ctx context.Context, cfg server.Config) (storage.Store, func(context.Context) error, error) {
	switch cfg.StoreDriver {
	case server.DriverSQLite:
		db, err := storage.OpenSQLite(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return db, db.Ping, nil
	case server.DriverPostgres:
		db, err := storage.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, db.Ping, nil
	default:
		return nil, nil, nil
	}
}
