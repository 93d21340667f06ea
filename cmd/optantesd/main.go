// optantesd is the batch enrichment server: upload a spreadsheet of
// CNPJs, watch progress over SSE or WebSocket, download the enriched
// result. One shared rate limiter keeps the process inside the public
// registry quota no matter how many jobs run.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/api"
	"github.com/manlek25/optantes/cache"
	redisstore "github.com/manlek25/optantes/cache/redis"
	sqlitestore "github.com/manlek25/optantes/cache/sqlite"
	"github.com/manlek25/optantes/engine"
	"github.com/manlek25/optantes/fetcher"
	"github.com/manlek25/optantes/registry"
	"github.com/manlek25/optantes/stream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := optantes.LoadConfig()
	logger := newLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openCache(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}

	client := registry.NewHTTPClient(
		registry.WithBaseURL(cfg.RegistryBaseURL),
		registry.WithTimeout(cfg.RegistryTimeout),
	)
	f := fetcher.New(client, store, cfg.MinInterval,
		fetcher.WithLogger(logger),
		fetcher.WithTTL(cfg.CacheTTL),
		fetcher.WithNegativeCaching(cfg.CacheNegative),
	)

	broker := stream.NewBroker(logger)
	eng := engine.New(f, broker,
		engine.WithLogger(logger),
		engine.WithMinInterval(cfg.MinInterval),
		engine.WithFailureThreshold(cfg.FailureThreshold),
		engine.WithHeartbeatInterval(cfg.HeartbeatInterval),
	)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.GET("/health", func(c echo.Context) error {
		if err := store.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	api.NewServer(eng, broker, api.WithLogger(logger)).Register(e)

	// Entries older than twice the TTL are useless even as stale data.
	sweeper := cron.New()
	if _, err := sweeper.AddFunc("@hourly", func() {
		cutoff := time.Now().UTC().Add(-2 * cfg.CacheTTL)
		dropped, err := store.Purge(context.Background(), cutoff)
		if err != nil {
			logger.Warn("cache sweep failed", slog.Any("error", err))
			return
		}
		if dropped > 0 {
			logger.Info("cache sweep", slog.Int64("dropped", dropped))
		}
	}); err != nil {
		return fmt.Errorf("schedule cache sweep: %w", err)
	}
	sweeper.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.Addr))
		if err := e.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sweeper.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", slog.Any("error", err))
		}
		return eng.Stop(shutdownCtx)
	})
	return g.Wait()
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func openCache(cfg optantes.Config, logger *slog.Logger) (cache.Store, error) {
	if cfg.CacheRedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.CacheRedisAddr})
		logger.Info("cache backend", slog.String("kind", "redis"), slog.String("addr", cfg.CacheRedisAddr))
		return redisstore.New(client,
			redisstore.WithLogger(logger),
			redisstore.WithTTL(2*cfg.CacheTTL),
		), nil
	}

	if dir := filepath.Dir(cfg.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	logger.Info("cache backend", slog.String("kind", "sqlite"), slog.String("path", cfg.CachePath))
	return sqlitestore.New(cfg.CachePath, sqlitestore.WithLogger(logger))
}
