// collabd is the document sync server: it sequences operations, persists
// them, and fans them out to every session on a document channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"freelancehub/collab/config"
	"freelancehub/collab/server"
	"freelancehub/collab/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("collabd failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var broker *server.Broker
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer rdb.Close()
		broker = server.NewBroker(rdb, logger)
		logger.Info("redis broker enabled", "addr", cfg.Redis.Addr)
	}

	srv, err := server.New(server.Config{
		Store:     st,
		Broker:    broker,
		AuthToken: cfg.AuthToken,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if broker != nil {
		go func() {
			if err := broker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("broker stopped", "err", err)
			}
		}()
	}

	if cfg.Discovery.Enabled {
		shutdown, err := registerDiscovery(cfg, logger)
		if err != nil {
			logger.Warn("mDNS registration failed", "err", err)
		} else {
			defer shutdown()
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("collabd listening", "addr", cfg.Listen)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if cfg.Postgres.URL == "" {
		logger.Warn("no postgres URL configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	pg := store.NewPostgres(pool)
	if err := pg.Schema(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	logger.Info("postgres store ready")
	return pg, pool.Close, nil
}

func registerDiscovery(cfg *config.Config, logger *slog.Logger) (func(), error) {
	instance := cfg.Discovery.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = "collabd-" + host
	}
	port := listenPort(cfg.Listen)
	reg, err := zeroconf.Register(instance, cfg.Discovery.Service, "local.", port, nil, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("mDNS service registered", "instance", instance, "service", cfg.Discovery.Service, "port", port)
	return reg.Shutdown, nil
}

func listenPort(listen string) int {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 8081
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 8081
	}
	return port
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
