// streamer opens the configured Binance streams, logs every message and
// optionally records them to PostgreSQL.
// Usage: go run ./cmd/streamer --config configs/streamer.example.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/binance-stream/internal/api"
	"github.com/rickgao/binance-stream/internal/auth"
	"github.com/rickgao/binance-stream/internal/config"
	"github.com/rickgao/binance-stream/internal/connection"
	"github.com/rickgao/binance-stream/internal/database"
	"github.com/rickgao/binance-stream/internal/recorder"
	"github.com/rickgao/binance-stream/internal/registry"
	"github.com/rickgao/binance-stream/internal/version"
	"github.com/rickgao/binance-stream/internal/wsapi"
)

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	verbose := flag.Bool("verbose", false, "log full message JSON")
	flag.Parse()

	// Bootstrap logger until the config is loaded
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = newLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"instance_id", cfg.Instance.ID,
		"subscriptions", len(cfg.Subscriptions),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Signing credentials are only needed for the WebSocket API
	var creds *auth.Credentials
	if cfg.API.APISecret != "" || cfg.API.PrivateKeyPath != "" {
		creds, err = auth.LoadCredentials(cfg.API.APIKey, cfg.API.KeyType, cfg.API.APISecret, cfg.API.PrivateKeyPath)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
		logger.Info("credentials loaded", "key_type", cfg.API.KeyType)
	}

	apiClient := api.NewClient(
		api.BaseURLs{
			Spot:            cfg.API.RestURL,
			Futures:         cfg.API.FuturesURL,
			CoinFutures:     cfg.API.CoinFuturesURL,
			PortfolioMargin: cfg.API.PortfolioMarginURL,
		},
		cfg.API.APIKey,
		api.WithLogger(logger),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
	)

	// Optional recorder
	var (
		pool *pgxpool.Pool
		rec  *recorder.Recorder
	)
	if cfg.Recorder.Enabled {
		db := cfg.Recorder.Database
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err = database.Connect(ctx, db, "streamer-"+cfg.Instance.ID)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			logger.Error("failed to create schema", "error", err)
			os.Exit(1)
		}

		rec = recorder.New(recorder.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger)
		rec.Start(ctx)
	}

	reg := registry.New(registryConfig(cfg), registry.Deps{
		Tokens:      apiClient,
		Credentials: creds,
	}, logger)

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: createHealthHandler(cfg.Instance.ID, reg, pool, rec),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// One receive loop per subscription
	var wg sync.WaitGroup
	for _, sub := range cfg.Subscriptions {
		s := newSubscription(sub, reg, rec, *verbose, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.run(ctx)
		}()
	}

	logger.Info("streamer running",
		"instance_id", cfg.Instance.ID,
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Health.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	// Closing the registry ends every Recv
	if err := reg.Close(); err != nil {
		logger.Warn("registry close error", "error", err)
	}
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if rec != nil {
		if err := rec.Stop(shutdownCtx); err != nil {
			logger.Warn("recorder stop error", "error", err)
		}
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("streamer stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func registryConfig(cfg *config.StreamerConfig) registry.Config {
	conn := connection.DefaultConfig()
	conn.ProxyURL = cfg.Streams.ProxyURL
	conn.QueueSize = cfg.Streams.QueueSize
	conn.MaxReconnects = cfg.Streams.MaxReconnects
	conn.MaxReconnectSeconds = cfg.Streams.MaxReconnectSeconds
	conn.RecvTimeout = cfg.Streams.RecvTimeout
	conn.PingInterval = cfg.Streams.PingInterval

	apiCfg := wsapi.DefaultConfig()
	apiCfg.Connection = conn
	apiCfg.Connection.Key = registry.APIKey
	apiCfg.Connection.BaseURL = cfg.API.WSAPIURL
	apiCfg.RequestTimeout = cfg.API.RequestTimeout

	return registry.Config{
		SpotURL:            cfg.Streams.SpotURL,
		FuturesURL:         cfg.Streams.FuturesURL,
		CoinFuturesURL:     cfg.Streams.CoinFuturesURL,
		PortfolioMarginURL: cfg.Streams.PortfolioMarginURL,
		Connection:         conn,
		KeepAliveInterval:  cfg.KeepAlive.Interval,
		RevokeOnClose:      cfg.KeepAlive.RevokeOnClose,
		API:                apiCfg,
	}
}
