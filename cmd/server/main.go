package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/minasoft/lis-gateway/internal/audit"
	"github.com/minasoft/lis-gateway/internal/cache"
	"github.com/minasoft/lis-gateway/internal/config"
	"github.com/minasoft/lis-gateway/internal/consumers"
	"github.com/minasoft/lis-gateway/internal/db"
	"github.com/minasoft/lis-gateway/internal/inbox"
	"github.com/minasoft/lis-gateway/internal/ingest"
	"github.com/minasoft/lis-gateway/internal/nats"
	"github.com/minasoft/lis-gateway/internal/panel"
	"github.com/minasoft/lis-gateway/internal/transport"
	"github.com/minasoft/lis-gateway/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lis-gateway",
		Short: "Laboratory instrument integration gateway",
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect instruments and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runServer(cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			conn, err := db.Open(cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMaxIdle)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := db.Migrate(cmd.Context(), conn); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Schema applied successfully.")
			return nil
		},
	}
}

func runServer(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("configuration loaded", cfg.Fields()...)

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	natsServer, err := nats.NewEmbeddedServer(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("start nats: %w", err)
	}
	defer natsServer.Shutdown()
	js := natsServer.JetStream()

	var mappings db.MappingRepository = store
	if cfg.RedisURL != "" {
		redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		mappings = cache.NewMappingCache(store, redisClient, cfg.MappingCacheTTL, logger)
		logger.Info("mapping cache enabled", zap.Duration("ttl", cfg.MappingCacheTTL))
	}

	relay := audit.NewRelay(store, js, cfg.AuditFlushInterval, logger)
	panels := panel.NewEngine(store, logger)
	panels.SetNotifier(relay)
	ingester := ingest.NewService(store, panels, ingest.Config{
		StrictMode: cfg.StrictMode,
		Mappings:   mappings,
		Notifier:   relay,
	}, logger)
	reconciliation := inbox.NewService(store, panels, logger)
	reconciliation.SetNotifier(relay)

	stats := consumers.NewAuditStats(js, natsServer.Stats(), logger)
	if err := stats.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	manager := transport.NewManager(store, ingester, transport.Config{
		ConnectTimeout: cfg.ClientConnectTimeout,
		RetryDelay:     cfg.ClientRetryDelay,
	}, logger)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Shutdown()

	webServer := web.NewServer(web.Deps{
		Store:       store,
		Mappings:    mappings,
		Ingester:    ingester,
		Inbox:       reconciliation,
		Connections: manager,
		JetStream:   js,
		AuditStats:  stats,
	}, cfg.WebPort, logger)

	logger.Info("lis-gateway started", zap.Int("web_port", cfg.WebPort))
	err = webServer.Start(ctx)

	cancel()
	wg.Wait()
	logger.Info("lis-gateway stopped")
	return err
}

// openStore returns the Postgres store when DATABASE_URL is set and an
// in-memory store otherwise.
func openStore(cfg *config.Config, logger *zap.Logger) (db.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return db.NewMemoryStore(), func() {}, nil
	}
	conn, err := db.Open(cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMaxIdle)
	if err != nil {
		return nil, nil, err
	}
	return db.NewPostgresStore(conn, logger), func() { closeDB(conn, logger) }, nil
}

func closeDB(conn *sql.DB, logger *zap.Logger) {
	if err := conn.Close(); err != nil {
		logger.Warn("closing database failed", zap.Error(err))
	}
}
