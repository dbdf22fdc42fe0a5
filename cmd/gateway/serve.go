package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/database"
	"github.com/ctenopoma/llm-gateway/internal/gateway"
	"github.com/ctenopoma/llm-gateway/internal/handlers"
	"github.com/ctenopoma/llm-gateway/internal/logger"
	"github.com/ctenopoma/llm-gateway/internal/router"
	"github.com/ctenopoma/llm-gateway/internal/services/account"
	"github.com/ctenopoma/llm-gateway/internal/services/balancer"
	"github.com/ctenopoma/llm-gateway/internal/services/budget"
	"github.com/ctenopoma/llm-gateway/internal/services/endpoint"
	"github.com/ctenopoma/llm-gateway/internal/services/key"
	"github.com/ctenopoma/llm-gateway/internal/services/proxy"
	"github.com/ctenopoma/llm-gateway/internal/services/ratelimit"
	"github.com/ctenopoma/llm-gateway/internal/services/usage"
)

// registryReloadInterval bounds how stale the in-memory endpoint table can
// get after an admin change.
const registryReloadInterval = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg *config.Config) error {
	log := logger.Get()
	defer logger.Sync()

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.PoolSize > 0 {
		redisOpts.PoolSize = cfg.Redis.PoolSize
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	// Service wiring.
	keys := key.NewStore(key.NewGormSource(db), redisClient, log,
		cfg.Gateway.KeyPrefix, cfg.Gateway.KeyCacheTTL, cfg.Gateway.NegativeCacheTTL)
	accounts := account.NewService(account.NewGormStore(db), log)
	limiter := ratelimit.NewLimiter(redisClient, log)

	var alerter *budget.Alerter
	if cfg.Budget.AlertWebhookURL != "" {
		alerter = budget.NewAlerter(cfg.Budget.AlertWebhookURL, log)
	}
	reserver := budget.NewReserver(redisClient, budget.NewGormStore(db), log,
		cfg.Budget.ReservationGrace, cfg.Budget.SoftLimitRatio, alerter)

	modelSource := gateway.NewGormModelSource(db)
	pipeline := gateway.NewPipeline(cfg, keys, accounts, limiter, reserver, modelSource, log)

	epStore := endpoint.NewGormStore(db)
	registry := endpoint.NewRegistry(epStore, log)
	if err := registry.Reload(context.Background()); err != nil {
		return fmt.Errorf("failed to load endpoint registry: %w", err)
	}
	dispatcher := gateway.NewDispatcher(registry, balancer.New(registry, log),
		proxy.NewEngine(log), modelSource, log)

	var spool *usage.Spool
	if cfg.Usage.SpoolDir != "" {
		spool, err = usage.NewSpool(cfg.Usage.SpoolDir, cfg.Usage.SpoolMaxBytes,
			cfg.Usage.MaxRetries, log)
		if err != nil {
			return fmt.Errorf("failed to open usage spool: %w", err)
		}
	}
	recorder := usage.NewRecorder(usage.NewGormStore(db), spool, log)

	handler := router.New(cfg, router.Deps{
		Chat: handlers.NewChatHandler(cfg, pipeline, dispatcher, reserver,
			accounts, recorder, log),
		Models: handlers.NewModelsHandler(modelSource, log),
		Health: handlers.NewHealthHandler(db, redisClient, registry),
	}, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Background loops share one context cancelled at shutdown.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	checker := endpoint.NewHealthChecker(registry, epStore, log,
		cfg.Health.PollInterval, cfg.Health.BatchSize)
	go checker.Run(bgCtx)
	go reloadLoop(bgCtx, registry, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	bgCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown after timeout", zap.Error(err))
	}

	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info("gateway stopped")
	return nil
}

func reloadLoop(ctx context.Context, registry *endpoint.Registry, log *zap.Logger) {
	ticker := time.NewTicker(registryReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := registry.Reload(ctx); err != nil {
				log.Warn("endpoint registry reload failed", zap.Error(err))
			}
		}
	}
}
