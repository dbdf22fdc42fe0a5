package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/database"
	"github.com/ctenopoma/llm-gateway/internal/logger"
	"github.com/ctenopoma/llm-gateway/internal/services/account"
	"github.com/ctenopoma/llm-gateway/internal/services/usage"
)

// expirySweepInterval is how often lapsed payment windows are synced in bulk;
// the request path also syncs lazily on access.
const expirySweepInterval = 10 * time.Minute

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the maintenance worker",
		Long: `Drains the usage spool, expires lapsed payment windows, and prunes
usage records past the retention horizon. Runs alongside the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			return runWorker(cfg)
		},
	}
}

func runWorker(cfg *config.Config) error {
	log := logger.Get()
	defer logger.Sync()

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	var spool *usage.Spool
	if cfg.Usage.SpoolDir != "" {
		spool, err = usage.NewSpool(cfg.Usage.SpoolDir, cfg.Usage.SpoolMaxBytes,
			cfg.Usage.MaxRetries, log)
		if err != nil {
			return fmt.Errorf("failed to open usage spool: %w", err)
		}
	}
	store := usage.NewGormStore(db)
	recorder := usage.NewRecorder(store, spool, log)
	accounts := account.NewService(account.NewGormStore(db), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("worker started",
		zap.Duration("drain_interval", cfg.Usage.DrainInterval),
		zap.Int("retention_days", cfg.Usage.LogRetentionDays))

	drainTicker := time.NewTicker(cfg.Usage.DrainInterval)
	defer drainTicker.Stop()
	expiryTicker := time.NewTicker(expirySweepInterval)
	defer expiryTicker.Stop()
	pruneTicker := time.NewTicker(24 * time.Hour)
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return nil

		case <-drainTicker.C:
			if n, err := recorder.Drain(ctx); err != nil {
				log.Warn("usage spool drain failed", zap.Error(err))
			} else if n > 0 {
				log.Info("drained spooled usage records", zap.Int("delivered", n))
			}

		case <-expiryTicker.C:
			if n, err := accounts.ExpireLapsedUsers(ctx); err != nil {
				log.Warn("payment expiry sweep failed", zap.Error(err))
			} else if n > 0 {
				log.Info("expired lapsed users", zap.Int64("count", n))
			}

		case <-pruneTicker.C:
			if cfg.Usage.LogRetentionDays <= 0 {
				continue
			}
			if n, err := store.PruneOlderThan(ctx, cfg.Usage.LogRetentionDays); err != nil {
				log.Warn("usage record prune failed", zap.Error(err))
			} else if n > 0 {
				log.Info("pruned old usage records", zap.Int64("deleted", n))
			}
		}
	}
}
