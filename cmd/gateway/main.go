package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ctenopoma/llm-gateway/internal/config"
	"github.com/ctenopoma/llm-gateway/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "Multi-tenant LLM gateway",
		Long: `An OpenAI-compatible gateway in front of self-hosted model servers.
Authenticates keys and delegating apps, enforces rate limits and monthly
budgets, balances across endpoints with health tracking, and records usage.`,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkerCommand())
	root.AddCommand(newKeyCommand())

	return root
}

// bootstrap loads .env, configuration, and the process logger. Every
// subcommand starts here.
func bootstrap() (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if _, err := logger.Initialize(cfg.LoggerConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}
