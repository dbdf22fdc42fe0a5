package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctenopoma/llm-gateway/internal/database"
	"github.com/ctenopoma/llm-gateway/internal/logger"
	"github.com/ctenopoma/llm-gateway/internal/models"
	"github.com/ctenopoma/llm-gateway/internal/services/key"
)

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage gateway API keys",
	}
	cmd.AddCommand(newKeyGenerateCommand())
	return cmd
}

func newKeyGenerateCommand() *cobra.Command {
	var (
		userOID       string
		name          string
		budget        float64
		rateLimitRPM  int
		expiresDays   int
		allowedModels []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Mint a new API key for a user",
		Long: `Generates a credential, stores only its salted digest, and prints the
plaintext exactly once. There is no way to recover it afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap()
			if err != nil {
				return err
			}
			db, err := database.Connect(cfg.Database, logger.Get())
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}

			gen, err := key.Generate(cfg.Gateway.KeyPrefix)
			if err != nil {
				return err
			}

			row := &models.APIKey{
				UserOID:        userOID,
				Name:           name,
				HashedKey:      gen.HashedKey,
				Salt:           gen.Salt,
				DisplayPrefix:  gen.DisplayPrefix,
				RateLimitRPM:   rateLimitRPM,
				LastResetMonth: models.CurrentMonth(time.Now()),
				AllowedModels:  allowedModels,
				IsActive:       true,
			}
			if budget > 0 {
				row.BudgetMonthly = &budget
			}
			if expiresDays > 0 {
				expires := time.Now().AddDate(0, 0, expiresDays)
				row.ExpiresAt = &expires
			}

			if err := db.Create(row).Error; err != nil {
				return fmt.Errorf("failed to store key: %w", err)
			}
			audit := &models.AuditRecord{
				AdminOID:   "cli",
				Action:     "key.generate",
				TargetType: "api_key",
				TargetID:   row.ID.String(),
			}
			if err := db.Create(audit).Error; err != nil {
				fmt.Printf("warning: audit record not written: %v\n", err)
			}

			fmt.Printf("Key ID:   %s\n", row.ID)
			fmt.Printf("User:     %s\n", row.UserOID)
			fmt.Printf("Display:  %s\n", row.DisplayPrefix)
			fmt.Printf("\n  %s\n\n", gen.Plaintext)
			fmt.Println("Store this key now. It will not be shown again.")
			return nil
		},
	}

	cmd.Flags().StringVar(&userOID, "user-oid", "", "owner user OID (required)")
	cmd.Flags().StringVar(&name, "name", "", "human-readable key name")
	cmd.Flags().Float64Var(&budget, "budget", 0, "monthly budget in JPY (0 = unlimited)")
	cmd.Flags().IntVar(&rateLimitRPM, "rate-limit", 60, "requests per minute")
	cmd.Flags().IntVar(&expiresDays, "expires-days", 0, "days until expiry (0 = never)")
	cmd.Flags().StringSliceVar(&allowedModels, "allowed-models", nil, "model whitelist (empty = all)")
	_ = cmd.MarkFlagRequired("user-oid")

	return cmd
}
