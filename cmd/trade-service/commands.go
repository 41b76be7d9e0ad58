package main

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rajivgeraev/flippy-trade/internal/config"
	"github.com/rajivgeraev/flippy-trade/internal/db"
	"github.com/rajivgeraev/flippy-trade/internal/utils"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}

			return db.Migrate(cmd.Context(), cfg.DatabaseURL)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user (development)",
		Args:  cobra.NoArgs,
		Example: `  trade-service token --user 6f1d3c8e-9b0a-4a51-8d6f-1f7c2a9e4b11
  trade-service token`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			if !cfg.IsDevelopment() {
				return errors.New("выпуск токенов доступен только при APP_ENV=development")
			}

			id := uuid.New()
			if userID != "" {
				if id, err = uuid.Parse(userID); err != nil {
					return fmt.Errorf("неверный формат ID пользователя: %w", err)
				}
			}

			token, err := utils.NewJWTService(cfg.JWTSecret, cfg.JWTTTL).GenerateToken(id)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "user:  %s\ntoken: %s\n", id, token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User ID (default: a new random ID)")

	return cmd
}
