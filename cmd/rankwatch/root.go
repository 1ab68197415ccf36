package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankwatch/rankwatch/internal/config"
	"github.com/rankwatch/rankwatch/internal/logging"
)

// sessionKeyType is the key for storing the loaded session in the context.
type sessionKeyType string

const sessionKey sessionKeyType = "session"

// session carries what every subcommand needs.
type session struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var envFile string

	cmd := &cobra.Command{
		Use:   "rankwatch",
		Short: "Hourly retail ranking crawler with a query API.",
		Long: `rankwatch crawls the category best-seller rankings every hour, keeps the
history in a snapshot-backed store, mails page captures and serves the data
over HTTP.`,
		SilenceUsage: true,

		// Runs before every subcommand: loads .env, config and the logger.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(envFile); err != nil {
				return err
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), sessionKey, &session{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(sessionKey).(*session); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// loadEnvFile loads path into the environment. A missing default file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveSession(ctx context.Context) (*session, error) {
	rt, ok := ctx.Value(sessionKey).(*session)
	if !ok || rt == nil {
		return nil, errors.New("session not initialized")
	}
	return rt, nil
}
