// Package cli holds the cobra commands of the annotator binary.
package cli

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/docmark/annotator/internal/config"
)

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// Execute builds the root command and runs it.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd constructs the root command. Configuration comes from the
// environment; subcommand flags override it.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "annotator",
		Short:         "Collaborative PDF annotation service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.New()
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx = context.WithValue(ctx, configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newSessionCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }

	return cmd
}

// newLogger creates a zap logger based on the environment.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getConfig(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.New()
}

func getLogger(cmd *cobra.Command) *zap.Logger {
	if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}
