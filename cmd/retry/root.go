package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jzx17/goresilience/internal/logging"
	"github.com/jzx17/goresilience/pkg/config"
	"github.com/jzx17/goresilience/pkg/store"
)

type globalOptions struct {
	ConfigPath string
	LogLevel   string
}

// app holds what every subcommand needs once flags are parsed
type app struct {
	options globalOptions
	config  *config.Config
	logger  *zap.Logger
}

func NewRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "retry",
		Short:         "Run commands under a retry policy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&a.options.ConfigPath, "config", "c", "", "path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&a.options.LogLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(NewRunCmd(a))
	cmd.AddCommand(NewBreakerCmd(a))
	return cmd
}

func (a *app) setup() error {
	cfg := config.Default()
	if a.options.ConfigPath != "" {
		loaded, err := config.Load(a.options.ConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if a.options.LogLevel != "" {
		cfg.Log.Level = a.options.LogLevel
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.config = cfg
	a.logger = logger
	return nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	return a.config.BuildStore(ctx, a.logger)
}
