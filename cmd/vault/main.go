package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alejandrodnm/microvault/config"
)

type rootOptions struct {
	configPath string
	verbose    bool
	logFormat  string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("microvault failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "vault",
		Short:         "Micro-savings yield vault over simulated strategies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "config/config.yaml", "path to config file")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "set log level to debug")
	root.PersistentFlags().StringVar(&opts.logFormat, "format", "", "log format: text|json (overrides config)")

	root.AddCommand(
		newRunCmd(opts),
		newSimulateCmd(opts),
		newStatusCmd(opts),
		newDepositCmd(opts),
		newWithdrawCmd(opts),
		newHarvestCmd(opts),
		newRebalanceCmd(opts),
		newFlushCmd(opts),
		newParamsCmd(opts),
		newRemoveStrategyCmd(opts),
		newChainBalanceCmd(opts),
	)
	return root
}

// loadConfig reads the config file and applies the logging flags.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	setupLogger(cfg.Log)
	return cfg, nil
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
