// Package cmd holds trailbot's cobra commands.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/config"
)

// rootOptions is shared by every subcommand. cfg and logger are populated in
// PersistentPreRunE.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "trailbot",
		Short: "Trailing-stop position lifecycle engine",
		Long: `trailbot opens small speculative long positions from a signal feed,
protects each with a ratcheting trailing stop and a fixed take-profit, and
halts new entries when the portfolio drawdown limit is reached.

Run "trailbot run" to start the engine. The other commands inspect or repair
the persisted ledger.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.toml", "path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "json", "log output format (json, text)")

	cmd.AddCommand(
		newRunCmd(opts),
		newLedgerCmd(opts),
		newCloseCmd(opts),
		newAuditCmd(opts),
		newSnapshotCmd(opts),
		newConfigCmd(opts),
	)
	return cmd
}

// Execute runs the root command and prints any error to stderr.
func Execute() error {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trailbot: %v\n", err)
		return err
	}
	return nil
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg
	o.logger = newLogger(cfg.LogLevel, o.logFormat)
	slog.SetDefault(o.logger)
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
}
