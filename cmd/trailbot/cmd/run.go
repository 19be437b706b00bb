package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/app"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine and block until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := opts.logger
			logger.Info("trailbot starting",
				slog.String("mode", opts.cfg.Mode),
				slog.String("config", opts.configPath),
			)

			application := app.New(opts.cfg, logger)
			defer application.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("trailbot exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("trailbot stopped")
			return nil
		},
	}
}
