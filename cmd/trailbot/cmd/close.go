package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/app"
	"github.com/alanyoungcy/trailbot/internal/domain"
)

func newCloseCmd(opts *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "close <position-id>",
		Short: "Sell one open position now, outside the engine",
		Long: `close performs a manual exit against the persisted ledger. It refuses
to run while the ledger is marked running, or while another process holds the
instance lock, since the engine would overwrite the result; use the API's
POST /api/positions/{id}/close instead, or pass --force after a crash left
the running flag set.

A unique prefix of the position id is accepted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			release, err := app.LockInstance(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer release()

			deps, cleanup, err := app.Wire(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := deps.Ledger.Restore(ctx); err != nil {
				return err
			}
			if deps.Ledger.Summary().Running && !force {
				return errors.New("ledger is marked running; stop the engine or pass --force")
			}

			id, err := resolveID(deps.Ledger.OpenPositions(), args[0])
			if err != nil {
				return err
			}

			pos, err := deps.Positions.ClosePosition(ctx, id)
			waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			deps.Notifier.Wait(waitCtx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "closed %s at %.8f, proceeds %.6f, pnl %+.6f\n",
				pos.ID, deref(pos.ExitPrice), deref(pos.Proceeds), deref(pos.RealizedPnL))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "close even if the ledger is marked running")
	return cmd
}

// resolveID expands a unique id prefix among the open positions.
func resolveID(open []domain.Position, prefix string) (string, error) {
	var matches []string
	for _, p := range open {
		if p.ID == prefix {
			return p.ID, nil
		}
		if strings.HasPrefix(p.ID, prefix) {
			matches = append(matches, p.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no open position matches %q: %w", prefix, domain.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q is ambiguous: %s", prefix, strings.Join(matches, ", "))
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
