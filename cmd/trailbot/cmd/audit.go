package cmd

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/app"
	"github.com/alanyoungcy/trailbot/internal/domain"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit log entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, audit, cleanup, err := app.OpenLedger(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			if audit == nil {
				return errors.New("the file store keeps no audit log; use the postgres or sqlite backend")
			}

			entries, err := audit.List(cmd.Context(), domain.ListOpts{Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"#", "Time", "Event", "Detail"})
			for _, e := range entries {
				detail, _ := json.Marshal(e.Detail)
				t.AppendRow(table.Row{e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Event, string(detail)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "entries to skip")
	return cmd
}
