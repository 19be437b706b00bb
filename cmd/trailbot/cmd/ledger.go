package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/app"
	"github.com/alanyoungcy/trailbot/internal/domain"
)

func newLedgerCmd(opts *rootOptions) *cobra.Command {
	var closed int

	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Print the persisted portfolio and its positions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, _, _, cleanup, err := app.OpenLedger(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer cleanup()

			out := cmd.OutOrStdout()
			renderSummary(out, l.Summary())
			renderPositions(out, "OPEN POSITIONS", l.OpenPositions())
			if closed > 0 {
				renderPositions(out, "CLOSED POSITIONS", l.ClosedPositions(closed))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&closed, "closed", 10, "number of recent closed positions to show (0 hides them)")
	return cmd
}

func renderSummary(w io.Writer, s domain.LedgerSummary) {
	status := "active"
	switch {
	case s.Halted:
		status = "HALTED"
	case s.Running:
		status = "running"
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("PORTFOLIO")
	t.SetStyle(table.StyleRounded)
	t.AppendRows([]table.Row{
		{"Status", status},
		{"Capital", fmt.Sprintf("%.6f", s.Capital)},
		{"Committed", fmt.Sprintf("%.6f", s.CommittedCapital)},
		{"Initial capital", fmt.Sprintf("%.6f", s.InitialCapital)},
		{"Cumulative PnL", fmt.Sprintf("%+.6f", s.CumulativePnL)},
		{"Open / closed", fmt.Sprintf("%d / %d", s.OpenPositions, s.ClosedPositions)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 16, Align: text.AlignLeft},
		{Number: 2, WidthMin: 20, Align: text.AlignRight},
	})
	t.Render()
}

func renderPositions(w io.Writer, title string, ps []domain.Position) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(title)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"ID", "Symbol", "Entry", "Stop", "Target", "High", "Capital", "Status", "Exit", "PnL", "Opened"})

	for _, p := range ps {
		exit, pnl := "-", "-"
		if p.ExitPrice != nil {
			exit = fmt.Sprintf("%.8f %s", *p.ExitPrice, p.ExitReason)
			if p.ForcedExit {
				exit += " (forced)"
			}
		}
		if p.RealizedPnL != nil {
			pnl = fmt.Sprintf("%+.6f", *p.RealizedPnL)
		}
		symbol := p.Symbol
		if symbol == "" {
			symbol = p.Instrument
		}
		t.AppendRow(table.Row{
			shortID(p.ID),
			symbol,
			fmt.Sprintf("%.8f", p.EntryPrice),
			fmt.Sprintf("%.8f", p.StopLoss),
			fmt.Sprintf("%.8f", p.TakeProfit),
			fmt.Sprintf("%.8f", p.HighestPrice),
			fmt.Sprintf("%.6f", p.EntryCapital),
			string(p.Status),
			exit,
			pnl,
			p.OpenedAt.Local().Format(time.DateTime),
		})
	}
	if len(ps) == 0 {
		t.AppendRow(table.Row{"(none)"})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
