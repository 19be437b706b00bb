package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/trailbot/internal/app"
	s3blob "github.com/alanyoungcy/trailbot/internal/blob/s3"
	"github.com/alanyoungcy/trailbot/internal/service"
)

func newSnapshotCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "List or restore heartbeat ledger snapshots in object storage",
	}
	cmd.AddCommand(
		newSnapshotListCmd(opts),
		newSnapshotRestoreCmd(opts),
	)
	return cmd
}

func openSnapshots(cmd *cobra.Command, opts *rootOptions) (*s3blob.Reader, error) {
	c := opts.cfg.S3
	if !c.Enabled {
		return nil, errors.New("s3 is disabled; set [s3] enabled = true")
	}
	client, err := s3blob.New(cmd.Context(), s3blob.ClientConfig{
		Endpoint:       c.Endpoint,
		Region:         c.Region,
		Bucket:         c.Bucket,
		AccessKey:      c.AccessKey,
		SecretKey:      c.SecretKey,
		UseSSL:         c.UseSSL,
		ForcePathStyle: c.ForcePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return s3blob.NewReader(client), nil
}

func newSnapshotListCmd(opts *rootOptions) *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, optionally for one UTC day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefix := service.SnapshotPrefix
			if day != "" {
				d, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("bad --day: %w", err)
				}
				prefix += d.Format("2006/01/02") + "/"
			}

			reader, err := openSnapshots(cmd, opts)
			if err != nil {
				return err
			}
			infos, err := service.ListSnapshots(cmd.Context(), reader, prefix)
			if err != nil {
				return err
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleRounded)
			t.AppendHeader(table.Row{"Path", "Bytes", "Modified"})
			for _, info := range infos {
				t.AppendRow(table.Row{info.Path, info.Size, info.LastModified.Local().Format(time.DateTime)})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "UTC day to list (YYYY-MM-DD)")
	return cmd
}

func newSnapshotRestoreCmd(opts *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "restore <path>",
		Short: "Replace the persisted ledger with a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("restore overwrites the ledger; pass --yes to confirm")
			}
			ctx := cmd.Context()

			reader, err := openSnapshots(cmd, opts)
			if err != nil {
				return err
			}
			st, err := service.LoadSnapshot(ctx, reader, args[0])
			if err != nil {
				return err
			}

			release, err := app.LockInstance(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer release()

			l, store, _, cleanup, err := app.OpenLedger(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer cleanup()
			if l.Summary().Running {
				return errors.New("ledger is marked running; stop the engine first")
			}

			st.Running = false
			if err := store.Save(ctx, st); err != nil {
				return fmt.Errorf("save restored ledger: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s: capital %.6f, %d open, %d closed\n",
				args[0], st.Capital, len(st.Open), len(st.Closed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm overwriting the ledger")
	return cmd
}
