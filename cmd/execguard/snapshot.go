package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"execguard/internal/snapshot"
)

var (
	snapshotLabel string
	restoreForce  bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create, list and restore workspace snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <path>...",
	Short: "Checkpoint workspace paths",
	Args:  cobra.MinimumNArgs(1),
	RunE: withSnapshots(func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error {
		id, err := m.Create(ctx, snapshotLabel, args)
		if err != nil {
			return err
		}
		if wantJSON() {
			return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}),
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE: withSnapshots(func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error {
		list, err := m.List(ctx)
		if err != nil {
			return err
		}
		if wantJSON() {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tCREATED\tFILES\tPINNED\tLABEL")
		for _, s := range list {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n", s.ID, humanize.Time(s.CreatedAt), s.Files, s.Pinned, s.Label)
		}
		return tw.Flush()
	}),
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Restore tracked files from a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: withSnapshots(func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error {
		res, err := m.Restore(ctx, args[0], snapshot.RestoreOptions{Force: restoreForce})
		if err != nil {
			return err
		}
		if wantJSON() {
			return printJSON(cmd.OutOrStdout(), res)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "restored %d file(s)", len(res.Restored))
		if len(res.Removed) > 0 {
			fmt.Fprintf(w, ", removed %d", len(res.Removed))
		}
		fmt.Fprintln(w)
		if len(res.Conflicts) > 0 {
			fmt.Fprintf(w, "overwrote local changes in: %s\n", strings.Join(res.Conflicts, ", "))
		}
		return nil
	}),
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: withSnapshots(func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error {
		return m.Delete(ctx, args[0])
	}),
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply snapshot retention now",
	Args:  cobra.NoArgs,
	RunE: withSnapshots(func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error {
		removed, err := m.Prune(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d snapshot(s)\n", len(removed))
		return nil
	}),
}

func init() {
	snapshotCreateCmd.Flags().StringVar(&snapshotLabel, "label", "", "Label stored with the snapshot")
	snapshotRestoreCmd.Flags().BoolVar(&restoreForce, "force", false, "Restore over files changed since the snapshot")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotRestoreCmd, snapshotDeleteCmd, snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}

type snapshotFunc func(ctx context.Context, cmd *cobra.Command, m *snapshot.Manager, args []string) error

func withSnapshots(fn snapshotFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, m, err := openSnapshots(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		return fn(cmd.Context(), cmd, m, args)
	}
}
