package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"execguard/internal/config"
	"execguard/internal/domain"
	"execguard/internal/scheduler"
	"execguard/internal/snapshot"
)

var (
	runPriority string
	runTimeout  time.Duration
	runCwd      string
	runRetries  int
	runTrack    []string
	runFlags    []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <command> [args...]",
	Short: "Execute one command under governance and print the result",
	Long: `Run submits a command to an in-process scheduler and waits for it.
A single argument is run through /bin/sh -c; several are executed directly.
The exit status mirrors the command's; denied commands exit 126.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runPriority, "priority", "normal", "Priority (low, normal, high, critical)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Maximum runtime (default: timeouts.default)")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "Working directory")
	runCmd.Flags().IntVar(&runRetries, "retries", -1, "Retries on failure (default: retry.max_retries)")
	runCmd.Flags().StringSliceVar(&runTrack, "track", nil, "Workspace paths to snapshot before risky commands")
	runCmd.Flags().StringSliceVar(&runFlags, "agent-flag", nil, "Agent flags in effect, e.g. --dry-run")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prio, err := domain.ParsePriority(runPriority)
	if err != nil {
		return err
	}
	vc, err := config.NewVersioned(cfg)
	if err != nil {
		return err
	}

	opts := scheduler.Options{Config: vc}
	if len(runTrack) > 0 {
		var db *sql.DB
		var snaps *snapshot.Manager
		if db, snaps, err = openSnapshots(cfg); err != nil {
			return err
		}
		defer db.Close()
		opts.Snapshots = snaps
	}
	sched, err := scheduler.New(opts)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Close()

	task := domain.Task{
		Command:    args[0],
		Cwd:        runCwd,
		Priority:   prio,
		Timeout:    runTimeout,
		MaxRetries: cfg.Retry.MaxRetries,
		Flags:      runFlags,
		Track:      runTrack,
	}
	if len(args) > 1 {
		task.Args = args[1:]
	}
	if runRetries >= 0 {
		task.MaxRetries = runRetries
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	res := sched.Run(ctx, task)

	w := cmd.OutOrStdout()
	if wantJSON() {
		if err := printJSON(w, res); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, res.Output)
		if res.Output != "" && !strings.HasSuffix(res.Output, "\n") {
			fmt.Fprintln(w)
		}
		summary := fmt.Sprintf("%s after %d attempt(s) in %s", res.Status, res.Attempts, res.Duration.Round(time.Millisecond))
		if res.SnapshotID != "" {
			summary += fmt.Sprintf("; snapshot %s", res.SnapshotID)
		}
		if len(res.Output) > 0 {
			summary += fmt.Sprintf("; %s of output", humanize.Bytes(uint64(len(res.Output))))
		}
		fmt.Fprintln(cmd.ErrOrStderr(), summary)
	}

	switch {
	case res.Succeeded():
		return nil
	case errors.Is(res.Err, domain.ErrAdmissionDenied):
		return &exitError{code: 126, err: res.Err}
	case res.ExitCode > 0:
		return &exitError{code: res.ExitCode, err: res.Err}
	}
	return &exitError{code: 1, err: res.Err}
}
