package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"execguard/internal/api"
	"execguard/internal/config"
	"execguard/internal/maintenance"
	"execguard/internal/scheduler"
)

var (
	serveAddr  string
	serveDebug bool
	serveWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "HTTP bind address")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Mount pprof under /debug/pprof")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "Reload the config file when it changes")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vc, err := config.NewVersioned(cfg)
	if err != nil {
		return err
	}
	db, snaps, err := openSnapshots(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sched, err := scheduler.Init(scheduler.Options{Config: vc, Snapshots: snaps})
	if err != nil {
		return err
	}
	defer scheduler.ResetDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	path := configPath()
	if path != "" && serveWatch {
		if err := config.Watch(ctx, path, vc); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("config watch unavailable; relying on periodic resync")
		}
	}
	maint, err := maintenance.NewService(maintenance.Options{Config: vc, ConfigPath: path, Snapshots: snaps})
	if err != nil {
		return err
	}
	go maint.Start(ctx)
	defer maint.Stop()

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           api.NewServerWithOptions(api.Options{Scheduler: sched, Maintenance: maint, Debug: serveDebug}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serveAddr).Str("workspace", cfg.Snapshot.Workspace).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	log.Info().Msg("shutting down")

	// Scheduler first: closing it ends open event streams.
	cur, _ := vc.Get()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cur.Timeouts.Grace+5*time.Second)
	defer cancelDrain()
	if err := sched.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("tasks still running at shutdown were killed")
	}
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelHTTP()
	_ = srv.Shutdown(httpCtx)
	return nil
}
