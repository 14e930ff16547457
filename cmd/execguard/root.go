package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"execguard/internal/config"
)

var (
	cfgFile   string
	verbose   bool
	output    string
	workspace string
)

var rootCmd = &cobra.Command{
	Use:   "execguard",
	Short: "Governed shell execution for agent workspaces",
	Long: `execguard admits, schedules and supervises shell commands issued by an
autonomous agent: risk classification, resource governance, circuit breaking,
checkpoint/rollback and persistent shell context.

Commands:
  serve      Run the scheduler with its HTTP API
  run        Execute one command under governance and print the result
  classify   Show the risk assessment for a command
  snapshot   Create, list and restore workspace snapshots`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(os.Stderr)
		syncFlagsToEnv()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $EXECGUARD_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "Output format (text, json)")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "Workspace root for snapshots (overrides config)")
}

func setupLogging(w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// syncFlagsToEnv exports flag overrides so config reloads see them too.
func syncFlagsToEnv() {
	if path := strings.TrimSpace(cfgFile); path != "" {
		_ = os.Setenv("EXECGUARD_CONFIG", path)
	}
	if ws := strings.TrimSpace(workspace); ws != "" {
		_ = os.Setenv("EXECGUARD_WORKSPACE", ws)
	}
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return strings.TrimSpace(os.Getenv("EXECGUARD_CONFIG"))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wantJSON() bool { return strings.EqualFold(output, "json") }

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if e, ok := err.(*exitError); ok && e.code > 0 {
		return e.code
	}
	return 1
}
