package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"execguard/internal/domain"
	"execguard/internal/risk"
)

var (
	classifyCwd   string
	classifyFlags []string
)

var classifyCmd = &cobra.Command{
	Use:   "classify <command>",
	Short: "Show the risk assessment for a command",
	Long: `Classify rates a command GREEN, YELLOW or RED without running it.
Exits 2 when the configured policy would block the command.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyCwd, "cwd", "", "Working directory the command would run in")
	classifyCmd.Flags().StringSliceVar(&classifyFlags, "agent-flag", nil, "Agent flags in effect, e.g. --dry-run")
	rootCmd.AddCommand(classifyCmd)
}

type classifyOutput struct {
	Command string           `json:"command"`
	Level   domain.RiskLevel `json:"level"`
	Reasons []string         `json:"reasons"`
	Blocked bool             `json:"blocked"`
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := risk.NewClassifier(cfg.Risk.CacheSize)
	if err != nil {
		return err
	}
	line := strings.Join(args, " ")
	home, _ := homeDir()
	a := c.Classify(line, risk.Context{Cwd: classifyCwd, Home: home, Flags: classifyFlags})
	out := classifyOutput{Command: line, Level: a.Level, Reasons: a.Reasons, Blocked: risk.ShouldBlockCommand(a.Level, risk.Policy{BlockAt: cfg.Risk.BlockAt})}

	w := cmd.OutOrStdout()
	if wantJSON() {
		if err := printJSON(w, out); err != nil {
			return err
		}
	} else if a.Level == domain.RiskGreen {
		fmt.Fprintf(w, "%s  %s\n", a.Level, line)
	} else {
		fmt.Fprintln(w, risk.FormatRiskWarning(line, a))
	}
	if out.Blocked {
		return &exitError{code: 2, err: fmt.Errorf("blocked at %s", cfg.Risk.BlockAt)}
	}
	return nil
}
