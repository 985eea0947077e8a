package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/mergequeue"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <phase> <run>",
	Short: "Manually integrate a run branch into the phase base branch",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		phaseID, runBranch := args[0], args[1]
		repoRoot, err := os.Getwd()
		if err != nil {
			return environmentError("getwd: %w", err)
		}

		q := mergequeue.New(true, dodTestGate(), 30*time.Second, false)
		result := q.Process(cmd.Context(), mergequeue.Request{
			PhaseID:   phaseID,
			RunBranch: runBranch,
			RepoRoot:  repoRoot,
		}, "main")

		fmt.Printf("phase %s run %s: %s", phaseID, runBranch, result.Outcome)
		if result.Reason != "" {
			fmt.Printf(" (%s)", result.Reason)
		}
		fmt.Println()
		if result.Outcome == mergequeue.OutcomeEscalated {
			return escalationError("merge escalated: %s", result.Reason)
		}
		return nil
	},
}

func dodTestGate() mergequeue.TestGate {
	if cfg.Defaults.DoD == "" {
		return nil
	}
	return func(ctx context.Context, dir string) error {
		fields := strings.Fields(cfg.Defaults.DoD)
		if len(fields) == 0 {
			return nil
		}
		cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
		cmd.Dir = dir
		return cmd.Run()
	}
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}
