package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/board"
	"github.com/battysh/batty/internal/sequencer"
)

var boardPrintDir bool

var boardCmd = &cobra.Command{
	Use:   "board <phase>",
	Short: "Inspect a phase's task board",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := os.Getwd()
		if err != nil {
			return environmentError("getwd: %w", err)
		}
		phaseID := args[0]
		if boardPrintDir {
			fmt.Println(filepath.Join(repoRoot, "phases", phaseID))
			return nil
		}
		bcli := boardCLIFor(repoRoot)
		phase, err := bcli.Snapshot(cmd.Context(), phaseID)
		if err != nil {
			return environmentError("read board: %w", err)
		}
		for _, t := range phase.Tasks {
			fmt.Printf("%4d  %-12s %s\n", t.ID, t.Status, t.Title)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"board-list"},
	Short:   "List known phases",
	RunE: func(cmd *cobra.Command, args []string) error {
		repoRoot, err := os.Getwd()
		if err != nil {
			return environmentError("getwd: %w", err)
		}
		phases, err := sequencer.Discover(filepath.Join(repoRoot, "phases"))
		if err != nil {
			return userError("discover phases: %w", err)
		}
		if cfgJSONOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(phases)
		}
		for _, p := range phases {
			fmt.Println(p.ID)
		}
		return nil
	},
}

func boardCLIFor(repoRoot string) *board.CLI {
	return board.NewCLI(tc.BoardCommand, repoRoot, 10*time.Second)
}

func init() {
	boardCmd.Flags().BoolVar(&boardPrintDir, "print-dir", false, "print the phase directory path instead of the task list")
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(listCmd)
}
