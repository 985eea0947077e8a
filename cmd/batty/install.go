package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/adapter"
)

var (
	installTarget string
	installDir    string
)

const instructionBody = `# batty

This repository is supervised by batty. Agents working here should:

- write PHASE_SUMMARY.md when a phase's board work is done
- avoid editing files under another agent's claimed task
- surface blocking questions rather than guessing silently
`

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install agent instruction files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := installDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return environmentError("getwd: %w", err)
			}
			dir = wd
		}
		names, err := targetAgentNames(installTarget)
		if err != nil {
			return userError("%v", err)
		}
		reg := adapter.NewRegistry()
		for _, name := range names {
			a, err := reg.Get(name)
			if err != nil {
				return userError("%v", err)
			}
			candidates := a.InstructionCandidates(dir)
			if len(candidates) == 0 {
				continue
			}
			target := candidates[0]
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return environmentError("create instruction dir: %w", err)
			}
			if err := os.WriteFile(target, []byte(instructionBody), 0o644); err != nil {
				return environmentError("write instruction file: %w", err)
			}
			fmt.Println("installed", target)
		}
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove agent instruction files",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := installDir
		if dir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return environmentError("getwd: %w", err)
			}
			dir = wd
		}
		names, err := targetAgentNames(installTarget)
		if err != nil {
			return userError("%v", err)
		}
		reg := adapter.NewRegistry()
		for _, name := range names {
			a, err := reg.Get(name)
			if err != nil {
				return userError("%v", err)
			}
			for _, target := range a.InstructionCandidates(dir) {
				if _, err := os.Stat(target); err == nil {
					if err := os.Remove(target); err != nil {
						return environmentError("remove instruction file: %w", err)
					}
					fmt.Println("removed", target)
				}
			}
		}
		return nil
	},
}

func targetAgentNames(target string) ([]string, error) {
	switch target {
	case "", "both":
		return []string{"claude", "codex"}, nil
	case "claude", "codex":
		return []string{target}, nil
	default:
		return nil, fmt.Errorf("invalid --target %q (valid: both|claude|codex)", target)
	}
}

func init() {
	installCmd.Flags().StringVar(&installTarget, "target", "both", "agent family to target: both|claude|codex")
	installCmd.Flags().StringVar(&installDir, "dir", "", "directory to install into (default: working directory)")
	removeCmd.Flags().StringVar(&installTarget, "target", "both", "agent family to target: both|claude|codex")
	removeCmd.Flags().StringVar(&installDir, "dir", "", "directory to remove from (default: working directory)")
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(removeCmd)
}
