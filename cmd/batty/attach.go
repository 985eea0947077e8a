package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var attachCmd = &cobra.Command{
	Use:   "attach <phase|session>",
	Short: "Reattach to a live supervised session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return attachOrResume(cmd, args[0], false)
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}

func resolveSessionName(repoRoot, arg string) string {
	if filepath.IsAbs(arg) {
		return filepath.Base(arg)
	}
	if _, err := os.Stat(filepath.Join(repoRoot, "phases", arg)); err == nil {
		return "batty-" + arg
	}
	return arg
}

func attachOrResume(cmd *cobra.Command, arg string, resuming bool) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return environmentError("getwd: %w", err)
	}
	driver := newDriverFromConfig()
	candidate := resolveSessionName(repoRoot, arg)

	sessions, err := driver.ListSessions(cmd.Context())
	if err != nil {
		return environmentError("list sessions: %w", err)
	}
	session := ""
	for _, s := range sessions {
		if s == candidate || strings.HasPrefix(s, candidate+"-") || filepath.Base(s) == candidate {
			session = s
			break
		}
	}
	if session == "" {
		return userError("no live session matching %q (known: %v)", arg, sessions)
	}

	if resuming {
		return resumeSupervision(cmd, repoRoot, session)
	}

	tmuxBin := tc.TmuxCommand
	c := exec.Command(tmuxBin, "attach-session", "-t", session)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return environmentError("attach to session %s: %w", session, err)
	}
	return nil
}
