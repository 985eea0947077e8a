// Package toolchain resolves the external binaries batty shells out to —
// the multiplexer and the board CLI — with deterministic precedence: flags
// over environment over config.toml over hard-coded defaults. Generalized
// from the teacher's internal/rpi.ResolveToolchain, which resolves its own
// runtime/ao/bd/tmux command set the same way.
package toolchain

import (
	"os"
	"strings"
)

const (
	// DefaultTmuxCommand is the default multiplexer binary.
	DefaultTmuxCommand = "tmux"
	// DefaultBoardCommand is the default external board CLI binary.
	DefaultBoardCommand = "board"
)

// Toolchain is the effective command configuration for one run.
type Toolchain struct {
	TmuxCommand  string
	BoardCommand string
}

// FlagSet tracks which fields were explicitly set by command-line flags.
type FlagSet struct {
	TmuxCommand  bool
	BoardCommand bool
}

// ResolveOptions controls deterministic toolchain resolution.
type ResolveOptions struct {
	// Config holds values loaded from config.toml.
	Config Toolchain
	// FlagValues holds command-line values.
	FlagValues Toolchain
	// Set indicates which FlagValues were explicitly set by the user.
	Set FlagSet
	// EnvLookup returns environment variable values; defaults to os.Getenv.
	EnvLookup func(string) string
}

// Resolve resolves the command configuration with precedence:
// flags > env > config > defaults.
func Resolve(opts ResolveOptions) Toolchain {
	lookup := opts.EnvLookup
	if lookup == nil {
		lookup = os.Getenv
	}

	tc := Toolchain{
		TmuxCommand:  DefaultTmuxCommand,
		BoardCommand: DefaultBoardCommand,
	}

	applyConfigField(&tc.TmuxCommand, opts.Config.TmuxCommand)
	applyConfigField(&tc.BoardCommand, opts.Config.BoardCommand)

	if v := strings.TrimSpace(lookup("BATTY_TMUX_COMMAND")); v != "" {
		tc.TmuxCommand = v
	}
	if v := strings.TrimSpace(lookup("BATTY_BOARD_COMMAND")); v != "" {
		tc.BoardCommand = v
	}

	if opts.Set.TmuxCommand {
		tc.TmuxCommand = opts.FlagValues.TmuxCommand
	}
	if opts.Set.BoardCommand {
		tc.BoardCommand = opts.FlagValues.BoardCommand
	}

	tc.TmuxCommand = normalizeCommand(tc.TmuxCommand, DefaultTmuxCommand)
	tc.BoardCommand = normalizeCommand(tc.BoardCommand, DefaultBoardCommand)

	return tc
}

func applyConfigField(dest *string, value string) {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		*dest = trimmed
	}
}

func normalizeCommand(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
