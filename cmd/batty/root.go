package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/config"
	"github.com/battysh/batty/internal/toolchain"
)

var (
	cfgFile        string
	cfg            config.Config
	tc             toolchain.Toolchain
	flagTmuxCmd    string
	flagBoardCmd   string
)

var rootCmd = &cobra.Command{
	Use:   "batty",
	Short: "Supervises coding-agent CLIs running inside a terminal multiplexer",
	Long: `batty attaches to a coding agent running in a tmux pane, watches its
output for prompts it recognizes, answers the ones policy allows, and
escalates the rest — to a human or to a Tier-2 supervisor process.

Phases:
  work         Run a phase's board to completion under supervision
  board        Inspect a phase's task board
  list         List known phases (alias board-list)
  merge        Manually integrate a run branch
  attach       Reattach to a live supervised session
  resume       Resume a crashed or interrupted run

Setup:
  config       Print the resolved configuration
  install      Install agent instruction files
  remove       Remove agent instruction files
  completions  Generate shell completion scripts`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile, os.Getenv)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		tc = toolchain.Resolve(toolchain.ResolveOptions{
			Config: toolchain.Toolchain{
				TmuxCommand:  cfg.Defaults.MultiplexerCommand,
				BoardCommand: os.Getenv("BATTY_BOARD_COMMAND"),
			},
			FlagValues: toolchain.Toolchain{TmuxCommand: flagTmuxCmd, BoardCommand: flagBoardCmd},
			Set: toolchain.FlagSet{
				TmuxCommand:  cmd.Flags().Changed("tmux-cmd"),
				BoardCommand: cmd.Flags().Changed("board-cmd"),
			},
			EnvLookup: os.Getenv,
		})
		return nil
	},
}

// Execute runs the root command and translates errors into the closed set
// of process exit codes spec.md §6 defines. A SIGINT/SIGTERM cancels the
// context every subcommand receives via cmd.Context(), so a supervision
// loop mid-flight gets a chance to persist state and exit cleanly instead
// of being killed outright (spec.md §5).
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "batty:", err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "path to config.toml")
	rootCmd.PersistentFlags().StringVar(&flagTmuxCmd, "tmux-cmd", "", "override the multiplexer binary")
	rootCmd.PersistentFlags().StringVar(&flagBoardCmd, "board-cmd", "", "override the board CLI binary")
}

func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return ExitRunFailure
}

// cliError carries one of the closed-set exit codes alongside a message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func userError(format string, args ...any) error {
	return &cliError{code: ExitUserError, err: fmt.Errorf(format, args...)}
}

func environmentError(format string, args ...any) error {
	return &cliError{code: ExitEnvironmentError, err: fmt.Errorf(format, args...)}
}

func escalationError(format string, args ...any) error {
	return &cliError{code: ExitEscalation, err: fmt.Errorf(format, args...)}
}

func deadlockError(format string, args ...any) error {
	return &cliError{code: ExitDeadlock, err: fmt.Errorf(format, args...)}
}
