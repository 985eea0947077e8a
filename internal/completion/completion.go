// Package completion implements the Completion Contract (spec.md §4.10): a
// deterministic five-gate evaluator over board state, milestone tagging,
// phase summary artifact presence, DoD command exit status, and executor
// idle-stability.
package completion

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/battysh/batty/internal/board"
)

// GateName is the closed set of completion gates.
type GateName string

const (
	GateBoardComplete  GateName = "board-complete"
	GateMilestoneDone  GateName = "milestone-done"
	GateSummaryPresent GateName = "summary-present"
	GateDoDPassed      GateName = "dod-passed"
	GateExecutorStable GateName = "executor-stable"
)

// GateResult is one gate's boolean outcome plus a short rationale.
type GateResult struct {
	Gate      GateName
	Passed    bool
	Rationale string
}

// Record is the full evaluation: pass iff every gate passed.
type Record struct {
	Gates []GateResult
	Pass  bool
}

// PhaseSummaryFilename is the conventional artifact name the contract looks
// for in the run's working directory.
const PhaseSummaryFilename = "PHASE_SUMMARY.md"

// ExecutorState describes what the Orchestrator observed about the
// executor process for gate 5.
type ExecutorState struct {
	Exited            bool
	IdleStableFor     time.Duration
	RequiredIdleWindow time.Duration
}

// Evaluate runs all five gates and returns the full Record.
func Evaluate(ctx context.Context, phase board.Phase, workDir string, dodCommand string, dodTimeout time.Duration, execState ExecutorState) Record {
	var gates []GateResult

	boardComplete := phase.NonArchivedDone()
	gates = append(gates, GateResult{
		Gate:      GateBoardComplete,
		Passed:    boardComplete,
		Rationale: rationale(boardComplete, "every non-archived task is done", "one or more non-archived tasks are not done"),
	})

	_, hasMilestone := phase.MilestoneTask()
	gates = append(gates, GateResult{
		Gate:      GateMilestoneDone,
		Passed:    hasMilestone,
		Rationale: rationale(hasMilestone, "a task tagged 'milestone' is done", "no milestone task found (expected a task tagged 'milestone')"),
	})

	summaryPath := filepath.Join(workDir, PhaseSummaryFilename)
	_, statErr := os.Stat(summaryPath)
	summaryPresent := statErr == nil
	gates = append(gates, GateResult{
		Gate:      GateSummaryPresent,
		Passed:    summaryPresent,
		Rationale: rationale(summaryPresent, fmt.Sprintf("%s exists", PhaseSummaryFilename), fmt.Sprintf("%s not found in %s", PhaseSummaryFilename, workDir)),
	})

	dodPassed, dodRationale := evaluateDoD(ctx, workDir, dodCommand, dodTimeout)
	gates = append(gates, GateResult{Gate: GateDoDPassed, Passed: dodPassed, Rationale: dodRationale})

	stableEnough := execState.Exited || execState.IdleStableFor >= execState.RequiredIdleWindow
	gates = append(gates, GateResult{
		Gate:      GateExecutorStable,
		Passed:    stableEnough,
		Rationale: rationale(stableEnough, "executor exited or idle-stable for the grace window", "executor still producing output"),
	})

	pass := true
	for _, g := range gates {
		if !g.Passed {
			pass = false
			break
		}
	}
	return Record{Gates: gates, Pass: pass}
}

// evaluateDoD runs the configured DoD command, or reports "(none)" when
// unconfigured. An unconfigured DoD always passes; the system never
// substitutes an implicit default.
func evaluateDoD(ctx context.Context, workDir, dodCommand string, timeout time.Duration) (bool, string) {
	if dodCommand == "" {
		return true, "dod command (none)"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", dodCommand)
	cmd.Dir = workDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return false, fmt.Sprintf("dod command %q timed out after %s", dodCommand, timeout)
		}
		return false, fmt.Sprintf("dod command %q exited non-zero: %v (%s)", dodCommand, err, trimmed(out))
	}
	return true, fmt.Sprintf("dod command %q exited zero", dodCommand)
}

func trimmed(b []byte) string {
	const max = 500
	if len(b) > max {
		return string(b[:max]) + "...[truncated]"
	}
	return string(b)
}

func rationale(pass bool, okText, failText string) string {
	if pass {
		return okText
	}
	return failText
}
