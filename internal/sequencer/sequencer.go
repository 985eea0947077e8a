// Package sequencer implements the Phase Sequencer (spec.md §4.8):
// discovering phases by numeric id, filtering incomplete ones, and
// iterating run_phase calls under a fail-fast or continue-on-failure
// policy. Parallel-at-the-phase-level is explicitly refused.
package sequencer

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/battysh/batty/internal/auditlog"
)

// Phase is one discovered phase directory.
type Phase struct {
	ID   string
	Dir  string
	done bool
}

// SetComplete marks the phase's completion state, as determined by the
// caller's Completion Contract evaluation.
func (p *Phase) SetComplete(done bool) { p.done = done }

// Complete reports the phase's last-recorded completion state.
func (p Phase) Complete() bool { return p.done }

var phaseDigits = regexp.MustCompile(`\d+`)

// Discover lists phase directories under phasesDir, sorted numerically on
// the digits embedded in each directory name, ties broken by stable
// lexical order.
func Discover(phasesDir string) ([]Phase, error) {
	entries, err := os.ReadDir(phasesDir)
	if err != nil {
		return nil, fmt.Errorf("read phases dir %s: %w", phasesDir, err)
	}
	var phases []Phase
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		phases = append(phases, Phase{ID: e.Name(), Dir: e.Name()})
	}
	sort.SliceStable(phases, func(i, j int) bool {
		ni, oki := numericKey(phases[i].ID)
		nj, okj := numericKey(phases[j].ID)
		if oki && okj && ni != nj {
			return ni < nj
		}
		if oki != okj {
			return oki // numeric ids sort before non-numeric ones
		}
		return phases[i].ID < phases[j].ID
	})
	return phases, nil
}

func numericKey(id string) (int, bool) {
	m := phaseDigits.FindString(id)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Incomplete filters phases by the completion predicate.
func Incomplete(phases []Phase) []Phase {
	var out []Phase
	for _, p := range phases {
		if !p.Complete() {
			out = append(out, p)
		}
	}
	return out
}

// Policy is the closed set of continuation policies for RunAll.
type Policy string

const (
	PolicyFailFast           Policy = "fail_fast"
	PolicyContinueOnFailure  Policy = "continue_on_failure"
)

// Outcome is what happened when one phase was driven to completion.
type Outcome struct {
	Phase   Phase
	Success bool
	Reason  string
}

// RunPhaseFunc drives one phase to completion (or failure) and returns
// whether it merged successfully.
type RunPhaseFunc func(p Phase) (success bool, reason string, err error)

// RunAll iterates Incomplete(phases) in order, calling runPhase on each.
// fail_fast (the default) stops on the first non-merge outcome;
// continue_on_failure records it and proceeds. Select, skip and stop
// decisions are recorded on log when it is non-nil.
func RunAll(phases []Phase, policy Policy, log *auditlog.Log, runPhase RunPhaseFunc) ([]Outcome, error) {
	if policy == "" {
		policy = PolicyFailFast
	}
	for _, p := range phases {
		if p.Complete() && log != nil {
			_ = log.Record(auditlog.PhaseSelectionDecision, map[string]any{"phase": p.ID, "decision": "skip"})
		}
	}
	var outcomes []Outcome
	for _, p := range Incomplete(phases) {
		if log != nil {
			_ = log.Record(auditlog.PhaseSelectionDecision, map[string]any{"phase": p.ID, "decision": "select"})
		}
		success, reason, err := runPhase(p)
		if err != nil {
			if log != nil {
				_ = log.Record(auditlog.PhaseSelectionDecision, map[string]any{"phase": p.ID, "decision": "stop", "error": err.Error()})
			}
			return outcomes, fmt.Errorf("phase %s: %w", p.ID, err)
		}
		outcomes = append(outcomes, Outcome{Phase: p, Success: success, Reason: reason})
		if !success {
			if log != nil {
				_ = log.Record(auditlog.PhaseSelectionDecision, map[string]any{"phase": p.ID, "decision": "stop", "reason": reason})
			}
			if policy == PolicyFailFast {
				return outcomes, nil
			}
		}
	}
	return outcomes, nil
}

// ErrParallelPhasesRefused is the precise, version-agnostic message
// returned by the `work all --parallel` flag path.
var ErrParallelPhasesRefused = fmt.Errorf("parallel execution is only supported within a single phase; `work all` always runs phases one at a time")
