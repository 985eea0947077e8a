package completion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battysh/batty/internal/board"
)

func basePhase() board.Phase {
	return board.Phase{Tasks: []board.Task{
		{ID: 1, Status: board.StatusDone, Tags: []string{board.MilestoneTag}},
	}}
}

func TestEvaluatePassesWhenAllGatesSatisfied(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseSummaryFilename), []byte("summary"), 0o644))

	rec := Evaluate(context.Background(), basePhase(), dir, "", 0, ExecutorState{Exited: true})
	assert.True(t, rec.Pass)
	for _, g := range rec.Gates {
		assert.True(t, g.Passed, "gate %s should pass: %s", g.Gate, g.Rationale)
	}
}

func TestEvaluateFailsMissingMilestone(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseSummaryFilename), []byte("summary"), 0o644))
	phase := board.Phase{Tasks: []board.Task{{ID: 1, Status: board.StatusDone}}}

	rec := Evaluate(context.Background(), phase, dir, "", 0, ExecutorState{Exited: true})
	assert.False(t, rec.Pass)
	found := false
	for _, g := range rec.Gates {
		if g.Gate == GateMilestoneDone {
			found = true
			assert.False(t, g.Passed)
			assert.Equal(t, "no milestone task found (expected a task tagged 'milestone')", g.Rationale)
		}
	}
	assert.True(t, found)
}

func TestEvaluateUnconfiguredDoDAlwaysPasses(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseSummaryFilename), []byte("summary"), 0o644))

	rec := Evaluate(context.Background(), basePhase(), dir, "", 0, ExecutorState{Exited: true})
	for _, g := range rec.Gates {
		if g.Gate == GateDoDPassed {
			assert.True(t, g.Passed)
			assert.Contains(t, g.Rationale, "(none)")
		}
	}
}

func TestEvaluateDoDCommandFailureFailsGate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseSummaryFilename), []byte("summary"), 0o644))

	rec := Evaluate(context.Background(), basePhase(), dir, "exit 1", 5*time.Second, ExecutorState{Exited: true})
	assert.False(t, rec.Pass)
}

func TestEvaluateMissingSummaryFails(t *testing.T) {
	dir := t.TempDir()
	rec := Evaluate(context.Background(), basePhase(), dir, "", 0, ExecutorState{Exited: true})
	assert.False(t, rec.Pass)
}

func TestEvaluateExecutorNotStableFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseSummaryFilename), []byte("summary"), 0o644))

	rec := Evaluate(context.Background(), basePhase(), dir, "", 0, ExecutorState{Exited: false, IdleStableFor: time.Second, RequiredIdleWindow: time.Minute})
	assert.False(t, rec.Pass)
}
