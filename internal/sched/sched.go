// Package sched implements the Parallel Scheduler (spec.md §4.9): a
// per-slot dispatch tick loop over a phase board, single-claim semantics
// with post-claim verification, and deadlock detection.
package sched

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/battysh/batty/internal/board"
	"github.com/battysh/batty/internal/dag"
)

// SlotState is the closed set of per-slot states.
type SlotState string

const (
	SlotIdle   SlotState = "idle"
	SlotActive SlotState = "active"
)

// Slot is one parallel execution lane.
type Slot struct {
	Identity    string
	State       SlotState
	TaskID      int
	ClaimedAt   time.Time
	LastProgressAt time.Time
}

// DeadlockError reports no ready tasks, no active slots, and tasks still
// remaining.
type DeadlockError struct {
	Blockers []int
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock: no ready tasks and no active slots, remaining=%v", e.Blockers)
}

// StuckError reports a task claimed longer than the configured timeout
// with no progress events.
type StuckError struct {
	TaskID   int
	Identity string
	Since    time.Time
}

func (e *StuckError) Error() string {
	return fmt.Sprintf("task %d claimed by %s stuck since %s", e.TaskID, e.Identity, e.Since.Format(time.RFC3339))
}

// PaneAlive reports whether the slot's multiplexer pane is still running.
type PaneAlive func(slot *Slot) bool

// MergeEnqueuer enqueues a merge request for a completed slot's run branch.
type MergeEnqueuer func(slot *Slot) error

// Scheduler drives one phase's parallel tick loop.
type Scheduler struct {
	board              *board.CLI
	phaseID            string
	slots              []*Slot
	pollInterval       time.Duration
	stuckPerTaskTimeout time.Duration
	paneAlive          PaneAlive
	enqueueMerge       MergeEnqueuer
	now                func() time.Time
}

// New constructs a Scheduler over the given slots.
func New(boardCLI *board.CLI, phaseID string, slots []*Slot, pollInterval, stuckTimeout time.Duration, paneAlive PaneAlive, enqueueMerge MergeEnqueuer) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Scheduler{
		board:               boardCLI,
		phaseID:             phaseID,
		slots:               slots,
		pollInterval:        pollInterval,
		stuckPerTaskTimeout: stuckTimeout,
		paneAlive:           paneAlive,
		enqueueMerge:        enqueueMerge,
		now:                 time.Now,
	}
}

// Tick runs one iteration of the algorithm in spec.md §4.9: reload,
// dispatch idle slots, reap active slots, check termination.
func (s *Scheduler) Tick(ctx context.Context) (done bool, err error) {
	phase, err := s.board.Snapshot(ctx, s.phaseID)
	if err != nil {
		return false, fmt.Errorf("reload board snapshot: %w", err)
	}

	nodes := make([]dag.Node, 0, len(phase.Tasks))
	for _, t := range phase.Tasks {
		nodes = append(nodes, dag.Node{ID: t.ID, Status: dag.Status(t.Status), DependsOn: t.DependsOn})
	}
	d, err := dag.Build(nodes)
	if err != nil {
		return false, fmt.Errorf("build dag: %w", err)
	}

	doneIDs := phase.DoneIDs()
	ready := d.Ready(doneIDs)
	claimed := s.claimedTaskIDs()

	for _, slot := range s.idleSlots() {
		taskID, ok := nextUnclaimed(ready, claimed)
		if !ok {
			break
		}
		if err := s.board.Claim(ctx, s.phaseID, taskID, slot.Identity); err != nil {
			// release-and-retry-next-tick semantics: drop whatever part of
			// the claim landed and leave the task for the next tick.
			_ = s.board.Release(ctx, s.phaseID, taskID, slot.Identity)
			continue
		}
		slot.State = SlotActive
		slot.TaskID = taskID
		slot.ClaimedAt = s.now()
		slot.LastProgressAt = s.now()
		claimed[taskID] = true
	}

	var stuckErr error
	for _, slot := range s.activeSlots() {
		task, found := findTask(phase.Tasks, slot.TaskID)
		switch {
		case found && task.Status == board.StatusDone:
			if s.enqueueMerge != nil {
				if err := s.enqueueMerge(slot); err != nil {
					return false, fmt.Errorf("enqueue merge for slot %s: %w", slot.Identity, err)
				}
			}
			slot.State = SlotIdle
			slot.TaskID = 0
		case s.paneAlive != nil && !s.paneAlive(slot):
			_ = s.board.Release(ctx, s.phaseID, slot.TaskID, slot.Identity)
			slot.State = SlotIdle
			slot.TaskID = 0
		case s.stuckPerTaskTimeout > 0 && s.now().Sub(slot.ClaimedAt) > s.stuckPerTaskTimeout && s.now().Sub(slot.LastProgressAt) > s.stuckPerTaskTimeout:
			stuckErr = &StuckError{TaskID: slot.TaskID, Identity: slot.Identity, Since: slot.ClaimedAt}
		}
	}

	if phase.NonArchivedDone() {
		return true, nil
	}
	if len(ready) == 0 && len(s.activeSlots()) == 0 {
		var blockers []int
		for id := range doneIDs {
			_ = id
		}
		for _, t := range phase.Tasks {
			if !board.Status(t.Status).IsTerminal() {
				blockers = append(blockers, t.ID)
			}
		}
		sort.Ints(blockers)
		return false, &DeadlockError{Blockers: blockers}
	}
	return false, stuckErr
}

// MarkProgress advances a slot's last-progress timestamp. Until it is
// called for a slot, Tick measures that slot's stuck time from its claim.
func (s *Scheduler) MarkProgress(identity string) {
	for _, slot := range s.slots {
		if slot.Identity == identity {
			slot.LastProgressAt = s.now()
			return
		}
	}
}

func (s *Scheduler) idleSlots() []*Slot {
	var out []*Slot
	for _, slot := range s.slots {
		if slot.State == SlotIdle {
			out = append(out, slot)
		}
	}
	return out
}

func (s *Scheduler) activeSlots() []*Slot {
	var out []*Slot
	for _, slot := range s.slots {
		if slot.State == SlotActive {
			out = append(out, slot)
		}
	}
	return out
}

func (s *Scheduler) claimedTaskIDs() map[int]bool {
	out := map[int]bool{}
	for _, slot := range s.slots {
		if slot.State == SlotActive {
			out[slot.TaskID] = true
		}
	}
	return out
}

func nextUnclaimed(ready []int, claimed map[int]bool) (int, bool) {
	for _, id := range ready {
		if !claimed[id] {
			return id, true
		}
	}
	return 0, false
}

// SlotDriver runs one slot's Orchestrator instance for the duration of its
// active claim; it returns when the slot's task reaches a terminal state
// or the context is cancelled.
type SlotDriver func(ctx context.Context, slot *Slot) error

// Run drives the tick loop until the phase completes, a deadlock is
// detected, or ctx is cancelled. Each tick that activates a previously
// idle slot launches that slot's driver in its own goroutine via
// errgroup, the same fan-out idiom the pack's quorum-ai package uses for
// its bounded worker pool; the Scheduler's own tick loop runs concurrently
// alongside the per-slot drivers exactly as spec.md §5 requires.
func (s *Scheduler) Run(ctx context.Context, driver SlotDriver) error {
	g, gctx := errgroup.WithContext(ctx)
	launched := map[string]int{} // slot identity -> task id last launched for

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gctx.Done():
			return g.Wait()
		case <-ticker.C:
		}

		done, err := s.Tick(gctx)
		if err != nil {
			if _, ok := err.(*DeadlockError); ok {
				return err
			}
			// Stuck errors and transient board errors are not reported
			// and do not abort the loop; it goes on with the next tick.
		}
		if done {
			return g.Wait()
		}

		for _, slot := range s.activeSlots() {
			if launched[slot.Identity] == slot.TaskID {
				continue
			}
			launched[slot.Identity] = slot.TaskID
			slot := slot
			g.Go(func() error { return driver(gctx, slot) })
		}
	}
}

func findTask(tasks []board.Task, id int) (board.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return board.Task{}, false
}
