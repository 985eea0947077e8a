package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/auditlog"
	"github.com/battysh/batty/internal/board"
	"github.com/battysh/batty/internal/completion"
	"github.com/battysh/batty/internal/detector"
	"github.com/battysh/batty/internal/mergequeue"
	"github.com/battysh/batty/internal/mux"
	"github.com/battysh/batty/internal/orchestrator"
	"github.com/battysh/batty/internal/policy"
	"github.com/battysh/batty/internal/run"
	"github.com/battysh/batty/internal/sched"
)

// runWorkPhaseParallel drives one phase with n concurrent agent slots
// through the Parallel Scheduler (spec.md §4.9): each slot claims a ready
// task, runs its own Orchestrator-supervised agent in an isolated
// worktree, and enqueues a Merge Queue request once its claimed task
// reaches done.
func runWorkPhaseParallel(ctx context.Context, phaseID string, n int) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return environmentError("getwd: %w", err)
	}

	agentName := cfg.Defaults.Agent
	if workAgent != "" {
		agentName = workAgent
	}
	reg := adapter.NewRegistry()
	ad, err := reg.Get(agentName)
	if err != nil {
		return userError("unknown agent %q (available: %v)", agentName, reg.Names())
	}

	boardCLI := boardCLIFor(repoRoot)
	queue := mergequeue.New(true, dodTestGate(), 30*time.Second, true)
	driver := mux.NewDriver(tc.TmuxCommand)

	slots := make([]*sched.Slot, 0, n)
	for i := 1; i <= n; i++ {
		slots = append(slots, &sched.Slot{Identity: run.ClaimIdentity(phaseID, agentName, i), State: sched.SlotIdle})
	}

	paneAlive := func(slot *sched.Slot) bool {
		return driver.HasSession(ctx, sessionNameForSlot(phaseID, slot.Identity))
	}
	enqueueMerge := func(slot *sched.Slot) error {
		branch := run.BranchName(phaseID, slotAgentName(agentName, slot.Identity))
		result := queue.Process(ctx, mergequeue.Request{PhaseID: phaseID, RunBranch: branch, RepoRoot: repoRoot}, "main")
		if result.Outcome == mergequeue.OutcomeEscalated {
			fmt.Printf("phase %s slot %s: merge escalated: %s\n", phaseID, slot.Identity, result.Reason)
			return nil // escalation is surfaced to the operator, not fatal to the tick loop
		}
		fmt.Printf("phase %s slot %s: merged task %d\n", phaseID, slot.Identity, slot.TaskID)
		return nil
	}

	scheduler := sched.New(boardCLI, phaseID, slots, 2*time.Second, 20*time.Minute, paneAlive, enqueueMerge)

	slotDriver := func(ctx context.Context, slot *sched.Slot) error {
		return runParallelSlot(ctx, repoRoot, phaseID, agentName, ad, driver, boardCLI, slot)
	}

	if err := scheduler.Run(ctx, slotDriver); err != nil {
		if de, ok := err.(*sched.DeadlockError); ok {
			return deadlockError("%s", de.Error())
		}
		return environmentError("parallel scheduler: %w", err)
	}
	return nil
}

// runParallelSlot supervises one slot's agent for the duration of its
// claimed task, the SlotDriver the Scheduler launches in its own goroutine
// each time a previously idle slot claims a task.
func runParallelSlot(ctx context.Context, repoRoot, phaseID, agentName string, ad adapter.Adapter, driver *mux.Driver, boardCLI *board.CLI, slot *sched.Slot) error {
	taskID := slot.TaskID
	slotAgent := slotAgentName(agentName, slot.Identity)
	sessionName := sessionNameForSlot(phaseID, slot.Identity)

	wt, err := run.ProvisionWorktree(ctx, repoRoot, phaseID, slotAgent, "main", false, 30*time.Second)
	if err != nil {
		return fmt.Errorf("provision worktree for slot %s: %w", slot.Identity, err)
	}

	phaseDocPath := filepath.Join(repoRoot, "phases", phaseID, "PHASE.md")
	lc, err := run.ComposeLaunchContext(
		repoRoot,
		relativeCandidates(repoRoot, ad.InstructionCandidates(repoRoot)),
		phaseDocPath,
		fmt.Sprintf("(parallel slot claiming task %d)", taskID),
		fmt.Sprintf("tier=%s", cfg.Defaults.PolicyTier),
		[]string{completion.PhaseSummaryFilename, board.MilestoneTag, dodDescription()},
		"",
		slot.Identity,
		1,
	)
	if err != nil {
		return fmt.Errorf("compose launch context for slot %s: %w", slot.Identity, err)
	}

	logDir := filepath.Join(repoRoot, "logs", fmt.Sprintf("%s-%s", phaseID, slotAgent))
	if _, _, err := run.Persist(logDir, lc, run.Metadata{SourceFiles: []string{lc.InstructionFile}}); err != nil {
		return fmt.Errorf("persist launch context for slot %s: %w", slot.Identity, err)
	}

	log, err := auditlog.Open(logDir, fmt.Sprintf("%s-%s", phaseID, slotAgent), nil)
	if err != nil {
		return fmt.Errorf("open audit log for slot %s: %w", slot.Identity, err)
	}
	defer log.Close()

	leasePath := filepath.Join(logDir, "session.lease")
	lease, err := mux.AcquireLease(leasePath, sessionName)
	if err != nil {
		return fmt.Errorf("acquire session lease for slot %s: %w", slot.Identity, err)
	}
	defer lease.Release(leasePath)

	o := orchestrator.New(orchestrator.Config{
		Session:      sessionName,
		PaneTarget:   sessionName + ".0",
		CapturePath:  filepath.Join(logDir, "capture.log"),
		LogDir:       logDir,
		StatePath:    filepath.Join(logDir, "supervision-state.json"),
		Adapter:      ad,
		PolicyEngine: policy.New(policy.Tier(cfg.Defaults.PolicyTier), cfg.Policy.AutoAnswer),
		DetectorConfig: detector.Config{
			SilenceTimeout:         cfg.Detector.SilenceTimeout,
			AnswerCooldown:         cfg.Detector.AnswerCooldown,
			UnknownRequestFallback: cfg.Detector.UnknownRequestFallback,
			IdleInputFallback:      cfg.Detector.IdleInputFallback,
		},
		Tier2Program:       cfg.Supervisor.Command,
		Tier2Args:          cfg.Supervisor.Args,
		Tier2Timeout:       time.Duration(cfg.Supervisor.TimeoutSecs) * time.Second,
		Tier2MaxAnswerLen:  cfg.Supervisor.MaxAnswerLen,
		Tier2MinConfidence: cfg.Supervisor.MinConfidence,
		MaxNudges:          3,
		StalledAfter:       30 * time.Second,
	}, driver, log)

	if err := o.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator for slot %s: %w", slot.Identity, err)
	}
	defer o.Close()

	spawnCfg := ad.SpawnConfig(lc.Render(), cfg.DangerousMode.Enabled)
	if err := driver.CreateWindow(ctx, sessionName, "agent", wt.Path, spawnCfg.EnvDeltas, shellCommand(spawnCfg)); err != nil {
		return fmt.Errorf("spawn agent for slot %s: %w", slot.Identity, err)
	}
	_ = log.Record(auditlog.ExecutorSpawned, map[string]any{"program": spawnCfg.Program})

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	const boardCheckEveryTicks = 20
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			o.PersistState()
			return nil
		case <-ticker.C:
		}
		ticks++

		state, err := o.Tick(ctx)
		if err != nil {
			return fmt.Errorf("slot %s supervision tick: %w", slot.Identity, err)
		}
		o.PersistState()
		if state == orchestrator.StuckCrashed {
			return nil
		}
		if state == orchestrator.StuckStalled || state == orchestrator.StuckLooping {
			if _, err := o.HandleStuck(ctx, state); err != nil {
				return fmt.Errorf("slot %s handle stuck: %w", slot.Identity, err)
			}
		}

		if ticks%boardCheckEveryTicks == 0 {
			phase, err := boardCLI.Snapshot(ctx, phaseID)
			if err != nil {
				continue
			}
			for _, t := range phase.Tasks {
				if t.ID == taskID && board.Status(t.Status).IsTerminal() {
					return nil
				}
			}
		}
	}
}

func slotAgentName(agentName, identity string) string {
	return fmt.Sprintf("%s-%s", agentName, lastPathSegment(identity))
}

func lastPathSegment(identity string) string {
	parts := strings.Split(identity, "/")
	return parts[len(parts)-1]
}

func sessionNameForSlot(phaseID, identity string) string {
	return fmt.Sprintf("batty-%s-%s", phaseID, strings.ReplaceAll(identity, "/", "-"))
}
