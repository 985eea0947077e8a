package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/auditlog"
	"github.com/battysh/batty/internal/board"
	"github.com/battysh/batty/internal/completion"
	"github.com/battysh/batty/internal/config"
	"github.com/battysh/batty/internal/detector"
	"github.com/battysh/batty/internal/mergequeue"
	"github.com/battysh/batty/internal/mux"
	"github.com/battysh/batty/internal/orchestrator"
	"github.com/battysh/batty/internal/policy"
	"github.com/battysh/batty/internal/review"
	"github.com/battysh/batty/internal/run"
	"github.com/battysh/batty/internal/sequencer"
)

var (
	workAttach    bool
	workAgent     string
	workPolicy    string
	workWorktree  bool
	workNew       bool
	workDryRun    bool
	workParallel  int
	workAllDryRun bool
)

var workCmd = &cobra.Command{
	Use:   "work <phase>",
	Short: "Run a phase's board to completion under supervision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkPhase(cmd.Context(), args[0])
	},
}

var workAllCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every incomplete phase in order",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workParallel > 1 {
			return userError("%s", sequencer.ErrParallelPhasesRefused.Error())
		}
		return runWorkAll(cmd.Context())
	},
}

func init() {
	workCmd.Flags().BoolVar(&workAttach, "attach", false, "print the tmux attach command for the session after launch")
	workCmd.Flags().StringVar(&workAgent, "agent", "", "agent adapter to use (default from config)")
	workCmd.Flags().StringVar(&workPolicy, "policy", "", "policy tier override: observe|suggest|act|fully-auto")
	workCmd.Flags().BoolVar(&workWorktree, "worktree", true, "provision an isolated git worktree for this run")
	workCmd.Flags().BoolVar(&workNew, "new", false, "force a fresh worktree, discarding any existing one")
	workCmd.Flags().BoolVar(&workDryRun, "dry-run", false, "compose and print the launch context, then exit")
	workCmd.PersistentFlags().IntVar(&workParallel, "parallel", 1, "number of parallel agent slots for this phase")
	workAllCmd.Flags().BoolVar(&workAllDryRun, "dry-run", false, "compose and print each phase's launch context, then exit")
	workCmd.AddCommand(workAllCmd)
	rootCmd.AddCommand(workCmd)
}

// attemptOutcome is the closed set of results one supervised attempt at a
// phase can produce, feeding the Run Coordinator's rework loop (spec.md
// §4.7).
type attemptOutcome string

const (
	attemptOutcomeMerged    attemptOutcome = "merged"
	attemptOutcomeRework    attemptOutcome = "rework"
	attemptOutcomeEscalated attemptOutcome = "escalated"
	attemptOutcomeCancelled attemptOutcome = "cancelled"
)

type attemptResult struct {
	Outcome  attemptOutcome
	Feedback string
}

func runWorkPhase(ctx context.Context, phaseID string) error {
	if workParallel > 1 {
		return runWorkPhaseParallel(ctx, phaseID, workParallel)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return environmentError("getwd: %w", err)
	}

	reworkFeedback := ""
	for attempt := 1; ; attempt++ {
		result, err := runWorkPhaseAttempt(ctx, repoRoot, phaseID, attempt, reworkFeedback)
		if err != nil {
			return err
		}

		switch result.Outcome {
		case attemptOutcomeMerged, attemptOutcomeCancelled:
			return nil
		case attemptOutcomeRework:
			if run.MaxRetriesExceeded(attempt+1, cfg.Defaults.MaxRetries) {
				return escalationError("phase %s exceeded max_retries (%d): %s", phaseID, cfg.Defaults.MaxRetries, result.Feedback)
			}
			reworkFeedback = result.Feedback
		case attemptOutcomeEscalated:
			return escalationError("phase %s escalated: %s", phaseID, result.Feedback)
		default:
			return environmentError("unexpected attempt outcome %q", result.Outcome)
		}
	}
}

// runWorkPhaseAttempt launches one agent run, supervises it to completion
// (or to a supervisor-observed end), and, once the board reports the phase
// done, drives the Finalize contract: Completion Contract evaluation,
// Review Gate decision, and either Merge Queue enqueue or a rework verdict
// that loops back into the caller.
func runWorkPhaseAttempt(ctx context.Context, repoRoot, phaseID string, attempt int, reworkFeedback string) (attemptResult, error) {
	agentName := cfg.Defaults.Agent
	if workAgent != "" {
		agentName = workAgent
	}
	reg := adapter.NewRegistry()
	ad, err := reg.Get(agentName)
	if err != nil {
		return attemptResult{}, userError("unknown agent %q (available: %v)", agentName, reg.Names())
	}

	tier := policy.Tier(cfg.Defaults.PolicyTier)
	if workPolicy != "" {
		tier = policy.Tier(workPolicy)
	}

	phaseDocPath := filepath.Join(repoRoot, "phases", phaseID, "PHASE.md")

	wt := run.Worktree{Path: repoRoot, Branch: ""}
	if workWorktree {
		provisioned, err := run.ProvisionWorktree(ctx, repoRoot, phaseID, agentName, "main", workNew && attempt == 1, 30*time.Second)
		if err != nil {
			return attemptResult{}, environmentError("provision worktree: %w", err)
		}
		wt = provisioned
	}
	if attempt > 1 && workWorktree {
		if err := run.ResetRunBranch(ctx, wt.Path, 30*time.Second); err != nil {
			return attemptResult{}, environmentError("reset run branch for rework: %w", err)
		}
	}

	claimIdentity := run.ClaimIdentity(phaseID, agentName, 0)
	lc, err := run.ComposeLaunchContext(
		repoRoot,
		relativeCandidates(repoRoot, ad.InstructionCandidates(repoRoot)),
		phaseDocPath,
		"(board snapshot composed at dispatch time)",
		fmt.Sprintf("tier=%s", tier),
		[]string{completion.PhaseSummaryFilename, board.MilestoneTag, dodDescription()},
		reworkFeedback,
		claimIdentity,
		attempt,
	)
	if err != nil {
		return attemptResult{}, userError("%v", err)
	}

	logDir := filepath.Join(repoRoot, "logs", fmt.Sprintf("%s-%s", phaseID, agentName))
	if _, _, err := run.Persist(logDir, lc, run.Metadata{SourceFiles: []string{lc.InstructionFile}}); err != nil {
		return attemptResult{}, environmentError("persist launch context: %w", err)
	}

	if workDryRun {
		fmt.Println(lc.Render())
		return attemptResult{Outcome: attemptOutcomeCancelled}, nil
	}

	log, err := auditlog.Open(logDir, fmt.Sprintf("%s-%s", phaseID, agentName), nil)
	if err != nil {
		return attemptResult{}, environmentError("open audit log: %w", err)
	}
	defer log.Close()
	if attempt > 1 {
		_ = log.Record(auditlog.ReworkCycleStarted, map[string]any{"attempt": attempt, "feedback": reworkFeedback})
	}

	driver := mux.NewDriver(tc.TmuxCommand)
	sessionName := fmt.Sprintf("batty-%s-%s", phaseID, agentName)
	leasePath := filepath.Join(logDir, "session.lease")
	lease, err := mux.AcquireLease(leasePath, sessionName)
	if err != nil {
		return attemptResult{}, environmentError("acquire session lease: %w", err)
	}
	defer lease.Release(leasePath)

	boardCLI := boardCLIFor(repoRoot)

	spawn := func() error {
		spawnCfg := ad.SpawnConfig(lc.Render(), cfg.DangerousMode.Enabled)
		if err := driver.CreateWindow(ctx, sessionName, "agent", wt.Path, spawnCfg.EnvDeltas, shellCommand(spawnCfg)); err != nil {
			return environmentError("spawn agent: %w", err)
		}
		_ = log.Record(auditlog.ExecutorSpawned, map[string]any{"program": spawnCfg.Program})
		return nil
	}

	o := orchestrator.New(orchestrator.Config{
		Session:     sessionName,
		PaneTarget:  sessionName + ".0",
		CapturePath: filepath.Join(logDir, "capture.log"),
		LogDir:      logDir,
		StatePath:   filepath.Join(logDir, "supervision-state.json"),
		Adapter:     ad,
		PolicyEngine: policy.New(tier, cfg.Policy.AutoAnswer),
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
		HotkeyMarkerPath:   filepath.Join(logDir, "hotkey.marker"),
		PauseKey:           "p",
		ResumeKey:          "r",
	}, driver, log)

	if err := o.Start(ctx); err != nil {
		return attemptResult{}, environmentError("start orchestrator: %w", err)
	}
	defer o.Close()

	if err := spawn(); err != nil {
		return attemptResult{}, err
	}

	if workAttach {
		fmt.Printf("session %s is running (run `tmux attach -t %s` to view)\n", sessionName, sessionName)
	}

	const maxRelaunches = 2
	relaunches := 0
	var reason string
	for {
		reason, err = driveSupervisionLoop(ctx, o, boardCLI, phaseID)
		if err != nil {
			return attemptResult{}, err
		}
		if reason != "relaunch" {
			break
		}
		if relaunches >= maxRelaunches {
			return attemptResult{Outcome: attemptOutcomeEscalated, Feedback: "stuck state persisted across relaunch attempts"}, nil
		}
		relaunches++
		_ = driver.KillSession(ctx, sessionName)
		if err := driver.CreateSession(ctx, sessionName, wt.Path, scrubEnvDeltas(ad), ""); err != nil {
			return attemptResult{}, environmentError("recreate session for relaunch: %w", err)
		}
		if err := spawn(); err != nil {
			return attemptResult{}, err
		}
		o.ResetStuckLadder()
	}

	switch reason {
	case "ctx-cancelled":
		return attemptResult{Outcome: attemptOutcomeCancelled}, nil
	case "crashed":
		return attemptResult{}, environmentError("agent session %s ended unexpectedly", sessionName)
	case "board-complete":
		return finalizeRun(ctx, finalizeParams{
			RepoRoot:    repoRoot,
			PhaseID:     phaseID,
			Attempt:     attempt,
			Tier:        tier,
			Worktree:    wt,
			LogDir:      logDir,
			SessionName: sessionName,
			Orchestrator: o,
			BoardCLI:    boardCLI,
			Driver:      driver,
			Log:         log,
		})
	default:
		return attemptResult{}, environmentError("supervision loop ended with unknown reason %q", reason)
	}
}

// finalizeParams bundles everything finalizeRun needs; it is only ever
// constructed right before calling finalizeRun, never persisted.
type finalizeParams struct {
	RepoRoot     string
	PhaseID      string
	Attempt      int
	Tier         policy.Tier
	Worktree     run.Worktree
	LogDir       string
	SessionName  string
	Orchestrator *orchestrator.Orchestrator
	BoardCLI     *board.CLI
	Driver       *mux.Driver
	Log          *auditlog.Log
}

// finalizeRun implements the Run Coordinator's Finalize contract (spec.md
// §4.7): evaluate the Completion Contract, and on a pass present the
// Review Gate, then enforce the active policy tier on its decision to
// either enqueue a Merge Queue request, loop back on rework, or escalate.
func finalizeRun(ctx context.Context, p finalizeParams) (attemptResult, error) {
	phase, err := p.BoardCLI.Snapshot(ctx, p.PhaseID)
	if err != nil {
		return attemptResult{}, environmentError("read board for finalize: %w", err)
	}

	execState := completion.ExecutorState{
		Exited:             !p.Driver.HasSession(ctx, p.SessionName),
		IdleStableFor:      p.Orchestrator.IdleFor(time.Now()),
		RequiredIdleWindow: 5 * time.Second,
	}
	record := completion.Evaluate(ctx, phase, p.Worktree.Path, cfg.Defaults.DoD, 5*time.Minute, execState)
	_ = p.Log.Record(auditlog.CompletionEvaluated, map[string]any{"pass": record.Pass, "gates": record.Gates})

	if !record.Pass {
		var failing []string
		for _, g := range record.Gates {
			if !g.Passed {
				failing = append(failing, fmt.Sprintf("%s: %s", g.Gate, g.Rationale))
			}
		}
		return attemptResult{Outcome: attemptOutcomeRework, Feedback: strings.Join(failing, "; ")}, nil
	}

	if p.Worktree.Branch == "" {
		// No isolated worktree was provisioned for this run; there is no
		// run branch to merge, so a passing Completion Contract is the
		// whole of the Finalize contract.
		return attemptResult{Outcome: attemptOutcomeMerged}, nil
	}

	packet := review.Packet{
		PhaseID:          p.PhaseID,
		DiffCommand:      fmt.Sprintf("git -C %s diff main...%s", p.Worktree.Path, p.Worktree.Branch),
		PhaseSummary:     readPhaseSummary(p.Worktree.Path),
		StatementsOfWork: taskTitles(phase),
		ExecutionLogPath: filepath.Join(p.LogDir, "execution.jsonl"),
	}
	_ = p.Log.Record(auditlog.ReviewPacketGenerated, map[string]any{"phase": p.PhaseID})

	decision, err := captureReviewDecision(ctx, packet)
	if err != nil {
		return attemptResult{}, environmentError("capture review decision: %w", err)
	}
	_ = p.Log.Record(auditlog.ReviewDecision, map[string]any{"keyword": decision.Keyword, "rationale": decision.Rationale})

	resolution := review.EnforceTier(reviewTierFor(p.Tier), decision, cfg.Director.MinConfidence, p.Attempt-1, cfg.Defaults.MaxRetries)
	audit := review.NewAuditRecord(packet, decision, resolution)
	_ = p.Log.Record(auditlog.DirectorDecisionAudit, map[string]any{"outcome": audit.FinalOutcome, "keyword": audit.DecisionKeyword})

	if resolution == review.ResolutionEscalated {
		return attemptResult{Outcome: attemptOutcomeEscalated, Feedback: fmt.Sprintf("review escalated (decision=%s, rationale=%s)", decision.Keyword, decision.Rationale)}, nil
	}

	switch decision.Keyword {
	case review.DecisionRework:
		return attemptResult{Outcome: attemptOutcomeRework, Feedback: decision.Rationale}, nil
	case review.DecisionEscalate:
		return attemptResult{Outcome: attemptOutcomeEscalated, Feedback: decision.Rationale}, nil
	case review.DecisionMerge:
		_ = p.Log.Record(auditlog.MergeStarted, map[string]any{"branch": p.Worktree.Branch})
		q := mergequeue.New(true, dodTestGate(), 30*time.Second, true)
		result := q.Process(ctx, mergequeue.Request{PhaseID: p.PhaseID, RunBranch: p.Worktree.Branch, RepoRoot: p.RepoRoot}, "main")
		_ = p.Log.Record(auditlog.MergeResult, map[string]any{"outcome": result.Outcome, "reason": result.Reason})
		if result.Outcome == mergequeue.OutcomeEscalated {
			return attemptResult{Outcome: attemptOutcomeEscalated, Feedback: result.Reason}, nil
		}
		_ = p.Log.Record(auditlog.RunCompleted, map[string]any{"phase": p.PhaseID})
		return attemptResult{Outcome: attemptOutcomeMerged}, nil
	default:
		return attemptResult{}, environmentError("review decision carried unknown keyword %q", decision.Keyword)
	}
}

func reviewTierFor(t policy.Tier) review.Tier {
	switch t {
	case policy.TierObserve:
		return review.TierObserve
	case policy.TierSuggest:
		return review.TierSuggest
	case policy.TierAct:
		return review.TierActWithApproval
	case policy.TierFullyAuto:
		return review.TierFullyAuto
	default:
		return review.TierObserve
	}
}

// captureReviewDecision gets one review decision, from the configured
// director process in director mode or from the human operator's terminal
// otherwise.
func captureReviewDecision(ctx context.Context, packet review.Packet) (review.Decision, error) {
	if cfg.Director.Mode == "director" && cfg.Director.Command != "" {
		timeout := time.Duration(cfg.Director.TimeoutSecs) * time.Second
		return review.CallDirector(ctx, packet, cfg.Director.Command, nil, timeout)
	}
	fmt.Println(packet.Render())
	fmt.Print("review decision (merge | rework: <text> | escalate: <text>): ")
	return review.ReadHumanDecision(bufio.NewReader(os.Stdin))
}

func readPhaseSummary(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, completion.PhaseSummaryFilename))
	if err != nil {
		return "(missing)"
	}
	return string(data)
}

func taskTitles(phase board.Phase) []string {
	out := make([]string, 0, len(phase.Tasks))
	for _, t := range phase.Tasks {
		out = append(out, fmt.Sprintf("#%d %s", t.ID, t.Title))
	}
	return out
}

// driveSupervisionLoop ticks the orchestrator until one of: the context is
// cancelled (graceful shutdown), the session crashes, the stuck-state
// ladder asks for a relaunch, or (when boardCLI/phaseID are supplied) the
// board reports the phase done.
func driveSupervisionLoop(ctx context.Context, o *orchestrator.Orchestrator, boardCLI *board.CLI, phaseID string) (string, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	const boardCheckEveryTicks = 20 // ~5s at the 250ms tick interval
	ticks := 0

	for {
		select {
		case <-ctx.Done():
			o.PersistState()
			return "ctx-cancelled", nil
		case <-ticker.C:
		}
		ticks++

		state, err := o.Tick(ctx)
		if err != nil {
			return "", environmentError("supervision tick: %w", err)
		}
		o.PersistState()

		if state == orchestrator.StuckCrashed {
			return "crashed", nil
		}
		if state == orchestrator.StuckStalled || state == orchestrator.StuckLooping {
			action, err := o.HandleStuck(ctx, state)
			if err != nil {
				return "", environmentError("handle stuck state: %w", err)
			}
			if action == orchestrator.StuckActionRelaunch {
				return "relaunch", nil
			}
		}

		if boardCLI != nil && phaseID != "" && ticks%boardCheckEveryTicks == 0 {
			phase, err := boardCLI.Snapshot(ctx, phaseID)
			if err == nil && phase.NonArchivedDone() {
				return "board-complete", nil
			}
		}
	}
}

// shellCommand renders a SpawnConfig as a single shell command string, the
// form tmux new-window/new-session accept as their initial command.
func shellCommand(sc adapter.SpawnConfig) string {
	parts := make([]string, 0, len(sc.Args)+1)
	parts = append(parts, shellQuote(sc.Program))
	for _, a := range sc.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func scrubEnvDeltas(a adapter.Adapter) map[string]string {
	deltas := map[string]string{}
	if v := a.RefuseNestedSessionEnvVar(); v != "" {
		deltas[v] = ""
	}
	return deltas
}

// relativeCandidates converts an adapter's repoRoot-joined instruction
// paths back to repoRoot-relative ones, the form ComposeLaunchContext
// re-joins against repoRoot itself.
func relativeCandidates(repoRoot string, absPaths []string) []string {
	rel := make([]string, 0, len(absPaths))
	for _, p := range absPaths {
		if r, err := filepath.Rel(repoRoot, p); err == nil {
			rel = append(rel, r)
		} else {
			rel = append(rel, p)
		}
	}
	return rel
}

func dodDescription() string {
	if cfg.Defaults.DoD == "" {
		return "dod: (none)"
	}
	return fmt.Sprintf("dod: %s", cfg.Defaults.DoD)
}

func runWorkAll(ctx context.Context) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return environmentError("getwd: %w", err)
	}
	phasesDir := filepath.Join(repoRoot, "phases")
	phases, err := sequencer.Discover(phasesDir)
	if err != nil {
		return userError("discover phases: %w", err)
	}

	continueOnFailure, err := config.ContinueOnFailure(os.Getenv)
	if err != nil {
		return userError("%v", err)
	}
	pol := sequencer.PolicyFailFast
	if continueOnFailure {
		pol = sequencer.PolicyContinueOnFailure
	}

	_, err = sequencer.RunAll(phases, pol, nil, func(p sequencer.Phase) (bool, string, error) {
		if workAllDryRun {
			fmt.Println("would run phase", p.ID)
			return true, "", nil
		}
		if err := runWorkPhase(ctx, p.ID); err != nil {
			return false, err.Error(), nil
		}
		return true, "", nil
	})
	if err != nil {
		return environmentError("%v", err)
	}
	return nil
}
