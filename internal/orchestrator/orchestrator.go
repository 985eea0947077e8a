// Package orchestrator owns the supervision loop for one run (spec.md
// §4.6): probing and attaching the multiplexer session, driving the Event
// Buffer and Prompt Detector, applying Policy Engine decisions, delegating
// to Tier-2 on escalation, tracking stuck/progress state, and persisting
// supervision state for crash-safe resume.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/auditlog"
	"github.com/battysh/batty/internal/detector"
	"github.com/battysh/batty/internal/eventbuf"
	"github.com/battysh/batty/internal/mux"
	"github.com/battysh/batty/internal/policy"
	"github.com/battysh/batty/internal/tier2"
)

// loopRepeatThreshold is how many consecutive identical prompts (with no
// intervening progress event) mark a run as looping rather than merely
// stalled.
const loopRepeatThreshold = 3

// StuckState is the closed set of progress states (spec.md §4.6 step 6).
type StuckState string

const (
	StuckNormal  StuckState = "normal"
	StuckStalled StuckState = "stalled"
	StuckLooping StuckState = "looping"
	StuckCrashed StuckState = "crashed"
)

// Mode is Working or Paused, the global supervision-mode flag (spec.md §5,
// §62).
type Mode string

const (
	ModeWorking Mode = "working"
	ModePaused  Mode = "paused"
)

// Config bundles everything one Orchestrator instance needs.
type Config struct {
	Session         string
	PaneTarget      string
	CapturePath     string
	LogDir          string
	StatePath       string
	Adapter         adapter.Adapter
	PolicyEngine    *policy.Engine
	DetectorConfig  detector.Config
	Tier2Program    string
	Tier2Args       []string
	Tier2Timeout    time.Duration
	Tier2MaxAnswerLen int
	Tier2MinConfidence float64
	MaxNudges       int
	StalledAfter    time.Duration
	ResumeOffset    int64

	// HotkeyMarkerPath, when non-empty, is polled once per Tick for a
	// pending pause/resume hotkey action (spec.md §4.6 steps 4-5). Empty
	// disables hotkey support entirely (e.g. a resumed run reusing an
	// already-bound session).
	HotkeyMarkerPath string
	PauseKey         string
	ResumeKey        string
}

// State is the periodically persisted supervision snapshot (spec.md §4.6
// step 8): detector state, last offset, nudge counters, mode.
type State struct {
	DetectorState detector.State `json:"detector_state"`
	Offset        int64          `json:"offset"`
	NudgeCount    int            `json:"nudge_count"`
	Mode          Mode           `json:"mode"`
}

// Orchestrator drives one run's supervision loop.
type Orchestrator struct {
	cfg       Config
	driver    *mux.Driver
	buf       *eventbuf.Buffer
	det       *detector.Detector
	log       *auditlog.Log
	mode      Mode
	nudges    int
	lastProgressAt time.Time
	tier2Index int

	lastPromptText    string
	repeatPromptCount int
	stuckEscalated    bool
}

// New constructs an Orchestrator. Buf and det are created by the caller
// (via Start) once the session and capture sideline are established.
func New(cfg Config, driver *mux.Driver, log *auditlog.Log) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		driver: driver,
		log:    log,
		mode:   ModeWorking,
	}
}

// Start implements steps 1-4 of spec.md §4.6: probe, create-or-attach,
// status bar, capture sideline, Event Buffer, hotkeys.
func (o *Orchestrator) Start(ctx context.Context) error {
	if _, err := o.driver.ProbeCapabilities(ctx); err != nil {
		return fmt.Errorf("probe multiplexer: %w", err)
	}
	if !o.driver.HasSession(ctx, o.cfg.Session) {
		if err := o.driver.CreateSession(ctx, o.cfg.Session, "", scrubEnv(o.cfg.Adapter), ""); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
	}
	if err := o.driver.SetStatus(ctx, o.cfg.Session, o.cfg.Session, "supervising", ""); err != nil {
		return fmt.Errorf("set status bar: %w", err)
	}
	if err := o.driver.PipePane(ctx, o.cfg.PaneTarget, o.cfg.CapturePath, o.cfg.ResumeOffset > 0); err != nil {
		return fmt.Errorf("enable capture sideline: %w", err)
	}

	buf, err := eventbuf.Attach(o.cfg.CapturePath, o.cfg.ResumeOffset, 50)
	if err != nil {
		return fmt.Errorf("attach event buffer: %w", err)
	}
	o.buf = buf
	o.det = detector.New(o.cfg.DetectorConfig, o.cfg.Adapter.PromptPatterns())
	o.lastProgressAt = time.Now()

	if o.cfg.HotkeyMarkerPath != "" {
		if err := o.driver.ConfigureHotkey(ctx, o.cfg.Session, o.cfg.PauseKey, o.cfg.HotkeyMarkerPath, "pause"); err != nil {
			return fmt.Errorf("configure pause hotkey: %w", err)
		}
		if err := o.driver.ConfigureHotkey(ctx, o.cfg.Session, o.cfg.ResumeKey, o.cfg.HotkeyMarkerPath, "resume"); err != nil {
			return fmt.Errorf("configure resume hotkey: %w", err)
		}
	}

	_ = o.log.Record(auditlog.RunStarted, map[string]any{"session": o.cfg.Session})
	return nil
}

func scrubEnv(a adapter.Adapter) map[string]string {
	deltas := map[string]string{}
	if a != nil {
		if v := a.RefuseNestedSessionEnvVar(); v != "" {
			deltas[v] = ""
		}
	}
	return deltas
}

// Close releases the event buffer file handle.
func (o *Orchestrator) Close() error {
	if o.buf != nil {
		return o.buf.Close()
	}
	return nil
}

// Tick runs one loop iteration (spec.md §4.6 step 5): poll events, tick the
// detector, react to the resulting PromptDetected per policy.
func (o *Orchestrator) Tick(ctx context.Context) (StuckState, error) {
	if o.cfg.HotkeyMarkerPath != "" {
		if tag, ok := mux.PollHotkeyAction(o.cfg.HotkeyMarkerPath); ok {
			switch tag {
			case "pause":
				_ = o.Pause(ctx)
			case "resume":
				_ = o.Resume(ctx)
			}
		}
	}

	if o.mode == ModePaused {
		return StuckNormal, nil
	}

	events, err := o.buf.Poll()
	if err != nil {
		return StuckCrashed, fmt.Errorf("poll events: %w", err)
	}
	o.advanceProgress(events)

	now := time.Now()
	var pd *detector.PromptDetected
	if len(events) > 0 {
		pd = o.det.Feed(now, events)
	}
	if pd == nil {
		pd = o.det.Tick(now)
	}
	if pd != nil {
		_ = o.log.Record(auditlog.PromptDetected, map[string]any{"kind": pd.Kind, "text": pd.Text})
		o.trackRepeat(pd.Text)
		if err := o.react(ctx, *pd); err != nil {
			return StuckNormal, err
		}
	}

	state := o.stuckState(now)
	if state == StuckStalled || state == StuckLooping {
		_ = o.log.Record(auditlog.StuckDetected, map[string]any{"state": string(state)})
	}
	return state, nil
}

// trackRepeat updates the consecutive-identical-prompt counter the looping
// check reads. A progress event (advanceProgress) or a genuinely new
// prompt resets it.
func (o *Orchestrator) trackRepeat(promptText string) {
	if promptText != "" && promptText == o.lastPromptText {
		o.repeatPromptCount++
		return
	}
	o.lastPromptText = promptText
	o.repeatPromptCount = 1
}

func (o *Orchestrator) advanceProgress(events []eventbuf.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case eventbuf.KindTaskStarted, eventbuf.KindTaskCompleted, eventbuf.KindTestRan, eventbuf.KindCommandRan, eventbuf.KindCommitMade:
			o.lastProgressAt = time.Now()
			o.repeatPromptCount = 0
		}
	}
}

func (o *Orchestrator) stuckState(now time.Time) StuckState {
	if !o.driver.HasSession(context.Background(), o.cfg.Session) {
		return StuckCrashed
	}
	if o.repeatPromptCount >= loopRepeatThreshold {
		return StuckLooping
	}
	if o.cfg.StalledAfter > 0 && now.Sub(o.lastProgressAt) > o.cfg.StalledAfter {
		return StuckStalled
	}
	return StuckNormal
}

// IdleFor reports how long since the last observed progress event, for the
// Run Coordinator's Completion Contract gate 5 (executor-stable).
func (o *Orchestrator) IdleFor(now time.Time) time.Duration {
	return now.Sub(o.lastProgressAt)
}

func (o *Orchestrator) react(ctx context.Context, pd detector.PromptDetected) error {
	decision := o.cfg.PolicyEngine.Evaluate(pd.Text, pd.Kind, o.cfg.Adapter)

	switch decision.Kind {
	case policy.DecisionInjectLiteral, policy.DecisionInjectEmptyLine:
		text, thenEnter := o.cfg.Adapter.FormatInput(decision.Text, decision.Kind == policy.DecisionInjectEmptyLine)
		return o.injectWithHumanOverrideCheck(ctx, text, thenEnter)

	case policy.DecisionEscalate:
		return o.escalateToTier2(ctx, pd)

	default: // Suggest, Observe: record only
		_ = o.log.Record(auditlog.HumanOverride, map[string]any{"decision": decision.Kind})
		return nil
	}
}

// injectWithHumanOverrideCheck implements the answer_delay wait and
// cancel-on-human-answer check from spec.md §4.6.
func (o *Orchestrator) injectWithHumanOverrideCheck(ctx context.Context, text string, thenEnter bool) error {
	o.det.ScheduleReply(time.Now())
	before, _ := o.driver.CapturePane(ctx, o.cfg.PaneTarget)

	time.Sleep(1 * time.Second) // answer_delay; fixed at one second

	after, err := o.driver.CapturePane(ctx, o.cfg.PaneTarget)
	if err == nil && after != before && humanLikelyAnswered(before, after) {
		o.det.HumanOverride(time.Now())
		_ = o.log.Record(auditlog.HumanOverride, nil)
		return nil
	}

	if err := o.driver.SendKeys(ctx, o.cfg.PaneTarget, text, thenEnter); err != nil {
		return fmt.Errorf("send keys: %w", err)
	}
	_ = o.log.Record(auditlog.AutoAnswered, map[string]any{"text": text})
	return nil
}

func humanLikelyAnswered(before, after string) bool {
	return len(after) > len(before)
}

func (o *Orchestrator) escalateToTier2(ctx context.Context, pd detector.PromptDetected) error {
	_ = o.log.Record(auditlog.Tier2Invoked, map[string]any{"prompt": pd.Text})

	c := tier2.ComposeContext(pd.Text, pd.Kind, "", o.buf.Summary(50))
	o.tier2Index++
	if path, err := tier2.Snapshot(c, o.tier2Index, o.cfg.LogDir); err == nil {
		_ = o.log.Record(auditlog.Tier2ContextSnapshot, map[string]any{"path": path})
	}

	if o.cfg.Tier2Program == "" {
		_ = o.log.Record(auditlog.Tier2Escalated, map[string]any{"reason": "no-tier2-program-configured"})
		return nil
	}

	d, err := tier2.Call(ctx, c, o.cfg.Tier2Program, o.cfg.Tier2Args, o.cfg.Tier2Timeout)
	if err != nil {
		_ = o.log.Record(auditlog.Tier2Escalated, map[string]any{"reason": "supervisor-failed", "error": err.Error()})
		return nil
	}
	if d.Kind == tier2.DecisionEscalate {
		_ = o.log.Record(auditlog.Tier2Escalated, map[string]any{"reason": d.Reason})
		return nil
	}

	fullyAuto := o.cfg.PolicyEngine.Tier == policy.TierFullyAuto
	ok, reason := tier2.Injectable(d, o.cfg.Tier2MaxAnswerLen, fullyAuto, o.cfg.Tier2MinConfidence)
	if !ok {
		_ = o.log.Record(auditlog.Tier2Escalated, map[string]any{"reason": reason})
		return nil
	}

	text, thenEnter := o.cfg.Adapter.FormatInput(d.Text, false)
	if err := o.injectWithHumanOverrideCheck(ctx, text, thenEnter); err != nil {
		return err
	}
	_ = o.log.Record(auditlog.Tier2Answered, map[string]any{"text": d.Text})
	return nil
}

// Pause implements the pause hotkey action (spec.md §4.6 step 7).
func (o *Orchestrator) Pause(ctx context.Context) error {
	if o.mode == ModePaused {
		_ = o.log.Record(auditlog.SupervisorModeChanged, map[string]any{"mode": "paused", "no_op": true})
		return nil
	}
	o.mode = ModePaused
	o.det.Pause()
	if err := o.driver.SetStatus(ctx, o.cfg.Session, o.cfg.Session, "PAUSED — manual input only", ""); err != nil {
		return err
	}
	_ = o.log.Record(auditlog.SupervisorModeChanged, map[string]any{"mode": "paused"})
	return nil
}

// Resume implements the resume hotkey action.
func (o *Orchestrator) Resume(ctx context.Context) error {
	if o.mode == ModeWorking {
		_ = o.log.Record(auditlog.SupervisorModeChanged, map[string]any{"mode": "working", "no_op": true})
		return nil
	}
	o.mode = ModeWorking
	o.det.Resume(time.Now())
	if err := o.driver.SetStatus(ctx, o.cfg.Session, o.cfg.Session, "supervising", ""); err != nil {
		return err
	}
	_ = o.log.Record(auditlog.SupervisorModeChanged, map[string]any{"mode": "working"})
	return nil
}

// PersistState writes the supervision-state file (spec.md §4.6 step 8).
// Marshal, directory-creation and write errors are non-fatal and are not
// logged: the call returns and the state file is left as it was.
func (o *Orchestrator) PersistState() {
	if o.cfg.StatePath == "" {
		return
	}
	st := State{DetectorState: o.det.State(), Offset: o.buf.Checkpoint(), NudgeCount: o.nudges, Mode: o.mode}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(o.cfg.StatePath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(o.cfg.StatePath, data, 0o644)
}

// LoadState reads a previously persisted supervision-state file, if any.
func LoadState(path string) (State, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, false
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false
	}
	return st, true
}

// Nudge sends a nudge text via send_keys, bounded by MaxNudges.
func (o *Orchestrator) Nudge(ctx context.Context, text string) error {
	if o.nudges >= o.cfg.MaxNudges {
		return fmt.Errorf("max nudges (%d) reached", o.cfg.MaxNudges)
	}
	if err := o.driver.SendKeys(ctx, o.cfg.PaneTarget, text, true); err != nil {
		return fmt.Errorf("nudge: %w", err)
	}
	o.nudges++
	_ = o.log.Record(auditlog.NudgeSent, map[string]any{"text": text, "count": o.nudges})
	return nil
}

// StuckAction is the closed set of actions HandleStuck can take.
type StuckAction string

const (
	StuckActionNone     StuckAction = "none"
	StuckActionNudged   StuckAction = "nudged"
	StuckActionEscalated StuckAction = "escalated"
	StuckActionRelaunch StuckAction = "relaunch"
)

// HandleStuck implements the stuck-state action ladder (spec.md §4.6 step
// 6): nudge first, escalate once nudges are exhausted, and finally ask the
// caller to relaunch the executor process. The caller is expected to call
// ResetStuckLadder once it has acted on StuckActionRelaunch.
func (o *Orchestrator) HandleStuck(ctx context.Context, state StuckState) (StuckAction, error) {
	if state != StuckStalled && state != StuckLooping {
		return StuckActionNone, nil
	}
	if o.nudges < o.cfg.MaxNudges {
		text := "still there? please report progress or ask a concrete question."
		if state == StuckLooping {
			text = "this looks like a loop — please try a different approach or ask for help."
		}
		if err := o.Nudge(ctx, text); err != nil {
			return StuckActionNone, err
		}
		return StuckActionNudged, nil
	}
	if !o.stuckEscalated {
		o.stuckEscalated = true
		_ = o.log.Record(auditlog.Tier2Escalated, map[string]any{"reason": "stuck-after-max-nudges", "state": string(state)})
		return StuckActionEscalated, nil
	}
	return StuckActionRelaunch, nil
}

// ResetStuckLadder clears the nudge/escalation/looping counters, called
// after a relaunch gives the executor a fresh start.
func (o *Orchestrator) ResetStuckLadder() {
	o.nudges = 0
	o.stuckEscalated = false
	o.repeatPromptCount = 0
	o.lastPromptText = ""
	o.lastProgressAt = time.Now()
}
