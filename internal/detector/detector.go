// Package detector implements the Prompt Detector state machine over the
// event stream and wall-clock ticks (spec.md §4.3): Working, Question,
// Answering, Paused.
package detector

import (
	"strings"
	"time"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/eventbuf"
)

// State is the closed set of detector states.
type State string

const (
	StateWorking   State = "working"
	StateQuestion  State = "question"
	StateAnswering State = "answering"
	StatePaused    State = "paused"
)

// Config carries the tunable parameters spec.md §4.3 names.
type Config struct {
	SilenceTimeout         time.Duration
	AnswerCooldown         time.Duration
	UnknownRequestFallback bool
	IdleInputFallback      bool
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		SilenceTimeout: 3 * time.Second,
		AnswerCooldown: 1 * time.Second,
	}
}

// PromptDetected is the event the detector emits on a Working -> Question
// transition.
type PromptDetected struct {
	Text string
	Kind adapter.PromptKind
}

var idleCursorSuffixes = []string{">", "$", "❯", "# "}

// Detector is the stateful machine. It is not safe for concurrent use; the
// Orchestrator owns it exclusively and ticks it from a single goroutine.
type Detector struct {
	cfg      Config
	patterns []adapter.PromptPattern

	state        State
	lastByteAt   time.Time
	answerUntil  time.Time
	lastNonBlank string
	pending      *PromptDetected
}

// New constructs a Detector bound to one adapter's static pattern set.
func New(cfg Config, patterns []adapter.PromptPattern) *Detector {
	return &Detector{cfg: cfg, patterns: patterns, state: StateWorking, lastByteAt: time.Now()}
}

// State reports the current state.
func (d *Detector) State() State {
	return d.state
}

// Feed processes newly extracted events in sequence order, updating
// silence tracking and matching inline known-prompt patterns. It returns a
// PromptDetected if a Working -> Question transition fires.
func (d *Detector) Feed(now time.Time, events []eventbuf.Event) *PromptDetected {
	if d.state == StatePaused {
		return nil
	}
	if len(events) == 0 {
		return nil
	}
	d.lastByteAt = now

	if d.state == StateAnswering {
		// Any new bytes during the cooldown are treated as "already
		// answered"; bytes alone do not re-arm detection, but a later
		// tick will flip back to Working once the cooldown elapses.
		for _, ev := range events {
			if ev.Kind == eventbuf.KindOutputLine && strings.TrimSpace(ev.Text) != "" {
				d.lastNonBlank = ev.Text
			}
		}
		return nil
	}

	var detected *PromptDetected
	for _, ev := range events {
		if ev.Kind != eventbuf.KindOutputLine {
			continue
		}
		line := ev.Text
		if strings.TrimSpace(line) != "" {
			d.lastNonBlank = line
		}
		if detected == nil {
			if kind, ok := d.matchPattern(line); ok {
				detected = &PromptDetected{Text: line, Kind: kind}
			}
		}
	}

	if detected != nil && d.state == StateWorking {
		d.state = StateQuestion
		d.pending = detected
		return detected
	}
	return nil
}

// Tick advances wall-clock-driven transitions: silence-timeout fallback
// detection in Working, and cooldown expiry in Answering.
func (d *Detector) Tick(now time.Time) *PromptDetected {
	switch d.state {
	case StateWorking:
		if now.Sub(d.lastByteAt) < d.cfg.SilenceTimeout {
			return nil
		}
		if kind, ok := d.matchPattern(d.lastNonBlank); ok {
			pd := &PromptDetected{Text: d.lastNonBlank, Kind: kind}
			d.state = StateQuestion
			d.pending = pd
			return pd
		}
		if d.cfg.IdleInputFallback && looksLikeIdleCursor(d.lastNonBlank) {
			pd := &PromptDetected{Text: d.lastNonBlank, Kind: adapter.KindIdleUnknown}
			d.state = StateQuestion
			d.pending = pd
			return pd
		}
		if d.cfg.UnknownRequestFallback && strings.TrimSpace(d.lastNonBlank) != "" {
			// The idle-cursor and known-pattern checks above already ruled
			// out a recognized prompt; a non-blank line surviving the
			// silence timeout is an open-ended request the adapter's
			// static pattern set was never taught about.
			pd := &PromptDetected{Text: d.lastNonBlank, Kind: adapter.KindOpenEnded}
			d.state = StateQuestion
			d.pending = pd
			return pd
		}
		return nil
	case StateAnswering:
		if now.After(d.answerUntil) || now.Equal(d.answerUntil) {
			d.state = StateWorking
			d.lastByteAt = now
		}
		return nil
	default:
		return nil
	}
}

// ScheduleReply transitions Question -> Answering once the orchestrator has
// committed to sending a reply.
func (d *Detector) ScheduleReply(now time.Time) {
	if d.state != StateQuestion {
		return
	}
	d.state = StateAnswering
	d.answerUntil = now.Add(d.cfg.AnswerCooldown)
}

// HumanOverride resets the detector to Working with a fresh silence timer,
// used when a human has answered the prompt themselves.
func (d *Detector) HumanOverride(now time.Time) {
	d.state = StateWorking
	d.lastByteAt = now
	d.pending = nil
}

// Pause is the flag gate from the Paused supervision mode; the detector
// itself never transitions into Paused on its own (spec.md §4.3).
func (d *Detector) Pause() {
	d.state = StatePaused
}

// Resume clears the Paused gate and resets to Working with a fresh timer.
func (d *Detector) Resume(now time.Time) {
	d.state = StateWorking
	d.lastByteAt = now
	d.pending = nil
}

// matchPattern applies the tie-break rule: a known-pattern match beats an
// idle fallback, and the first pattern in the adapter's priority-ordered
// list wins among equal priorities.
func (d *Detector) matchPattern(line string) (adapter.PromptKind, bool) {
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	for _, p := range d.patterns {
		if p.Pattern.MatchString(line) {
			return p.Kind, true
		}
	}
	return "", false
}

func looksLikeIdleCursor(line string) bool {
	trimmed := strings.TrimRight(line, " ")
	for _, suffix := range idleCursorSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	return false
}
