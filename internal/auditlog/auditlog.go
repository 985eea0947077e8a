// Package auditlog appends the structured, machine-readable execution log
// (logs/<run>/execution.jsonl) and mirrors every event through a
// zap.SugaredLogger for the human watching the foreground process.
//
// The log is append-only; concurrent writers to distinct per-run files are
// allowed, but a single Log value serializes its own writes so that lines
// are never interleaved mid-write.
package auditlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind is one of the closed set of structured event kinds from spec.md §6.
type Kind string

const (
	RunStarted             Kind = "run_started"
	LaunchContextSnapshot  Kind = "launch_context_snapshot"
	ExecutorSpawned        Kind = "executor_spawned"
	SupervisorModeChanged  Kind = "supervisor_mode_changed"
	PromptDetected         Kind = "prompt_detected"
	AutoAnswered           Kind = "auto_answered"
	Tier2Invoked           Kind = "tier2_invoked"
	Tier2ContextSnapshot   Kind = "tier2_context_snapshot"
	Tier2Answered          Kind = "tier2_answered"
	Tier2Escalated         Kind = "tier2_escalated"
	StuckDetected          Kind = "stuck_detected"
	NudgeSent              Kind = "nudge_sent"
	HumanOverride          Kind = "human_override"
	TaskStarted            Kind = "task_started"
	TaskCompleted          Kind = "task_completed"
	DoDStarted             Kind = "dod_started"
	DoDResult              Kind = "dod_result"
	CompletionEvaluated    Kind = "completion_evaluated"
	ReviewPacketGenerated  Kind = "review_packet_generated"
	ReviewDecision         Kind = "review_decision"
	DirectorDecisionAudit  Kind = "director_decision_audit"
	ReworkCycleStarted     Kind = "rework_cycle_started"
	PhaseSelectionDecision Kind = "phase_selection_decision"
	MergeStarted           Kind = "merge_started"
	MergeResult            Kind = "merge_result"
	RunCompleted           Kind = "run_completed"
	RunFailed              Kind = "run_failed"
)

// Event is one line of execution.jsonl.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Run       string         `json:"run,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Log is a per-run append-only structured log with a mirrored logger.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	run    string
	logger *zap.SugaredLogger
	now    func() time.Time
}

// Open creates (or truncates-never, appends-always) logs/<run>/execution.jsonl.
func Open(logDir, run string, logger *zap.SugaredLogger) (*Log, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, "execution.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Log{file: f, run: run, logger: logger, now: time.Now}, nil
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Record appends a structured event and mirrors it to the logger. Write
// errors are returned but are treated as non-fatal by every caller in this
// module, matching spec.md §4.6's "persistent state-file write errors are
// logged but non-fatal" posture extended to the audit log itself.
func (l *Log) Record(kind Kind, fields map[string]any) error {
	ev := Event{Timestamp: l.now(), Kind: kind, Run: l.run, Fields: fields}

	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", kind, err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("write event %s: %w", kind, err)
	}

	args := make([]any, 0, len(fields)*2+2)
	args = append(args, "run", l.run)
	for k, v := range fields {
		args = append(args, k, v)
	}
	l.logger.Infow(string(kind), args...)
	return nil
}
