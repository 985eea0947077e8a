// Package tier2 implements the Tier-2 Delegator (spec.md §4.5): composing a
// deterministic context block, invoking an external supervisor program,
// and parsing its reply.
package tier2

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/battysh/batty/internal/adapter"
)

// Context is the deterministic, fixed-section composition handed to the
// external supervisor.
type Context struct {
	RolePreamble      string
	PromptText        string
	PromptKind        adapter.PromptKind
	InstructionExcerpt string
	EventsSummary     string
	OutputGuidance    string
}

const defaultRolePreamble = "You are a supervising assistant deciding how to respond to a blocked CLI agent."
const defaultOutputGuidance = "Reply with a single line answer, or begin the line with ESCALATE: <reason> if you cannot decide."
const maxPromptTextLen = 4000

// ComposeContext builds the fixed-order context sections. The prompt text
// is truncated to maxPromptTextLen; truncation is explicit in the output
// so a human reading a snapshot can tell it happened.
func ComposeContext(promptText string, kind adapter.PromptKind, instructionExcerpt, eventsSummary string) Context {
	text := promptText
	if len(text) > maxPromptTextLen {
		text = text[:maxPromptTextLen] + "\n...[truncated]"
	}
	return Context{
		RolePreamble:       defaultRolePreamble,
		PromptText:         text,
		PromptKind:         kind,
		InstructionExcerpt: instructionExcerpt,
		EventsSummary:      eventsSummary,
		OutputGuidance:     defaultOutputGuidance,
	}
}

// Render serializes the context into the ordered textual sections sent on
// standard input to the external program.
func (c Context) Render() string {
	var sb strings.Builder
	sb.WriteString(c.RolePreamble)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "## Prompt (%s)\n%s\n\n", c.PromptKind, c.PromptText)
	if c.InstructionExcerpt != "" {
		fmt.Fprintf(&sb, "## Project instructions\n%s\n\n", c.InstructionExcerpt)
	}
	if c.EventsSummary != "" {
		fmt.Fprintf(&sb, "## Recent events\n%s\n\n", c.EventsSummary)
	}
	fmt.Fprintf(&sb, "## Output format\n%s\n", c.OutputGuidance)
	return sb.String()
}

// DecisionKind is the closed set of Tier-2 reply classifications.
type DecisionKind string

const (
	DecisionAnswer   DecisionKind = "answer"
	DecisionEscalate DecisionKind = "escalate"
)

// Decision is the parsed supervisor reply.
type Decision struct {
	Kind       DecisionKind
	Text       string
	Confidence float64
	HasConfidence bool
	Reason     string
}

var escalatePrefix = regexp.MustCompile(`(?i)^ESCALATE:\s*(.*)$`)
var confidenceSuffix = regexp.MustCompile(`\(confidence[:=]\s*([0-9.]+)\)\s*$`)

// Call spawns program with args, writing the composed context to standard
// input, waits up to timeout, and parses the response.
func Call(ctx context.Context, c Context, program string, args []string, timeout time.Duration) (Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, program, args...)
	cmd.Stdin = strings.NewReader(c.Render())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return Decision{}, fmt.Errorf("tier2 call timed out after %s", timeout)
	}
	if err != nil {
		return Decision{}, fmt.Errorf("tier2 call failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return Decision{}, fmt.Errorf("tier2 call produced empty output")
	}
	return parseDecision(out), nil
}

func parseDecision(out string) Decision {
	if m := escalatePrefix.FindStringSubmatch(out); m != nil {
		return Decision{Kind: DecisionEscalate, Reason: strings.TrimSpace(m[1])}
	}
	d := Decision{Kind: DecisionAnswer, Text: out}
	if m := confidenceSuffix.FindStringSubmatch(out); m != nil {
		if conf, err := strconv.ParseFloat(m[1], 64); err == nil {
			d.Confidence = conf
			d.HasConfidence = true
			d.Text = strings.TrimSpace(confidenceSuffix.ReplaceAllString(out, ""))
		}
	}
	return d
}

var redactionKeywords = []string{"authorization", "token", "password", "api key", "bearer", "secret"}

// Redact replaces lines containing any fixed-list keyword with a
// "[redacted]" placeholder, case-insensitively.
func Redact(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, kw := range redactionKeywords {
			if strings.Contains(lower, kw) {
				lines[i] = "[redacted]"
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

// Snapshot writes the redacted context to tier2-context-<index>.md under
// logDir and returns its path. The orchestrator log records only this
// path, never the body.
func Snapshot(c Context, index int, logDir string) (string, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir %s: %w", logDir, err)
	}
	path := filepath.Join(logDir, fmt.Sprintf("tier2-context-%d.md", index))
	redacted := Redact(c.Render())
	if err := os.WriteFile(path, []byte(redacted), 0o644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return path, nil
}

// Injectable applies the Orchestrator-side injectability gates (spec.md
// §4.5): single line (trailing newline permitted as then-enter), length
// cap, and — under fully-auto — a minimum confidence with missing
// confidence counting as a violation.
func Injectable(d Decision, maxLen int, fullyAuto bool, minConfidence float64) (ok bool, reason string) {
	if d.Kind != DecisionAnswer {
		return false, "not-an-answer"
	}
	body := strings.TrimSuffix(d.Text, "\n")
	if strings.Contains(body, "\n") {
		return false, "multi-line-answer"
	}
	if maxLen > 0 && len(body) > maxLen {
		return false, "answer-too-long"
	}
	if fullyAuto {
		if !d.HasConfidence {
			return false, "missing-confidence"
		}
		if d.Confidence < minConfidence {
			return false, "confidence-below-threshold"
		}
	}
	return true, ""
}
