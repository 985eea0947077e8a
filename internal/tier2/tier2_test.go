package tier2

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battysh/batty/internal/adapter"
)

func TestComposeContextTruncatesLongPrompt(t *testing.T) {
	long := make([]byte, maxPromptTextLen+500)
	for i := range long {
		long[i] = 'x'
	}
	c := ComposeContext(string(long), adapter.KindYesNoConfirm, "", "")
	assert.Contains(t, c.PromptText, "[truncated]")
	assert.LessOrEqual(t, len(c.PromptText), maxPromptTextLen+20)
}

func TestRenderIncludesOrderedSections(t *testing.T) {
	c := ComposeContext("Continue? [y/n]", adapter.KindYesNoConfirm, "do X", "task started")
	rendered := c.Render()
	promptIdx := indexOf(rendered, "## Prompt")
	instrIdx := indexOf(rendered, "## Project instructions")
	eventsIdx := indexOf(rendered, "## Recent events")
	formatIdx := indexOf(rendered, "## Output format")
	assert.True(t, promptIdx < instrIdx)
	assert.True(t, instrIdx < eventsIdx)
	assert.True(t, eventsIdx < formatIdx)
}

func TestParseDecisionEscalate(t *testing.T) {
	d := parseDecision("ESCALATE: ambiguous request")
	assert.Equal(t, DecisionEscalate, d.Kind)
	assert.Equal(t, "ambiguous request", d.Reason)
}

func TestParseDecisionAnswerWithConfidence(t *testing.T) {
	d := parseDecision("yes (confidence: 0.9)")
	assert.Equal(t, DecisionAnswer, d.Kind)
	assert.Equal(t, "yes", d.Text)
	assert.True(t, d.HasConfidence)
	assert.InDelta(t, 0.9, d.Confidence, 0.001)
}

func TestRedactReplacesSensitiveLines(t *testing.T) {
	in := "normal line\nAuthorization: Bearer abc123\nanother normal line"
	out := Redact(in)
	assert.Contains(t, out, "[redacted]")
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, "normal line")
}

func TestSnapshotWritesRedactedFile(t *testing.T) {
	dir := t.TempDir()
	c := ComposeContext("token: xyz", adapter.KindOpenEnded, "", "")
	path, err := Snapshot(c, 1, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tier2-context-1.md"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[redacted]")
}

func TestInjectableRejectsMultiLineAnswer(t *testing.T) {
	d := Decision{Kind: DecisionAnswer, Text: "line1\nline2"}
	ok, reason := Injectable(d, 100, false, 0)
	assert.False(t, ok)
	assert.Equal(t, "multi-line-answer", reason)
}

func TestInjectableFullyAutoRequiresConfidence(t *testing.T) {
	d := Decision{Kind: DecisionAnswer, Text: "yes"}
	ok, reason := Injectable(d, 100, true, 0.5)
	assert.False(t, ok)
	assert.Equal(t, "missing-confidence", reason)

	d.HasConfidence = true
	d.Confidence = 0.9
	ok, _ = Injectable(d, 100, true, 0.5)
	assert.True(t, ok)
}

func TestCallTimesOut(t *testing.T) {
	_, err := Call(context.Background(), Context{}, "sleep", []string{"5"}, 10*time.Millisecond)
	require.Error(t, err)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
