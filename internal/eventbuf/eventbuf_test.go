package eventbuf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripEscapesRemovesAnsiAndCR(t *testing.T) {
	in := []byte("\x1b[32mgreen\x1b[0m\r\ntext")
	out := StripEscapes(in)
	assert.Equal(t, "green\ntext", string(out))
}

func TestClassifyPriorityOrder(t *testing.T) {
	evs := Classify("[task-started:4]")
	require.Len(t, evs, 2)
	assert.Equal(t, KindTaskStarted, evs[0].Kind)
	assert.Equal(t, 4, evs[0].TaskID)
	assert.Equal(t, KindOutputLine, evs[1].Kind)
}

func TestClassifyCommandRan(t *testing.T) {
	evs := Classify("$ go test ./...")
	require.Len(t, evs, 2)
	assert.Equal(t, KindCommandRan, evs[0].Kind)
	assert.Equal(t, "go test ./...", evs[0].Cmd)
}

func TestClassifyFallsBackToOutputLine(t *testing.T) {
	evs := Classify("just some ordinary output")
	require.Len(t, evs, 1)
	assert.Equal(t, KindOutputLine, evs[0].Kind)
}

func TestBufferPollExtractsEventsAndAdvancesOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.log")
	require.NoError(t, os.WriteFile(path, []byte("[task-started:1]\n$ echo hi\n"), 0o644))

	buf, err := Attach(path, 0, 10)
	require.NoError(t, err)
	defer buf.Close()

	events, err := buf.Poll()
	require.NoError(t, err)
	assert.NotEmpty(t, events)
	assert.Greater(t, buf.Checkpoint(), int64(0))
}

func TestBufferPollHoldsBackPartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.log")
	require.NoError(t, os.WriteFile(path, []byte("partial line without newline"), 0o644))

	buf, err := Attach(path, 0, 10)
	require.NoError(t, err)
	defer buf.Close()

	events, err := buf.Poll()
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(0), buf.Checkpoint())
}

func TestBufferSummaryCapBounded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.log")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	buf, err := Attach(path, 0, 2)
	require.NoError(t, err)
	defer buf.Close()

	buf.pushSummary(Event{Kind: KindOutputLine, Text: "a"})
	buf.pushSummary(Event{Kind: KindOutputLine, Text: "b"})
	buf.pushSummary(Event{Kind: KindOutputLine, Text: "c"})
	assert.Len(t, buf.summary, 2)
}
