package mux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollHotkeyActionNoMarker(t *testing.T) {
	tag, ok := PollHotkeyAction(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, ok)
	assert.Empty(t, tag)
}

func TestPollHotkeyActionConsumesMarkerOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotkey")
	require.NoError(t, os.WriteFile(path, []byte("pause\n"), 0o644))

	tag, ok := PollHotkeyAction(path)
	require.True(t, ok)
	assert.Equal(t, "pause", tag)

	_, ok = PollHotkeyAction(path)
	assert.False(t, ok, "marker file must be cleared after one poll")
}

func TestParseVersion(t *testing.T) {
	caps := parseVersion("tmux 3.3a")
	assert.Equal(t, 3, caps.Major)
	assert.Equal(t, 3, caps.Minor)
	assert.Equal(t, "a", caps.PatchSuffix)
}

func TestParseVersionBelowFloor(t *testing.T) {
	caps := parseVersion("tmux 1.6")
	assert.Equal(t, 1, caps.Major)
	assert.Equal(t, 6, caps.Minor)
}

func TestAcquireLeaseRefusesWhileHeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.lease")

	l1, err := AcquireLease(path, "batty-phase1")
	require.NoError(t, err)
	assert.Equal(t, "batty-phase1", l1.Session)

	_, err = AcquireLease(path, "batty-phase1")
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, l1.Release(path))

	l2, err := AcquireLease(path, "batty-phase1")
	require.NoError(t, err)
	assert.NotNil(t, l2)
}

func TestAcquireLeaseReclaimsStaleLease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.lease")

	stale := &Lease{PID: 999999999, Session: "batty-phase1"}
	require.NoError(t, writeLease(path, stale))

	l, err := AcquireLease(path, "batty-phase1")
	require.NoError(t, err)
	assert.NotEqual(t, 999999999, l.PID)
}
