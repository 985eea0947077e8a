package sched

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battysh/batty/internal/board"
)

func TestNextUnclaimedSkipsClaimedIDs(t *testing.T) {
	id, ok := nextUnclaimed([]int{1, 2, 3}, map[int]bool{1: true})
	require.True(t, ok)
	assert.Equal(t, 2, id)
}

func TestNextUnclaimedNoneLeft(t *testing.T) {
	_, ok := nextUnclaimed([]int{1}, map[int]bool{1: true})
	assert.False(t, ok)
}

func TestFindTask(t *testing.T) {
	tasks := []board.Task{{ID: 1}, {ID: 2}}
	task, ok := findTask(tasks, 2)
	require.True(t, ok)
	assert.Equal(t, 2, task.ID)

	_, ok = findTask(tasks, 99)
	assert.False(t, ok)
}

func TestTickDispatchesReadyTaskToIdleSlot(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake board CLI script requires a POSIX shell")
	}
	dir := t.TempDir()
	fakeBoard := writeFakeBoardCLI(t, dir)

	boardCLI := board.NewCLI(fakeBoard, dir, 5*time.Second)
	slots := []*Slot{{Identity: "batty/1/agent-a", State: SlotIdle}}
	s := New(boardCLI, "1", slots, time.Second, time.Minute, nil, nil)

	done, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, SlotActive, slots[0].State)
	assert.Equal(t, 1, slots[0].TaskID)
}

func writeFakeBoardCLI(t *testing.T, dir string) string {
	t.Helper()
	script := `#!/bin/sh
case "$2" in
  show)
    echo '{"id":"1","tasks":[{"id":1,"status":"todo"}]}'
    ;;
  claim)
    exit 0
    ;;
  task)
    echo '{"id":1,"status":"in-progress","claimed_by":"batty/1/agent-a"}'
    ;;
  release)
    exit 0
    ;;
esac
`
	path := filepath.Join(dir, "fakeboard.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}
