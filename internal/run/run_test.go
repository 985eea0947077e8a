package run

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeLaunchContextMissingInstructionFile(t *testing.T) {
	dir := t.TempDir()
	_, err := ComposeLaunchContext(dir, []string{"CLAUDE.md", "AGENTS.md"}, filepath.Join(dir, "phase.md"), "", "", nil, "", "batty/1/agent-a", 1)
	require.ErrorIs(t, err, ErrMissingInstructionFile)
}

func TestComposeLaunchContextMissingPhaseDocument(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("instructions"), 0o644))
	_, err := ComposeLaunchContext(dir, []string{"CLAUDE.md"}, filepath.Join(dir, "missing-phase.md"), "", "", nil, "", "batty/1/agent-a", 1)
	require.ErrorIs(t, err, ErrMissingPhaseDocument)
}

func TestComposeLaunchContextPicksFirstExistingCandidate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("agents instructions"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "phase.md"), []byte("phase doc"), 0o644))

	lc, err := ComposeLaunchContext(dir, []string{"CLAUDE.md", "AGENTS.md"}, filepath.Join(dir, "phase.md"), "board", "policy", []string{"summary.md"}, "", "batty/1/agent-a", 1)
	require.NoError(t, err)
	assert.Equal(t, "AGENTS.md", lc.InstructionFile)
	assert.Contains(t, lc.Render(), "batty/1/agent-a")
}

func TestPersistWritesContextAndMetadata(t *testing.T) {
	dir := t.TempDir()
	lc := LaunchContext{InstructionFile: "AGENTS.md", ClaimIdentity: "batty/1/agent-a"}
	contextPath, metaPath, err := Persist(dir, lc, Metadata{SourceFiles: []string{"AGENTS.md"}, Hashes: map[string]string{"AGENTS.md": "abc123"}})
	require.NoError(t, err)
	data, err := os.ReadFile(contextPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "batty/1/agent-a")
	metaData, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	assert.Contains(t, string(metaData), "abc123")
}

func TestClaimIdentityAndBranchNameConvention(t *testing.T) {
	assert.Equal(t, "batty/1/agent-a", ClaimIdentity("1", "agent-a", 0))
	assert.Equal(t, "batty/1/agent-a", BranchName("1", "agent-a"))
}

func TestClaimIdentityUniqueAcrossSlots(t *testing.T) {
	seen := map[string]bool{}
	for slot := 1; slot <= 4; slot++ {
		id := ClaimIdentity("1", "claude", slot)
		require.Falsef(t, seen[id], "slot %d produced a duplicate claim identity %q", slot, id)
		seen[id] = true
	}
	assert.NotEqual(t, ClaimIdentity("1", "claude", 0), ClaimIdentity("1", "claude", 1),
		"the single-agent identity must not collide with any parallel slot's identity")
}

func TestProvisionWorktreeCreatesNewBranch(t *testing.T) {
	repo := initRunTestRepo(t)
	wt, err := ProvisionWorktree(context.Background(), repo, "1", "agent-a", "main", false, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "batty/1/agent-a", wt.Branch)
	assert.DirExists(t, wt.Path)
}

func TestProvisionWorktreeReusesExisting(t *testing.T) {
	repo := initRunTestRepo(t)
	wt1, err := ProvisionWorktree(context.Background(), repo, "1", "agent-a", "main", false, 10*time.Second)
	require.NoError(t, err)

	wt2, err := ProvisionWorktree(context.Background(), repo, "1", "agent-a", "main", false, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, wt1.Path, wt2.Path)
}

func TestMaxRetriesExceeded(t *testing.T) {
	assert.False(t, MaxRetriesExceeded(1, 3))
	assert.False(t, MaxRetriesExceeded(3, 3))
	assert.True(t, MaxRetriesExceeded(4, 3))
}

func initRunTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init", "-b", "main")
	runGitCmd(t, dir, "config", "user.email", "test@example.com")
	runGitCmd(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	runGitCmd(t, dir, "add", "README.md")
	runGitCmd(t, dir, "commit", "-m", "initial")
	return dir
}

func runGitCmd(t *testing.T, cwd string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
}
