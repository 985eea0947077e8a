package mergequeue

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

func TestProcessMergesCleanBranch(t *testing.T) {
	repo := initGitRepo(t)
	base := runGitOutput(t, repo, "rev-parse", "--abbrev-ref", "HEAD")
	baseBranch := strings.TrimSpace(base)

	runGit(t, repo, "switch", "-c", "batty/1/agent-a")
	writeFile(t, repo, "feature.txt", "content")
	runGit(t, repo, "add", "feature.txt")
	runGit(t, repo, "commit", "-m", "add feature")
	runGit(t, repo, "switch", baseBranch)

	q := New(false, nil, 10*time.Second, false)
	res := q.Process(context.Background(), Request{PhaseID: "1", RunBranch: "batty/1/agent-a", RepoRoot: repo}, baseBranch)
	assert.Equal(t, OutcomeMerged, res.Outcome)

	data, err := os.ReadFile(filepath.Join(repo, "feature.txt"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestProcessEscalatesOnConflict(t *testing.T) {
	repo := initGitRepo(t)
	base := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))

	runGit(t, repo, "switch", "-c", "batty/1/agent-a")
	writeFile(t, repo, "README.md", "from branch\n")
	runGit(t, repo, "add", "README.md")
	runGit(t, repo, "commit", "-m", "branch change")
	runGit(t, repo, "switch", base)
	writeFile(t, repo, "README.md", "from base\n")
	runGit(t, repo, "add", "README.md")
	runGit(t, repo, "commit", "-m", "base change")

	q := New(false, nil, 10*time.Second, false)
	res := q.Process(context.Background(), Request{PhaseID: "1", RunBranch: "batty/1/agent-a", RepoRoot: repo}, base)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Contains(t, res.Reason, "conflict")
}

func TestProcessRevertsOnTestGateFailure(t *testing.T) {
	repo := initGitRepo(t)
	base := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "--abbrev-ref", "HEAD"))

	runGit(t, repo, "switch", "-c", "batty/1/agent-a")
	writeFile(t, repo, "feature.txt", "content")
	runGit(t, repo, "add", "feature.txt")
	runGit(t, repo, "commit", "-m", "add feature")
	runGit(t, repo, "switch", base)

	failingGate := func(ctx context.Context, dir string) error {
		return assertError()
	}
	q := New(false, failingGate, 10*time.Second, false)
	res := q.Process(context.Background(), Request{PhaseID: "1", RunBranch: "batty/1/agent-a", RepoRoot: repo}, base)
	assert.Equal(t, OutcomeEscalated, res.Outcome)
	assert.Contains(t, res.Reason, "test gate failed")
	assert.NoFileExists(t, filepath.Join(repo, "feature.txt"))
}

func assertError() error {
	return &testGateError{}
}

type testGateError struct{}

func (e *testGateError) Error() string { return "gate failed" }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, cwd string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
}

func runGitOutput(t *testing.T, cwd string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %s output failed: %v", strings.Join(args, " "), err)
	}
	return string(out)
}
