// Package mux abstracts a terminal multiplexer (tmux): sessions, windows,
// panes, the output-capture sideline, keystroke injection, and the status
// bar. It never embeds a terminal emulator; every operation shells out to
// the configured multiplexer binary the way the teacher's cmd/ao/worktree.go
// wraps `tmux list-sessions` / `kill-session`.
package mux

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind distinguishes multiplexer failure classes (spec.md §4.1).
type ErrorKind string

const (
	ErrMissingBinary     ErrorKind = "missing-binary"
	ErrMissingCapability ErrorKind = "missing-capability"
	ErrNoSuchSession     ErrorKind = "no-such-session"
	ErrNoSuchPane        ErrorKind = "no-such-pane"
	ErrCommandFailed     ErrorKind = "command-failed"
)

// Error is the typed failure returned by every Driver operation.
type Error struct {
	Kind   ErrorKind
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("multiplexer error (%s): %s", e.Kind, e.Stderr)
	}
	return fmt.Sprintf("multiplexer error (%s)", e.Kind)
}

// Capabilities records what the installed multiplexer version supports, and
// which fallback behaviors the driver chose.
type Capabilities struct {
	Major, Minor int
	PatchSuffix  string

	SupportsCaptureSideline bool
	SupportsAppendMode      bool
	SupportsStyledStatus    bool
	SplitUsesPercentFlag    bool // true: -p percent; false: -l lines only

	Fallbacks []string
}

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)([a-zA-Z0-9-]*)`)

// Driver wraps one multiplexer binary.
type Driver struct {
	Command string
	runner  func(ctx context.Context, name string, args ...string) ([]byte, []byte, error)
}

// NewDriver constructs a Driver around the configured binary name.
func NewDriver(command string) *Driver {
	if command == "" {
		command = "tmux"
	}
	return &Driver{Command: command, runner: runExternal}
}

func runExternal(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func (d *Driver) exec(ctx context.Context, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(d.Command); err != nil {
		return nil, &Error{Kind: ErrMissingBinary, Stderr: err.Error()}
	}
	out, stderr, err := d.runner(ctx, d.Command, args...)
	if err != nil {
		kind := ErrCommandFailed
		msg := strings.TrimSpace(string(stderr))
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no such session") {
			kind = ErrNoSuchSession
		} else if strings.Contains(msg, "can't find pane") || strings.Contains(msg, "no such pane") {
			kind = ErrNoSuchPane
		}
		return nil, &Error{Kind: kind, Stderr: msg}
	}
	return out, nil
}

// ProbeCapabilities parses `tmux -V` and tests capture-sideline support.
// Capture sideline is required: its absence is a fail-fast error with
// remediation text.
func (d *Driver) ProbeCapabilities(ctx context.Context) (Capabilities, error) {
	out, err := d.exec(ctx, "-V")
	if err != nil {
		return Capabilities{}, err
	}
	caps := parseVersion(string(out))

	// Treat >=1.8 as capture-sideline-capable, and >=2.0 as
	// append-mode-capable (pipe-pane -o), styled-status-capable and as
	// taking the -p percent flag on split-window.
	if caps.Major > 1 || (caps.Major == 1 && caps.Minor >= 8) {
		caps.SupportsCaptureSideline = true
	}
	if caps.Major >= 2 {
		caps.SupportsAppendMode = true
	}
	if caps.Major >= 2 {
		caps.SupportsStyledStatus = true
	}
	caps.SplitUsesPercentFlag = caps.Major >= 2

	if !caps.SupportsCaptureSideline {
		return caps, &Error{
			Kind:   ErrMissingCapability,
			Stderr: fmt.Sprintf("tmux %d.%d%s lacks capture-sideline support; upgrade to tmux >= 1.8", caps.Major, caps.Minor, caps.PatchSuffix),
		}
	}
	if !caps.SupportsAppendMode {
		caps.Fallbacks = append(caps.Fallbacks, "rotate-and-append capture file (no native -o append mode)")
	}
	if !caps.SupportsStyledStatus {
		caps.Fallbacks = append(caps.Fallbacks, "plain status-bar text (no style attributes)")
	}
	return caps, nil
}

func parseVersion(raw string) Capabilities {
	m := versionPattern.FindStringSubmatch(raw)
	if m == nil {
		return Capabilities{}
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return Capabilities{Major: major, Minor: minor, PatchSuffix: m[3]}
}

// CreateSession starts a new named session with envDeltas set in its
// environment (callers pass the adapter's "refuse nested session"
// variables with empty values to scrub them). firstCommand runs as the
// session's initial command.
func (d *Driver) CreateSession(ctx context.Context, name, cwd string, envDeltas map[string]string, firstCommand string) error {
	args := []string{"new-session", "-d", "-s", name, "-c", cwd}
	if firstCommand != "" {
		args = append(args, firstCommand)
	}
	_, err := d.exec(ctx, withEnv(args, envDeltas)...)
	return err
}

// CreateWindow creates a window in an existing session, applying the same
// environment-scrubbing discipline as CreateSession (spec.md §4.1, §9:
// "Scrub per window, not only per session").
func (d *Driver) CreateWindow(ctx context.Context, session, windowName, cwd string, envDeltas map[string]string, command string) error {
	args := []string{"new-window", "-t", session, "-n", windowName, "-c", cwd}
	if command != "" {
		args = append(args, command)
	}
	_, err := d.exec(ctx, withEnv(args, envDeltas)...)
	return err
}

// withEnv inserts one `-e KEY=VALUE` flag per env delta right after the
// tmux subcommand name, ahead of any positional shell command, so tmux
// applies them to the new session's or window's environment. An empty
// value sets the variable to the empty string.
func withEnv(args []string, envDeltas map[string]string) []string {
	if len(args) == 0 || len(envDeltas) == 0 {
		return args
	}
	out := []string{args[0]}
	for k, v := range envDeltas {
		out = append(out, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	return append(out, args[1:]...)
}

// HasSession reports whether a session currently exists.
func (d *Driver) HasSession(ctx context.Context, name string) bool {
	_, err := d.exec(ctx, "has-session", "-t", name)
	return err == nil
}

// ListSessions returns all live session names.
func (d *Driver) ListSessions(ctx context.Context) ([]string, error) {
	out, err := d.exec(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if me, ok := err.(*Error); ok && me.Kind == ErrCommandFailed {
			return nil, nil // tmux exits non-zero with no sessions; not a real failure
		}
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	var names []string
	for _, l := range lines {
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

// SplitLogPane splits a read-only pane tailing the structured log.
func (d *Driver) SplitLogPane(ctx context.Context, session, logPath string, heightLines int, heightPercent int) error {
	args := []string{"split-window", "-t", session}
	if heightPercent > 0 {
		args = append(args, "-p", strconv.Itoa(heightPercent))
	} else if heightLines > 0 {
		args = append(args, "-l", strconv.Itoa(heightLines))
	}
	args = append(args, fmt.Sprintf("tail -f %s", logPath))
	_, err := d.exec(ctx, args...)
	return err
}

// RenameWindow renames a window.
func (d *Driver) RenameWindow(ctx context.Context, target, name string) error {
	_, err := d.exec(ctx, "rename-window", "-t", target, name)
	return err
}

// SelectWindow focuses a window.
func (d *Driver) SelectWindow(ctx context.Context, target string) error {
	_, err := d.exec(ctx, "select-window", "-t", target)
	return err
}

// PipePane enables (or disables) the capture sideline writing to logPath.
// overwrite adds tmux's -o flag; either way the sideline command appends
// to logPath (cat >>), so an existing capture file is never truncated.
func (d *Driver) PipePane(ctx context.Context, target, logPath string, overwrite bool) error {
	args := []string{"pipe-pane", "-t", target}
	if overwrite {
		args = append(args, "-o")
	}
	args = append(args, fmt.Sprintf("cat >> %s", logPath))
	_, err := d.exec(ctx, args...)
	return err
}

// SendKeys injects literal text into a pane, optionally followed by Enter.
// Injections are the caller's responsibility to serialize; this method
// issues exactly one tmux invocation per call.
func (d *Driver) SendKeys(ctx context.Context, target, literal string, thenEnter bool) error {
	args := []string{"send-keys", "-t", target, "-l", literal}
	if _, err := d.exec(ctx, args...); err != nil {
		return err
	}
	if thenEnter {
		_, err := d.exec(ctx, "send-keys", "-t", target, "Enter")
		return err
	}
	return nil
}

// CapturePane returns the current rendered pane content.
func (d *Driver) CapturePane(ctx context.Context, target string) (string, error) {
	out, err := d.exec(ctx, "capture-pane", "-t", target, "-p")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SetStatus configures the status bar text and style.
func (d *Driver) SetStatus(ctx context.Context, session, left, right, style string) error {
	if _, err := d.exec(ctx, "set-option", "-t", session, "status-left", left); err != nil {
		return err
	}
	if _, err := d.exec(ctx, "set-option", "-t", session, "status-right", right); err != nil {
		return err
	}
	if style != "" {
		if _, err := d.exec(ctx, "set-option", "-t", session, "status-style", style); err != nil {
			return err
		}
	}
	return nil
}

// SetTitle sets the session's set-titles-string option (the terminal title).
func (d *Driver) SetTitle(ctx context.Context, session, text string) error {
	_, err := d.exec(ctx, "set-option", "-t", session, "set-titles-string", text)
	return err
}

// ConfigureHotkey binds a prefix+key combination to a tag the driver can
// later report via PollHotkeyAction. Implemented with tmux's `bind-key`
// writing a marker file, which PollHotkeyAction consumes and clears.
func (d *Driver) ConfigureHotkey(ctx context.Context, session, key, markerPath, actionTag string) error {
	cmd := fmt.Sprintf("run-shell \"echo %s > %s\"", actionTag, markerPath)
	_, err := d.exec(ctx, "bind-key", "-T", "prefix", key, cmd)
	return err
}

// PollHotkeyAction reads and clears a pending hotkey marker written by a
// ConfigureHotkey binding's run-shell action. It returns ("", false) when
// no marker file is present, which is the steady-state common case.
func PollHotkeyAction(markerPath string) (string, bool) {
	data, err := os.ReadFile(markerPath)
	if err != nil {
		return "", false
	}
	_ = os.Remove(markerPath)
	tag := strings.TrimSpace(string(data))
	if tag == "" {
		return "", false
	}
	return tag, true
}

// KillSession terminates a session.
func (d *Driver) KillSession(ctx context.Context, name string) error {
	_, err := d.exec(ctx, "kill-session", "-t", name)
	return err
}

// PaneDetail describes one pane returned by ListPanes.
type PaneDetail struct {
	ID     string
	Active bool
	Dead   bool
}

// ListPanes lists the panes of a session.
func (d *Driver) ListPanes(ctx context.Context, session string) ([]PaneDetail, error) {
	out, err := d.exec(ctx, "list-panes", "-t", session, "-F", "#{pane_id}\t#{pane_active}\t#{pane_dead}")
	if err != nil {
		return nil, err
	}
	var panes []PaneDetail
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) != 3 {
			continue
		}
		panes = append(panes, PaneDetail{
			ID:     parts[0],
			Active: parts[1] == "1",
			Dead:   parts[2] == "1",
		})
	}
	return panes, nil
}
