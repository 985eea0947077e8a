// Package eventbuf reads the multiplexer capture sideline and extracts
// structured events: it strips terminal escapes, splits lines, classifies
// each line against a priority-ordered pattern set, and maintains a bounded
// rolling window plus a resumable read offset (spec.md §3, §4.2).
package eventbuf

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Kind is one of the closed set of structured event kinds.
type Kind string

const (
	KindTaskStarted      Kind = "task-started"
	KindFileCreated      Kind = "file-created"
	KindFileModified     Kind = "file-modified"
	KindCommandRan       Kind = "command-ran"
	KindTestRan          Kind = "test-ran"
	KindPromptCandidate  Kind = "prompt-candidate"
	KindTaskCompleted    Kind = "task-completed"
	KindCommitMade       Kind = "commit-made"
	KindOutputLine       Kind = "output-line"
)

// Event is one structured item extracted from the capture stream.
type Event struct {
	Kind     Kind
	Seq      uint64
	Offset   int64
	Text     string
	TaskID   int
	Path     string
	Cmd      string
	OK       bool
	Count    int
	SHA      string
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[@-Z\\-_]`)

// extractionRule is one priority-ordered line classifier. Rules run in the
// exact order listed in spec.md §4.2: task-started > task-completed >
// test-ran > command-ran > commit-made > file-created > file-modified >
// prompt-candidate > raw-line (always additionally emitted as output-line).
type extractionRule struct {
	kind  Kind
	match *regexp.Regexp
	build func(line string, m []string) Event
}

var rules = []extractionRule{
	{
		kind:  KindTaskStarted,
		match: regexp.MustCompile(`^\s*\[task-started:(\d+)\]`),
		build: func(_ string, m []string) Event {
			id, _ := strconv.Atoi(m[1])
			return Event{Kind: KindTaskStarted, TaskID: id}
		},
	},
	{
		kind:  KindTaskCompleted,
		match: regexp.MustCompile(`^\s*\[task-completed:(\d+)\]`),
		build: func(_ string, m []string) Event {
			id, _ := strconv.Atoi(m[1])
			return Event{Kind: KindTaskCompleted, TaskID: id}
		},
	},
	{
		kind:  KindTestRan,
		match: regexp.MustCompile(`^\s*(\d+) (?:tests?|passed|examples?) (?:ran|passed|completed)(.*?)(ok|ok\.|FAIL|failed)?\s*$`),
		build: func(line string, m []string) Event {
			count, _ := strconv.Atoi(m[1])
			ok := !strings.Contains(strings.ToLower(line), "fail")
			return Event{Kind: KindTestRan, Count: count, OK: ok, Text: line}
		},
	},
	{
		kind:  KindCommandRan,
		match: regexp.MustCompile(`^\$ (.+)$`),
		build: func(_ string, m []string) Event {
			return Event{Kind: KindCommandRan, Cmd: m[1], OK: true}
		},
	},
	{
		kind:  KindCommitMade,
		match: regexp.MustCompile(`^\s*\[[\w/.\-]+ ([0-9a-f]{7,40})\]`),
		build: func(_ string, m []string) Event {
			return Event{Kind: KindCommitMade, SHA: m[1]}
		},
	},
	{
		kind:  KindFileCreated,
		match: regexp.MustCompile(`^\s*create(?:d)? (?:mode \d+ )?(\S+)\s*$`),
		build: func(_ string, m []string) Event {
			return Event{Kind: KindFileCreated, Path: m[1]}
		},
	},
	{
		kind:  KindFileModified,
		match: regexp.MustCompile(`^\s*modif(?:y|ied) (\S+)\s*$`),
		build: func(_ string, m []string) Event {
			return Event{Kind: KindFileModified, Path: m[1]}
		},
	},
	{
		kind:  KindPromptCandidate,
		match: regexp.MustCompile(`(?i)(\?|\[y/n\]|continue|proceed)\s*$`),
		build: func(line string, _ []string) Event {
			return Event{Kind: KindPromptCandidate, Text: strings.TrimSpace(line)}
		},
	},
}

// StripEscapes removes terminal escape sequences and carriage returns.
func StripEscapes(b []byte) []byte {
	b = bytes.ReplaceAll(b, []byte("\r"), []byte(""))
	return ansiEscape.ReplaceAll(b, nil)
}

// Classify applies the priority-ordered rule set to one already-stripped
// line, always also returning a raw output-line event for diagnostic
// replay.
func Classify(line string) []Event {
	var out []Event
	for _, r := range rules {
		if m := r.match.FindStringSubmatch(line); m != nil {
			ev := r.build(line, m)
			ev.Kind = r.kind
			out = append(out, ev)
			break
		}
	}
	out = append(out, Event{Kind: KindOutputLine, Text: line})
	return out
}

// Buffer reads a growing capture file and extracts structured events,
// keeping a bounded rolling summary window.
type Buffer struct {
	path        string
	file        *os.File
	offset      int64
	seq         uint64
	summaryCap  int
	summary     []Event
	partialLine []byte
}

// Attach opens the capture file at path and seeks to startOffset. A
// checkpoint offset is always rounded to a complete line, so attaching at
// it never duplicates or loses a mid-line event.
func Attach(path string, startOffset int64, summaryCap int) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file %s: %w", path, err)
	}
	if startOffset > 0 {
		if _, err := f.Seek(startOffset, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek capture file %s: %w", path, err)
		}
	}
	if summaryCap <= 0 {
		summaryCap = 50
	}
	return &Buffer{path: path, file: f, offset: startOffset, summaryCap: summaryCap}, nil
}

// Close releases the underlying file handle.
func (b *Buffer) Close() error {
	return b.file.Close()
}

// Poll reads any new bytes since the last call, extracts events, advances
// the offset, and evicts the rolling summary FIFO.
func (b *Buffer) Poll() ([]Event, error) {
	chunk, err := readAll(b.file)
	if err != nil {
		return nil, fmt.Errorf("read capture file %s: %w", b.path, err)
	}
	if len(chunk) == 0 {
		return nil, nil
	}

	data := append(b.partialLine, StripEscapes(chunk)...)
	lines := bytes.Split(data, []byte("\n"))

	// The final element is an incomplete line (no trailing newline seen
	// yet); hold it back until more bytes arrive.
	complete := lines[:len(lines)-1]
	b.partialLine = append([]byte{}, lines[len(lines)-1]...)

	var events []Event
	for _, lb := range complete {
		line := string(lb)
		b.offset += int64(len(lb)) + 1
		for _, ev := range Classify(line) {
			b.seq++
			ev.Seq = b.seq
			ev.Offset = b.offset
			events = append(events, ev)
			b.pushSummary(ev)
		}
	}
	return events, nil
}

func (b *Buffer) pushSummary(ev Event) {
	b.summary = append(b.summary, ev)
	if len(b.summary) > b.summaryCap {
		b.summary = b.summary[len(b.summary)-b.summaryCap:]
	}
}

// Summary renders the last n events (or all of the rolling window if n <=
// 0 or exceeds its size) as a compact text block for Tier-2 context
// composition.
func (b *Buffer) Summary(n int) string {
	events := b.summary
	if n > 0 && n < len(events) {
		events = events[len(events)-n:]
	}
	var sb strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&sb, "[%d] %s: %s\n", ev.Seq, ev.Kind, summaryText(ev))
	}
	return sb.String()
}

func summaryText(ev Event) string {
	switch ev.Kind {
	case KindTaskStarted, KindTaskCompleted:
		return fmt.Sprintf("task %d", ev.TaskID)
	case KindCommandRan:
		return ev.Cmd
	case KindCommitMade:
		return ev.SHA
	case KindFileCreated, KindFileModified:
		return ev.Path
	default:
		return ev.Text
	}
}

// Checkpoint returns the current offset, already rounded to a complete
// line because partial lines are never counted into b.offset.
func (b *Buffer) Checkpoint() int64 {
	return b.offset
}

func readAll(f *os.File) ([]byte, error) {
	r := bufio.NewReader(f)
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			break
		}
	}
	return buf.Bytes(), nil
}
