// Package adapter defines the Agent Adapter capability set (spec.md §3,
// §9): a static, compile-time description of how to launch and talk to one
// agent CLI family. The registry is a closed set of named variants — adding
// an adapter is a code change, never a runtime reflection.
package adapter

import (
	"fmt"
	"regexp"
)

// PromptKind tags the classification a prompt pattern maps to.
type PromptKind string

const (
	KindKnownPattern  PromptKind = "known-pattern"
	KindEnterToContinue PromptKind = "enter-to-continue"
	KindYesNoConfirm  PromptKind = "yes-no-confirm"
	KindToolApproval  PromptKind = "tool-approval"
	KindIdleUnknown   PromptKind = "idle-unknown"
	KindOpenEnded     PromptKind = "open-ended"
)

// PromptPattern maps a compiled regex, in priority order, to a PromptKind
// and a stable pattern id. The Tier-1 literal map is keyed by the prompt's
// text, not by this id.
type PromptPattern struct {
	ID      string
	Kind    PromptKind
	Pattern *regexp.Regexp
}

// SpawnConfig is what the Run Coordinator hands to the Multiplexer Driver
// to start the agent process inside a pane.
type SpawnConfig struct {
	Program string
	Args    []string
	EnvDeltas map[string]string
	Dir     string
}

// Adapter is the capability set for one agent CLI family. The pattern set
// is static for the process lifetime (spec.md §3 invariant).
type Adapter interface {
	// Name is the registry key (e.g. "claude", "codex").
	Name() string
	// SpawnConfig produces the process launch description from a composed
	// prompt string.
	SpawnConfig(prompt string, dangerousMode bool) SpawnConfig
	// InstructionCandidates lists instruction-file paths in priority order;
	// the Run Coordinator uses the first one that exists.
	InstructionCandidates(repoRoot string) []string
	// PromptPatterns returns the adapter's static, priority-ordered pattern
	// set.
	PromptPatterns() []PromptPattern
	// FormatInput renders a reply string as injectable keystrokes. When
	// enterOnly is true it never emits control sequences beyond a trailing
	// enter (spec.md §3 invariant).
	FormatInput(reply string, enterOnly bool) (text string, thenEnter bool)
	// ToolApprovalKeystroke is what `act`/`fully-auto` policy injects for a
	// KindToolApproval prompt when no literal override is configured.
	ToolApprovalKeystroke() (text string, thenEnter bool)
	// DangerousModeFlag is the family-specific "skip approvals" spawn flag,
	// prepended to the argument list only when dangerous mode is enabled.
	DangerousModeFlag() string
	// RefuseNestedSessionEnvVar is the environment variable this agent
	// family uses to refuse a nested invocation; it must be scrubbed on
	// every session/window creation path (spec.md §4.1, §9).
	RefuseNestedSessionEnvVar() string
}

// Registry is the closed set of available adapters, keyed by name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the default registry: claude and codex variants.
func NewRegistry() *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	r.register(newClaudeAdapter())
	r.register(newCodexAdapter())
	return r
}

func (r *Registry) register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get looks up an adapter by name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent adapter %q", name)
	}
	return a, nil
}

// Names lists registered adapter names, for --agent flag help text.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
