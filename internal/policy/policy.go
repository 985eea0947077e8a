// Package policy implements the Policy Engine (spec.md §4.4): mapping a
// PromptKind plus a configured literal map to a PolicyDecision, gated by
// the active tier.
package policy

import (
	"github.com/battysh/batty/internal/adapter"
)

// Tier is the closed set of policy tiers.
type Tier string

const (
	TierObserve    Tier = "observe"
	TierSuggest    Tier = "suggest"
	TierAct        Tier = "act"
	TierFullyAuto  Tier = "fully-auto"
)

// DecisionKind is the closed set of actions the engine can produce.
type DecisionKind string

const (
	DecisionInjectLiteral    DecisionKind = "inject-literal"
	DecisionInjectEmptyLine  DecisionKind = "inject-empty-line"
	DecisionSuggest          DecisionKind = "suggest"
	DecisionEscalate         DecisionKind = "escalate"
	DecisionObserve          DecisionKind = "observe"
)

// Decision is the engine's output for one detected prompt.
type Decision struct {
	Kind   DecisionKind
	Text   string // literal to inject, when Kind == InjectLiteral
	Reason string // populated when Kind == Escalate
}

// Engine evaluates PromptKind + literal map + tier into a Decision.
type Engine struct {
	Tier       Tier
	LiteralMap map[string]string // prompt text -> literal reply
}

// New constructs an Engine for the given tier and literal map. A nil map is
// treated as empty.
func New(tier Tier, literalMap map[string]string) *Engine {
	if literalMap == nil {
		literalMap = map[string]string{}
	}
	return &Engine{Tier: tier, LiteralMap: literalMap}
}

// Evaluate implements the mapping table in spec.md §4.4.
func (e *Engine) Evaluate(promptText string, kind adapter.PromptKind, approvalAdapter adapter.Adapter) Decision {
	if e.Tier == TierObserve {
		return Decision{Kind: DecisionObserve}
	}

	if kind == adapter.KindEnterToContinue {
		return e.gatedInject(Decision{Kind: DecisionInjectEmptyLine})
	}

	if literal, ok := e.LiteralMap[promptText]; ok {
		return e.gatedInject(Decision{Kind: DecisionInjectLiteral, Text: literal})
	}

	if kind == adapter.KindToolApproval && approvalAdapter != nil {
		text, thenEnter := approvalAdapter.ToolApprovalKeystroke()
		_ = thenEnter
		return e.gatedInject(Decision{Kind: DecisionInjectLiteral, Text: text})
	}

	switch kind {
	case adapter.KindKnownPattern, adapter.KindYesNoConfirm:
		return Decision{Kind: DecisionEscalate, Reason: "unknown-prompt"}
	default:
		return Decision{Kind: DecisionEscalate, Reason: "unknown-prompt"}
	}
}

// gatedInject applies the tier gate to an otherwise-computed inject
// decision: observe/suggest never inject directly.
func (e *Engine) gatedInject(d Decision) Decision {
	switch e.Tier {
	case TierAct, TierFullyAuto:
		return d
	case TierSuggest:
		return Decision{Kind: DecisionSuggest, Text: d.Text}
	default:
		return Decision{Kind: DecisionObserve}
	}
}
