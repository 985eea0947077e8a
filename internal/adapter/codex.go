package adapter

import "regexp"

type codexAdapter struct {
	patterns []PromptPattern
}

func newCodexAdapter() *codexAdapter {
	return &codexAdapter{
		patterns: []PromptPattern{
			{ID: "codex-tool-approval", Kind: KindToolApproval, Pattern: regexp.MustCompile(`(?i)^Run command\?.*$`)},
			{ID: "codex-yes-no", Kind: KindYesNoConfirm, Pattern: regexp.MustCompile(`(?i)\(y/n\)\s*$`)},
			{ID: "codex-enter-to-continue", Kind: KindEnterToContinue, Pattern: regexp.MustCompile(`(?i)press <enter>`)},
		},
	}
}

func (a *codexAdapter) Name() string { return "codex" }

func (a *codexAdapter) SpawnConfig(prompt string, dangerousMode bool) SpawnConfig {
	args := []string{}
	if dangerousMode {
		args = append(args, a.DangerousModeFlag())
	}
	args = append(args, prompt)
	return SpawnConfig{
		Program:   "codex",
		Args:      args,
		EnvDeltas: map[string]string{},
	}
}

func (a *codexAdapter) InstructionCandidates(repoRoot string) []string {
	return []string{
		repoRoot + "/AGENTS.md",
		repoRoot + "/.codex/AGENTS.md",
	}
}

func (a *codexAdapter) PromptPatterns() []PromptPattern { return a.patterns }

func (a *codexAdapter) FormatInput(reply string, enterOnly bool) (string, bool) {
	if enterOnly {
		return "", true
	}
	return reply, true
}

func (a *codexAdapter) ToolApprovalKeystroke() (string, bool) {
	return "y", true
}

func (a *codexAdapter) DangerousModeFlag() string {
	return "--dangerously-bypass-approvals-and-sandbox"
}

func (a *codexAdapter) RefuseNestedSessionEnvVar() string {
	return "CODEX_NO_NESTED_SESSIONS"
}
