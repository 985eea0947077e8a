package adapter

import "regexp"

type claudeAdapter struct {
	patterns []PromptPattern
}

func newClaudeAdapter() *claudeAdapter {
	return &claudeAdapter{
		patterns: []PromptPattern{
			{ID: "claude-tool-approval", Kind: KindToolApproval, Pattern: regexp.MustCompile(`(?i)^(Allow|Do you want to proceed)\b.*\?\s*$`)},
			{ID: "claude-yes-no", Kind: KindYesNoConfirm, Pattern: regexp.MustCompile(`(?i)\bContinue\?\s*\[y/n\]\s*$`)},
			{ID: "claude-enter-to-continue", Kind: KindEnterToContinue, Pattern: regexp.MustCompile(`(?i)Press enter to continue`)},
		},
	}
}

func (a *claudeAdapter) Name() string { return "claude" }

func (a *claudeAdapter) SpawnConfig(prompt string, dangerousMode bool) SpawnConfig {
	args := []string{}
	if dangerousMode {
		args = append(args, a.DangerousModeFlag())
	}
	args = append(args, prompt)
	return SpawnConfig{
		Program:   "claude",
		Args:      args,
		EnvDeltas: map[string]string{},
	}
}

func (a *claudeAdapter) InstructionCandidates(repoRoot string) []string {
	return []string{
		repoRoot + "/CLAUDE.md",
		repoRoot + "/.claude/CLAUDE.md",
		repoRoot + "/AGENTS.md",
	}
}

func (a *claudeAdapter) PromptPatterns() []PromptPattern { return a.patterns }

func (a *claudeAdapter) FormatInput(reply string, enterOnly bool) (string, bool) {
	if enterOnly {
		return "", true
	}
	return reply, true
}

func (a *claudeAdapter) ToolApprovalKeystroke() (string, bool) {
	return "1", true
}

func (a *claudeAdapter) DangerousModeFlag() string {
	return "--dangerously-skip-permissions"
}

func (a *claudeAdapter) RefuseNestedSessionEnvVar() string {
	return "CLAUDE_NO_NESTED_SESSIONS"
}
