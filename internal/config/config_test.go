package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenConfigMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"), func(string) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Defaults.Agent)
	assert.Equal(t, "act", cfg.Defaults.PolicyTier)
	assert.Equal(t, "", cfg.Defaults.DoD, "DoD must never get an implicit default")
	assert.Equal(t, "tmux", cfg.Defaults.MultiplexerCommand)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[defaults]
agent = "codex"
policy_tier = "fully-auto"
dod = "make test"

[policy.auto_answer]
"Continue? [y/n]" = "y"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path, func(string) string { return "" })
	require.NoError(t, err)
	assert.Equal(t, "codex", cfg.Defaults.Agent)
	assert.Equal(t, "fully-auto", cfg.Defaults.PolicyTier)
	assert.Equal(t, "make test", cfg.Defaults.DoD)
	assert.Equal(t, "y", cfg.Policy.AutoAnswer["Continue? [y/n]"])
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[director]\nmode = \"human\"\n"), 0o644))

	env := map[string]string{"BATTY_REVIEW_MODE": "director"}
	cfg, err := Load(path, func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, "director", cfg.Director.Mode)
}

func TestLoadRejectsInvalidPolicyTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[defaults]\npolicy_tier = \"bogus\"\n"), 0o644))

	_, err := Load(path, func(string) string { return "" })
	require.Error(t, err)
}

func TestContinueOnFailureParsesEnv(t *testing.T) {
	v, err := ContinueOnFailure(func(string) string { return "true" })
	require.NoError(t, err)
	assert.True(t, v)

	v, err = ContinueOnFailure(func(string) string { return "" })
	require.NoError(t, err)
	assert.False(t, v)

	_, err = ContinueOnFailure(func(string) string { return "not-a-bool" })
	require.Error(t, err)
}
