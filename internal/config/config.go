// Package config loads the immutable batty configuration snapshot.
//
// Configuration is resolved once at process start from (highest to lowest
// priority): command-line flags, BATTY_* environment variables, config.toml
// in the working tree, then hard-coded defaults. There is no live reload:
// the snapshot returned by Load is handed to every collaborator and never
// mutated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully resolved, immutable configuration snapshot.
type Config struct {
	Defaults     DefaultsConfig     `toml:"defaults"`
	Supervisor   SupervisorConfig   `toml:"supervisor"`
	Detector     DetectorConfig     `toml:"detector"`
	DangerousMode DangerousModeConfig `toml:"dangerous_mode"`
	Policy       PolicyConfig       `toml:"policy"`
	Director     DirectorConfig     `toml:"director"`
}

// DefaultsConfig holds system-wide defaults.
type DefaultsConfig struct {
	// Agent is the default agent adapter name (claude, codex, ...).
	Agent string `toml:"agent"`
	// PolicyTier is the default Policy Engine tier: observe|suggest|act|fully-auto.
	PolicyTier string `toml:"policy_tier"`
	// DoD is the done-ness shell command. Unset ("") means the gate always
	// passes and the completion record reports "(none)" — never substitute
	// an implicit default here.
	DoD string `toml:"dod"`
	// MultiplexerCommand is the external multiplexer binary (tmux).
	MultiplexerCommand string `toml:"multiplexer_command"`
	// MaxRetries bounds rework cycles in the Review Gate.
	MaxRetries int `toml:"max_retries"`
}

// SupervisorConfig holds Tier-2 delegator settings.
type SupervisorConfig struct {
	// Command is the external supervisor program invoked once per
	// unclassified prompt.
	Command string `toml:"command"`
	// Args are passed to Command; the composed context is always written
	// to the program's standard input.
	Args []string `toml:"args"`
	// TimeoutSecs bounds one Tier-2 call.
	TimeoutSecs int `toml:"timeout_secs"`
	// MinConfidence gates fully-auto injection of a Tier-2 answer.
	MinConfidence float64 `toml:"min_confidence"`
	// MaxAnswerLen rejects overly long single-line replies.
	MaxAnswerLen int `toml:"max_answer_len"`
}

// DetectorConfig holds Prompt Detector timing parameters.
type DetectorConfig struct {
	SilenceTimeout        time.Duration `toml:"silence_timeout"`
	AnswerCooldown        time.Duration `toml:"answer_cooldown"`
	UnknownRequestFallback bool         `toml:"unknown_request_fallback"`
	IdleInputFallback      bool         `toml:"idle_input_fallback"`
}

// DangerousModeConfig controls the "skip approvals" spawn-flag wrapping.
type DangerousModeConfig struct {
	Enabled bool `toml:"enabled"`
}

// PolicyConfig holds the Tier-1 auto-answer literal map.
type PolicyConfig struct {
	AutoAnswer map[string]string `toml:"auto_answer"`
}

// DirectorConfig holds Review Gate director-mode settings.
type DirectorConfig struct {
	Mode          string  `toml:"mode"` // human | director
	Command       string  `toml:"command"`
	TimeoutSecs   int     `toml:"timeout_secs"`
	MinConfidence float64 `toml:"min_confidence"`
}

// Defaults returns the hard-coded configuration used when config.toml is
// absent. Config-missing always produces these, never a zero Config.
func Defaults() Config {
	return Config{
		Defaults: DefaultsConfig{
			Agent:              "claude",
			PolicyTier:         "act",
			DoD:                "",
			MultiplexerCommand: "tmux",
			MaxRetries:         3,
		},
		Supervisor: SupervisorConfig{
			Command:       "",
			TimeoutSecs:   60,
			MinConfidence: 0.6,
			MaxAnswerLen:  2000,
		},
		Detector: DetectorConfig{
			SilenceTimeout:         3 * time.Second,
			AnswerCooldown:         1 * time.Second,
			UnknownRequestFallback: false,
			IdleInputFallback:      true,
		},
		DangerousMode: DangerousModeConfig{Enabled: false},
		Policy:        PolicyConfig{AutoAnswer: map[string]string{}},
		Director: DirectorConfig{
			Mode:          "human",
			TimeoutSecs:   60,
			MinConfidence: 0.6,
		},
	}
}

// Load resolves the configuration snapshot: env > config.toml > defaults,
// field by field. Command-line flags are not seen here; callers apply them
// on top of the returned snapshot.
func Load(path string, envLookup func(string) string) (Config, error) {
	if envLookup == nil {
		envLookup = os.Getenv
	}

	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			var fileCfg Config
			md, err := toml.DecodeFile(path, &fileCfg)
			if err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
			// Booleans absent from the file keep their current values.
			if !md.IsDefined("detector", "unknown_request_fallback") {
				fileCfg.Detector.UnknownRequestFallback = cfg.Detector.UnknownRequestFallback
			}
			if !md.IsDefined("detector", "idle_input_fallback") {
				fileCfg.Detector.IdleInputFallback = cfg.Detector.IdleInputFallback
			}
			if !md.IsDefined("dangerous_mode", "enabled") {
				fileCfg.DangerousMode.Enabled = cfg.DangerousMode.Enabled
			}
			cfg = mergeConfig(cfg, fileCfg)
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg, envLookup)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeConfig overlays non-zero fields of override onto base. Boolean
// fields are copied from override as they are; Load fills the ones the
// file leaves out from base before calling it.
func mergeConfig(base, override Config) Config {
	if override.Defaults.Agent != "" {
		base.Defaults.Agent = override.Defaults.Agent
	}
	if override.Defaults.PolicyTier != "" {
		base.Defaults.PolicyTier = override.Defaults.PolicyTier
	}
	if override.Defaults.DoD != "" {
		base.Defaults.DoD = override.Defaults.DoD
	}
	if override.Defaults.MultiplexerCommand != "" {
		base.Defaults.MultiplexerCommand = override.Defaults.MultiplexerCommand
	}
	if override.Defaults.MaxRetries != 0 {
		base.Defaults.MaxRetries = override.Defaults.MaxRetries
	}
	if override.Supervisor.Command != "" {
		base.Supervisor.Command = override.Supervisor.Command
	}
	if len(override.Supervisor.Args) > 0 {
		base.Supervisor.Args = override.Supervisor.Args
	}
	if override.Supervisor.TimeoutSecs != 0 {
		base.Supervisor.TimeoutSecs = override.Supervisor.TimeoutSecs
	}
	if override.Supervisor.MinConfidence != 0 {
		base.Supervisor.MinConfidence = override.Supervisor.MinConfidence
	}
	if override.Supervisor.MaxAnswerLen != 0 {
		base.Supervisor.MaxAnswerLen = override.Supervisor.MaxAnswerLen
	}
	if override.Detector.SilenceTimeout != 0 {
		base.Detector.SilenceTimeout = override.Detector.SilenceTimeout
	}
	if override.Detector.AnswerCooldown != 0 {
		base.Detector.AnswerCooldown = override.Detector.AnswerCooldown
	}
	base.Detector.UnknownRequestFallback = override.Detector.UnknownRequestFallback
	base.Detector.IdleInputFallback = override.Detector.IdleInputFallback
	base.DangerousMode.Enabled = override.DangerousMode.Enabled
	if len(override.Policy.AutoAnswer) > 0 {
		if base.Policy.AutoAnswer == nil {
			base.Policy.AutoAnswer = map[string]string{}
		}
		for k, v := range override.Policy.AutoAnswer {
			base.Policy.AutoAnswer[k] = v
		}
	}
	if override.Director.Mode != "" {
		base.Director.Mode = override.Director.Mode
	}
	if override.Director.Command != "" {
		base.Director.Command = override.Director.Command
	}
	if override.Director.TimeoutSecs != 0 {
		base.Director.TimeoutSecs = override.Director.TimeoutSecs
	}
	if override.Director.MinConfidence != 0 {
		base.Director.MinConfidence = override.Director.MinConfidence
	}
	return base
}

func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	if v := strings.TrimSpace(lookup("BATTY_REVIEW_MODE")); v != "" {
		cfg.Director.Mode = v
	}
	if v := strings.TrimSpace(lookup("BATTY_DIRECTOR_OVERRIDE")); v != "" {
		cfg.Director.Command = v
	}
}

// ContinueOnFailure parses BATTY_CONTINUE_ON_FAILURE, defaulting to false.
func ContinueOnFailure(lookup func(string) string) (bool, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	v := strings.TrimSpace(lookup("BATTY_CONTINUE_ON_FAILURE"))
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("BATTY_CONTINUE_ON_FAILURE: %w", err)
	}
	return b, nil
}

// Validate checks policy-tier and director-mode domains.
func Validate(cfg Config) error {
	switch cfg.Defaults.PolicyTier {
	case "observe", "suggest", "act", "fully-auto":
	default:
		return fmt.Errorf("invalid defaults.policy_tier %q (valid: observe|suggest|act|fully-auto)", cfg.Defaults.PolicyTier)
	}
	switch cfg.Director.Mode {
	case "human", "director":
	default:
		return fmt.Errorf("invalid director.mode %q (valid: human|director)", cfg.Director.Mode)
	}
	if cfg.Defaults.MaxRetries < 0 {
		return fmt.Errorf("defaults.max_retries must be >= 0")
	}
	return nil
}
