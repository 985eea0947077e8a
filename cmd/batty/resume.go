package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/auditlog"
	"github.com/battysh/batty/internal/detector"
	"github.com/battysh/batty/internal/mux"
	"github.com/battysh/batty/internal/orchestrator"
	"github.com/battysh/batty/internal/policy"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <phase|session>",
	Short: "Resume a crashed or interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return attachOrResume(cmd, args[0], true)
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func newDriverFromConfig() *mux.Driver {
	return mux.NewDriver(tc.TmuxCommand)
}

func resumeSupervision(cmd *cobra.Command, repoRoot, session string) error {
	logDir := filepath.Join(repoRoot, "logs", strings.TrimPrefix(session, "batty-"))
	statePath := filepath.Join(logDir, "supervision-state.json")
	st, ok := orchestrator.LoadState(statePath)
	offset := int64(0)
	if ok {
		offset = st.Offset
		fmt.Printf("resuming %s from offset %d (detector state %s, %d nudges)\n", session, st.Offset, st.DetectorState, st.NudgeCount)
	} else {
		fmt.Printf("no persisted state for %s, resuming from offset 0\n", session)
	}

	reg := adapter.NewRegistry()
	ad, err := reg.Get(cfg.Defaults.Agent)
	if err != nil {
		return userError("%v", err)
	}

	log, err := auditlog.Open(logDir, session, nil)
	if err != nil {
		return environmentError("open audit log: %w", err)
	}
	defer log.Close()

	driver := newDriverFromConfig()
	o := orchestrator.New(orchestrator.Config{
		Session:      session,
		PaneTarget:   session + ".0",
		CapturePath:  filepath.Join(logDir, "capture.log"),
		LogDir:       logDir,
		StatePath:    statePath,
		Adapter:      ad,
		PolicyEngine: policy.New(policy.Tier(cfg.Defaults.PolicyTier), cfg.Policy.AutoAnswer),
		DetectorConfig: detector.Config{
			SilenceTimeout:         cfg.Detector.SilenceTimeout,
			AnswerCooldown:         cfg.Detector.AnswerCooldown,
			UnknownRequestFallback: cfg.Detector.UnknownRequestFallback,
			IdleInputFallback:      cfg.Detector.IdleInputFallback,
		},
		Tier2Program:       cfg.Supervisor.Command,
		Tier2Args:          cfg.Supervisor.Args,
		Tier2Timeout:       time.Duration(cfg.Supervisor.TimeoutSecs) * time.Second,
		Tier2MaxAnswerLen:  cfg.Supervisor.MaxAnswerLen,
		Tier2MinConfidence: cfg.Supervisor.MinConfidence,
		MaxNudges:          3,
		StalledAfter:       30 * time.Second,
		ResumeOffset:       offset,
		HotkeyMarkerPath:   filepath.Join(logDir, "hotkey.marker"),
		PauseKey:           "p",
		ResumeKey:          "r",
	}, driver, log)

	if err := o.Start(cmd.Context()); err != nil {
		return environmentError("start orchestrator: %w", err)
	}
	defer o.Close()

	if !driver.HasSession(cmd.Context(), session) {
		return environmentError("session %s is gone; run `batty work` to start a fresh one", session)
	}

	_ = os.MkdirAll(logDir, 0o755)
	// A resumed run only reattaches supervision; board-complete detection
	// and Finalize stay with `batty work`, which owns the phase id this
	// bare session name does not reliably carry.
	_, err = driveSupervisionLoop(cmd.Context(), o, nil, "")
	return err
}
