package detector

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/battysh/batty/internal/adapter"
	"github.com/battysh/batty/internal/eventbuf"
)

func testPatterns() []adapter.PromptPattern {
	return []adapter.PromptPattern{
		{ID: "yes-no", Kind: adapter.KindYesNoConfirm, Pattern: regexp.MustCompile(`(?i)continue\? \[y/n\]`)},
		{ID: "enter", Kind: adapter.KindEnterToContinue, Pattern: regexp.MustCompile(`(?i)press enter to continue`)},
	}
}

func TestFeedMatchesKnownPatternInline(t *testing.T) {
	d := New(DefaultConfig(), testPatterns())
	now := time.Now()
	pd := d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "Continue? [y/n]"}})
	require.NotNil(t, pd)
	assert.Equal(t, adapter.KindYesNoConfirm, pd.Kind)
	assert.Equal(t, StateQuestion, d.State())
}

func TestTickSilenceTimeoutFallbackMatchesCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceTimeout = 1 * time.Millisecond
	d := New(cfg, testPatterns())
	now := time.Now()
	// A line that arrives during the Answering cooldown is absorbed by Feed
	// rather than matched inline; only the silence-timeout Tick classifies it.
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "Continue? [y/n]"}})
	d.ScheduleReply(now)
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "press Enter to continue"}})
	d.Tick(now.Add(cfg.AnswerCooldown))

	later := now.Add(cfg.AnswerCooldown + 5*time.Millisecond)
	pd := d.Tick(later)
	require.NotNil(t, pd)
	assert.Equal(t, adapter.KindEnterToContinue, pd.Kind)
}

func TestTickIdleInputFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceTimeout = 1 * time.Millisecond
	cfg.IdleInputFallback = true
	d := New(cfg, testPatterns())
	now := time.Now()
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "some-prompt> "}})

	later := now.Add(5 * time.Millisecond)
	pd := d.Tick(later)
	require.NotNil(t, pd)
	assert.Equal(t, adapter.KindIdleUnknown, pd.Kind)
}

func TestTickUnknownRequestFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceTimeout = 1 * time.Millisecond
	cfg.UnknownRequestFallback = true
	d := New(cfg, testPatterns())
	now := time.Now()
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "What should the retry budget be?"}})

	later := now.Add(5 * time.Millisecond)
	pd := d.Tick(later)
	require.NotNil(t, pd)
	assert.Equal(t, adapter.KindOpenEnded, pd.Kind)
}

func TestTickUnknownRequestFallbackDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SilenceTimeout = 1 * time.Millisecond
	d := New(cfg, testPatterns())
	now := time.Now()
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "What should the retry budget be?"}})

	later := now.Add(5 * time.Millisecond)
	pd := d.Tick(later)
	assert.Nil(t, pd)
}

func TestScheduleReplyThenCooldownReturnsToWorking(t *testing.T) {
	d := New(DefaultConfig(), testPatterns())
	now := time.Now()
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "Continue? [y/n]"}})
	d.ScheduleReply(now)
	assert.Equal(t, StateAnswering, d.State())

	d.Tick(now.Add(2 * time.Second))
	assert.Equal(t, StateWorking, d.State())
}

func TestHumanOverrideResetsToWorking(t *testing.T) {
	d := New(DefaultConfig(), testPatterns())
	now := time.Now()
	d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "Continue? [y/n]"}})
	d.ScheduleReply(now)
	d.HumanOverride(now.Add(100 * time.Millisecond))
	assert.Equal(t, StateWorking, d.State())
}

func TestPauseGatesAllEmission(t *testing.T) {
	d := New(DefaultConfig(), testPatterns())
	d.Pause()
	now := time.Now()
	pd := d.Feed(now, []eventbuf.Event{{Kind: eventbuf.KindOutputLine, Text: "Continue? [y/n]"}})
	assert.Nil(t, pd)
	assert.Equal(t, StatePaused, d.State())
}
