package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureForwarder struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureForwarder) Forward(_ context.Context, text string) error {
	c.mu.Lock()
	c.lines = append(c.lines, text)
	c.mu.Unlock()
	return nil
}

func (c *captureForwarder) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestFormatForwardSortsFields(t *testing.T) {
	line := `{"level":"error","comp":"delivery","message":"send failed","time":"x","zeta":1,"alpha":"a"}`
	got := formatForward([]byte(line))
	assert.Equal(t, "[ERROR] delivery: send failed\nalpha=a\nzeta=1", got)
}

func TestFormatForwardRawAndTruncated(t *testing.T) {
	assert.Equal(t, "plain text", formatForward([]byte("  plain text \n")))

	long := strings.Repeat("x", forwardMaxLen+50)
	got := formatForward([]byte(long))
	assert.Len(t, got, forwardMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
	assert.False(t, l.With(String("comp", "x")).IsZero())
}

func TestForwardSinkHonoursMinLevel(t *testing.T) {
	fwd := &captureForwarder{}
	svc, log := New(Config{
		Level:   "debug",
		Console: false,
		Forward: ForwardConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, fwd)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("routine")
	log.With(String("comp", "reminder")).Warn("scan slow", Int("due", 3))

	require.Eventually(t, func() bool { return len(fwd.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := fwd.snapshot()[0]
	assert.True(t, strings.HasPrefix(got, "[WARN] reminder: scan slow"), got)
	assert.Contains(t, got, "due=3")
}
