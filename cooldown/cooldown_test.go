package cooldown

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/llmdispatch/session"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup(t *testing.T, sessions int, cfg Config) (*Calculator, session.Registry, *testClock) {
	t.Helper()
	clk := &testClock{now: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)}
	reg, err := session.NewMemoryRegistry(session.Config{Timeout: time.Minute, Now: clk.Now})
	require.NoError(t, err)
	for i := 0; i < sessions; i++ {
		reg.Register(fmt.Sprintf("agent-%d", i+1))
	}
	cfg.Now = clk.Now
	return New(reg, cfg), reg, clk
}

func TestCooldownScaling(t *testing.T) {
	tests := []struct {
		name     string
		rpm      int
		sessions int
		want     time.Duration
	}{
		{"no sessions", 1000, 0, 0},
		{"one session", 1000, 1, 60 * time.Millisecond},
		{"four sessions", 1000, 4, 240 * time.Millisecond},
		{"rounds up", 7, 1, 8572 * time.Millisecond},
		{"thirty rpm", 30, 3, 6 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, _ := setup(t, tt.sessions, Config{RequestsPerMinute: map[string]int{"x": tt.rpm}})
			assert.Equal(t, tt.want, c.Cooldown("x"))
		})
	}
}

func TestCooldownUnknownProvider(t *testing.T) {
	c, _, _ := setup(t, 2, Config{})
	assert.Equal(t, DefaultCooldown, c.Cooldown("nope"))

	c, _, _ = setup(t, 2, Config{DefaultCooldown: 5 * time.Second, RequestsPerMinute: map[string]int{"zero": 0}})
	assert.Equal(t, 5*time.Second, c.Cooldown("nope"))
	assert.Equal(t, 5*time.Second, c.Cooldown("zero"))
}

func TestCooldownOverride(t *testing.T) {
	c, _, _ := setup(t, 2, Config{
		RequestsPerMinute: map[string]int{"groq": 30},
		Overrides:         map[string]int{"groq/llama-3.1-8b-instant": 14400},
	})

	assert.Equal(t, 4*time.Second, c.Cooldown("groq"))
	assert.Equal(t, 9*time.Millisecond, c.CooldownFor("groq", "groq/llama-3.1-8b-instant"))
	assert.Equal(t, 4*time.Second, c.CooldownFor("groq", "unknown-key"))
}

func TestNextAllowedAt(t *testing.T) {
	c, reg, clk := setup(t, 2, Config{RequestsPerMinute: map[string]int{"groq": 60}})
	start := clk.Now()

	// Never requested: allowed now.
	assert.Equal(t, start, c.NextAllowedAt("agent-1", "groq"))
	assert.True(t, c.CanRequestNow("agent-1", "groq"))

	reg.RecordRequest("agent-1")
	st := c.Status("agent-1", "groq")
	assert.False(t, st.CanRequest)
	assert.Equal(t, 2*time.Second, st.Wait)
	assert.Equal(t, start.Add(2*time.Second), st.NextAllowedAt)

	clk.Advance(1500 * time.Millisecond)
	st = c.Status("agent-1", "groq")
	assert.Equal(t, 500*time.Millisecond, st.Wait)

	clk.Advance(time.Second)
	st = c.Status("agent-1", "groq")
	assert.True(t, st.CanRequest)
	assert.Zero(t, st.Wait)
	assert.Equal(t, clk.Now(), st.NextAllowedAt, "next allowed is never in the past")
}

func TestNextAllowedAtUnknownSession(t *testing.T) {
	c, _, clk := setup(t, 1, Config{RequestsPerMinute: map[string]int{"groq": 60}})
	assert.Equal(t, clk.Now(), c.NextAllowedAt("ghost", "groq"))
}

func TestCooldownTracksEviction(t *testing.T) {
	c, reg, clk := setup(t, 4, Config{RequestsPerMinute: map[string]int{"x": 1000}})
	require.Equal(t, 240*time.Millisecond, c.Cooldown("x"))

	clk.Advance(45 * time.Second)
	reg.Heartbeat("agent-1")
	clk.Advance(30 * time.Second)

	assert.Equal(t, 60*time.Millisecond, c.Cooldown("x"))
}

func TestSpacing(t *testing.T) {
	assert.Zero(t, Spacing(100, 0))
	assert.Equal(t, 600*time.Millisecond, Spacing(100, 1))
}
