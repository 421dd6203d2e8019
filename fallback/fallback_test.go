package fallback

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/provider"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func mock(name, text string) *provider.MockTransport {
	m := provider.NewMockTransport(name)
	m.SetResponse(&provider.Response{Text: text, Provider: name})
	return m
}

func TestNew_RequiresProviders(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidConfig))

	_, err = New([]provider.Transport{nil}, Config{})
	assert.Error(t, err)
}

func TestGenerate_FirstSuccessWins(t *testing.T) {
	a, b := mock("a", "from a"), mock("b", "from b")
	p, err := New([]provider.Transport{a, b}, Config{})
	require.NoError(t, err)

	resp, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Text)
	assert.Equal(t, 0, b.CallCount(), "no further providers after a success")
}

func TestGenerate_FallsBackOnRateLimit(t *testing.T) {
	a, b := mock("a", "from a"), mock("b", "from b")
	a.SetError(provider.TooManyRequests("a", time.Second))
	p, _ := New([]provider.Transport{a, b}, Config{})

	resp, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
	assert.Equal(t, 1, a.CallCount(), "A must not be called twice")
	assert.Equal(t, 1, b.CallCount())
}

func TestGenerate_FallsBackOnAnyError(t *testing.T) {
	a, b := mock("a", ""), mock("b", "from b")
	a.SetError(stderrors.New("bad gateway"))
	p, _ := New([]provider.Transport{a, b}, Config{})

	resp, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
}

func TestGenerate_AllFail(t *testing.T) {
	a, b := mock("a", ""), mock("b", "")
	a.SetError(stderrors.New("first"))
	last := stderrors.New("second")
	b.SetError(last)
	p, _ := New([]provider.Transport{a, b}, Config{Name: "chat"})

	_, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNoProviders))
	assert.True(t, stderrors.Is(err, last), "aggregate error must reference the last failure")
	assert.Equal(t, "chat", errors.AsError(err).Provider())
}

func TestCircuitBreaker(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	a, b := mock("a", "from a"), mock("b", "from b")
	a.SetError(stderrors.New("down"))
	p, _ := New([]provider.Transport{a, b}, Config{MaxConsecutiveFailures: 3, RetryAfter: time.Minute, Now: c.Now})

	for i := 0; i < 3; i++ {
		_, err := p.Generate(context.Background(), provider.Prompt("hi"))
		require.NoError(t, err)
	}

	st := p.ProviderStatus()
	require.Len(t, st, 2)
	assert.False(t, st[0].Healthy)
	assert.True(t, st[0].Disabled)
	assert.Equal(t, 3, st[0].ConsecutiveFailures)
	require.NotNil(t, st[0].RetryAt)
	assert.Equal(t, c.now.Add(time.Minute), *st[0].RetryAt)
	assert.True(t, st[1].Healthy)

	// Disabled: skipped entirely.
	_, _ = p.Generate(context.Background(), provider.Prompt("hi"))
	assert.Equal(t, 3, a.CallCount())
	assert.Equal(t, b, p.ActiveProvider())

	// Still inside the recovery period.
	c.Advance(59 * time.Second)
	_, _ = p.Generate(context.Background(), provider.Prompt("hi"))
	assert.Equal(t, 3, a.CallCount())

	// Recovered, and a single success clears the counter.
	c.Advance(time.Second)
	a.SetResponse(&provider.Response{Text: "from a"})
	resp, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from a", resp.Text)

	st = p.ProviderStatus()
	assert.True(t, st[0].Healthy)
	assert.Equal(t, 0, st[0].ConsecutiveFailures)
	assert.Nil(t, st[0].LastFailureAt)
}

func TestSuccessResetsCounter(t *testing.T) {
	a, b := mock("a", "from a"), mock("b", "from b")
	p, _ := New([]provider.Transport{a, b}, Config{MaxConsecutiveFailures: 3})

	a.SetError(stderrors.New("flaky"))
	p.Generate(context.Background(), provider.Prompt("hi"))
	p.Generate(context.Background(), provider.Prompt("hi"))
	assert.Equal(t, 2, p.ProviderStatus()[0].ConsecutiveFailures)

	a.SetResponse(&provider.Response{Text: "from a"})
	p.Generate(context.Background(), provider.Prompt("hi"))
	assert.Equal(t, 0, p.ProviderStatus()[0].ConsecutiveFailures)
	assert.False(t, p.ProviderStatus()[0].Disabled)
}

func TestAllDisabled(t *testing.T) {
	a := mock("a", "")
	a.SetError(stderrors.New("down"))
	p, _ := New([]provider.Transport{a}, Config{MaxConsecutiveFailures: 1})

	_, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.Error(t, err)

	assert.False(t, p.IsAvailable())
	assert.Nil(t, p.ActiveProvider())
	assert.Equal(t, "", p.ModelName())

	_, err = p.Generate(context.Background(), provider.Prompt("hi"))
	assert.True(t, errors.Is(err, errors.ErrCodeNoProviders))
	assert.Equal(t, 1, a.CallCount())

	p.ResetFailures()
	assert.True(t, p.IsAvailable())
}

func TestSkipsUnavailable(t *testing.T) {
	a, b := mock("a", "from a"), mock("b", "from b")
	a.SetAvailable(false)
	b.SetPricing(provider.Pricing{InputCostPer1M: 0.05})
	p, _ := New([]provider.Transport{a, b}, Config{})

	resp, err := p.Generate(context.Background(), provider.Prompt("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from b", resp.Text)
	assert.Equal(t, 0, a.CallCount())
	assert.Equal(t, 0.05, p.Pricing().InputCostPer1M)
	assert.Equal(t, "fallback", p.ProviderID())
}
