package queue

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/provider"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder is a transport script that records the prompt of every call.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(req *provider.Request) string {
	text := req.Messages[0].Content
	r.mu.Lock()
	r.calls = append(r.calls, text)
	r.mu.Unlock()
	return text
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond)
}

func enqueueAsync(q *Queue, text string, opts ...EnqueueOption) <-chan error {
	ch := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(context.Background(), provider.Prompt(text), "tenant", opts...)
		ch <- err
	}()
	return ch
}

func TestEnqueue_Success(t *testing.T) {
	m := provider.NewMockTransport("groq")
	m.SetResponse(&provider.Response{Text: "hello"})
	q := New("groq", m, Config{MaxConcurrent: 2})
	defer q.Close()

	resp, err := q.Enqueue(context.Background(), provider.Prompt("hi"), "agent1")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)

	st := q.Stats()
	assert.Equal(t, int64(1), st.DispatchedCount)
	assert.Equal(t, 0, st.QueueLength)
	assert.Equal(t, 2, st.Semaphore.Available)
	assert.Equal(t, int64(60000), st.MaxRequestAgeMs)
}

func TestEnqueue_FIFO(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		if rec.record(req) == "first" {
			<-gate
		}
		return &provider.Response{}, nil
	}
	q := New("p", m, Config{MaxConcurrent: 1})
	defer q.Close()

	results := []<-chan error{enqueueAsync(q, "first")}
	waitFor(t, func() bool { return rec.Count() == 1 })

	for i, text := range []string{"a", "b", "c"} {
		results = append(results, enqueueAsync(q, text))
		n := i + 1
		waitFor(t, func() bool { return q.QueueLength() == n })
	}
	close(gate)

	for _, ch := range results {
		require.NoError(t, <-ch)
	}
	assert.Equal(t, []string{"first", "a", "b", "c"}, rec.Calls())
}

func TestEnqueue_BoundedConcurrency(t *testing.T) {
	var current, peak int32
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return &provider.Response{}, nil
	}
	q := New("p", m, Config{MaxConcurrent: 3})
	defer q.Close()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.Equal(t, 12, m.CallCount())
	assert.Equal(t, 3, q.Stats().Semaphore.Available)
}

// scriptRateLimitOnce makes the first call for "x" wait on gate and then
// return a 429; every other call succeeds.
func scriptRateLimitOnce(rec *recorder, gate <-chan struct{}, retryAfter time.Duration) *provider.MockTransport {
	var once sync.Once
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		text := rec.record(req)
		var limited bool
		if text == "x" {
			once.Do(func() { limited = true })
		}
		if limited {
			<-gate
			return nil, provider.TooManyRequests("p", retryAfter)
		}
		return &provider.Response{Text: text}, nil
	}
	return m
}

func TestEnqueue_RateLimitReinsertsAtHead(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	q := New("p", scriptRateLimitOnce(rec, gate, 30*time.Millisecond), Config{MaxConcurrent: 1})
	defer q.Close()

	x := enqueueAsync(q, "x")
	waitFor(t, func() bool { return rec.Count() == 1 })
	y := enqueueAsync(q, "y")
	waitFor(t, func() bool { return q.QueueLength() == 1 })
	close(gate)

	require.NoError(t, <-x)
	require.NoError(t, <-y)

	assert.Equal(t, []string{"x", "x", "y"}, rec.Calls(), "retried request must be served before later arrivals")
	st := q.Stats()
	assert.Equal(t, int64(1), st.RateLimitCount)
	assert.Equal(t, int64(3), st.DispatchedCount)
}

func TestEnqueue_RateLimitReinsertTail(t *testing.T) {
	rec := &recorder{}
	gate := make(chan struct{})
	q := New("p", scriptRateLimitOnce(rec, gate, 10*time.Millisecond), Config{MaxConcurrent: 1, Reinsert: ReinsertTail})
	defer q.Close()

	x := enqueueAsync(q, "x")
	waitFor(t, func() bool { return rec.Count() == 1 })
	y := enqueueAsync(q, "y")
	waitFor(t, func() bool { return q.QueueLength() == 1 })
	close(gate)

	require.NoError(t, <-x)
	require.NoError(t, <-y)
	assert.Equal(t, []string{"x", "y", "x"}, rec.Calls())
}

func TestEnqueue_RateLimitWindow(t *testing.T) {
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", time.Minute))
	q := New("p", m, Config{})
	defer q.Close()

	assert.False(t, q.IsRateLimited())

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t", WithFailFast())
	require.Error(t, err)
	assert.True(t, errors.IsRateLimited(err))
	assert.Equal(t, time.Minute, errors.AsError(err).RetryAfter())
	assert.Equal(t, 1, m.CallCount())

	assert.True(t, q.IsRateLimited())
	wait := q.RateLimitWaitTime()
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)
	assert.True(t, q.Stats().RateLimited)
}

func TestEnqueue_RateLimitWindowSelfClears(t *testing.T) {
	clock := newFakeClock()
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", 5*time.Second))
	q := New("p", m, Config{Now: clock.Now})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t", WithFailFast())
	require.True(t, errors.IsRateLimited(err))
	assert.True(t, q.IsRateLimited())
	assert.Equal(t, 5*time.Second, q.RateLimitWaitTime())

	clock.Advance(5 * time.Second)
	assert.False(t, q.IsRateLimited())
	assert.Equal(t, time.Duration(0), q.RateLimitWaitTime())
}

func TestDrain_StopsWhenEmptyDuringRateLimit(t *testing.T) {
	clock := newFakeClock()
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", time.Minute))
	q := New("p", m, Config{Now: clock.Now})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t", WithFailFast())
	require.True(t, errors.IsRateLimited(err))

	waitFor(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.draining
	})
	assert.True(t, q.IsRateLimited(), "the window outlives the drain loop")

	m.SetError(nil)
	clock.Advance(time.Minute)
	resp, err := q.Enqueue(context.Background(), provider.Prompt("y"), "t")
	require.NoError(t, err)
	assert.Equal(t, "ok from p", resp.Text)
}

func TestEnqueue_RequeueBudgetExhausted(t *testing.T) {
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", time.Millisecond))
	q := New("p", m, Config{MaxRequeues: 2})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRateLimit))
	assert.Equal(t, 3, m.CallCount(), "one attempt plus two requeues")
	assert.Equal(t, 3, errors.AsError(err).Attempt())
}

func TestEnqueue_WithMaxRequeues(t *testing.T) {
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", time.Millisecond))
	q := New("p", m, Config{MaxRequeues: 5})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t", WithMaxRequeues(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRateLimit))
	assert.Equal(t, 2, m.CallCount(), "per-request budget overrides the queue default")
}

func TestEnqueue_NegativeMaxRequeuesFailsFast(t *testing.T) {
	m := provider.NewMockTransport("p")
	m.SetError(provider.TooManyRequests("p", time.Minute))
	q := New("p", m, Config{MaxRequeues: -1})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRateLimit))
	assert.Equal(t, 1, m.CallCount())
	assert.True(t, q.IsRateLimited())
}

func TestEnqueue_DefaultRetryAfter(t *testing.T) {
	m := provider.NewMockTransport("p")
	m.SetError(stderrors.New("429 Too Many Requests"))
	q := New("p", m, Config{})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t", WithFailFast())
	require.True(t, errors.IsRateLimited(err))
	assert.Equal(t, time.Second, errors.AsError(err).RetryAfter())
}

func TestEnqueue_Expired(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	gate := make(chan struct{})
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		rec.record(req)
		<-gate
		return &provider.Response{}, nil
	}
	q := New("p", m, Config{MaxConcurrent: 1, MaxRequestAge: time.Second, Now: clock.Now})
	defer q.Close()

	first := enqueueAsync(q, "first")
	waitFor(t, func() bool { return rec.Count() == 1 })
	stale := enqueueAsync(q, "stale", WithRequestID("req-stale"))
	waitFor(t, func() bool { return q.QueueLength() == 1 })

	clock.Advance(1500 * time.Millisecond)
	close(gate)

	require.NoError(t, <-first)
	err := <-stale
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRequestExpired))
	assert.Equal(t, "req-stale", errors.AsError(err).Metadata()["request_id"])
	assert.Equal(t, []string{"first"}, rec.Calls(), "expired request must not reach the transport")

	st := q.Stats()
	assert.Equal(t, int64(1), st.ExpiredCount)
	assert.Equal(t, 1, st.Semaphore.Available, "permit must be returned after expiry")
}

func TestEnqueue_Passthrough(t *testing.T) {
	boom := stderrors.New("connection reset")
	m := provider.NewMockTransport("p")
	m.SetError(boom)
	q := New("p", m, Config{})
	defer q.Close()

	_, err := q.Enqueue(context.Background(), provider.Prompt("x"), "t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeProviderFailed))
	assert.True(t, stderrors.Is(err, boom))
	assert.Equal(t, 1, m.CallCount(), "non rate-limit errors are not retried")
	assert.False(t, q.IsRateLimited())
}

func TestEnqueue_CanceledWhileQueued(t *testing.T) {
	gate := make(chan struct{})
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-gate
		return &provider.Response{}, nil
	}
	q := New("p", m, Config{MaxConcurrent: 1})
	defer q.Close()

	first := enqueueAsync(q, "first")
	waitFor(t, func() bool { return m.CallCount() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, provider.Prompt("second"), "t")
		errCh <- err
	}()
	waitFor(t, func() bool { return q.QueueLength() == 1 })
	cancel()

	err := <-errCh
	assert.True(t, errors.Is(err, errors.ErrCodeCanceled))
	assert.Equal(t, 0, q.QueueLength())
	assert.Equal(t, int64(1), q.Stats().CanceledCount)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, 1, m.CallCount())
}

func TestEnqueue_DispatchIgnoresCallerCancel(t *testing.T) {
	started := make(chan struct{})
	gate := make(chan struct{})
	var sawCancel atomic.Bool
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		close(started)
		<-gate
		sawCancel.Store(ctx.Err() != nil)
		return &provider.Response{}, nil
	}
	q := New("p", m, Config{})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, provider.Prompt("x"), "t")
		errCh <- err
	}()
	<-started
	cancel()
	assert.True(t, errors.Is(<-errCh, errors.ErrCodeCanceled))

	close(gate)
	waitFor(t, func() bool { return q.Stats().InFlight == 0 })
	assert.False(t, sawCancel.Load(), "in-flight calls are not aborted")
}

func TestClose(t *testing.T) {
	gate := make(chan struct{})
	m := provider.NewMockTransport("p")
	m.GenerateFunc = func(ctx context.Context, req *provider.Request) (*provider.Response, error) {
		<-gate
		return &provider.Response{Text: "done"}, nil
	}
	q := New("p", m, Config{MaxConcurrent: 1})

	first := enqueueAsync(q, "first")
	waitFor(t, func() bool { return m.CallCount() == 1 })
	pending := enqueueAsync(q, "pending")
	waitFor(t, func() bool { return q.QueueLength() == 1 })

	q.Close()
	assert.True(t, errors.Is(<-pending, errors.ErrCodeClosed))

	close(gate)
	require.NoError(t, <-first, "in-flight request still resolves")

	_, err := q.Enqueue(context.Background(), provider.Prompt("late"), "t")
	assert.True(t, errors.Is(err, errors.ErrCodeClosed))
	assert.Equal(t, 1, m.CallCount())

	q.Close()
}
