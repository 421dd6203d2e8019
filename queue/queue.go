// Package queue implements a per-provider admission queue.
//
// A Queue serves requests in FIFO order through a bounded number of
// concurrent transport calls. When the provider signals a rate limit the
// queue stops admitting until the advertised window has passed, and the
// throttled request is put back in front of everything that arrived after
// it. Requests that wait longer than the configured maximum age are
// rejected without being sent.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vinayprograms/llmdispatch/errors"
	"github.com/vinayprograms/llmdispatch/logging"
	"github.com/vinayprograms/llmdispatch/provider"
	"github.com/vinayprograms/llmdispatch/ratelimit"
	"github.com/vinayprograms/llmdispatch/semaphore"
	"github.com/vinayprograms/llmdispatch/telemetry"
)

// Defaults.
const (
	DefaultMaxConcurrent = 1
	DefaultMaxRequestAge = 60 * time.Second
	DefaultMaxRequeues   = 5
)

// ReinsertPolicy decides where a rate-limited request goes back in line.
type ReinsertPolicy int

const (
	// ReinsertHead puts the request ahead of everything enqueued after it.
	ReinsertHead ReinsertPolicy = iota
	// ReinsertTail puts the request at the back of the line.
	ReinsertTail
)

func (p ReinsertPolicy) String() string {
	if p == ReinsertTail {
		return "tail"
	}
	return "head"
}

// Config configures a Queue.
type Config struct {
	// MaxConcurrent bounds in-flight transport calls. Default 1.
	MaxConcurrent int

	// MaxRequestAge is how long a request may wait before it is rejected
	// instead of dispatched. Default 60s.
	MaxRequestAge time.Duration

	// MaxRequeues is the default number of times a request is put back
	// after a rate limit before the rate limit is surfaced. Zero means
	// DefaultMaxRequeues; negative means never requeue.
	MaxRequeues int

	// Reinsert is the requeue position policy. Default ReinsertHead.
	Reinsert ReinsertPolicy

	Now    func() time.Time
	Logger *logging.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.MaxRequestAge <= 0 {
		c.MaxRequestAge = DefaultMaxRequestAge
	}
	if c.MaxRequeues == 0 {
		c.MaxRequeues = DefaultMaxRequeues
	} else if c.MaxRequeues < 0 {
		c.MaxRequeues = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

// Request is one admission-queue entry. It is owned by the queue that
// accepted it until it resolves.
type Request struct {
	ID         string
	TenantID   string
	Payload    *provider.Request
	EnqueuedAt time.Time
	RetryCount int

	seq         uint64
	maxRequeues int
	ctx         context.Context
	done        chan result
	resolved    bool
}

type result struct {
	resp *provider.Response
	err  error
}

// EnqueueOption adjusts a single Enqueue call.
type EnqueueOption func(*Request)

// WithFailFast surfaces the first rate limit to the caller instead of
// requeueing. The queue still enters its rate-limited state.
func WithFailFast() EnqueueOption {
	return func(r *Request) { r.maxRequeues = 0 }
}

// WithMaxRequeues overrides the requeue budget for one request.
func WithMaxRequeues(n int) EnqueueOption {
	return func(r *Request) {
		if n < 0 {
			n = 0
		}
		r.maxRequeues = n
	}
}

// WithRequestID sets the entry id. A random UUID is used otherwise.
func WithRequestID(id string) EnqueueOption {
	return func(r *Request) { r.ID = id }
}

// Stats is a point-in-time view of a queue.
type Stats struct {
	Provider        string          `json:"provider"`
	QueueLength     int             `json:"queue_length"`
	InFlight        int             `json:"in_flight"`
	RateLimited     bool            `json:"rate_limited"`
	RateLimitWaitMs int64           `json:"rate_limit_wait_ms"`
	Semaphore       semaphore.Stats `json:"semaphore"`
	ExpiredCount    int64           `json:"expired_count"`
	DispatchedCount int64           `json:"dispatched_count"`
	RateLimitCount  int64           `json:"rate_limit_count"`
	CanceledCount   int64           `json:"canceled_count"`
	MaxRequestAgeMs int64           `json:"max_request_age_ms"`
}

// Queue is a per-provider FIFO admission queue. It is safe for concurrent use.
type Queue struct {
	name      string
	transport provider.Transport
	cfg       Config
	sem       *semaphore.Semaphore
	log       *logging.Logger

	closeCtx context.Context
	closeFn  context.CancelFunc

	mu             sync.Mutex
	items          []*Request
	seq            uint64
	draining       bool
	closed         bool
	inFlight       int
	rateLimitUntil time.Time

	expired    int64
	dispatched int64
	limited    int64
	canceled   int64
}

// New creates a queue that dispatches to transport.
func New(name string, transport provider.Transport, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:      name,
		transport: transport,
		cfg:       cfg,
		sem:       semaphore.New(cfg.MaxConcurrent),
		log:       cfg.Logger.WithComponent("queue").With(zap.String("provider", name)),
		closeCtx:  ctx,
		closeFn:   cancel,
	}
}

// Name returns the provider name this queue serves.
func (q *Queue) Name() string { return q.name }

// Transport returns the underlying transport.
func (q *Queue) Transport() provider.Transport { return q.transport }

// Enqueue adds req to the queue and blocks until it resolves.
//
// The result is the transport's response, or one of: a RATE_LIMITED error
// once the requeue budget is spent, REQUEST_EXPIRED, CANCELED if ctx ends
// first, CLOSED if the queue is closed, or the transport's own error
// wrapped as PROVIDER_FAILED. Once dispatched, the transport call is not
// aborted by ctx.
func (q *Queue) Enqueue(ctx context.Context, req *provider.Request, tenantID string, opts ...EnqueueOption) (*provider.Response, error) {
	r := &Request{
		TenantID:    tenantID,
		Payload:     req,
		maxRequeues: q.cfg.MaxRequeues,
		ctx:         ctx,
		done:        make(chan result, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.Closed(q.name, errors.WithTenant(tenantID))
	}
	q.seq++
	r.seq = q.seq
	r.EnqueuedAt = q.cfg.Now()
	q.items = append(q.items, r)
	q.kickLocked()
	q.mu.Unlock()

	select {
	case res := <-r.done:
		return res.resp, res.err
	case <-ctx.Done():
		q.mu.Lock()
		if q.removeLocked(r) {
			q.canceled++
		}
		q.mu.Unlock()
		// A result that raced in wins over the cancellation.
		select {
		case res := <-r.done:
			return res.resp, res.err
		default:
		}
		return nil, errors.Canceled(q.name, ctx.Err(), errors.WithTenant(tenantID))
	}
}

// IsRateLimited reports whether the provider's rate-limit window is open.
func (q *Queue) IsRateLimited() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rateLimitedLocked(q.cfg.Now())
}

// RateLimitWaitTime returns how long until the rate-limit window closes.
func (q *Queue) RateLimitWaitTime() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.cfg.Now()
	if !q.rateLimitedLocked(now) {
		return 0
	}
	return q.rateLimitUntil.Sub(now)
}

// QueueLength returns the number of requests waiting for admission.
func (q *Queue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.cfg.Now()
	s := Stats{
		Provider:        q.name,
		QueueLength:     len(q.items),
		InFlight:        q.inFlight,
		RateLimited:     q.rateLimitedLocked(now),
		Semaphore:       q.sem.Stats(),
		ExpiredCount:    q.expired,
		DispatchedCount: q.dispatched,
		RateLimitCount:  q.limited,
		CanceledCount:   q.canceled,
		MaxRequestAgeMs: q.cfg.MaxRequestAge.Milliseconds(),
	}
	if s.RateLimited {
		s.RateLimitWaitMs = q.rateLimitUntil.Sub(now).Milliseconds()
	}
	return s
}

// Close stops admission and rejects every waiting request with CLOSED.
// In-flight transport calls are allowed to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	q.closeFn()
	for _, r := range pending {
		q.resolve(r, nil, errors.Closed(q.name, errors.WithTenant(r.TenantID)))
	}
	q.log.Debug("closed", zap.Int("rejected", len(pending)))
}

// rateLimitedLocked reports whether now is inside the window. The window
// clears itself once it has passed.
func (q *Queue) rateLimitedLocked(now time.Time) bool {
	if q.rateLimitUntil.IsZero() {
		return false
	}
	if now.Before(q.rateLimitUntil) {
		return true
	}
	q.rateLimitUntil = time.Time{}
	return false
}

// kickLocked starts the drain loop if it is not already running.
func (q *Queue) kickLocked() {
	if q.draining || q.closed {
		return
	}
	q.draining = true
	go q.drain()
}

func (q *Queue) removeLocked(r *Request) bool {
	for i, item := range q.items {
		if item == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// reinsertLocked puts r back in line according to the reinsert policy.
// Head reinsertion keeps r behind requests that were already ahead of it.
func (q *Queue) reinsertLocked(r *Request) {
	if q.cfg.Reinsert == ReinsertTail {
		q.items = append(q.items, r)
		return
	}
	i := 0
	for i < len(q.items) && q.items[i].seq < r.seq {
		i++
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r
}

// drain admits requests until the queue is empty or closed.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		// An empty queue stops the loop even inside a rate-limit window;
		// the next Enqueue restarts it.
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		now := q.cfg.Now()
		if q.rateLimitedLocked(now) {
			wait := q.rateLimitUntil.Sub(now)
			q.mu.Unlock()
			q.sleep(wait)
			continue
		}
		q.mu.Unlock()

		if !q.sem.TryAcquire() {
			if err := q.sem.Acquire(q.closeCtx); err != nil {
				continue
			}
		}

		// The queue may have changed while waiting for a permit.
		q.mu.Lock()
		if q.closed || len(q.items) == 0 || q.rateLimitedLocked(q.cfg.Now()) {
			q.mu.Unlock()
			q.sem.Release()
			continue
		}
		r := q.items[0]
		q.items = q.items[1:]
		now = q.cfg.Now()
		age := now.Sub(r.EnqueuedAt)

		if r.ctx.Err() != nil {
			q.canceled++
			q.mu.Unlock()
			q.sem.Release()
			q.resolve(r, nil, errors.Canceled(q.name, r.ctx.Err(), errors.WithTenant(r.TenantID)))
			continue
		}
		if age > q.cfg.MaxRequestAge {
			q.expired++
			q.mu.Unlock()
			q.sem.Release()
			q.log.Expired(q.name, age)
			telemetry.QueueEvent(r.ctx, "queue.expired",
				attribute.String("provider", q.name),
				attribute.String("request_id", r.ID),
				attribute.Int64("age_ms", age.Milliseconds()))
			q.resolve(r, nil, errors.RequestExpired(q.name, age, q.cfg.MaxRequestAge,
				errors.WithTenant(r.TenantID),
				errors.WithMetadata("request_id", r.ID)))
			continue
		}

		q.inFlight++
		q.dispatched++
		q.mu.Unlock()

		q.log.Dispatched(q.name, r.RetryCount+1, age)
		go q.dispatch(r)
	}
}

// sleep waits for d or until the queue is closed.
func (q *Queue) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-q.closeCtx.Done():
	}
}

// dispatch performs one transport call for r and settles the outcome.
// It owns one semaphore permit and releases it exactly once.
func (q *Queue) dispatch(r *Request) {
	resp, err := q.transport.Generate(context.WithoutCancel(r.ctx), r.Payload)
	if err == nil {
		q.finish()
		q.resolve(r, resp, nil)
		return
	}

	now := q.cfg.Now()
	info, limited := ratelimit.Detect(err, now)
	if !limited {
		q.finish()
		q.resolve(r, nil, errors.Passthrough(q.name, err,
			errors.WithTenant(r.TenantID),
			errors.WithAttempt(r.RetryCount+1)))
		return
	}

	q.mu.Lock()
	q.limited++
	if until := now.Add(info.RetryAfter); until.After(q.rateLimitUntil) {
		q.rateLimitUntil = until
	}
	requeue := !q.closed && r.ctx.Err() == nil && r.RetryCount < r.maxRequeues
	if requeue {
		r.RetryCount++
		q.reinsertLocked(r)
	}
	q.inFlight--
	closed := q.closed
	q.kickLocked()
	q.mu.Unlock()
	q.sem.Release()

	q.log.RateLimited(q.name, info.RetryAfter, requeue)
	telemetry.QueueEvent(r.ctx, "queue.rate_limited",
		attribute.String("provider", q.name),
		attribute.String("request_id", r.ID),
		attribute.Int64("retry_after_ms", info.RetryAfter.Milliseconds()),
		attribute.Bool("requeued", requeue))

	if requeue {
		return
	}
	if closed {
		q.resolve(r, nil, errors.Closed(q.name, errors.WithTenant(r.TenantID)))
		return
	}
	q.resolve(r, nil, errors.RateLimited(q.name, info.RetryAfter, err,
		errors.WithTenant(r.TenantID),
		errors.WithAttempt(r.RetryCount+1),
		errors.WithMetadata("request_id", r.ID)))
}

func (q *Queue) finish() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	q.sem.Release()
}

// resolve delivers the single outcome for r.
func (q *Queue) resolve(r *Request, resp *provider.Response, err error) {
	q.mu.Lock()
	if r.resolved {
		q.mu.Unlock()
		return
	}
	r.resolved = true
	q.mu.Unlock()
	r.done <- result{resp: resp, err: err}
}
