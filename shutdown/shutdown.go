// Package shutdown tears components down in phases. Lower phases stop
// first; steps within one phase run concurrently. A failing step does not
// stop later phases.
package shutdown

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/llmdispatch/logging"
)

// Phases used by the serve command.
const (
	PhaseIngress  = 10 // stop accepting requests
	PhaseDispatch = 20 // reject queued work, close transports
	PhaseExport   = 30 // flush spans, close stores
)

// ErrAlreadyShutdown is returned by every Shutdown call after the first.
var ErrAlreadyShutdown = stderrors.New("shutdown already initiated")

// Func is one teardown step. It should return once ctx is done.
type Func func(ctx context.Context) error

// Result records how one step went.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

type step struct {
	name  string
	phase int
	fn    Func
}

// Coordinator collects steps and runs them once.
type Coordinator struct {
	log *logging.Logger

	mu      sync.Mutex
	steps   []step
	results []Result
	started bool
}

// New creates a coordinator. A nil logger discards progress.
func New(logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{log: logger.WithComponent("shutdown")}
}

// Register adds a step. Steps registered after Shutdown starts are ignored.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.steps = append(c.steps, step{name: name, phase: phase, fn: fn})
}

// Shutdown runs every phase in order. The returned error joins every step
// failure; it also includes ctx's error if the deadline passed.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyShutdown
	}
	c.started = true
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	start := time.Now()
	var errs []error
	for _, group := range groupByPhase(steps) {
		results := c.runPhase(ctx, group)
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}
		c.mu.Lock()
		c.results = append(c.results, results...)
		c.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}

	c.log.Info("complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("steps", len(steps)),
		zap.Int("failed", len(errs)))
	return stderrors.Join(errs...)
}

func (c *Coordinator) runPhase(ctx context.Context, group []step) []Result {
	results := make([]Result, len(group))
	var g errgroup.Group
	for i, s := range group {
		g.Go(func() error {
			began := time.Now()
			err := s.fn(ctx)
			results[i] = Result{Name: s.name, Phase: s.phase, Duration: time.Since(began), Err: err}
			if err != nil {
				c.log.Warn("step_failed", zap.String("step", s.name), zap.Int("phase", s.phase), zap.Error(err))
			} else {
				c.log.Debug("step_done", zap.String("step", s.name), zap.Duration("elapsed", results[i].Duration))
			}
			return err
		})
	}
	_ = g.Wait()
	return results
}

// Results returns what each step did, in execution order.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func groupByPhase(steps []step) [][]step {
	var groups [][]step
	for i, s := range steps {
		if i == 0 || s.phase != steps[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}
