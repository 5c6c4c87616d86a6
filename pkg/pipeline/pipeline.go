// Package pipeline implements the step DAG and worker-pool scheduler of
// spec.md §4.8: steps run as soon as their declared dependencies succeed,
// bounded by a worker pool built on golang.org/x/sync's errgroup and
// semaphore, with cooperative cancellation on the first failure and
// step-level retry with exponential backoff for transient errors.
package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stevedore/stevedore/internal/berrors"
)

// backoff is the exponential backoff schedule spec.md §4.8 names for
// step-level retry of transient errors: 200ms, 1s, 5s.
var backoff = []time.Duration{200 * time.Millisecond, time.Second, 5 * time.Second}

// StepFunc is the function a step runs; it must observe ctx cancellation
// at I/O boundaries per spec.md §5's cooperative cancellation model.
type StepFunc func(ctx context.Context) error

// Step is one DAG node. Deps names must already be registered on the
// Pipeline before Step is added.
type Step struct {
	Name string
	Deps []string
	Run  StepFunc
}

// Pipeline is a DAG of steps, built once and run once.
type Pipeline struct {
	RunID string

	steps map[string]*Step
	order []string
}

// New returns an empty Pipeline with a fresh run identifier.
func New() *Pipeline {
	return &Pipeline{
		RunID: uuid.NewString(),
		steps: make(map[string]*Step),
	}
}

// AddStep registers step. Its Deps must already have been added.
func (p *Pipeline) AddStep(step Step) error {
	if step.Name == "" {
		return errors.New("pipeline: step name must not be empty")
	}
	if _, exists := p.steps[step.Name]; exists {
		return errors.Errorf("pipeline: duplicate step %q", step.Name)
	}
	for _, dep := range step.Deps {
		if _, ok := p.steps[dep]; !ok {
			return errors.Errorf("pipeline: step %q depends on unregistered step %q", step.Name, dep)
		}
	}
	cp := step
	p.steps[step.Name] = &cp
	p.order = append(p.order, step.Name)
	return nil
}

// Run executes every registered step, dispatching runnable steps onto a
// pool of size poolSize (0 means runtime.NumCPU()). It returns the first
// step error encountered; every other in-flight step is cancelled and
// drained before Run returns, per spec.md §4.8's "collects the first
// error, cancels, waits for outstanding futures" rule.
func (p *Pipeline) Run(parent context.Context, poolSize int) error {
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sem := semaphore.NewWeighted(int64(poolSize))
	g, gctx := errgroup.WithContext(ctx)

	done := make(map[string]chan struct{}, len(p.order))
	for _, name := range p.order {
		done[name] = make(chan struct{})
	}

	var once sync.Once
	var firstErr error
	record := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for _, name := range p.order {
		name := name
		step := p.steps[name]
		g.Go(func() error {
			defer close(done[name])

			for _, dep := range step.Deps {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return nil
				}
			}
			if gctx.Err() != nil {
				return nil
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			defer sem.Release(1)

			if gctx.Err() != nil {
				return nil
			}

			if err := runWithRetry(gctx, step); err != nil {
				record(err)
			}
			return nil
		})
	}

	_ = g.Wait() // step goroutines never return non-nil; errors are collected via record()
	return firstErr
}

// runWithRetry runs step.Run, retrying up to len(backoff) additional times
// when the error is transient per internal/berrors.IsRetryable, per
// spec.md §4.8 / §7's retry policy.
func runWithRetry(ctx context.Context, step *Step) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = step.Run(ctx)
		if err == nil {
			return nil
		}
		if !berrors.IsRetryable(err) || attempt >= len(backoff) {
			return err
		}
		select {
		case <-time.After(backoff[attempt]):
		case <-ctx.Done():
			return err
		}
	}
}
