package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/internal/berrors"
)

func TestRunExecutesInDependencyOrder(t *testing.T) {
	p := New()
	var mu sync.Mutex
	var order []string
	record := func(name string) StepFunc {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	must(t, p.AddStep(Step{Name: "a", Run: record("a")}))
	must(t, p.AddStep(Step{Name: "b", Deps: []string{"a"}, Run: record("b")}))
	must(t, p.AddStep(Step{Name: "c", Deps: []string{"a"}, Run: record("c")}))
	must(t, p.AddStep(Step{Name: "d", Deps: []string{"b", "c"}, Run: record("d")}))

	if err := p.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pos := map[string]int{}
	for i, name := range order {
		pos[name] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] {
		t.Errorf("a must run before b and c: order=%v", order)
	}
	if pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Errorf("d must run after b and c: order=%v", order)
	}
}

func TestRunCancelsSiblingsOnFailure(t *testing.T) {
	p := New()
	boom := errors.New("boom")
	var ranSibling int32

	must(t, p.AddStep(Step{Name: "fails", Run: func(ctx context.Context) error {
		return boom
	}}))
	must(t, p.AddStep(Step{Name: "sibling", Run: func(ctx context.Context) error {
		select {
		case <-time.After(50 * time.Millisecond):
			atomic.AddInt32(&ranSibling, 1)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}))
	must(t, p.AddStep(Step{Name: "downstream", Deps: []string{"fails", "sibling"}, Run: func(ctx context.Context) error {
		atomic.AddInt32(&ranSibling, 100)
		return nil
	}}))

	err := p.Run(context.Background(), 2)
	if !errors.Is(err, boom) {
		t.Fatalf("Run error = %v, want boom", err)
	}
	if atomic.LoadInt32(&ranSibling) >= 100 {
		t.Error("downstream step should never run after an upstream failure")
	}
}

type transientErr struct{}

func (transientErr) Error() string { return "transient" }

func TestRunRetriesTransientErrors(t *testing.T) {
	p := New()
	var attempts int32

	must(t, p.AddStep(Step{Name: "flaky", Run: func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return &berrors.NetworkError{Action: "pull", Cause: transientErr{}}
		}
		return nil
	}}))

	orig := backoff
	backoff = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { backoff = orig }()

	if err := p.Run(context.Background(), 1); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRunDoesNotRetryNonTransientErrors(t *testing.T) {
	p := New()
	var attempts int32
	fail := errors.New("config problem")

	must(t, p.AddStep(Step{Name: "bad-config", Run: func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return fail
	}}))

	if err := p.Run(context.Background(), 1); !errors.Is(err, fail) {
		t.Fatalf("Run error = %v, want %v", err, fail)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", got)
	}
}

func TestAddStepRejectsUnknownDependency(t *testing.T) {
	p := New()
	err := p.AddStep(Step{Name: "x", Deps: []string{"ghost"}, Run: func(ctx context.Context) error { return nil }})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestAddStepRejectsDuplicateName(t *testing.T) {
	p := New()
	must(t, p.AddStep(Step{Name: "x", Run: func(ctx context.Context) error { return nil }}))
	if err := p.AddStep(Step{Name: "x", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("expected error for duplicate step name")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("AddStep: %v", err)
	}
}
