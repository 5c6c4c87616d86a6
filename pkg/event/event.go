// Package event implements the EventBus and decentralized progress
// allocation tree of spec.md §4.9. Handlers run synchronously on the
// dispatch goroutine; a handler that might block (console rendering, which
// is out of scope per spec.md §1) should hand off to its own queue instead
// of blocking Publish.
package event

import (
	"fmt"
	"sync"
)

// Level is a LogEvent's severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// LogEvent is a structured log line. This is the core's sole log sink per
// SPEC_FULL.md §6: there is no shared logging library in the teacher
// corpus, so every component logs by publishing one of these rather than
// writing to stderr directly.
type LogEvent struct {
	Level Level
	Msg   string
}

// ProgressEvent reports units of work completed against an Allocation.
type ProgressEvent struct {
	Allocation *Allocation
	Units      int64
}

// TimerEvent marks the start or end of a named span, for coarse timing
// without a full tracing dependency.
type TimerEvent struct {
	Name string
	Done bool
}

// Allocation is one node in the progress allocation tree. Allocations are
// immutable once created, so sibling producers never need to coordinate --
// spec.md §4.9: "allocations are immutable so there is no coordination
// between producers."
type Allocation struct {
	Name  string
	Units int64
}

// Subdivide creates a child allocation representing a fraction of this
// allocation's single parent unit, e.g. a PullBaseLayer step allocating
// size-in-bytes child units per spec.md §4.9's example.
func (a *Allocation) Subdivide(name string, units int64) *Allocation {
	return &Allocation{Name: name, Units: units}
}

// Handler receives every event published to a Bus.
type Handler func(event any)

// Bus is a synchronous publish/subscribe event bus. The handler list is
// guarded by a sync.RWMutex: Subscribe takes the write lock, and Publish
// holds the read lock while it calls the handlers, so concurrent publishers
// do not block each other.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h to receive every subsequently published event.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish dispatches event to every subscribed handler, synchronously, in
// subscription order.
func (b *Bus) Publish(event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

// Log is a convenience wrapper publishing a LogEvent.
func (b *Bus) Log(level Level, msg string) {
	b.Publish(LogEvent{Level: level, Msg: msg})
}

// Logf formats msg and publishes it as a LogEvent.
func (b *Bus) Logf(level Level, format string, args ...any) {
	b.Log(level, fmt.Sprintf(format, args...))
}

// NewRootAllocation creates the root of the allocation tree at build start,
// with one unit per top-level step, per spec.md §4.9.
func (b *Bus) NewRootAllocation(stepCount int) *Allocation {
	return &Allocation{Name: "build", Units: int64(stepCount)}
}

// Progress publishes a ProgressEvent for units of work completed against
// alloc.
func (b *Bus) Progress(alloc *Allocation, units int64) {
	b.Publish(ProgressEvent{Allocation: alloc, Units: units})
}

// Timer publishes a start/done TimerEvent pair around fn, returning fn's
// error.
func (b *Bus) Timer(name string, fn func() error) error {
	b.Publish(TimerEvent{Name: name})
	err := fn()
	b.Publish(TimerEvent{Name: name, Done: true})
	return err
}
