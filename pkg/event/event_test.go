package event

import "testing"

func TestPublishDispatchesToAllSubscribers(t *testing.T) {
	bus := NewBus()
	var got []any
	bus.Subscribe(func(e any) { got = append(got, e) })
	bus.Subscribe(func(e any) { got = append(got, e) })

	bus.Log(LevelInfo, "hello")

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	for _, e := range got {
		le, ok := e.(LogEvent)
		if !ok {
			t.Fatalf("expected LogEvent, got %T", e)
		}
		if le.Msg != "hello" {
			t.Errorf("Msg = %q, want %q", le.Msg, "hello")
		}
	}
}

func TestAllocationSubdivide(t *testing.T) {
	root := &Allocation{Name: "build", Units: 3}
	child := root.Subdivide("pull-layer-1", 1024)
	if child.Units != 1024 {
		t.Errorf("child.Units = %d, want 1024", child.Units)
	}
}

func TestTimerPublishesStartAndDone(t *testing.T) {
	bus := NewBus()
	var events []TimerEvent
	bus.Subscribe(func(e any) {
		if te, ok := e.(TimerEvent); ok {
			events = append(events, te)
		}
	})

	err := bus.Timer("step", func() error { return nil })
	if err != nil {
		t.Fatalf("Timer: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d timer events, want 2", len(events))
	}
	if events[0].Done {
		t.Error("first event should not be marked done")
	}
	if !events[1].Done {
		t.Error("second event should be marked done")
	}
}

func TestLevelString(t *testing.T) {
	cases := map[Level]string{LevelDebug: "DEBUG", LevelInfo: "INFO", LevelWarn: "WARN", LevelError: "ERROR"}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", level, got, want)
		}
	}
}
