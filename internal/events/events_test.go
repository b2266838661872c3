package events

import (
	"sync"
	"testing"

	"github.com/relayhq/relay/internal/errkind"
)

func TestCollectorSinkPreservesEmitOrder(t *testing.T) {
	c := &CollectorSink{}
	c.Emit(Event{Type: TurnStart, TurnID: "t1"})
	c.Emit(Event{Type: Chunk, Text: "hello"})
	c.Emit(Event{Type: TurnFinal, FinalText: "hello"})

	snap := c.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 events, got %d", len(snap))
	}
	wantTypes := []Type{TurnStart, Chunk, TurnFinal}
	for i, want := range wantTypes {
		if snap[i].Type != want {
			t.Errorf("event %d type = %q, want %q", i, snap[i].Type, want)
		}
	}
}

func TestCollectorSinkSnapshotIsACopy(t *testing.T) {
	c := &CollectorSink{}
	c.Emit(Event{Type: TurnStart})

	snap := c.Snapshot()
	snap[0].Type = TurnError // mutating the snapshot must not affect the sink

	again := c.Snapshot()
	if again[0].Type != TurnStart {
		t.Errorf("mutating a snapshot leaked back into the sink: got %q", again[0].Type)
	}
}

func TestCollectorSinkEmitIsSafeForConcurrentCallers(t *testing.T) {
	c := &CollectorSink{}
	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			c.Emit(Event{Type: ToolEnd, CallID: "call"})
		}(i)
	}
	wg.Wait()

	if got := len(c.Snapshot()); got != n {
		t.Fatalf("expected %d events from concurrent Emit calls, got %d", n, got)
	}
}

func TestChannelSinkDeliversThenClosesForRangeLoop(t *testing.T) {
	sink := NewChannelSink(4)
	sink.Emit(Event{Type: TurnStart})
	sink.Emit(Event{Type: TurnFinal, FinalText: "done"})
	sink.Close()

	var got []Event
	for ev := range sink.Events() {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events before channel close, got %d", len(got))
	}
	if got[1].FinalText != "done" {
		t.Errorf("FinalText = %q, want %q", got[1].FinalText, "done")
	}
}

func TestNullSinkDiscardsWithoutPanicking(t *testing.T) {
	var s NullSink
	s.Emit(Event{Type: TurnError, ErrKind: errkind.ModelProtocol, Detail: "boom"})
}
