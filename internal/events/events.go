// Package events defines the orchestrator's lifecycle event taxonomy and a
// channel-based Sink a UI (or test) can subscribe to. A subscriber that
// observes only Final still receives a complete, well-formed assistant
// message — chunk/tool events are an optional finer-grained view.
package events

import (
	"sync"

	"github.com/relayhq/relay/internal/errkind"
)

// Type identifies the kind of lifecycle event emitted during one turn.
type Type string

const (
	TurnStart     Type = "turn.start"
	Chunk         Type = "chunk"
	ToolStart     Type = "tool.start"
	ToolEnd       Type = "tool.end"
	RoundBoundary Type = "round.boundary"
	TurnFinal     Type = "turn.final"
	TurnError     Type = "turn.error"
	TurnCancelled Type = "turn.cancelled"
)

// Event is one entry in a turn's event stream. Only the fields relevant to
// Type are populated.
type Event struct {
	Type Type

	TurnID         string
	ConversationID string

	// Chunk
	Text string

	// ToolStart / ToolEnd
	CallID   string
	ToolName string
	Args     string // raw JSON arguments, ToolStart only
	Result   string // raw JSON result, ToolEnd only
	IsError  bool   // ToolEnd only

	// TurnFinal
	FinalText string

	// TurnError
	ErrKind errkind.Kind
	Detail  string
}

// Sink receives events as an orchestrator turn progresses. Emit must not
// block the orchestrator indefinitely; a buffered channel-backed
// implementation (see ChannelSink) is the default.
type Sink interface {
	Emit(Event)
}

// ChannelSink fans events out over a buffered channel. The orchestrator
// calls Emit; a consumer ranges over Events(). The orchestrator never closes
// the sink: whoever drove the turn must call Close once SendTurn returns so
// the consumer's range loop terminates.
type ChannelSink struct {
	ch chan Event
}

// NewChannelSink creates a sink with the given channel buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit sends ev to the channel, blocking if the buffer is full.
func (s *ChannelSink) Emit(ev Event) {
	s.ch <- ev
}

// Events returns the channel of emitted events.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close closes the underlying channel. Call exactly once, after the
// orchestrator has emitted the turn's terminal event.
func (s *ChannelSink) Close() {
	close(s.ch)
}

// NullSink discards every event. Useful for callers (sub-agents, tests)
// that only need the final returned message, not the event stream.
type NullSink struct{}

func (NullSink) Emit(Event) {}

// CollectorSink accumulates every event emitted, in order of arrival.
// Safe for concurrent Emit calls — the orchestrator's parallel tool
// execution emits ToolEnd events from more than one goroutine. Useful in
// tests that assert on the exact event sequence.
type CollectorSink struct {
	mu     sync.Mutex
	Events []Event
}

func (c *CollectorSink) Emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, ev)
}

// Snapshot returns a copy of the events collected so far, safe to read
// while Emit may still be called concurrently.
func (c *CollectorSink) Snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.Events))
	copy(out, c.Events)
	return out
}
