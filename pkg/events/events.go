// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

package events

import (
	"sync"
	"time"

	"github.com/quillforge/quill/pkg/logger"
)

// Kind identifies the type of agent event.
type Kind string

const (
	KindIterationStart     Kind = "iteration_start"
	KindIterationEnd       Kind = "iteration_end"
	KindAIResponse         Kind = "ai_response"
	KindToolStart          Kind = "tool_start"
	KindToolComplete       Kind = "tool_complete"
	KindToolError          Kind = "tool_error"
	KindToolApprovalNeeded Kind = "tool_approval_needed"
	KindToolApproved       Kind = "tool_approved"
	KindToolDenied         Kind = "tool_denied"
	KindAgentComplete      Kind = "agent_complete"
	KindAgentError         Kind = "agent_error"
)

// Event is a single entry in the append-only stream the agent loop and
// executor emit. Events are never mutated or reordered after emission.
type Event struct {
	Kind      Kind                   `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	Iteration int                    `json:"iteration"`
	Tool      string                 `json:"tool,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Sink consumes events. Handle is called in emission order; it must not
// block indefinitely, and a panicking sink is isolated from the loop.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Stream fans events out to registered sinks. Emission holds the stream
// lock so every sink observes the same total order.
type Stream struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewStream() *Stream {
	return &Stream{}
}

// Subscribe registers a sink. Sinks registered mid-run see only events
// emitted after registration.
func (s *Stream) Subscribe(sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Emit delivers the event to every sink in order. Sink panics are caught
// and logged so a broken front-end cannot corrupt loop state.
func (s *Stream) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sink := range s.sinks {
		deliver(sink, e)
	}
}

func deliver(sink Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("events", "Event sink panicked",
				map[string]interface{}{"kind": string(e.Kind), "panic": r})
		}
	}()
	sink.Handle(e)
}

// ChannelSink buffers events on a channel for consumers that poll, such as
// a terminal UI. When the buffer is full the event is dropped rather than
// blocking the loop.
type ChannelSink struct {
	ch chan Event
}

func NewChannelSink(bufferSize int) *ChannelSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &ChannelSink{ch: make(chan Event, bufferSize)}
}

func (c *ChannelSink) Handle(e Event) {
	select {
	case c.ch <- e:
	default:
		// Buffer full; drop rather than stall the agent loop.
	}
}

// Events returns the read-only event channel.
func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}
