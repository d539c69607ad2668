// Package events carries the progress of sync runs to any number of sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Type string

const (
	Start     Type = "start"
	Fetched   Type = "fetched"
	Cleaned   Type = "cleaned"
	Truncated Type = "truncated"
	Batch     Type = "batch"
	Success   Type = "success"
	Failure   Type = "failure"
)

// Event is one step of a run. Counters that do not apply to the type are zero.
type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	RunID   string    `json:"runId"`
	Dataset string    `json:"dataset"`

	// Fetched, cleaned
	Features int `json:"features,omitempty"`
	Dropped  int `json:"dropped,omitempty"`
	// Batch
	Batch   int `json:"batch,omitempty"`
	Batches int `json:"batches,omitempty"`
	Records int `json:"records,omitempty"`
	// Batch, success, failure
	Uploaded int           `json:"uploaded"`
	Duration time.Duration `json:"duration,omitempty"`
	// Failure
	Step  string `json:"step,omitempty"`
	Error string `json:"error,omitempty"`
}

// Level is the slog level the event is logged at.
func (e Event) Level() slog.Level {
	switch e.Type {
	case Failure:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sink receives events. Emit must not block for long and never fails the run.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

type SinkFunc func(ctx context.Context, e Event)

func (f SinkFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Multi sends every event to each of its sinks, in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}

// Discard drops all events.
var Discard Sink = SinkFunc(func(context.Context, Event) {})

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, e)
}

// Types lists the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]Type, len(r.Events))
	for i, e := range r.Events {
		types[i] = e.Type
	}
	return types
}
