// Package stream delivers batches of persisted change events to a handler in
// per-stream version order, isolating failures per stream.
package stream

import (
	"context"
	"time"

	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// ChangeEvent is one persisted event as raised by an EventSource.
type ChangeEvent struct {
	ID                string
	StreamName        string
	Version           int64
	RootAggregateType string
	// EventType is the stable type name used for rehydration.
	EventType string
	Data      []byte
	// Metadata carries type information for migrations plus any headers
	// stored alongside the event.
	Metadata    metadata.Metadata
	PersistedAt time.Time
}

// ChangeBatch is a set of change events raised together, possibly spanning
// several streams.
type ChangeBatch struct {
	Events    []ChangeEvent
	scheduler Scheduler
}

// NewChangeBatch binds events to the scheduler that will run deferred work.
// A nil scheduler runs work inline.
func NewChangeBatch(events []ChangeEvent, scheduler Scheduler) ChangeBatch {
	return ChangeBatch{Events: events, scheduler: scheduler}
}

// Len is the number of events in the batch.
func (b ChangeBatch) Len() int { return len(b.Events) }

// Schedule hands task to the batch's scheduler.
func (b ChangeBatch) Schedule(ctx context.Context, task func(context.Context) error) error {
	if b.scheduler == nil {
		return InlineScheduler{}.Schedule(ctx, task)
	}
	return b.scheduler.Schedule(ctx, task)
}
