package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/drblury/streamrelay/internal/runtime/ids"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// BatchListener receives "stream changed" notifications from a source. An
// error is only returned when the listener ran the batch synchronously.
type BatchListener func(ctx context.Context, source string, batch ChangeBatch) error

// Subscription detaches a listener. Close is idempotent.
type Subscription interface {
	Close() error
}

// EventSource is an event-sourced store that raises a batch whenever events
// are persisted.
type EventSource interface {
	Name() string
	Subscribe(listener BatchListener) (Subscription, error)
}

// AnyVersion disables the optimistic concurrency check in MemorySource.Append.
const AnyVersion int64 = -1

// PendingEvent is an event about to be appended.
type PendingEvent struct {
	EventType string
	Data      []byte
	Metadata  metadata.Metadata
}

// ConcurrencyError reports an Append whose expected version did not match.
type ConcurrencyError struct {
	StreamName string
	Expected   int64
	Actual     int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("stream %s: expected version %d, found %d", e.StreamName, e.Expected, e.Actual)
}

// MemorySource is an in-memory EventSource. Stream versions start at 1.
type MemorySource struct {
	name      string
	scheduler Scheduler
	now       func() time.Time

	mu        sync.Mutex
	streams   map[string][]ChangeEvent
	listeners map[int]BatchListener
	nextID    int
}

// NewMemorySource returns an empty source raising batches on scheduler.
func NewMemorySource(name string, scheduler Scheduler) *MemorySource {
	return &MemorySource{
		name:      name,
		scheduler: scheduler,
		now:       time.Now,
		streams:   make(map[string][]ChangeEvent),
		listeners: make(map[int]BatchListener),
	}
}

func (s *MemorySource) Name() string { return s.name }

// Subscribe registers listener for every later Append and Redeliver.
func (s *MemorySource) Subscribe(listener BatchListener) (Subscription, error) {
	if listener == nil {
		return nil, fmt.Errorf("stream: listener is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	return &memorySubscription{source: s, id: id}, nil
}

// Append persists events to streamName and raises them as one batch. Events
// are persisted even when a listener reports an error; that error is returned
// alongside them.
func (s *MemorySource) Append(ctx context.Context, streamName, rootAggregateType string, expectedVersion int64, pending ...PendingEvent) ([]ChangeEvent, error) {
	if len(pending) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	current := int64(len(s.streams[streamName]))
	if expectedVersion != AnyVersion && expectedVersion != current {
		s.mu.Unlock()
		return nil, &ConcurrencyError{StreamName: streamName, Expected: expectedVersion, Actual: current}
	}

	persistedAt := s.now()
	appended := make([]ChangeEvent, 0, len(pending))
	for i, p := range pending {
		appended = append(appended, ChangeEvent{
			ID:                ids.CreateULID(),
			StreamName:        streamName,
			Version:           current + int64(i) + 1,
			RootAggregateType: rootAggregateType,
			EventType:         p.EventType,
			Data:              p.Data,
			Metadata:          p.Metadata.With(metadata.KeyEventType, p.EventType),
			PersistedAt:       persistedAt,
		})
	}
	s.streams[streamName] = append(s.streams[streamName], appended...)
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	return appended, s.raise(ctx, listeners, appended)
}

// Redeliver raises events again without persisting them, the way a store
// replays history to a late subscriber.
func (s *MemorySource) Redeliver(ctx context.Context, events []ChangeEvent) error {
	s.mu.Lock()
	listeners := s.snapshotListeners()
	s.mu.Unlock()
	return s.raise(ctx, listeners, events)
}

// Events returns a copy of the persisted stream.
func (s *MemorySource) Events(streamName string) []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChangeEvent(nil), s.streams[streamName]...)
}

func (s *MemorySource) snapshotListeners() []BatchListener {
	out := make([]BatchListener, 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if l, ok := s.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (s *MemorySource) raise(ctx context.Context, listeners []BatchListener, events []ChangeEvent) error {
	batch := NewChangeBatch(events, s.scheduler)
	var errs []error
	for _, l := range listeners {
		if err := l(ctx, s.name, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type memorySubscription struct {
	source *MemorySource
	id     int
}

func (m *memorySubscription) Close() error {
	m.source.mu.Lock()
	defer m.source.mu.Unlock()
	delete(m.source.listeners, m.id)
	return nil
}
