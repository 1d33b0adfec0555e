package stream

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs deferred units of work on behalf of an event source.
type Scheduler interface {
	Schedule(ctx context.Context, task func(context.Context) error) error
}

// InlineScheduler runs the task on the caller's goroutine.
type InlineScheduler struct{}

// Schedule runs task with ctx and returns its error.
func (InlineScheduler) Schedule(ctx context.Context, task func(context.Context) error) error {
	return task(ctx)
}

// GoScheduler runs each task on its own goroutine. Tasks outlive the
// publisher: they keep the values of the scheduling context but not its
// cancellation, so a persisted batch is processed even when the request that
// appended it has already returned.
type GoScheduler struct {
	mu    sync.Mutex
	group *errgroup.Group
}

// NewGoScheduler returns a scheduler with no tasks.
func NewGoScheduler() *GoScheduler {
	return &GoScheduler{group: &errgroup.Group{}}
}

// Schedule starts task and returns immediately.
func (s *GoScheduler) Schedule(ctx context.Context, task func(context.Context) error) error {
	detached := context.WithoutCancel(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == nil {
		s.group = &errgroup.Group{}
	}
	s.group.Go(func() error {
		return task(detached)
	})
	return nil
}

// Wait blocks until every task scheduled so far has returned and reports the
// first error among them. Tasks scheduled afterwards start a new round, so an
// old failure is not reported again.
func (s *GoScheduler) Wait() error {
	s.mu.Lock()
	group := s.group
	s.group = &errgroup.Group{}
	s.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}
