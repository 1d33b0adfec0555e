package circuit

import (
	"context"
	"fmt"

	"github.com/drblury/streamrelay/internal/runtime/logging"
)

// HandlerStopper stops a registered router handler by name.
type HandlerStopper interface {
	StopHandler(name string) error
}

// RouterBreaker stops the router handler that hosts a worker. The handler
// name must equal the worker's function name.
type RouterBreaker struct {
	Handlers HandlerStopper
	Logger   logging.ServiceLogger
}

// Break stops the router handler named workerName.
func (b RouterBreaker) Break(_ context.Context, workerName string) error {
	if b.Handlers == nil {
		return fmt.Errorf("circuit: no router to stop %s on", workerName)
	}
	if err := b.Handlers.StopHandler(workerName); err != nil {
		return fmt.Errorf("circuit: stopping handler %s: %w", workerName, err)
	}
	logging.OrNop(b.Logger).Info("Router handler stopped", logging.LogFields{"function_name": workerName})
	return nil
}
