// Package events rehydrates persisted change events into typed domain events
// and dispatches them to typed handlers.
package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
)

// DomainEvent is a fact recorded against one aggregate instance.
type DomainEvent interface {
	RootID() string
	OccurredAt() time.Time
}

// Migrator turns a persisted event back into its current Go type. Type names
// are stable across renames of the Go type.
type Migrator interface {
	Rehydrate(eventID, eventTypeName string, data []byte) (DomainEvent, error)
}

// MigratorFunc adapts a function to Migrator.
type MigratorFunc func(eventID, eventTypeName string, data []byte) (DomainEvent, error)

// Rehydrate calls f.
func (f MigratorFunc) Rehydrate(eventID, eventTypeName string, data []byte) (DomainEvent, error) {
	return f(eventID, eventTypeName, data)
}

type decodeFunc func(data []byte) (DomainEvent, error)

// TypeRegistry is a Migrator backed by an explicit name-to-type table.
type TypeRegistry struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
	names    map[reflect.Type]string
}

// NewTypeRegistry returns an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		decoders: make(map[string]decodeFunc),
		names:    make(map[reflect.Type]string),
	}
}

// Register binds name, and any historical aliases, to T. Persisted payloads
// are decoded as JSON into a fresh T.
func Register[T DomainEvent](r *TypeRegistry, name string, aliases ...string) error {
	if name == "" {
		return fmt.Errorf("events: type name is required")
	}

	decode := func(data []byte) (DomainEvent, error) {
		var event T
		if err := jsoncodec.Unmarshal(data, &event); err != nil {
			return nil, &rterrors.ValidationError{
				TargetType: fmt.Sprintf("%T", event),
				Content:    string(data),
				Cause:      err,
			}
		}
		return event, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	all := append([]string{name}, aliases...)
	for _, n := range all {
		if _, exists := r.decoders[n]; exists {
			return fmt.Errorf("events: type name %q already registered", n)
		}
	}
	for _, n := range all {
		r.decoders[n] = decode
	}
	r.names[reflect.TypeFor[T]()] = name
	return nil
}

// MustRegister is Register for package initialisation.
func MustRegister[T DomainEvent](r *TypeRegistry, name string, aliases ...string) {
	if err := Register[T](r, name, aliases...); err != nil {
		panic(err)
	}
}

// Rehydrate decodes data as the type registered under eventTypeName.
func (r *TypeRegistry) Rehydrate(eventID, eventTypeName string, data []byte) (DomainEvent, error) {
	r.mu.RLock()
	decode, ok := r.decoders[eventTypeName]
	r.mu.RUnlock()

	if !ok {
		return nil, &rterrors.ValidationError{
			TargetType: eventTypeName,
			Content:    string(data),
			Cause:      fmt.Errorf("event %s: unknown event type", eventID),
		}
	}
	return decode(data)
}

// NameOf returns the stable name under which event's type was registered.
func (r *TypeRegistry) NameOf(event DomainEvent) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[reflect.TypeOf(event)]
	return name, ok
}

// Handlers dispatches a domain event to the function registered for its
// concrete type. Events without a handler are ignored.
type Handlers struct {
	byType map[reflect.Type]func(context.Context, DomainEvent) error
}

// NewHandlers returns an empty dispatch table.
func NewHandlers() *Handlers {
	return &Handlers{byType: make(map[reflect.Type]func(context.Context, DomainEvent) error)}
}

// On registers fn for events of type T, replacing any earlier handler.
func On[T DomainEvent](h *Handlers, fn func(context.Context, T) error) *Handlers {
	h.byType[reflect.TypeFor[T]()] = func(ctx context.Context, e DomainEvent) error {
		return fn(ctx, e.(T))
	}
	return h
}

// Handles reports whether a handler exists for event's concrete type.
func (h *Handlers) Handles(event DomainEvent) bool {
	_, ok := h.byType[reflect.TypeOf(event)]
	return ok
}

// Dispatch runs the handler for event. handled is false when no handler is
// registered, which is not an error.
func (h *Handlers) Dispatch(ctx context.Context, event DomainEvent) (handled bool, err error) {
	fn, ok := h.byType[reflect.TypeOf(event)]
	if !ok {
		return false, nil
	}
	return true, fn(ctx, event)
}
