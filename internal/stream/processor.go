package stream

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/telemetry"
)

// StreamHandler applies the ordered events of one stream.
type StreamHandler interface {
	HandleStream(ctx context.Context, streamName string, events []ChangeEvent) error
}

// StreamHandlerFunc adapts a function to StreamHandler.
type StreamHandlerFunc func(ctx context.Context, streamName string, events []ChangeEvent) error

// HandleStream calls f.
func (f StreamHandlerFunc) HandleStream(ctx context.Context, streamName string, events []ChangeEvent) error {
	return f(ctx, streamName, events)
}

// FailurePolicy decides what a handler error does to the rest of the batch.
type FailurePolicy int

const (
	// ContinueAndAggregate attempts every stream and reports failures together.
	ContinueAndAggregate FailurePolicy = iota
	// FailFast returns the first handler error and skips the remaining streams.
	FailFast
)

// String returns the configuration spelling of p.
func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	default:
		return "continue_and_aggregate"
	}
}

// ParseFailurePolicy accepts the configuration spelling of a policy. The
// empty string selects ContinueAndAggregate.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "continue_and_aggregate":
		return ContinueAndAggregate, nil
	case "fail_fast":
		return FailFast, nil
	default:
		return ContinueAndAggregate, fmt.Errorf("stream: unknown failure policy %q", s)
	}
}

// ProcessingError ties a failure to the stream it occurred in.
type ProcessingError struct {
	StreamName string
	Err        error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing stream %s: %v", e.StreamName, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Processor subscribes to event sources and hands each stream of a batch to
// a StreamHandler in version order.
type Processor struct {
	name    string
	handler StreamHandler
	sources []EventSource
	policy  FailurePolicy
	logger  logging.ServiceLogger
	metrics *telemetry.RelayMetrics
	onError func(ctx context.Context, failures []ProcessingError)

	mu            sync.Mutex
	subscriptions []Subscription
}

// Option configures a Processor.
type Option func(*Processor)

// WithFailurePolicy selects how handler errors affect the rest of a batch.
// The default is ContinueAndAggregate.
func WithFailurePolicy(policy FailurePolicy) Option {
	return func(p *Processor) { p.policy = policy }
}

// WithLogger sets the logger used for lifecycle and failure entries.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(p *Processor) { p.logger = logging.OrNop(logger) }
}

// WithMetrics records batch outcomes on metrics.
func WithMetrics(metrics *telemetry.RelayMetrics) Option {
	return func(p *Processor) { p.metrics = metrics }
}

// WithErrorHook is called once per batch that produced processing errors.
func WithErrorHook(hook func(ctx context.Context, failures []ProcessingError)) Option {
	return func(p *Processor) { p.onError = hook }
}

// NewProcessor builds a processor named name. The name labels logs and
// metrics.
func NewProcessor(name string, handler StreamHandler, sources []EventSource, opts ...Option) (*Processor, error) {
	if handler == nil {
		return nil, rterrors.ErrHandlerRequired
	}
	if len(sources) == 0 {
		return nil, rterrors.ErrSourceRequired
	}
	p := &Processor{
		name:    name,
		handler: handler,
		sources: sources,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name labels the processor in logs and metrics.
func (p *Processor) Name() string { return p.name }

// Policy reports the configured failure policy.
func (p *Processor) Policy() FailurePolicy { return p.policy }

// Start subscribes to every source. Calling Start on a running processor is a
// no-op.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subscriptions != nil {
		return nil
	}

	subs := make([]Subscription, 0, len(p.sources))
	for _, source := range p.sources {
		sub, err := source.Subscribe(p.OnBatchChanged)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("subscribing to %s: %w", source.Name(), err)
		}
		subs = append(subs, sub)
	}
	p.subscriptions = subs
	p.logger.Info("Stream processor started", logging.LogFields{"processor": p.name, "sources": len(subs)})
	return nil
}

// Stop closes every subscription. Calling Stop again is a no-op.
func (p *Processor) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subscriptions == nil {
		return nil
	}

	var errs []error
	for _, sub := range p.subscriptions {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.subscriptions = nil
	p.logger.Info("Stream processor stopped", logging.LogFields{"processor": p.name})
	return errors.Join(errs...)
}

// OnBatchChanged is the BatchListener registered with every source. Work is
// scheduled through the batch so the publisher is not blocked.
func (p *Processor) OnBatchChanged(ctx context.Context, source string, batch ChangeBatch) error {
	if batch.Len() == 0 {
		return nil
	}
	events := batch.Events
	return batch.Schedule(ctx, func(ctx context.Context) error {
		_, err := p.ProcessBatch(ctx, events)
		var failure *ProcessingError
		if err != nil && !errors.As(err, &failure) {
			// Handler failures are already logged per stream.
			p.logger.Error("Batch aborted", err, logging.LogFields{
				"processor": p.name,
				"source":    source,
				"events":    len(events),
			})
		}
		return err
	})
}

// ProcessBatch groups events by stream, orders each group by version and
// hands contiguous groups to the handler. Streams are visited in name order.
//
// Rule violations never abort the batch. Handler failures are returned in
// the slice under ContinueAndAggregate, or as the error under FailFast.
func (p *Processor) ProcessBatch(ctx context.Context, events []ChangeEvent) ([]ProcessingError, error) {
	groups := groupByStream(events)
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var failures []ProcessingError
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			p.finish(ctx, failures)
			return failures, err
		}

		ordered := groups[name]
		if err := checkContiguous(name, ordered); err != nil {
			failures = append(failures, ProcessingError{StreamName: name, Err: err})
			continue
		}

		if err := p.handleStream(ctx, name, ordered); err != nil {
			failure := ProcessingError{StreamName: name, Err: err}
			failures = append(failures, failure)
			if p.policy == FailFast {
				p.finish(ctx, failures)
				return failures, &failure
			}
		}
	}

	p.finish(ctx, failures)
	return failures, nil
}

func (p *Processor) handleStream(ctx context.Context, name string, ordered []ChangeEvent) error {
	ctx, span := telemetry.Tracer().Start(ctx, "stream.HandleStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("stream.processor", p.name),
		attribute.String("stream.name", name),
		attribute.Int64("stream.first_version", ordered[0].Version),
		attribute.Int("stream.events", len(ordered)),
	)

	err := p.handler.HandleStream(ctx, name, ordered)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// finish writes one log entry per failure and reports the batch.
func (p *Processor) finish(ctx context.Context, failures []ProcessingError) {
	kinds := map[string]int{}
	for _, f := range failures {
		kind := "handler"
		if errors.Is(f.Err, rterrors.ErrRuleViolation) {
			kind = "rule_violation"
		}
		kinds[kind]++
		p.logger.Error("Stream processing failed", f.Err, logging.LogFields{
			"processor":   p.name,
			"stream_name": f.StreamName,
			"policy":      p.policy.String(),
		})
	}
	p.metrics.RecordBatch(p.name, kinds)
	if len(failures) > 0 && p.onError != nil {
		p.onError(ctx, slices.Clone(failures))
	}
}

func groupByStream(events []ChangeEvent) map[string][]ChangeEvent {
	groups := make(map[string][]ChangeEvent)
	for _, e := range events {
		groups[e.StreamName] = append(groups[e.StreamName], e)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool { return g[i].Version < g[j].Version })
	}
	return groups
}

func checkContiguous(name string, ordered []ChangeEvent) error {
	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1].Version, ordered[i].Version
		if cur != prev+1 {
			return &rterrors.RuleViolationError{
				StreamName: name,
				Reason:     fmt.Sprintf("version %d follows %d, expected %d", cur, prev, prev+1),
			}
		}
	}
	return nil
}
