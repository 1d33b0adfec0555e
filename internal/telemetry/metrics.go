// Package telemetry holds the Prometheus collectors and tracer shared by the
// stream processor, the relays and the delivery workers.
package telemetry

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/drblury/streamrelay"

// Tracer returns the tracer used for relay spans.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Delivery outcomes recorded per function.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeCanceled  = "canceled"
)

// FunctionStats is the in-process view of one delivery worker.
type FunctionStats struct {
	Completed     uint64    `json:"completed"`
	Failed        uint64    `json:"failed"`
	Invalid       uint64    `json:"invalid"`
	Canceled      uint64    `json:"canceled"`
	CircuitChecks uint64    `json:"circuit_checks"`
	CircuitTrips  uint64    `json:"circuit_trips"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// RelayMetrics records delivery, stream and checkpoint activity. All methods
// are safe on a nil receiver so components can treat metrics as optional.
type RelayMetrics struct {
	mu        sync.RWMutex
	functions map[string]*FunctionStats

	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	failedAttempt    *prometheus.HistogramVec
	circuitChecks    *prometheus.CounterVec
	circuitTrips     *prometheus.CounterVec
	batches          *prometheus.CounterVec
	streamFailures   *prometheus.CounterVec
	checkpoints      *prometheus.CounterVec
	reconnects       *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrelay",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamrelay",
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewRelayMetrics builds the collectors. A nil registerer selects the
// Prometheus default registerer.
func NewRelayMetrics(registerer prometheus.Registerer) *RelayMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &RelayMetrics{
		functions:        make(map[string]*FunctionStats),
		registerer:       registerer,
		deliveries:       counterVec("delivery", "messages_total", "Messages handled by delivery workers, by outcome", "function", "outcome"),
		deliveryDuration: histogramVec("delivery", "duration_seconds", "Time spent relaying one message", prometheus.DefBuckets, "function"),
		failedAttempt:    histogramVec("delivery", "failed_delivery_count", "Delivery count of failed attempts", []float64{0, 1, 2, 3, 5, 10, 20}, "function"),
		circuitChecks:    counterVec("circuit", "checks_total", "Circuit checks after a failed delivery", "function"),
		circuitTrips:     counterVec("circuit", "trips_total", "Circuit checks that met the break threshold", "function"),
		batches:          counterVec("stream", "batches_total", "Change batches processed", "processor"),
		streamFailures:   counterVec("stream", "failures_total", "Streams that failed within a batch, by error kind", "processor", "kind"),
		checkpoints:      counterVec("projection", "checkpoint_advances_total", "Checkpoint advances", "projection"),
		reconnects:       counterVec("broker", "reconnects_total", "Broker connection recoveries", "queue"),
	}
}

// Register registers the collectors. Calling it again is a no-op.
func (m *RelayMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.deliveries, m.deliveryDuration, m.failedAttempt,
		m.circuitChecks, m.circuitTrips,
		m.batches, m.streamFailures, m.checkpoints, m.reconnects,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordDelivery records the outcome of one delivery attempt.
func (m *RelayMetrics) RecordDelivery(function, outcome string, deliveryCount int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(function)
	switch outcome {
	case OutcomeCompleted:
		stats.Completed++
	case OutcomeFailed:
		stats.Failed++
		stats.LastFailureAt = time.Now()
		m.failedAttempt.WithLabelValues(function).Observe(float64(deliveryCount))
	case OutcomeInvalid:
		stats.Invalid++
	case OutcomeCanceled:
		stats.Canceled++
	}

	m.deliveries.WithLabelValues(function, outcome).Inc()
	m.deliveryDuration.WithLabelValues(function).Observe(elapsed.Seconds())
}

// RecordCircuitCheck records a circuit evaluation and whether it tripped.
func (m *RelayMetrics) RecordCircuitCheck(function string, tripped bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.statsFor(function)
	stats.CircuitChecks++
	m.circuitChecks.WithLabelValues(function).Inc()
	if tripped {
		stats.CircuitTrips++
		m.circuitTrips.WithLabelValues(function).Inc()
	}
}

// RecordBatch records one processed batch and its per-stream failures keyed
// by kind ("rule_violation" or "handler").
func (m *RelayMetrics) RecordBatch(processor string, failures map[string]int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(processor).Inc()
	for kind, n := range failures {
		m.streamFailures.WithLabelValues(processor, kind).Add(float64(n))
	}
}

// RecordCheckpoint counts one checkpoint advance of projection.
func (m *RelayMetrics) RecordCheckpoint(projection string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(projection).Inc()
}

// RecordReconnect counts one broker reconnect for queue.
func (m *RelayMetrics) RecordReconnect(queue string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(queue).Inc()
}

// Function returns a copy of the stats for function, or nil if nothing was
// recorded for it.
func (m *RelayMetrics) Function(function string) *FunctionStats {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats, ok := m.functions[function]
	if !ok {
		return nil
	}
	cp := *stats
	return &cp
}

func (m *RelayMetrics) statsFor(function string) *FunctionStats {
	stats, ok := m.functions[function]
	if !ok {
		stats = &FunctionStats{}
		m.functions[function] = stats
	}
	return stats
}
