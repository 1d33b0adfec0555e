package streamrelay

import (
	"context"

	"github.com/drblury/streamrelay/internal/broker"
	"github.com/drblury/streamrelay/internal/circuit"
	"github.com/drblury/streamrelay/internal/delivery"
	"github.com/drblury/streamrelay/internal/events"
	"github.com/drblury/streamrelay/internal/notification"
	"github.com/drblury/streamrelay/internal/projection"
	runtimepkg "github.com/drblury/streamrelay/internal/runtime"
	configpkg "github.com/drblury/streamrelay/internal/runtime/config"
	errspkg "github.com/drblury/streamrelay/internal/runtime/errors"
	idspkg "github.com/drblury/streamrelay/internal/runtime/ids"
	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/streamrelay/internal/runtime/logging"
	metadatapkg "github.com/drblury/streamrelay/internal/runtime/metadata"
	transportpkg "github.com/drblury/streamrelay/internal/runtime/transport"
	"github.com/drblury/streamrelay/internal/stream"
	"github.com/drblury/streamrelay/internal/telemetry"
	"github.com/drblury/streamrelay/transport"
)

type (
	Config              = configpkg.Config
	RelayConfig         = configpkg.RelayConfig
	StreamConfig        = configpkg.StreamConfig
	BrokerConfig        = configpkg.BrokerConfig
	ManagementConfig    = configpkg.ManagementConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	Capabilities        = transport.Capabilities

	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration
	RelayWorkerRegistration    = runtimepkg.RelayWorkerRegistration
	RelayWorker                = runtimepkg.RelayWorker
	HandlerInfo                = runtimepkg.HandlerInfo

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	RelayMetrics  = telemetry.RelayMetrics
	FunctionStats = telemetry.FunctionStats

	// Stream processing.
	ChangeEvent     = stream.ChangeEvent
	ChangeBatch     = stream.ChangeBatch
	EventSource     = stream.EventSource
	StreamHandler   = stream.StreamHandler
	Processor       = stream.Processor
	FailurePolicy   = stream.FailurePolicy
	MemorySource    = stream.MemorySource
	PendingEvent    = stream.PendingEvent
	Scheduler       = stream.Scheduler
	InlineScheduler = stream.InlineScheduler

	// Rehydration.
	DomainEvent  = events.DomainEvent
	Migrator     = events.Migrator
	TypeRegistry = events.TypeRegistry
	Handlers     = events.Handlers

	// Projections and notifications.
	Projection                 = projection.Projection
	ProjectionRelay            = projection.Relay
	CheckpointKey              = projection.CheckpointKey
	CheckpointStore            = projection.CheckpointStore
	NotificationRelay          = notification.Relay
	NotificationRegistration   = notification.Registration
	NotificationConsumer       = notification.Consumer
	IntegrationEvent           = notification.IntegrationEvent
	IntegrationPublisher       = notification.Publisher
	IntegrationEventTranslator = notification.Translator

	// Queue delivery.
	Envelope               = delivery.Envelope
	Payload                = delivery.Payload
	Queued                 = delivery.Queued
	Relayer                = delivery.Relayer
	RelayerFunc            = delivery.RelayerFunc
	HTTPRelayConfig        = delivery.HTTPRelayConfig
	MessageDeliveryHandler = delivery.MessageDeliveryHandler
	AuditPayload           = delivery.AuditPayload
	UsagePayload           = delivery.UsagePayload
	EmailPayload           = delivery.EmailPayload
	SMSPayload             = delivery.SMSPayload
	DomainEventPayload     = delivery.DomainEventPayload
	ProvisioningPayload    = delivery.ProvisioningPayload

	// Circuit breaking.
	Breaker             = circuit.Breaker
	QueueTriggerHandler = circuit.QueueTriggerHandler
	ManagedHandler      = circuit.ManagedHandler
	ManagementBreaker   = circuit.ManagementBreaker
	RouterBreaker       = circuit.RouterBreaker
	FunctionApp         = circuit.FunctionApp
	StaticToken         = circuit.StaticToken

	// Self-hosted broker.
	BrokerConsumer        = broker.Consumer
	BrokerDeliveryHandler = broker.DeliveryHandler

	ConfigValidationError  = errspkg.ConfigValidationError
	ValidationError        = errspkg.ValidationError
	RuleViolationError     = errspkg.RuleViolationError
	TransientDeliveryError = errspkg.TransientDeliveryError
	PlatformError          = errspkg.PlatformError
)

// Service construction and configuration.
var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	// Handler registration.
	RegisterMessageHandler = runtimepkg.RegisterMessageHandler
	RegisterRelayWorker    = runtimepkg.RegisterRelayWorker

	// Router middleware.
	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	// Stream processing.
	NewProcessor       = stream.NewProcessor
	NewMemorySource    = stream.NewMemorySource
	ParseFailurePolicy = stream.ParseFailurePolicy

	// Domain event helpers.
	NewTypeRegistry = events.NewTypeRegistry
	NewHandlers     = events.NewHandlers

	// Projection and notification relays.
	NewProjectionRelay          = projection.NewRelay
	NewHandlerProjection        = projection.NewHandlerProjection
	NewMemoryCheckpointStore    = projection.NewMemoryCheckpointStore
	OpenSQLCheckpointStore      = projection.OpenSQLCheckpointStore
	NewNotificationRelay        = notification.NewRelay
	NewMessageBusPublisher      = notification.NewMessageBusPublisher
	HandlerNotificationConsumer = notification.HandlerConsumer

	// Relay workers.
	NewHTTPRelay      = delivery.NewHTTPRelay
	WithWorkerLogger  = delivery.WithLogger
	WithWorkerMetrics = delivery.WithMetrics
	Serialize         = delivery.Serialize
	ShouldBreak       = delivery.ShouldBreak

	// Circuit breaking for cloud-function platforms.
	NewQueueTriggerHandler       = circuit.NewQueueTriggerHandler
	NewManagedHandler            = circuit.NewManagedHandler
	NewManagementBreaker         = circuit.NewManagementBreaker
	FunctionAppFromEnv           = circuit.FunctionAppFromEnv
	NewManagedIdentityCredential = circuit.NewManagedIdentityCredential
	NewDefaultCredential         = circuit.NewDefaultCredential
	WithManagementLogger         = circuit.WithManagementLogger
	WithClientOptions            = circuit.WithClientOptions
	WithBreaker                  = circuit.WithBreaker

	// Self-hosted broker.
	NewBrokerConsumer        = broker.NewConsumer
	NewBrokerDeliveryHandler = broker.NewDeliveryHandler
	WithBrokerLogger         = broker.WithLogger
	WithBrokerMetrics        = broker.WithMetrics
	WithDeliveryLimit        = broker.WithDeliveryLimit

	// Transport capabilities.
	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register

	// JSON codec.
	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	// Errors.
	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired    = errspkg.ErrPublisherRequired
	ErrTopicRequired        = errspkg.ErrTopicRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrValidation           = errspkg.ErrValidation
	ErrRuleViolation        = errspkg.ErrRuleViolation
	ErrPlatform             = errspkg.ErrPlatform
	ErrNotImplemented       = circuit.ErrNotImplemented
	IsValidation            = errspkg.IsValidation

	// Observability.
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewRelayMetrics      = telemetry.NewRelayMetrics

	// Message metadata and ids.
	NewMetadata = metadatapkg.New
	CreateULID  = idspkg.CreateULID
)

// Stream failure policies.
const (
	FailFast             = stream.FailFast
	ContinueAndAggregate = stream.ContinueAndAggregate
)

// NewWorker builds a relay worker for payload P.
func NewWorker[P delivery.Payload](relayer Relayer, handler MessageDeliveryHandler, opts ...delivery.WorkerOption) (*delivery.Worker[P], error) {
	return delivery.NewWorker[P](relayer, handler, opts...)
}

// Parse decodes a queued message with payload P.
func Parse[P delivery.Payload](data []byte) (delivery.Message[P], error) {
	return delivery.Parse[P](data)
}

// RegisterEvent binds a stable event type name, plus historical aliases, to T.
func RegisterEvent[T DomainEvent](r *TypeRegistry, name string, aliases ...string) error {
	return events.Register[T](r, name, aliases...)
}

// On registers fn for events of type T on h.
func On[T DomainEvent](h *Handlers, fn func(context.Context, T) error) *Handlers {
	return events.On[T](h, fn)
}
