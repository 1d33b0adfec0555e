package errors

import (
	sterrors "errors"
	"fmt"
)

// Sentinel errors returned when a required collaborator or setting is missing.
var (
	ErrServiceRequired         = sterrors.New("streamrelay: relay service is required")
	ErrHandlerRequired         = sterrors.New("streamrelay: handler function is required")
	ErrConsumeQueueRequired    = sterrors.New("streamrelay: consume queue is required")
	ErrHandlerNameRequired     = sterrors.New("streamrelay: handler name is required")
	ErrPublisherRequired       = sterrors.New("streamrelay: publisher is required")
	ErrTopicRequired           = sterrors.New("streamrelay: topic is required")
	ErrConfigRequired          = sterrors.New("streamrelay: configuration is required")
	ErrLoggerRequired          = sterrors.New("streamrelay: logger is required")
	ErrSourceRequired          = sterrors.New("streamrelay: at least one event source is required")
	ErrMigratorRequired        = sterrors.New("streamrelay: migrator is required")
	ErrCheckpointsRequired     = sterrors.New("streamrelay: checkpoint store is required")
	ErrRelayerRequired         = sterrors.New("streamrelay: relayer is required")
	ErrDeliveryHandlerRequired = sterrors.New("streamrelay: delivery handler is required")
)

// ConfigValidationError wraps the joined result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "streamrelay: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// Error categories. Typed errors below match their category through errors.Is.
var (
	ErrValidation        = sterrors.New("streamrelay: validation")
	ErrRuleViolation     = sterrors.New("streamrelay: rule violation")
	ErrTransientDelivery = sterrors.New("streamrelay: transient delivery failure")
	ErrPlatform          = sterrors.New("streamrelay: platform error")
)

// ValidationError reports content that could not be parsed into TargetType.
// Messages failing with it are never retried by the relay; the platform's
// dead-letter policy owns them.
type ValidationError struct {
	TargetType string
	Content    string
	Cause      error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("failed to parse %q into %s", e.Content, e.TargetType)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// RuleViolationError is scoped to a single stream.
type RuleViolationError struct {
	StreamName string
	Reason     string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("stream %s: %s", e.StreamName, e.Reason)
}

func (e *RuleViolationError) Is(target error) bool { return target == ErrRuleViolation }

// TransientDeliveryError describes a failed relay attempt. The worker never
// returns it in place of the original error; it exists for hooks and logs.
type TransientDeliveryError struct {
	FunctionName  string
	DeliveryCount int
	Cause         error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("%s: delivery %d failed: %v", e.FunctionName, e.DeliveryCount, e.Cause)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Cause }

func (e *TransientDeliveryError) Is(target error) bool { return target == ErrTransientDelivery }

// PlatformError wraps a failure of a hosting-platform call such as disabling a
// function. It is traced and never escalated to the caller of the worker.
type PlatformError struct {
	Operation string
	Cause     error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s failed: %v", e.Operation, e.Cause)
}

func (e *PlatformError) Unwrap() error { return e.Cause }

func (e *PlatformError) Is(target error) bool { return target == ErrPlatform }

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	return sterrors.Is(err, ErrValidation)
}
