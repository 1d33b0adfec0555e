// Package delivery relays queued messages to the monitoring API and runs the
// circuit check that stops a failing producer.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"

	rterrors "github.com/drblury/streamrelay/internal/runtime/errors"
	"github.com/drblury/streamrelay/internal/runtime/jsoncodec"
)

// Kind names a payload variant on the wire and in routes.
type Kind string

// Payload kinds carried in the message envelope.
const (
	KindAudit        Kind = "audit"
	KindUsage        Kind = "usage"
	KindEmail        Kind = "email"
	KindSMS          Kind = "sms"
	KindDomainEvent  Kind = "domain-event"
	KindProvisioning Kind = "provisioning"
)

// Envelope identifies who sent a queued message and on whose behalf.
type Envelope struct {
	CallerID         string `json:"callerId"`
	CallID           string `json:"callId"`
	MessageID        string `json:"messageId,omitempty"`
	OriginHostRegion string `json:"originHostRegion,omitempty"`
	TenantID         string `json:"tenantId,omitempty"`
}

// Payload is the closed set of message bodies. Only this package can add
// variants; PayloadVisitor must then grow a method, so every visitor stops
// compiling until it handles the new variant.
type Payload interface {
	Kind() Kind
	Accept(v PayloadVisitor) error
	sealed()
}

// PayloadVisitor has one method per payload variant.
type PayloadVisitor interface {
	VisitAudit(AuditPayload) error
	VisitUsage(UsagePayload) error
	VisitEmail(EmailPayload) error
	VisitSMS(SMSPayload) error
	VisitDomainEvent(DomainEventPayload) error
	VisitProvisioning(ProvisioningPayload) error
}

// AuditPayload records a user or system action.
type AuditPayload struct {
	Action    string            `json:"action"`
	Resource  string            `json:"resource"`
	Outcome   string            `json:"outcome,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// UsagePayload records metered consumption.
type UsagePayload struct {
	Meter     string  `json:"meter"`
	Quantity  float64 `json:"quantity"`
	Unit      string  `json:"unit,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// EmailPayload asks for an email notification.
type EmailPayload struct {
	To       []string `json:"to"`
	Subject  string   `json:"subject"`
	Template string   `json:"template,omitempty"`
	Body     string   `json:"body,omitempty"`
}

// SMSPayload asks for a text message.
type SMSPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// DomainEventPayload forwards a domain event to monitoring.
type DomainEventPayload struct {
	EventType string          `json:"eventType"`
	RootID    string          `json:"rootId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ProvisioningPayload reports a resource lifecycle operation.
type ProvisioningPayload struct {
	Operation    string `json:"operation"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	Region       string `json:"region,omitempty"`
}

func (AuditPayload) Kind() Kind        { return KindAudit }
func (UsagePayload) Kind() Kind        { return KindUsage }
func (EmailPayload) Kind() Kind        { return KindEmail }
func (SMSPayload) Kind() Kind          { return KindSMS }
func (DomainEventPayload) Kind() Kind  { return KindDomainEvent }
func (ProvisioningPayload) Kind() Kind { return KindProvisioning }

func (p AuditPayload) Accept(v PayloadVisitor) error        { return v.VisitAudit(p) }
func (p UsagePayload) Accept(v PayloadVisitor) error        { return v.VisitUsage(p) }
func (p EmailPayload) Accept(v PayloadVisitor) error        { return v.VisitEmail(p) }
func (p SMSPayload) Accept(v PayloadVisitor) error          { return v.VisitSMS(p) }
func (p DomainEventPayload) Accept(v PayloadVisitor) error  { return v.VisitDomainEvent(p) }
func (p ProvisioningPayload) Accept(v PayloadVisitor) error { return v.VisitProvisioning(p) }

func (AuditPayload) sealed()        {}
func (UsagePayload) sealed()        {}
func (EmailPayload) sealed()        {}
func (SMSPayload) sealed()          {}
func (DomainEventPayload) sealed()  {}
func (ProvisioningPayload) sealed() {}

// Queued is any typed queued message, whatever its payload.
type Queued interface {
	Header() Envelope
	Body() Payload
}

// Message is a queued message with a payload of type P.
type Message[P Payload] struct {
	Envelope
	Payload P `json:"payload"`
}

func (m Message[P]) Header() Envelope { return m.Envelope }
func (m Message[P]) Body() Payload    { return m.Payload }

// Serialize encodes msg in the queue wire format.
func Serialize(msg Queued) ([]byte, error) {
	return jsoncodec.Marshal(msg)
}

// Parse decodes data as a Message[P] and checks required fields. Failures are
// ValidationErrors naming the target type and the offending content.
func Parse[P Payload](data []byte) (Message[P], error) {
	var msg Message[P]
	var zero P
	target := fmt.Sprintf("Message[%T]", zero)

	if err := jsoncodec.Unmarshal(data, &msg); err != nil {
		return Message[P]{}, &rterrors.ValidationError{TargetType: target, Content: string(data), Cause: err}
	}
	if err := validate(msg); err != nil {
		return Message[P]{}, &rterrors.ValidationError{TargetType: target, Content: string(data), Cause: err}
	}
	return msg, nil
}

func validate[P Payload](msg Message[P]) error {
	var errs []error
	if msg.CallerID == "" {
		errs = append(errs, errors.New("callerId is required"))
	}
	if msg.CallID == "" {
		errs = append(errs, errors.New("callId is required"))
	}
	if err := msg.Payload.Accept(payloadValidator{}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type payloadValidator struct{}

type field struct {
	name    string
	present bool
}

// required reports the missing fields in the order they are listed.
func required(kind Kind, fields ...field) error {
	var errs []error
	for _, f := range fields {
		if !f.present {
			errs = append(errs, fmt.Errorf("%s payload: %s is required", kind, f.name))
		}
	}
	return errors.Join(errs...)
}

func (payloadValidator) VisitAudit(p AuditPayload) error {
	return required(KindAudit, field{"action", p.Action != ""}, field{"resource", p.Resource != ""})
}

func (payloadValidator) VisitUsage(p UsagePayload) error {
	if p.Quantity < 0 {
		return fmt.Errorf("%s payload: quantity cannot be negative", KindUsage)
	}
	return required(KindUsage, field{"meter", p.Meter != ""})
}

func (payloadValidator) VisitEmail(p EmailPayload) error {
	return required(KindEmail, field{"to", len(p.To) > 0}, field{"subject", p.Subject != ""})
}

func (payloadValidator) VisitSMS(p SMSPayload) error {
	return required(KindSMS, field{"to", p.To != ""}, field{"body", p.Body != ""})
}

func (payloadValidator) VisitDomainEvent(p DomainEventPayload) error {
	return required(KindDomainEvent, field{"eventType", p.EventType != ""}, field{"rootId", p.RootID != ""})
}

func (payloadValidator) VisitProvisioning(p ProvisioningPayload) error {
	return required(KindProvisioning,
		field{"operation", p.Operation != ""},
		field{"resourceType", p.ResourceType != ""},
		field{"resourceId", p.ResourceID != ""},
	)
}
