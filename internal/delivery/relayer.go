package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	"github.com/drblury/streamrelay/internal/runtime/ids"
	"github.com/drblury/streamrelay/internal/runtime/metadata"
)

// Relayer forwards one queued message downstream. A nil error means the
// downstream accepted it.
type Relayer interface {
	Relay(ctx context.Context, msg Queued) error
}

// RelayerFunc adapts a function to Relayer.
type RelayerFunc func(ctx context.Context, msg Queued) error

// Relay calls f.
func (f RelayerFunc) Relay(ctx context.Context, msg Queued) error { return f(ctx, msg) }

// Headers set on relayed requests.
const (
	HeaderCallerID  = "X-Caller-Id"
	HeaderCallID    = "X-Call-Id"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderRegion    = "X-Origin-Host-Region"
	HeaderMessageID = "X-Message-Id"
)

// HTTPRelayConfig configures HTTPRelay.
type HTTPRelayConfig struct {
	// BaseURL of the monitoring API; each payload kind has its own path below it.
	BaseURL string
	Client  *nethttp.Client
	// Timeout bounds one relay call. Zero leaves the caller's context in charge.
	Timeout time.Duration
	// FailureThreshold opens the in-process breaker after that many consecutive
	// failures. Zero disables it.
	FailureThreshold int
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// PublisherFactory allows overriding the watermill-http publisher in tests.
var PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// HTTPRelay POSTs messages to the monitoring API through a watermill-http
// publisher. Responses of 400 and above are failures.
type HTTPRelay struct {
	publisher message.Publisher
	baseURL   string
	timeout   time.Duration
	breaker   *gobreaker.CircuitBreaker
}

// NewHTTPRelay builds a relay posting to cfg.BaseURL.
func NewHTTPRelay(cfg HTTPRelayConfig, logger watermill.LoggerAdapter) (*HTTPRelay, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("delivery: monitoring API base URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: marshalRelayRequest,
		Client:             cfg.Client,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating monitoring API publisher: %w", err)
	}

	r := &HTTPRelay{
		publisher: publisher,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		timeout:   cfg.Timeout,
	}
	if cfg.FailureThreshold > 0 {
		threshold := uint32(cfg.FailureThreshold)
		r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "monitoring-api",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Info("Monitoring API breaker state changed", watermill.LogFields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
			},
		})
	}
	return r, nil
}

// Relay sends msg to the path for its payload kind.
func (r *HTTPRelay) Relay(ctx context.Context, msg Queued) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	route, err := Route(msg.Body())
	if err != nil {
		return err
	}
	payload, err := Serialize(msg)
	if err != nil {
		return fmt.Errorf("serializing %s message: %w", msg.Body().Kind(), err)
	}

	env := msg.Header()
	id := env.MessageID
	if id == "" {
		id = ids.CreateULID()
	}
	out := message.NewMessage(id, payload)
	out.Metadata = metadata.ToWatermill(metadata.New(
		HeaderCallerID, env.CallerID,
		HeaderCallID, env.CallID,
		HeaderTenantID, env.TenantID,
		HeaderRegion, env.OriginHostRegion,
	))
	out.SetContext(ctx)

	send := func() (interface{}, error) {
		return nil, r.publisher.Publish(r.baseURL+route, out)
	}
	if r.breaker == nil {
		_, err = send()
	} else {
		_, err = r.breaker.Execute(send)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			return fmt.Errorf("%w: %w", ctxErr, err)
		}
		return err
	}
	return nil
}

// Close releases the underlying publisher.
func (r *HTTPRelay) Close() error {
	return r.publisher.Close()
}

func marshalRelayRequest(url string, msg *message.Message) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(msg.Context(), nethttp.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderMessageID, msg.UUID)
	for k, v := range msg.Metadata {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	return req, nil
}

// Route returns the monitoring API path for a payload.
func Route(p Payload) (string, error) {
	if p == nil {
		return "", errors.New("delivery: message has no payload")
	}
	var route routeVisitor
	if err := p.Accept(&route); err != nil {
		return "", err
	}
	return route.path, nil
}

type routeVisitor struct {
	path string
}

func (v *routeVisitor) VisitAudit(AuditPayload) error {
	v.path = "/audits"
	return nil
}

func (v *routeVisitor) VisitUsage(UsagePayload) error {
	v.path = "/usages"
	return nil
}

func (v *routeVisitor) VisitEmail(EmailPayload) error {
	v.path = "/notifications/email"
	return nil
}

func (v *routeVisitor) VisitSMS(SMSPayload) error {
	v.path = "/notifications/sms"
	return nil
}

func (v *routeVisitor) VisitDomainEvent(p DomainEventPayload) error {
	v.path = "/domain-events/" + url.PathEscape(p.EventType)
	return nil
}

func (v *routeVisitor) VisitProvisioning(p ProvisioningPayload) error {
	v.path = "/provisioning/" + url.PathEscape(p.ResourceType)
	return nil
}
