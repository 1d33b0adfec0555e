package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/streamrelay/internal/circuit"
	errspkg "github.com/drblury/streamrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamrelay/internal/runtime/logging"
	"github.com/drblury/streamrelay/internal/telemetry"
)

var _ circuit.HandlerStopper = (*Service)(nil)

// Handler kinds reported by Handlers.
const (
	KindMessageHandler = "message_handler"
	KindRelayWorker    = "relay_worker"
)

// HandlerInfo describes a registered router handler.
type HandlerInfo struct {
	Name         string                   `json:"name"`
	Kind         string                   `json:"kind"`
	ConsumeQueue string                   `json:"consume_queue"`
	PublishQueue string                   `json:"publish_queue,omitempty"`
	Stopped      bool                     `json:"stopped"`
	Stats        *telemetry.FunctionStats `json:"stats,omitempty"`
}

// MessageHandlerRegistration wires a raw watermill handler. Without a
// PublishQueue the handler cannot emit messages.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RelayWorker is a delivery worker that can be hosted on the router.
type RelayWorker interface {
	FunctionName() string
	HandlerFunc() message.NoPublishHandlerFunc
}

// RelayWorkerRegistration hosts a relay worker on ConsumeQueue. The handler
// is named after the worker's function unless Name is set; RouterBreaker
// stops it by that name.
type RelayWorkerRegistration struct {
	Name         string
	ConsumeQueue string
	Worker       RelayWorker
	Subscriber   message.Subscriber
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = svc.subscriber
	}

	info := &HandlerInfo{
		Name:         cfg.Name,
		Kind:         KindMessageHandler,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
	}
	return svc.addHandler(info, func() *message.Handler {
		if cfg.PublishQueue == "" {
			return svc.router.AddNoPublisherHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, func(msg *message.Message) error {
				_, err := cfg.Handler(msg)
				return err
			})
		}
		publisher := cfg.Publisher
		if publisher == nil {
			publisher = svc.publisher
		}
		return svc.router.AddHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, cfg.PublishQueue, publisher, cfg.Handler)
	})
}

// RegisterRelayWorker hosts a relay worker on the service router.
func RegisterRelayWorker(svc *Service, cfg RelayWorkerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Worker == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Worker.FunctionName()
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.ConsumeQueue == "" {
		return errspkg.ErrConsumeQueueRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = svc.subscriber
	}

	info := &HandlerInfo{
		Name:         cfg.Name,
		Kind:         KindRelayWorker,
		ConsumeQueue: cfg.ConsumeQueue,
	}
	return svc.addHandler(info, func() *message.Handler {
		return svc.router.AddNoPublisherHandler(cfg.Name, cfg.ConsumeQueue, cfg.Subscriber, cfg.Worker.HandlerFunc())
	})
}

func (s *Service) addHandler(info *HandlerInfo, add func() *message.Handler) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if _, exists := s.routerHandlers[info.Name]; exists {
		return fmt.Errorf("handler %q is already registered", info.Name)
	}
	s.routerHandlers[info.Name] = add()
	s.handlers = append(s.handlers, info)
	return nil
}

// StopHandler stops the named router handler. The router keeps running the
// others; once every handler is stopped the router closes.
func (s *Service) StopHandler(name string) error {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	h, ok := s.routerHandlers[name]
	if !ok {
		return fmt.Errorf("handler %q is not registered", name)
	}
	if !s.router.IsRunning() {
		return fmt.Errorf("handler %q cannot be stopped before the router runs", name)
	}

	for _, info := range s.handlers {
		if info.Name != name {
			continue
		}
		if info.Stopped {
			return nil
		}
		info.Stopped = true
	}
	h.Stop()
	s.Logger.Info("Handler stopped", loggingpkg.LogFields{"handler": name})
	return nil
}

// Handlers returns a snapshot of the registered handlers in registration
// order, with the delivery stats of relay workers.
func (s *Service) Handlers() []HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]HandlerInfo, 0, len(s.handlers))
	for _, info := range s.handlers {
		cp := *info
		if cp.Kind == KindRelayWorker {
			cp.Stats = s.metrics.Function(cp.Name)
		}
		out = append(out, cp)
	}
	return out
}
