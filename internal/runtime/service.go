package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/streamrelay/internal/notification"
	configpkg "github.com/drblury/streamrelay/internal/runtime/config"
	errspkg "github.com/drblury/streamrelay/internal/runtime/errors"
	loggingpkg "github.com/drblury/streamrelay/internal/runtime/logging"
	transportpkg "github.com/drblury/streamrelay/internal/runtime/transport"
	"github.com/drblury/streamrelay/internal/stream"
	"github.com/drblury/streamrelay/internal/telemetry"
	"github.com/drblury/streamrelay/transport"
	httptransport "github.com/drblury/streamrelay/transport/http"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const shutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to use the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// Metrics is shared with the workers and relays the caller builds. A nil
	// value creates one on Registerer.
	Metrics *telemetry.RelayMetrics
	// Registerer receives the router and relay collectors. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// Service hosts relay workers and message handlers on a watermill router and
// runs the stream processors that feed projections and notifications.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	publisher    message.Publisher
	subscriber   message.Subscriber
	capabilities transport.Capabilities
	router       *message.Router
	wmLogger     watermill.LoggerAdapter

	metrics    *telemetry.RelayMetrics
	registerer prometheus.Registerer

	handlers       []*HandlerInfo
	routerHandlers map[string]*message.Handler
	handlersMu     sync.RWMutex

	processors   []*stream.Processor
	processorsMu sync.Mutex

	httpServers   map[int]*http.ServeMux
	servers       []*http.Server
	httpServersMu sync.Mutex
}

// NewService builds the transport selected by conf and a router with the
// middleware chain. Register handlers on the returned Service before calling
// Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := errspkg.NewConfigValidationError(conf.Validate()); err != nil {
		return nil, err
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating relay service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewRelayMetrics(registerer)
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	built, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("building transport: %w", err)
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}
	router.AddPlugin(plugin.SignalsHandler)

	s := &Service{
		Conf:           conf,
		Logger:         log,
		publisher:      built.Publisher,
		subscriber:     built.Subscriber,
		capabilities:   built.Capabilities,
		router:         router,
		wmLogger:       wmLogger,
		metrics:        metrics,
		registerer:     registerer,
		routerHandlers: make(map[string]*message.Handler),
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	s.registerStatusEndpoint()

	return s, nil
}

// Start runs the stream processors, the HTTP endpoints and the router until
// ctx is cancelled or the router stops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.startProcessors(); err != nil {
		return err
	}
	defer s.stopProcessors()

	s.startHTTPServers()
	defer s.shutdownHTTPServers()

	if strings.EqualFold(s.Conf.PubSubSystem, httptransport.TransportName) {
		go func() {
			<-s.router.Running()
			httptransport.StartServer(s.subscriber, s.wmLogger)
		}()
	}

	return routerRun(s.router, ctx)
}

// Close stops the router and releases the transport.
func (s *Service) Close() error {
	errs := []error{s.router.Close()}
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

// Running is closed once the router runs every registered handler.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Publisher is the transport publisher, for integration events.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber is the transport subscriber the workers consume from.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

// Capabilities of the transport the service runs on.
func (s *Service) Capabilities() transport.Capabilities { return s.capabilities }

// Metrics is the collector set shared by every component hosted here.
func (s *Service) Metrics() *telemetry.RelayMetrics { return s.metrics }

// IntegrationPublisher publishes integration events on the service transport.
func (s *Service) IntegrationPublisher(source string) (*notification.MessageBusPublisher, error) {
	return notification.NewMessageBusPublisher(s.publisher, source)
}

// AddProcessor hosts p: it is started with the service and stopped when the
// router returns.
func (s *Service) AddProcessor(p *stream.Processor) error {
	if p == nil {
		return errspkg.ErrHandlerRequired
	}
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()
	s.processors = append(s.processors, p)
	return nil
}

func (s *Service) startProcessors() error {
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	for i, p := range s.processors {
		if err := p.Start(); err != nil {
			for _, started := range s.processors[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("starting processor %s: %w", p.Name(), err)
		}
	}
	return nil
}

func (s *Service) stopProcessors() {
	s.processorsMu.Lock()
	defer s.processorsMu.Unlock()

	for _, p := range s.processors {
		if err := p.Stop(); err != nil {
			s.Logger.Error("Stopping stream processor failed", err, loggingpkg.LogFields{"processor": p.Name()})
		}
	}
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("registering middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// start with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: shutdownTimeout,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) shutdownHTTPServers() {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}
