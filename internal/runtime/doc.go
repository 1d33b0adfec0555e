/*
Package runtime hosts relay workers on a watermill router.

A Service builds the transport selected by Config.PubSubSystem, installs the
middleware chain and runs three kinds of work until its context ends:

  - relay workers registered with RegisterRelayWorker, each a no-publisher
    router handler named after the worker's function
  - plain handlers registered with RegisterMessageHandler
  - stream processors added with AddProcessor, which feed the projection and
    notification relays

# Middleware

DefaultMiddlewares installs, in order: correlation id, debug message logging,
tracing, Prometheus router metrics, the poison queue for validation errors
(only when Config.PoisonQueue is set) and panic recovery. RetryMiddleware is
available but not installed by default.

# Circuit breaking

Service implements circuit.HandlerStopper. A circuit.RouterBreaker built on it
stops the handler of a worker whose messages keep failing, leaving the other
handlers running.

# Usage

	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	handler := circuit.NewQueueTriggerHandler("audit-relay", cfg.Relay.RetryCount,
		circuit.WithBreaker(circuit.RouterBreaker{Handlers: svc}))
	worker, err := delivery.NewWorker[delivery.AuditPayload](relay, handler,
		delivery.WithMetrics(svc.Metrics()))
	if err != nil {
		return err
	}
	if err := runtime.RegisterRelayWorker(svc, runtime.RelayWorkerRegistration{
		ConsumeQueue: "audit",
		Worker:       worker,
	}); err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
