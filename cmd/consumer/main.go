// Command consumer is the per-model dispatch worker.
//
// It consumes one model's shared queue, any private-pool queues for the
// organizations present in its backend registry, and the completion
// queue, applies the configured selection strategy, priority handler,
// and QoS policy, and publishes dispatch replies back to the sender.
//
// Configuration is read from the environment (or .env). See
// internal/config for the full list of variables.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/vllm-gateway/internal/backend"
	"github.com/nulpointcorp/vllm-gateway/internal/broker"
	"github.com/nulpointcorp/vllm-gateway/internal/config"
	"github.com/nulpointcorp/vllm-gateway/internal/dispatcher"
	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/metricstracker"
	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/pinger"
	"github.com/nulpointcorp/vllm-gateway/internal/priority"
	"github.com/nulpointcorp/vllm-gateway/internal/qos"
	"github.com/nulpointcorp/vllm-gateway/internal/strategy"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConsumer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ConsumerConfig, log *slog.Logger) error {
	conn, err := broker.Dial(ctx, cfg.BrokerURL, log)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}
	defer conn.Close()

	if err := awaitBackendReady(ctx, cfg, log); err != nil {
		return err
	}

	orgs := backend.Organizations(cfg.Backends)
	if err := declareQueues(conn.Channel(), cfg, orgs); err != nil {
		return fmt.Errorf("declare queues: %w", err)
	}

	d, trackerCancel := buildDispatcher(ctx, cfg, log)
	defer trackerCancel()

	p := pinger.New(cfg.PingRefreshRate, d.Strategy, log)
	p.SetMetrics(d.Metrics)
	p.Run(ctx, cfg.Backends)
	defer p.Stop()

	log.Info("consumer starting",
		slog.String("version", version),
		slog.String("model", cfg.Model),
		slog.String("routing_strategy", cfg.RoutingStrategy),
		slog.Int("backends", len(cfg.Backends)),
		slog.Int("organizations", len(orgs)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runConsumer(gctx, conn, dispatcher.ModelQueueName(cfg.Model), log, func(ch broker.Channel, msg amqp.Delivery) error {
			return d.HandleMain(gctx, ch, msg)
		})
	})
	g.Go(func() error {
		return runConsumer(gctx, conn, dispatcher.CompletedQueueName(cfg.Model), log, func(ch broker.Channel, msg amqp.Delivery) error {
			d.HandleCompletion(msg)
			return nil
		})
	})
	for _, org := range orgs {
		org := org
		queueName := dispatcher.PrivateQueueName(cfg.Model, org)
		g.Go(func() error {
			return runConsumer(gctx, conn, queueName, log, func(ch broker.Channel, msg amqp.Delivery) error {
				return d.HandlePrivate(gctx, ch, msg, org)
			})
		})
	}
	g.Go(func() error {
		return serveMetrics(gctx, cfg.MetricsPort, d.Metrics)
	})

	return g.Wait()
}

// runConsumer re-subscribes to queueName on every broker reconnect
// (broker.Conn.Channel() returns a new value after one), until ctx is
// cancelled.
func runConsumer(ctx context.Context, conn *broker.Conn, queueName string, log *slog.Logger, handle func(broker.Channel, amqp.Delivery) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := consumeLoop(ctx, conn.Channel(), queueName, log, func(msg amqp.Delivery) error {
			return handle(conn.Channel(), msg)
		}); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// awaitBackendReady blocks until at least one backend answers
// GET /v1/models, retrying up to MaxVLLMConnectionAttempts times with
// InitialMetricsWait between attempts, so the process never starts
// consuming before any backend can actually serve a request.
func awaitBackendReady(ctx context.Context, cfg *config.ConsumerConfig, log *slog.Logger) error {
	client := &http.Client{Timeout: 5 * time.Second}

	for attempt := 1; attempt <= cfg.MaxVLLMConnectionAttempts; attempt++ {
		for _, b := range cfg.Backends {
			if pinger.Check(ctx, client, b) {
				log.Info("backend ready", slog.String("backend", b.URL), slog.Int("attempt", attempt))
				return nil
			}
		}
		log.Warn("no backend ready yet, retrying",
			slog.Int("attempt", attempt), slog.Int("max_attempts", cfg.MaxVLLMConnectionAttempts))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.InitialMetricsWait):
		}
	}

	return model.ErrBackendNotReady
}

func declareQueues(ch broker.Channel, cfg *config.ConsumerConfig, orgs []string) error {
	queueExpMS := int(cfg.RPCQueueExpiration.Milliseconds())
	msgExpMS := int(cfg.RPCMessageExpiration.Milliseconds())

	if _, err := ch.QueueDeclare(cfg.Model, true, false, false, false,
		broker.ModelQueueArgs(cfg.RPCMaxPriority, queueExpMS, msgExpMS)); err != nil {
		return fmt.Errorf("declare %s: %w", cfg.Model, err)
	}

	completedName := dispatcher.CompletedQueueName(cfg.Model)
	if _, err := ch.QueueDeclare(completedName, true, false, false, false,
		broker.CompletionQueueArgs(queueExpMS)); err != nil {
		return fmt.Errorf("declare %s: %w", completedName, err)
	}

	for _, org := range orgs {
		name := dispatcher.PrivateQueueName(cfg.Model, org)
		if _, err := ch.QueueDeclare(name, true, false, false, false,
			broker.PrivateQueueArgs(queueExpMS)); err != nil {
			return fmt.Errorf("declare %s: %w", name, err)
		}
	}

	return nil
}

// buildDispatcher constructs the routing strategy, priority handler, QoS
// policy, and metrics registry from configuration, and wires them into a
// Dispatcher. The returned cancel func stops the metrics tracker's
// background refresh tasks; the tracker is started for both strategies.
func buildDispatcher(ctx context.Context, cfg *config.ConsumerConfig, log *slog.Logger) (*dispatcher.Dispatcher, func()) {
	reg := metrics.New()
	reg.SetBuildInfo(version)

	// The private pool is always scored by the least-busy heuristic,
	// independent of the main routing strategy, so a tracker is built
	// and monitoring regardless of RoutingStrategy.
	refreshRate := cfg.MetricsRefreshRate
	if refreshRate <= 0 {
		refreshRate = 5 * time.Second
	}
	refreshWindow := cfg.RefreshCountPerWindow
	if refreshWindow < 1 {
		refreshWindow = 1
	}

	urlsForTracker := make([]string, len(cfg.Backends))
	for i, b := range cfg.Backends {
		urlsForTracker[i] = b.URL
	}

	var strat strategy.Strategy
	var privateTracker *metricstracker.Tracker
	switch cfg.RoutingStrategy {
	case "least-busy":
		privateTracker = metricstracker.New(refreshRate, refreshWindow, log)
		strat = strategy.NewLeastBusy(ctx, privateTracker, strategy.DefaultPercentile, cfg.Backends)
	default:
		privateTracker = metricstracker.New(refreshRate, refreshWindow, log)
		privateTracker.Monitor(ctx, urlsForTracker)
		strat = strategy.NewRoundRobin(cfg.Backends)
	}
	cancel := privateTracker.StopMonitor

	var prioHandler priority.Handler
	switch cfg.PriorityHandler {
	case "vllm":
		prioHandler = priority.Passthrough{BestPriority: cfg.BestPriority}
	default:
		prioHandler = priority.Ignore{}
	}

	var qosPolicy qos.Policy
	switch cfg.QualityOfServicePolicy {
	case "performance-based-requeue":
		qosPolicy = qos.PerformanceBasedRequeue{Threshold: cfg.TimeToFirstTokenThreshold}
	case "parallel-requests-threshold-requeue":
		qosPolicy = qos.ParallelThresholdRequeue{}
	default:
		qosPolicy = qos.WarningLog{Threshold: cfg.TimeToFirstTokenThreshold}
	}

	urls := make([]string, len(cfg.Backends))
	for i, b := range cfg.Backends {
		urls[i] = b.URL
	}

	d := &dispatcher.Dispatcher{
		ModelName:          cfg.Model,
		Backends:           cfg.Backends,
		Strategy:           strat,
		PrivateTracker:     privateTracker,
		Percentile:         strategy.DefaultPercentile,
		PriorityHandler:    prioHandler,
		QoS:                qosPolicy,
		QoSName:            cfg.QualityOfServicePolicy,
		BestPriority:       cfg.BestPriority,
		MetricsRefreshRate: cfg.MetricsRefreshRate,
		InFlight:           dispatcher.NewInFlight(urls),
		Log:                log,
		Metrics:            reg,
	}
	return d, cancel
}

// consumeLoop ranges over queueName's deliveries, invoking handle per
// message. Runs until ctx is cancelled or the consume channel closes
// (after a broker reconnect, runConsumer's next iteration fetches a fresh
// Channel()).
func consumeLoop(ctx context.Context, ch broker.Channel, queueName string, log *slog.Logger, handle func(amqp.Delivery) error) error {
	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := handle(msg); err != nil {
				log.Error("handler failed", slog.String("queue", queueName), slog.String("error", err.Error()))
			}
		}
	}
}

// serveMetrics runs a small standalone fasthttp server exposing
// /metrics. The consumer has no other HTTP surface, unlike the sender
// which folds /metrics into its dispatch router.
func serveMetrics(ctx context.Context, port int, reg *metrics.Registry) error {
	srv := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) != "/metrics" {
				rc.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			reg.Handler()(rc)
		},
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(fmt.Sprintf(":%d", port)) }()

	select {
	case <-ctx.Done():
		return srv.ShutdownWithContext(ctx)
	case err := <-errCh:
		return err
	}
}
