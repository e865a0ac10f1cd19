// Command sender is the gateway's HTTP front end.
//
// It authenticates callers against the user store, runs the burst
// admission guard, dispatches over the broker RPC protocol, relays the
// request to the backend the consumer selected, and records usage.
//
// Configuration is read from the environment (or .env). See
// internal/config for the full list of variables.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/vllm-gateway/internal/admission"
	"github.com/nulpointcorp/vllm-gateway/internal/broker"
	"github.com/nulpointcorp/vllm-gateway/internal/config"
	"github.com/nulpointcorp/vllm-gateway/internal/logger"
	"github.com/nulpointcorp/vllm-gateway/internal/metrics"
	"github.com/nulpointcorp/vllm-gateway/internal/rpcclient"
	"github.com/nulpointcorp/vllm-gateway/internal/senderhttp"
	"github.com/nulpointcorp/vllm-gateway/internal/store"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSender()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(slogger)

	if err := run(ctx, cfg, slogger); err != nil {
		slogger.Error("sender stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.SenderConfig, log *slog.Logger) error {
	conn, err := broker.Dial(ctx, cfg.BrokerURL, log)
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}
	defer conn.Close()

	inboxName, err := declareInbox(conn.Channel())
	if err != nil {
		return fmt.Errorf("declare reply inbox: %w", err)
	}

	rpc := rpcclient.New(conn, inboxName, cfg.MessageTimeout, log)

	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer pgStore.Close()

	reqLogger, err := logger.New(ctx, log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer reqLogger.Close()

	reg := metrics.New()
	reg.SetBuildInfo(version)

	opts := senderhttp.GatewayOptions{
		Logger:       log,
		Metrics:      reg,
		Usage:        pgStore,
		RelayTimeout: cfg.RelayTimeout,
		Store:        pgStore,
	}

	if cfg.BurstLimit > 0 {
		rdb, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		opts.Burst = admission.NewBurstLimiter(rdb, cfg.BurstLimit, cfg.BurstWindow)
	}

	gw := senderhttp.NewGateway(pgStore, rpc, opts)
	gw.SetCORSOrigins(cfg.CORSOrigins)
	gw.SetLogger(reqLogger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info("sender starting",
		slog.String("version", version),
		slog.String("addr", addr),
		slog.Bool("burst_limiter", cfg.BurstLimit > 0),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return rpc.ConsumeReplies(gctx)
	})
	g.Go(func() error {
		mgmt := &senderhttp.ManagementRoutes{Metrics: reg.Handler()}
		return gw.StartWithRoutes(addr, mgmt)
	})

	return g.Wait()
}

// declareInbox declares the sender's exclusive, auto-delete,
// server-named reply queue the RPC client consumes dispatch replies
// from.
func declareInbox(ch broker.Channel) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

// connectRedis parses url and verifies connectivity with a PING before
// handing the client to the burst limiter.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}
