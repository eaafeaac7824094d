package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/queue-engine/internal/abuse"
	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/presence"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/realtime"
	"qms/queue-engine/internal/scheduler"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

type backend interface {
	store.Store
	store.ServiceWriter
}

func main() {
	cfg := config.Load()

	shutdownTracing, err := telemetry.Setup(context.Background(), telemetry.Config{
		ServiceName: "queue-engine",
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Printf("tracing disabled: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st backend
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	} else {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		pg := postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout})
		if err := pg.Ping(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		st = pg
	}
	for _, svc := range policy.Services {
		if err := st.UpsertService(ctx, svc); err != nil {
			log.Fatalf("seed service %s: %v", svc.ServiceID, err)
		}
	}
	if len(policy.Services) > 0 {
		log.Printf("seeded %d services from policy", len(policy.Services))
	}

	hub := realtime.NewHub()
	broadcaster := realtime.NewBroadcaster(hub)
	if cfg.RabbitMQURL != "" {
		amqpSink, err := realtime.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			log.Fatalf("rabbitmq connect: %v", err)
		}
		defer amqpSink.Close()
		broadcaster.AddSink(amqpSink)
		log.Printf("publishing queue events to exchange %s", cfg.RabbitMQExchange)
	}

	detector := abuse.NewDetector(st, policy.Abuse)
	engine := queue.NewEngine(st, queue.Options{
		DefaultCallTimeout: cfg.CallTimeout,
		Location:           cfg.Location(),
		Publisher:          broadcaster,
		Hooks:              []queue.TransitionHook{detector},
	})
	validator := presence.NewValidator(st, cfg.PresenceMaxAccuracyMeters)

	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		Client:   httpapi.Limit{PerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
		Join:     httpapi.Limit{PerMinute: cfg.JoinRateLimitPerMinute, Burst: cfg.JoinRateLimitBurst},
		Presence: httpapi.Limit{PerMinute: cfg.CheckRateLimitPerMinute, Burst: cfg.CheckRateLimitBurst},
		Counter:  httpapi.Limit{PerMinute: cfg.CounterRateLimitPerMinute, Burst: cfg.CounterRateLimitBurst},
	})
	handler := httpapi.NewHandler(engine, validator, detector).WithRateLimiter(limiter)

	api := http.NewServeMux()
	handler.Register(api)
	api.Handle("/metrics", expvar.Handler())

	mux := http.NewServeMux()
	mux.Handle("/realtime/", httpapi.LoggingMiddleware(realtime.SockJSHandler("/realtime", hub)))
	mux.Handle("/ws", httpapi.LoggingMiddleware(realtime.WebSocketHandler(hub)))
	mux.Handle("/", otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(api)), "queue-engine"))

	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	poller := scheduler.NewPoller(st, engine, scheduler.PollerConfig{
		Interval:  cfg.TimeoutScanInterval,
		Lease:     cfg.TimeoutLease,
		BatchSize: cfg.TimeoutBatchSize,
	})
	sweeper := scheduler.NewSweeper(engine, cfg.ExpiryScanInterval)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Printf("queue-engine listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return poller.Run(groupCtx)
	})
	group.Go(func() error {
		if count, err := sweeper.RunOnce(groupCtx); err != nil {
			log.Printf("startup expiry error: %v", err)
		} else if count > 0 {
			log.Printf("startup expiry processed %d tokens", count)
		}
		return sweeper.Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		log.Printf("shutdown error: %v", err)
		return
	}
	log.Printf("queue-engine stopped")
}
