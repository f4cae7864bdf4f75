package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/activitysync/internal/api"
	"example.com/activitysync/internal/app"
	"example.com/activitysync/internal/auth"
	"example.com/activitysync/internal/config"
	"example.com/activitysync/internal/observability"
	"example.com/activitysync/internal/syncer"
	httptransport "example.com/activitysync/internal/transport/http"
	"example.com/activitysync/internal/webhook"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	client := app.NewClient(cfg, store)
	orchestrator := app.NewOrchestrator(cfg, store, client, nil)
	ingestor := webhook.NewIngestor(store, client)

	var wg sync.WaitGroup
	var queue webhook.Queue
	if cfg.UseKafka() {
		kafkaQueue := webhook.NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafkaQueue.Close()
		queue = kafkaQueue
		log.Printf("webhook events published to %s", cfg.KafkaTopic)
	} else {
		memoryQueue := webhook.NewMemoryQueue(ingestor, cfg.WebhookQueueSize)
		queue = memoryQueue
		wg.Add(1)
		go func() {
			defer wg.Done()
			memoryQueue.Run(ctx)
		}()
	}

	var scheduler *syncer.Scheduler
	if cfg.SyncInterval > 0 {
		scheduler = syncer.NewScheduler(orchestrator, cfg.SyncInterval, nil)
		go scheduler.Start(ctx)
	}

	mux := http.NewServeMux()
	api.NewHandler(orchestrator, nil).RegisterRoutes(mux)
	webhook.NewHandler(queue, cfg.WebhookVerifyToken, cfg.WebhookSubscriptionID, nil).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, "/v1/")
	requestLogger := log.New(log.Writer(), "[http] ", log.LstdFlags)

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}, httptransport.RequestLogger(requestLogger, authMiddleware.Wrap(mux)))

	if err := httptransport.Serve(ctx, server, 15*time.Second, requestLogger); err != nil {
		log.Printf("server error: %v", err)
	}
	stop()

	if scheduler != nil {
		scheduler.Wait()
	}
	wg.Wait()
}
