package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/coverlab/api/internal/auth"
	"github.com/coverlab/api/internal/client"
	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/handler"
	"github.com/coverlab/api/internal/logger"
	"github.com/coverlab/api/internal/middleware"
	"github.com/coverlab/api/internal/pipeline"
	"github.com/coverlab/api/internal/realtime"
	"github.com/coverlab/api/internal/server"
	"github.com/coverlab/api/internal/service"
	"github.com/coverlab/api/internal/store"
	ws "github.com/coverlab/api/internal/websocket"
	"github.com/coverlab/api/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database, store.WithLogger(lg))
	if err != nil {
		lg.Fatal("database unavailable", "driver", cfg.Database.Driver, "error", err)
	}
	st := store.New(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	redisUp := true
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisUp = false
		lg.Warn("redis not available", "addr", cfg.Redis.Addr, "error", err)
	}

	queueMode := cfg.Pipeline.Dispatch == "queue"
	if queueMode && !redisUp {
		lg.Fatal("queue dispatch needs redis; set PIPELINE_DISPATCH=inline to run without it")
	}

	// Realtime: redis pub/sub fans events out to every API replica.
	var bus realtime.Bus = realtime.NewMemoryBus()
	if redisUp {
		if bus, err = realtime.NewRedisBus(redisClient, cfg.Redis.Channel, lg); err != nil {
			lg.Fatal("failed to create event bus", "error", err)
		}
	}
	defer bus.Close()

	hub := ws.NewHub(lg)
	go hub.Run(ctx)
	if err := bus.StartForwarder(ctx, hub.Dispatch); err != nil {
		lg.Fatal("failed to start event forwarder", "error", err)
	}

	// External clients
	replicateClient := client.NewReplicateClient(&cfg.Replicate, lg)
	if !replicateClient.IsConfigured() {
		lg.Warn("REPLICATE_API_TOKEN not set, model stages will fail")
	}
	processingClient := client.NewProcessingClient(&cfg.Processing)
	fetcher := client.NewFetcher(time.Duration(cfg.Processing.Timeout) * time.Second)

	r2Client, err := client.NewR2Client(&cfg.R2)
	if err != nil {
		lg.Fatal("object storage not initialized", "error", err)
	}

	if cfg.Webhook.Secret == "" {
		lg.Warn("WEBHOOK_SECRET not set, every provider callback will be rejected")
	}

	// Pipeline
	opts := []pipeline.Option{
		pipeline.WithNotifier(bus),
		pipeline.WithCanceler(replicateClient),
		pipeline.WithLogger(lg),
		pipeline.WithConcurrency(cfg.Pipeline.Concurrency),
	}
	var asynqClient *asynq.Client
	if queueMode {
		redisOpt := asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}
		asynqClient = asynq.NewClient(redisOpt)
		defer asynqClient.Close()
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		opts = append(opts, pipeline.WithQueue(worker.NewStageQueue(asynqClient, lg, worker.WithTaskDeleter(inspector))))
	}

	orchestrator := pipeline.NewOrchestrator(st, opts...)
	pipeline.RegisterStages(orchestrator, pipeline.StageDeps{
		Gateway:     replicateClient,
		Storage:     r2Client,
		Resolver:    client.NewAudioSource(processingClient, fetcher),
		Stitcher:    client.NewVideoStitcher(processingClient, fetcher),
		Artifacts:   st,
		CallbackURL: callbackURL(cfg.Webhook),
	})

	// Services
	coverOpts := []service.CoverOption{service.WithCoverLogger(lg)}
	if !queueMode {
		coverOpts = append(coverOpts, service.WithBackgroundStart())
	}
	coverService := service.NewCoverService(st, orchestrator, service.NewValidator(), coverOpts...)
	uploadService := service.NewUploadService(r2Client)

	// Auth: Zitadel JWKS first, legacy HMAC tokens as fallback
	var verifier auth.TokenVerifier
	if issuer := auth.IssuerURL(&cfg.Zitadel); issuer != "" {
		oidc, err := auth.NewOIDCVerifier(ctx, &cfg.Zitadel)
		if err != nil {
			lg.Warn("OIDC verifier not initialized", "issuer", issuer, "error", err)
		} else {
			verifier = oidc
		}
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier, cfg.JWT.Secret)
	apiAuth := authMiddleware.Authenticate()
	if cfg.Gateway.Enabled {
		lg.Info("gateway mode enabled, trusting X-User-* headers")
		apiAuth = middleware.GatewayAuth()
	}

	var limiterRedis *redis.Client
	if redisUp {
		limiterRedis = redisClient
	}

	app := server.New(server.Routes{
		Covers:     handler.NewCoverHandler(coverService),
		Uploads:    handler.NewUploadHandler(uploadService),
		Webhooks:   handler.NewWebhookHandler(orchestrator, cfg.Webhook.Secret, lg),
		Stream:     handler.NewStreamHandler(coverService, hub, lg),
		Auth:       handler.NewAuthHandler(authMiddleware.Authenticator()),
		APIAuth:    apiAuth,
		Limiter:    middleware.NewRateLimiter(limiterRedis, lg),
		Limits:     cfg.RateLimit,
		DB:         db,
		Processing: processingClient,
		Services: map[string]bool{
			"replicate": replicateClient.IsConfigured(),
			"r2":        r2Client.IsConfigured(),
			"redis":     redisUp,
			"queue":     queueMode,
			"auth":      verifier != nil || cfg.JWT.Secret != "",
		},
		AccessLog: true,
		Debug:     strings.EqualFold(cfg.Server.LogLevel, "debug"),
	})

	var workerServer *asynq.Server
	if queueMode {
		workerServer = worker.NewServer(cfg, lg)
		mux := worker.NewServeMux(worker.NewStageWorker(orchestrator, lg))
		go func() {
			if err := workerServer.Run(mux); err != nil {
				lg.Error("asynq worker stopped", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		lg.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			lg.Error("server shutdown error", "error", err)
		}
		if workerServer != nil {
			workerServer.Shutdown()
		}
	}()

	addr := ":" + cfg.Server.Port
	lg.Info("server starting", "addr", addr, "dispatch", cfg.Pipeline.Dispatch, "database", cfg.Database.Driver)
	if err := app.Listen(addr); err != nil {
		lg.Fatal("server error", "error", err)
	}
}

// callbackURL is the webhook address handed to the provider. The secret
// travels as a query parameter because the provider cannot set headers.
func callbackURL(cfg config.WebhookConfig) string {
	u := fmt.Sprintf("%s/webhooks/replicate", cfg.BaseURL)
	if cfg.Secret != "" {
		u += "?secret=" + url.QueryEscape(cfg.Secret)
	}
	return u
}
