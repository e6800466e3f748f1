// Package main runs the conversation CRM HTTP server with the realtime relay and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/convo-crm/backend/config"
	"github.com/convo-crm/backend/internal/conversations"
	"github.com/convo-crm/backend/internal/identity"
	"github.com/convo-crm/backend/internal/middleware"
	"github.com/convo-crm/backend/internal/realtime"
	"github.com/convo-crm/backend/internal/tenants"
	"github.com/convo-crm/backend/internal/whatsapp"
	"github.com/convo-crm/backend/internal/worker"
	"github.com/convo-crm/backend/pkg/database"
	"github.com/convo-crm/backend/pkg/queue"
	"github.com/convo-crm/backend/pkg/redis"
	"github.com/convo-crm/backend/pkg/response"
	"github.com/convo-crm/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxIdle,
		ApplicationName: "crm-server",
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			MediaBucket:          cfg.AWS.MediaBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	// Tenants
	tenantRepo := tenants.NewRepository(pool, cfg.Tenant.RootDomain)
	tenantLookup := tenants.NewCachedLookup(tenantRepo, rdb.Client, cfg.Tenant.CacheTTL, logger)
	tenantHandler := tenants.NewHandler(tenantRepo, cfg.Tenant.RootDomain, logger)
	verifier := identity.NewJWTVerifier(cfg.Auth.JWTSecret)

	// Conversations
	conversationRepo := conversations.NewRepository(pool)

	// Realtime relay
	relayOpts := realtime.Options{
		SendBuffer: cfg.Realtime.SendBuffer,
		Policy:     conversationRepo,
		Logger:     logger,
	}
	if cfg.Realtime.UseRedis {
		relayOpts.Broker = realtime.NewRedisBridge(rdb.Client, logger)
	}
	relay := realtime.NewRelay(relayOpts)
	if err := relay.Start(ctx); err != nil {
		logger.Warn("relay bridge unavailable, delivering locally only", zap.Error(err))
	}
	defer relay.Stop()
	polling := realtime.NewPollTransport(relay, cfg.Realtime.PollTimeout, cfg.Realtime.PollIdle, logger)
	go polling.Run(ctx)

	// Jobs
	jobQueue := queue.NewQueue(rdb.Client, logger)
	var sender conversations.Sender
	if cfg.WhatsApp.AccessToken != "" {
		sender = jobQueue
	}
	conversationHandler := conversations.NewHandler(conversationRepo, relay, sender, logger)
	if s3Client != nil {
		conversationHandler.WithMedia(s3Client)
	}

	// WhatsApp
	waClient := whatsapp.NewClient(cfg.WhatsApp.APIBaseURL, cfg.WhatsApp.AccessToken, nil, logger)
	webhookCfg := whatsapp.WebhookConfig{
		Tenants:       tenantRepo,
		Conversations: conversationRepo,
		Notifier:      relay,
		VerifyToken:   cfg.WhatsApp.VerifyToken,
		AppSecret:     cfg.WhatsApp.AppSecret,
		Logger:        logger,
	}
	if s3Client != nil {
		webhookCfg.Media = jobQueue
	}
	webhook := whatsapp.NewWebhookHandler(webhookCfg)

	router := gin.New()
	router.Use(gin.Recovery())
	origins := middleware.NewOriginMatcher(cfg.Server.AllowedOrigins())
	router.Use(middleware.CORS(origins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		if err := database.Ready(c.Request.Context(), pool); err != nil {
			logger.Warn("health: database", zap.Error(err))
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Ping(c.Request.Context()).Err(); err != nil {
			logger.Warn("health: redis", zap.Error(err))
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok", "connections": relay.Connections()})
	})

	// Webhooks (no tenant host; signature checked in handler when configured)
	router.GET("/webhooks/whatsapp", webhook.Verify)
	router.POST("/webhooks/whatsapp", webhook.Receive)

	resolverCfg := middleware.TenantResolverConfig{
		Lookup:        tenantLookup,
		Verifier:      verifier,
		LookupTimeout: cfg.Tenant.LookupTimeout,
		SecureCookie:  cfg.Tenant.SecureCookie,
		Logger:        logger,
	}

	// Visitor web chat: tenant resolved from host, no agent session
	visitorCfg := resolverCfg
	visitorCfg.AllowAnonymous = true
	webchat := router.Group("/api/webchat", middleware.TenantResolver(visitorCfg))
	{
		webchat.POST("/conversations", conversationHandler.StartWebChat)
		webchat.POST("/conversations/:id/messages", conversationHandler.WebChatMessage)
	}

	// Tenant-gated application (public paths pass through the resolver)
	resolver := middleware.TenantResolver(resolverCfg)
	// Unrouted protected paths redirect to /login like routed ones.
	router.NoRoute(resolver, func(c *gin.Context) { response.NotFound(c, "not found") })

	app := router.Group("", resolver)
	{
		app.POST("/signup", tenantHandler.Signup)
		app.GET("/api/tenant", tenantHandler.Current)

		app.GET("/realtime/ws", realtime.ServeWs(relay, origins, logger))
		polling.Register(app)
		app.GET("/api/realtime/stats", realtime.Stats(relay))

		app.GET("/api/conversations", conversationHandler.List)
		app.PATCH("/api/conversations/:id", conversationHandler.Update)
		app.GET("/api/conversations/:id/messages", conversationHandler.Messages)
		app.POST("/api/conversations/:id/messages", conversationHandler.Reply)
		app.GET("/api/conversations/:id/messages/:messageId/media", conversationHandler.Media)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	if srv.WriteTimeout > 0 && srv.WriteTimeout <= cfg.Realtime.PollTimeout {
		srv.WriteTimeout = cfg.Realtime.PollTimeout + 5*time.Second
	}

	// Background worker (whatsapp sends, media mirror)
	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	if cfg.Worker.Inline {
		var media worker.MediaStore
		if s3Client != nil {
			media = s3Client
		}
		processor := worker.NewProcessor(jobQueue, waClient, media, conversationRepo, relay, logger)
		go processor.Run(workerCtx)
		logger.Info("inline worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
