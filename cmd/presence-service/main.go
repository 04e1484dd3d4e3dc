package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"secureconnect-calls/internal/database"
	callHandler "secureconnect-calls/internal/handler/http/call"
	presenceHandler "secureconnect-calls/internal/handler/http/presence"
	pushHandler "secureconnect-calls/internal/handler/http/push"
	wsHandler "secureconnect-calls/internal/handler/ws"
	"secureconnect-calls/internal/middleware"
	"secureconnect-calls/internal/repository"
	"secureconnect-calls/internal/repository/cockroach"
	"secureconnect-calls/internal/repository/memory"
	redisRepo "secureconnect-calls/internal/repository/redis"
	callService "secureconnect-calls/internal/service/call"
	historyService "secureconnect-calls/internal/service/history"
	notifyService "secureconnect-calls/internal/service/notify"
	presenceService "secureconnect-calls/internal/service/presence"
	"secureconnect-calls/pkg/config"
	"secureconnect-calls/pkg/constants"
	"secureconnect-calls/pkg/jwt"
	"secureconnect-calls/pkg/logger"
	"secureconnect-calls/pkg/metrics"
	"secureconnect-calls/pkg/push"
	"secureconnect-calls/pkg/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productionMode := cfg.Server.Environment == "production"
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.InitRedisMetrics()

	// 2. Redis for presence, push tokens and revocation
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		logger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisDB.Close()
	redisDB.StartHealthCheck(ctx, 10*time.Second)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB, cfg.Presence.LeaseTTL, cfg.Presence.HeartbeatInterval)
	tracker := presenceService.NewTracker(presenceRepo, appMetrics)
	go redisRepo.NewLeaseReaper(presenceRepo, cfg.Presence.ReaperInterval, appMetrics).Run(ctx)

	// 3. Call document store
	backend, err := repository.OpenCallBackend(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open call store",
			zap.String("backend", cfg.Signaling.Backend),
			zap.Error(err))
	}
	defer backend.Close(context.Background())

	// 4. Call history archive; runs without persistence if CockroachDB is down
	var archive historyService.Archive
	db, err := database.NewDBFromConfig(ctx, cfg.Database)
	if err != nil {
		if productionMode {
			logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
		}
		logger.Warn("CockroachDB unavailable, keeping call history in memory", zap.Error(err))
		archive = memory.NewCallArchive()
	} else {
		defer db.Close()
		callRepo := cockroach.NewCallRepository(db.Pool)
		if err := callRepo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare call history schema", zap.Error(err))
		}
		archive = callRepo
	}
	history := historyService.NewService(backend.Store, archive)

	// 5. Push
	app := backend.App
	if app == nil && cfg.Push.Provider == string(push.ProviderTypeFirebase) {
		app, err = database.NewFirebaseApp(ctx, config.FirestoreConfig{
			ProjectID:       cfg.Push.FirebaseProjectID,
			CredentialsPath: cfg.Firestore.CredentialsPath,
		})
		if err != nil {
			logger.Fatal("Failed to initialize Firebase for push", zap.Error(err))
		}
	}
	if productionMode && cfg.Push.Provider != string(push.ProviderTypeFirebase) {
		logger.Fatal("PUSH_PROVIDER must be firebase in production")
	}
	provider, err := push.NewProvider(ctx, cfg.Push.Provider, app)
	if err != nil {
		logger.Fatal("Failed to create push provider", zap.Error(err))
	}
	provider = push.NewGuardedProvider(provider, resilience.NewBreaker("push", resilience.DefaultConfig()))
	pushSvc := push.NewService(provider, redisRepo.NewPushTokenRepository(redisDB.Client))
	notifier := notifyService.NewService(tracker, pushSvc, appMetrics)

	// Server-side transitions only; this process never holds media.
	lifecycle := callService.NewCoordinator(backend.Store, nil, nil, callService.Config{},
		callService.WithMetrics(appMetrics),
		callService.WithNotifier(notifier))

	// 6. Handlers
	presenceHdlr := presenceHandler.NewHandler(tracker, presenceRepo)
	callHdlr := callHandler.NewHandler(history, lifecycle)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	origins := middleware.AllowedOrigins()
	gateway := wsHandler.NewPresenceHub(tracker, appMetrics, cfg.Presence.MaxConnections, origins)

	// 7. Router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(origins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthHandler(cfg.Server.ServiceName, map[string]middleware.HealthChecker{
		"redis": func(c *gin.Context) error { return redisDB.SafePing(c.Request.Context()) },
	}))
	router.GET("/metrics", middleware.MetricsHandler())

	auth := middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB))
	limiter := middleware.NewRateLimiter(redisDB, 120, time.Minute)

	v1 := router.Group("/v1")
	v1.Use(auth)
	{
		v1.GET("/presence/ws", gateway.ServeWS)

		api := v1.Group("")
		api.Use(limiter.Middleware())
		api.GET("/presence/online", presenceHdlr.Online)
		api.GET("/presence/:user_id", presenceHdlr.GetPresence)

		api.GET("/calls/history", callHdlr.History)
		api.GET("/calls/:id", callHdlr.GetCall)
		api.POST("/calls/:id/missed", callHdlr.MarkMissed)

		api.POST("/push/tokens", pushHdlr.RegisterToken)
		api.DELETE("/push/tokens", pushHdlr.UnregisterToken)
	}

	// 8. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Presence service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("signaling_backend", cfg.Signaling.Backend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down presence service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}
