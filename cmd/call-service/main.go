package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	intDatabase "callsession-backend/internal/database"
	callHandler "callsession-backend/internal/handler/http/call"
	wsHandler "callsession-backend/internal/handler/ws"
	"callsession-backend/internal/middleware"
	badgerRepo "callsession-backend/internal/repository/badger"
	"callsession-backend/internal/repository/cockroach"
	redisRepo "callsession-backend/internal/repository/redis"
	"callsession-backend/internal/service/call"
	"callsession-backend/internal/service/presence"
	"callsession-backend/internal/service/signaling"
	"callsession-backend/pkg/audit"
	"callsession-backend/pkg/config"
	"callsession-backend/pkg/constants"
	pkgDatabase "callsession-backend/pkg/database"
	"callsession-backend/pkg/jwt"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/resilience"
)

func main() {
	// .env is optional; real deployments use the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("invalid configuration: %v", err))
	}

	if err := logger.Init(&logger.Config{
		Service:  cfg.Server.ServiceName,
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		logger.InitDefault()
	}
	defer func() { _ = logger.Sync() }()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	// 2. Session repository: CockroachDB, or embedded Badger in limited mode
	repo, closeRepo := openRepository(ctx, cfg)
	defer closeRepo()

	// 3. Redis with degraded mode support
	locker := call.Locker(call.NewKeyedLocker())
	var redisDB *intDatabase.RedisClient
	if cfg.Redis.Enabled {
		redisDB = intDatabase.NewRedisDB(&intDatabase.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		}, appMetrics)
		defer func() { _ = redisDB.Close() }()

		if err := redisDB.HealthCheck(ctx); err != nil {
			logger.Warn("Redis unavailable at startup, continuing in degraded mode", zap.Error(err))
		} else {
			logger.Info("Connected to Redis")
		}
		redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

		// in-process first so only one local waiter polls Redis per session
		locker = call.ChainLocker{locker, redisRepo.NewSessionLock(redisDB, cfg.Call.LockTTL)}
	}

	// 4. Call core
	store := call.NewStore(repo, cfg.Call.StoreTimeout, appMetrics)
	callSvc := call.NewService(store, locker, call.Options{
		DefaultMaxParticipants: cfg.Call.DefaultMaxParticipants,
		MaxParticipantsCap:     cfg.Call.MaxParticipantsCap,
		LockTimeout:            cfg.Call.LockTimeout,
		OpenJoin:               cfg.Call.OpenJoin,
		ImplicitCreate:         cfg.Call.ImplicitCreate,
	}, appMetrics)

	// 5. Realtime transport, signaling and presence
	hub := wsHandler.NewSignalingHub(cfg.Server.MaxConnections, appMetrics)
	monitor := presence.NewMonitor(callSvc, cfg.Call.DisconnectTimeout)
	callSvc.Subscribe(signaling.NewForwarder(hub))
	callSvc.Subscribe(monitor)
	hub.OnDisconnect(monitor.HandleDisconnect)
	router := signaling.NewRouter(callSvc, hub, appMetrics)

	var trail *audit.Trail
	if redisDB != nil {
		trail = audit.NewTrail(redisDB, constants.AuditBufferSize, appMetrics)
		callSvc.Subscribe(trail)
	}

	// 6. Handlers
	iceServers := cfg.ICE.ICEServers()
	retry := resilience.DefaultRetryPolicy()
	if cfg.Call.TransientRetries > 0 {
		retry.MaxTries = uint(cfg.Call.TransientRetries)
	}
	inviter := signaling.NewInviter(hub, iceServers, appMetrics)
	callHdlr := callHandler.NewHandler(callSvc, hub, inviter, iceServers, retry, appMetrics)
	signalingHdlr := wsHandler.NewSignalingHandler(hub, callSvc, router, iceServers, cfg.Server.AllowedOrigins)

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, constants.AccessTokenExpiry)
	var revocationChecker middleware.RevocationChecker
	if redisDB != nil {
		revocationChecker = middleware.NewRedisRevocationChecker(redisDB)
	}
	authMiddleware := middleware.AuthMiddleware(jwtManager, revocationChecker, appMetrics)

	// 7. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	if err := engine.SetTrustedProxies(nil); err != nil {
		logger.Warn("Failed to configure trusted proxies", zap.Error(err))
	}

	engine.Use(middleware.Recovery())
	engine.Use(middleware.HealthCheck(cfg.Server.ServiceName, func() map[string]string {
		return dependencyStatus(redisDB, hub)
	}))
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())
	engine.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))

	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// WebSocket endpoint for signaling; long-lived, so no request timeout
	engine.GET("/ws/signaling", authMiddleware, signalingHdlr.ServeWS)

	v1 := engine.Group("/v1/calls")
	v1.Use(middleware.SecurityHeaders())
	v1.Use(authMiddleware)
	v1.Use(middleware.TimeoutMiddleware(constants.DefaultTimeout, appMetrics))
	{
		initiate := []gin.HandlerFunc{callHdlr.InitiateCall}
		if redisDB != nil {
			limiter := middleware.NewRateLimiter(redisDB, constants.InitiateRateLimit, constants.InitiateRateWindow, appMetrics)
			initiate = append([]gin.HandlerFunc{limiter.Middleware()}, initiate...)
		}
		v1.POST("/initiate", initiate...)
		v1.GET("/history", callHdlr.GetHistory)
		v1.GET("/ice-servers", callHdlr.GetICEServers)
		v1.GET("/:id", callHdlr.GetCall)
		v1.POST("/:id/join", callHdlr.JoinCall)
		v1.POST("/:id/leave", callHdlr.LeaveCall)
		v1.PUT("/:id/media", callHdlr.UpdateMedia)
		v1.POST("/:id/end", callHdlr.EndCall)
	}

	// 8. Serve until signalled
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if trail != nil {
		g.Go(func() error { return trail.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
		defer cancel()

		hub.Shutdown()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", zap.Error(err))
		return
	}
	logger.Info("Server exited")
}

// openRepository connects to CockroachDB with exponential backoff and falls back
// to the embedded store when the database is disabled or unreachable
func openRepository(ctx context.Context, cfg *config.Config) (call.Repository, func()) {
	if cfg.Database.Enabled {
		dbConfig := &pkgDatabase.CockroachConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second

		db, err := backoff.Retry(ctx, func() (*pkgDatabase.CockroachDB, error) {
			return pkgDatabase.NewCockroachDB(ctx, dbConfig)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(uint(max(cfg.Database.MaxRetries, 1))),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warn("CockroachDB connection attempt failed",
					zap.Duration("retry_in", wait),
					zap.Error(err))
			}),
		)
		if err == nil {
			repo := cockroach.NewCallRepository(db.Pool)
			if err := repo.EnsureSchema(ctx); err != nil {
				db.Close()
				logger.Fatal("Failed to prepare call_sessions schema", zap.Error(err))
			}
			logger.Info("Connected to CockroachDB")
			return repo, db.Close
		}

		if cfg.IsProduction() {
			logger.Fatal("CockroachDB unavailable", zap.Error(err))
		}
		logger.Warn("CockroachDB unavailable, running in limited mode with the embedded store", zap.Error(err))
	}

	bdb, err := pkgDatabase.NewBadgerDB(cfg.Embedded.Path)
	if err != nil {
		logger.Fatal("Failed to open embedded store", zap.Error(err))
	}
	logger.Info("Using embedded session store", zap.String("path", cfg.Embedded.Path))
	return badgerRepo.NewCallRepository(bdb), func() { _ = bdb.Close() }
}

func dependencyStatus(redisDB *intDatabase.RedisClient, hub *wsHandler.SignalingHub) map[string]string {
	status := map[string]string{
		"signaling_connections": fmt.Sprintf("%d", hub.Connections()),
	}
	switch {
	case redisDB == nil:
		status["redis"] = "disabled"
	case redisDB.IsDegraded():
		status["redis"] = "degraded"
	default:
		status["redis"] = "ok"
	}
	return status
}
