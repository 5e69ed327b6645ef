package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lgulliver/darkroom/cmd/api-gateway/middleware"
	"github.com/lgulliver/darkroom/internal/common"
	"github.com/lgulliver/darkroom/internal/gateway"
	"github.com/lgulliver/darkroom/internal/identity"
	"github.com/lgulliver/darkroom/internal/metrics"
	"github.com/lgulliver/darkroom/internal/origin"
	"github.com/lgulliver/darkroom/internal/ratelimit"
	"github.com/lgulliver/darkroom/internal/storage"
	"github.com/lgulliver/darkroom/internal/upload"
	"github.com/lgulliver/darkroom/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// dependencies are the collaborators the router is built from
type dependencies struct {
	resolver  middleware.IdentityResolver
	store     storage.ObjectStore
	forwarder origin.Forwarder
	limiter   ratelimit.Limiter
	metrics   *metrics.Gateway
	gatherer  prometheus.Gatherer
	checks    map[string]dependencyCheck
}

func main() {
	// Load configuration
	cfg := config.LoadFromEnv()

	// Setup logging
	cfg.Logging.SetupLogging()

	log.Info().Msg("Starting darkroom API gateway")

	ctx := context.Background()

	// Initialize database
	db, err := common.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	checks := map[string]dependencyCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	// Initialize cache; Redis is optional
	var identityCache identity.Cache
	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		cache, err := common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer cache.Close()
		identityCache = cache
		redisClient = cache.Client()
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	} else {
		log.Warn().Msg("Redis not configured; identity cache disabled and rate limits are per process")
	}

	// Initialize storage
	storageFactory := storage.NewStorageFactory(&cfg.Storage, cfg.Server.PublicURL)
	objectStore, err := storageFactory.CreateStorage(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	gatewayMetrics, err := metrics.NewGateway(prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register metrics")
	}

	deps := &dependencies{
		resolver:  identity.NewResolver(identity.NewGormDeviceTokenStore(db), identityCache, cfg.Redis.CacheTTL, &cfg.Auth),
		store:     objectStore,
		forwarder: origin.NewDelegate(&cfg.Origin),
		limiter:   ratelimit.New(&cfg.RateLimit, redisClient),
		metrics:   gatewayMetrics,
		gatherer:  prometheus.DefaultGatherer,
		checks:    checks,
	}

	// Setup HTTP server
	router, err := setupRouter(cfg, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build router")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Bool("native_enabled", cfg.Routing.NativeEnabled).
			Str("storage", cfg.Storage.Type).
			Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Give outstanding requests 30 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

func setupRouter(cfg *config.Config, deps *dependencies) (*gin.Engine, error) {
	// Set Gin mode based on log level
	if zerolog.GlobalLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	selector, err := gateway.NewSelector(&cfg.Routing)
	if err != nil {
		return nil, err
	}

	var extraForwards []string
	if h := cfg.Auth.DeviceTokenHeader; h != "" && !strings.EqualFold(h, "X-Device-Token") {
		extraForwards = append(extraForwards, h)
	}

	strategies := gateway.Pair{
		Native: gateway.NewNative(
			upload.NewIntentIssuer(deps.store, &cfg.Upload),
			upload.NewFinalizeVerifier(deps.store, deps.forwarder, deps.metrics),
			extraForwards...,
		),
		Proxy: gateway.NewProxy(deps.forwarder, extraForwards...),
	}
	handler := gateway.NewHandler(selector, strategies, deps.metrics)

	router := gin.New()

	// Middleware
	router.Use(middleware.RequestLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg))

	// Health check
	router.GET("/health", handleHealth(deps.checks))

	if deps.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.gatherer, promhttp.HandlerOpts{})))
	}

	// Presigned uploads land here when objects are kept on local disk
	if local, ok := deps.store.(*storage.LocalStorage); ok {
		router.PUT("/storage/*key", handleLocalStorageUpload(local, cfg.Upload.MaxFileSize))
	}

	// Identity and rate limiting run before the routing decision
	uploads := router.Group("/upload")
	uploads.Use(middleware.IdentityMiddleware(deps.resolver))
	uploads.Use(middleware.RateLimitMiddleware(deps.limiter, deps.metrics))
	{
		uploads.POST("/intent", handler.Intent())
		uploads.POST("/finalize", handler.Finalize())
	}

	return router, nil
}

func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowHeaders := strings.Join([]string{
		"Content-Type", "Content-Length", "Accept", "Accept-Encoding", "Cache-Control", "X-Requested-With",
		middleware.RequestIDHeader,
		cfg.Auth.DeviceTokenHeader,
		cfg.Routing.OverrideHeader,
		cfg.Routing.ClientVersionHeader,
	}, ", ")

	allowed := make(map[string]struct{}, len(cfg.Server.CORSAllowedOrigins))
	for _, o := range cfg.Server.CORSAllowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(c *gin.Context) {
		c.Header("Vary", "Origin")
		requestOrigin := c.GetHeader("Origin")
		if _, ok := allowed[strings.ToLower(requestOrigin)]; ok && requestOrigin != "" {
			c.Header("Access-Control-Allow-Origin", requestOrigin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Allow-Methods", "POST, PUT, OPTIONS, GET")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
