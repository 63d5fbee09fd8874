package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appbilling "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/infrastructure/cache"
	"github.com/metering/backend/internal/infrastructure/config"
	"github.com/metering/backend/internal/infrastructure/event"
	"github.com/metering/backend/internal/infrastructure/liveusage"
	"github.com/metering/backend/internal/infrastructure/logger"
	"github.com/metering/backend/internal/infrastructure/persistence"
	"github.com/metering/backend/internal/infrastructure/refdata"
	"github.com/metering/backend/internal/infrastructure/scheduler"
	"github.com/metering/backend/internal/infrastructure/telemetry"
	"github.com/metering/backend/internal/interfaces/http/handler"
	"github.com/metering/backend/internal/interfaces/http/middleware"
	"github.com/metering/backend/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting metering backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize database connection
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLogLevel)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	// Route GORM logs through zap
	db.DB.Logger = logger.NewGormLogger(log, gormLogLevel)
	log.Info("Database connected successfully")

	// Initialize OpenTelemetry tracing and metrics (optional)
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(context.Background(), telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    30 * time.Second,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	if cfg.Telemetry.Enabled {
		// Instrument GORM with tracing and connection pool metrics
		dbTracing := telemetry.NewDBTracingPlugin(telemetry.DefaultDBTracingConfig(), log)
		if err := dbTracing.RegisterOtelGorm(db.DB); err != nil {
			log.Warn("Failed to register database tracing", zap.Error(err))
		}
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, telemetry.DefaultDBMetricsConfig(), log)
		if err != nil {
			log.Warn("Failed to register database metrics", zap.Error(err))
		} else {
			defer dbMetrics.Stop()
		}
	}

	// Initialize repositories
	ledgerRepo := persistence.NewLedgerEntryRepository(db.DB)
	dailyRepo := persistence.NewDailyUsageRepository(db.DB)
	monthlyRepo := persistence.NewMonthlyBillingRepository(db.DB)
	seatRepo := persistence.NewBillingSeatRepository(db.DB)
	tenantDirectory := persistence.NewTenantDirectory(db.DB)

	// Idempotency pre-check store (Redis with in-memory fallback)
	precheckStore, err := cache.NewIdempotencyStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(true),
	).CreateStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}

	// Reference data resolver (FX rates + model prices with degraded fallback)
	resolver, err := refdata.NewResolverFactory(cfg.RefData, cfg.Redis,
		refdata.WithResolverLogger(log),
		refdata.WithHomeCurrency(cfg.Billing.HomeCurrency),
	).CreateResolver()
	if err != nil {
		log.Fatal("Failed to create reference data resolver", zap.Error(err))
	}

	// Initialize event bus
	eventBus := event.NewInMemoryEventBus(log)

	// Live session tracker
	tracker := liveusage.NewTracker(&liveusage.Config{
		SessionTTL:  cfg.LiveUsage.SessionTTL,
		MaxSessions: cfg.LiveUsage.MaxSessions,
	}, eventBus, log)
	defer tracker.Close()

	// Billing metrics bridge: domain events -> OTEL counters
	if meterProvider.IsEnabled() {
		billingMetrics, err := telemetry.NewBillingMetrics(telemetry.BillingMetricsConfig{
			Meter:           meterProvider.Meter("billing"),
			Logger:          log,
			CollectInterval: time.Minute,
			LiveProvider:    &liveSessionsAdapter{tracker: tracker},
		})
		if err != nil {
			log.Warn("Failed to create billing metrics", zap.Error(err))
		} else {
			billingMetrics.StartPeriodicCollection(context.Background(), time.Minute)
			defer billingMetrics.Stop()

			metricsHandler := appbilling.NewBillingMetricsHandler(billingMetrics, log)
			eventBus.Subscribe(event.NewIdempotentHandler(metricsHandler, precheckStore, log))
			log.Info("Billing metrics handler registered",
				zap.Strings("events", metricsHandler.EventTypes()))
		}
	}

	// Start event bus
	if err := eventBus.Start(context.Background()); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Error stopping event bus", zap.Error(err))
		}
	}()

	// Initialize application services
	recorderService := appbilling.NewUsageRecorderService(
		ledgerRepo, resolver, tracker, precheckStore, eventBus, log,
		appbilling.UsageRecorderConfig{
			HomeCurrency:  cfg.Billing.HomeCurrency,
			MarkupPercent: decimal.NewFromFloat(cfg.Billing.MarkupPercent),
			PrecheckTTL:   cfg.Billing.PrecheckTTL,
		},
	)
	queryService := appbilling.NewBillingQueryService(
		ledgerRepo, dailyRepo, monthlyRepo, tracker, eventBus, log,
	)
	consolidationConfig := appbilling.DefaultConsolidationConfig()
	consolidationConfig.HomeCurrency = cfg.Billing.HomeCurrency
	consolidationConfig.Workers = cfg.Scheduler.Workers
	consolidationConfig.RetentionDays = cfg.Billing.RetentionDays
	consolidationService := appbilling.NewConsolidationService(
		ledgerRepo, dailyRepo, monthlyRepo, seatRepo, resolver, tenantDirectory,
		eventBus, log, consolidationConfig,
	)
	seatService := appbilling.NewSeatService(seatRepo, eventBus, log)

	// Initialize consolidation scheduler (if enabled)
	var schedulerInfo handler.SchedulerInfo
	if cfg.Scheduler.Enabled {
		consolidationScheduler, err := scheduler.NewConsolidationScheduler(scheduler.ConsolidationSchedulerConfig{
			Enabled:    cfg.Scheduler.Enabled,
			RunHour:    cfg.Scheduler.RunHour,
			RunMinute:  cfg.Scheduler.RunMinute,
			RunTimeout: cfg.Scheduler.RunTimeout,
		}, consolidationService, log)
		if err != nil {
			log.Fatal("Invalid consolidation scheduler configuration", zap.Error(err))
		}
		if err := consolidationScheduler.Start(context.Background()); err != nil {
			log.Fatal("Failed to start consolidation scheduler", zap.Error(err))
		}
		defer func() {
			if err := consolidationScheduler.Stop(context.Background()); err != nil {
				log.Error("Error stopping consolidation scheduler", zap.Error(err))
			}
		}()
		schedulerInfo = consolidationScheduler
		log.Info("Consolidation scheduler started",
			zap.Int("run_hour", cfg.Scheduler.RunHour),
			zap.Int("run_minute", cfg.Scheduler.RunMinute),
			zap.Duration("run_timeout", cfg.Scheduler.RunTimeout),
		)
	}

	// Initialize HTTP handlers
	usageHandler := handler.NewUsageHandler(recorderService, queryService)
	billingHandler := handler.NewBillingHandler(queryService, seatService)
	adminHandler := handler.NewAdminHandler(consolidationService, schedulerInfo)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Tracing/Metrics - OTEL instrumentation (if enabled)
	// 5. Security - Add security headers
	// 6. CORS - Handle cross-origin requests
	// 7. BodyLimit - Limit request body size
	// 8. RateLimit - Apply rate limiting (if enabled)
	// 9. Tenant - Extract tenant context from X-Tenant-ID
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	if cfg.Telemetry.Enabled {
		engine.Use(middleware.Tracing())
		engine.Use(middleware.HTTPMetricsWithMeter(meterProvider.Meter("http"), true))
	}
	engine.Use(middleware.Secure())

	// Configure CORS from config
	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	// Body size limit
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Rate limiting (if enabled)
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	// Tenant context from the X-Tenant-ID header. Not required globally:
	// admin and system endpoints are tenant-free, tenant-scoped handlers
	// enforce presence themselves.
	tenantConfig := middleware.DefaultTenantConfig()
	tenantConfig.JWTEnabled = false
	tenantConfig.Required = false
	tenantConfig.Logger = log
	engine.Use(middleware.TenantMiddlewareWithConfig(tenantConfig))

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db, log))

	// Setup API routes using router
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Register(usageHandler).
		Register(billingHandler).
		Register(adminHandler)

	// Register system routes
	systemHandler := handler.NewSystemHandler()
	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)
	r.Register(systemRoutes)

	// Setup routes
	r.Setup()

	// Also keep a simple ping at root API level for basic health checks
	engine.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// liveSessionsAdapter exposes the in-memory tracker to the periodic
// metrics collector
type liveSessionsAdapter struct {
	tracker *liveusage.Tracker
}

func (a *liveSessionsAdapter) LiveSessionCounts(_ context.Context) (map[uuid.UUID]map[string]int, error) {
	counts := make(map[uuid.UUID]map[string]int)
	for _, lc := range a.tracker.SnapshotAll() {
		perModel, ok := counts[lc.TenantID]
		if !ok {
			perModel = make(map[string]int)
			counts[lc.TenantID] = perModel
		}
		perModel[lc.ModelID] = lc.Sessions
	}
	return counts, nil
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database, _ *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
