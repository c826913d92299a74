package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"dutyassign/internal/broker"
	"dutyassign/internal/config"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/internal/management"
	"dutyassign/pkg/bootstrap"
	"dutyassign/pkg/health"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/middleware"
	"dutyassign/pkg/ratelimit"
	"dutyassign/pkg/tracing"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type App struct {
	config         *config.Config
	logger         logger.Logger
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	producer       broker.Producer
	service        management.Service
	handler        *management.Handler
	health         *health.CheckerRegistry
	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config:      cfg,
		logger:      log,
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initServices(ctx); err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(a.config.Tracing, "management-service")
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

// initDatabases connects Postgres and, when configured, Redis and MongoDB.
// Only Postgres is required.
func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db
	a.health.Register(health.NewPostgreSQLChecker(db, "management-service"))

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "Redis connection failed, continuing without Redis", "error", err)
	} else if redisClient != nil {
		a.redisClient = redisClient
		a.health.Register(health.NewRedisChecker(redisClient))
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mongoClient, err := a.dbConnector.InitMongoDB(initCtx)
	if err != nil {
		a.logger.WarnwCtx(ctx, "MongoDB connection failed, continuing without MongoDB", "error", err)
	} else if mongoClient != nil {
		a.mongoClient = mongoClient
		a.health.Register(health.NewMongoDBChecker(mongoClient))
	}
	return nil
}

func (a *App) initServices(ctx context.Context) error {
	var configEvents *management.ConfigEventProducer
	if a.config.Broker.Type == "kafka" && a.config.Broker.Kafka.ConfigUpdateTopic != "" {
		producer, err := broker.NewProducer(a.config.Broker, a.logger)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Failed to create config event producer, config events will be disabled", "error", err)
		} else {
			a.producer = producer
			configEvents = management.NewConfigEventProducer(producer, a.config.Broker.Kafka.ConfigUpdateTopic)
			a.logger.InfowCtx(ctx, "Config event producer initialized")
		}
	}

	res := bootstrap.AssignmentResources{
		DB:         a.db,
		Redis:      a.redisClient,
		Mongo:      a.mongoClient,
		FreshRules: true,
	}
	if configEvents != nil {
		res.RosterInvalidator = configEvents
	}
	stack, err := bootstrap.NewAssignmentStack(ctx, a.config, a.logger, res)
	if err != nil {
		return err
	}
	a.health.Register(health.NewPingChecker("crm", stack.CRM))

	opts := []management.ServiceOption{
		management.WithChangeLog(management.NewChangeLog(a.db)),
	}
	if configEvents != nil {
		opts = append(opts, management.WithConfigEvents(configEvents))
	}

	validator := management.NewValidator(stack.Parser)
	a.service = management.NewService(management.NewRepository(a.db), validator, a.logger, opts...)
	a.handler = management.NewHandler(a.service, management.HandlerDeps{
		Roster:    stack.Roster,
		Directory: stack.CRM,
		History:   stack.Audit,
		Runner:    stack.Service,
		Validator: validator,
		Progress:  a.config.Assignment,
		Location:  stack.Gate.Location(),
	}, a.logger)
	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware("management-service"))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if origins := a.config.Management.CORSOrigins; len(origins) > 0 {
		corsConfig := cors.Config{
			AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", management.HeaderUserID, "X-Request-ID"},
			ExposeHeaders: []string{"X-Request-ID"},
			MaxAge:        12 * time.Hour,
		}
		if len(origins) == 1 && origins[0] == "*" {
			corsConfig.AllowAllOrigins = true
		} else {
			corsConfig.AllowOrigins = origins
			corsConfig.AllowCredentials = true
		}
		router.Use(cors.New(corsConfig))
	}

	if a.config.Management.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.Management.RateLimit.RPS,
			Burst:           a.config.Management.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.Management.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.Management.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.InfowCtx(context.Background(), "Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	a.handler.RegisterRoutes(router)

	metrics.RegisterManagementMetrics()
	metrics.RegisterAssignmentMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterDatabaseMetrics()
	if a.producer != nil {
		metrics.RegisterBrokerMetrics()
	}

	router.GET("/health", func(c *gin.Context) {
		h := a.health.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		a.logger.InfowCtx(ctx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return a.Shutdown(ctx)
	case err := <-errChan:
		return err
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("producer close error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	dbErrs := a.dbConnector.ShutdownDatabases(shutdownCtx, a.redisClient, a.db, a.mongoClient)
	errs = append(errs, dbErrs...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
