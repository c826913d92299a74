package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"dutyassign/internal/assignment"
	"dutyassign/internal/config"
	"dutyassign/internal/config_handler"
	"dutyassign/internal/constants"
	"dutyassign/internal/logger"
	"dutyassign/internal/schedule"
	"dutyassign/pkg/bootstrap"
	"dutyassign/pkg/health"
	"dutyassign/pkg/logging"
	"dutyassign/pkg/metrics"
	"dutyassign/pkg/middleware"
	"dutyassign/pkg/models"
	"dutyassign/pkg/tracing"
)

const serviceName = "assignment-service"

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	db             *sql.DB
	redisClient    *redis.Client
	mongoClient    *mongo.Client
	stack          *bootstrap.AssignmentStack
	runner         *schedule.Runner
	health         *health.CheckerRegistry
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.InitBroker(serviceName); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initService(ctx); err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterAssignmentMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterDatabaseMetrics()
	metrics.RegisterCircuitBreakerMetrics()

	a.initHTTPServer()
	return nil
}

// initDatabases connects Postgres, which is required, and Redis and MongoDB,
// which the service runs without.
func (a *App) initDatabases(ctx context.Context) error {
	db, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return err
	}
	a.db = db
	a.health.Register(health.NewPostgreSQLChecker(db, serviceName))

	redisClient, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "Redis connection failed, locks and roster cache fall back to memory", "error", err)
	} else if redisClient != nil {
		a.redisClient = redisClient
		a.health.Register(health.NewRedisChecker(redisClient))
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	mongoClient, err := a.dbConnector.InitMongoDB(initCtx)
	if err != nil {
		a.Logger.WarnwCtx(ctx, "MongoDB connection failed, audit mirroring disabled", "error", err)
	} else if mongoClient != nil {
		a.mongoClient = mongoClient
		a.health.Register(health.NewMongoDBChecker(mongoClient))
	}
	return nil
}

func (a *App) initService(ctx context.Context) error {
	outputTopic := a.Config.Broker.Kafka.OutputTopic
	if outputTopic == "" {
		outputTopic = constants.DefaultAssignmentsTopic
	}

	stack, err := bootstrap.NewAssignmentStack(ctx, a.Config, a.Logger, bootstrap.AssignmentResources{
		DB:        a.db,
		Redis:     a.redisClient,
		Mongo:     a.mongoClient,
		Publisher: assignment.NewBrokerPublisher(a.Producer, outputTopic, serviceName),
	})
	if err != nil {
		return err
	}
	a.stack = stack
	a.health.Register(health.NewPingChecker("crm", stack.CRM))

	if err := stack.Catalog.ReloadRules(ctx, true); err != nil {
		a.Logger.WarnwCtx(logging.WithServiceName(ctx, serviceName), "Failed to load initial rules",
			"error", err,
		)
	}

	if a.Config.Schedule.Enabled {
		a.runner = schedule.NewRunner(stack.Gate, stack.Catalog, stack.Locker, stack.Service, a.Config.Schedule, a.Logger)
	}
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(a.Logger))

	router.GET("/health", func(c *gin.Context) {
		h := a.health.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
}

// Run serves until ctx is cancelled or one of the loops fails.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.stack.Catalog.StartReloader(gCtx)
	})

	if a.runner != nil {
		g.Go(func() error {
			return a.runner.Start(gCtx)
		})
	}

	if a.ConfigConsumer != nil {
		handler := config_handler.NewHandler(models.ServiceTypeAssignment, a.Logger).WithReloader(a.stack.Catalog)
		if a.stack.Cache != nil {
			handler = handler.WithInvalidator(a.stack.Cache)
		}
		topic := a.Config.Broker.Kafka.ConfigUpdateTopic
		g.Go(func() error {
			a.Logger.InfowCtx(logging.WithServiceName(gCtx, serviceName), "Starting config update event consumer",
				"topic", topic,
			)
			return a.ConfigConsumer.Consume(gCtx, topic, handler.HandleConfigUpdateEvent)
		})
	}

	inputTopic := a.Config.Broker.Kafka.InputTopic
	if inputTopic == "" {
		inputTopic = constants.DefaultDealEventsTopic
	}
	g.Go(func() error {
		return a.Consumer.Consume(gCtx, inputTopic, a.stack.Service.HandleMessage)
	})

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, serviceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down assignment service")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.redisClient, a.db, a.mongoClient)...)
		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}
