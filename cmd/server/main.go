package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crewflow/internal/config"
	"crewflow/internal/handlers"
	"crewflow/internal/middleware"
	"crewflow/internal/models"
	"crewflow/internal/observability"
	"crewflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

func main() {
	// 读取配置文件（默认 ./config.yml）并初始化日志
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()

	cfg := config.Load()

	var (
		flagDSN string
		srvHost string
		srvPort int
	)
	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(os.Stdout)
	flagSet.StringVar(&flagDSN, "dsn", os.Getenv("DB_DSN"), "Postgres DSN, if set overrides other DB config")
	flagSet.StringVar(&srvHost, "host", getenvDefault("CREWFLOW_HOST", cfg.Server.Host), "server host (listen)")
	flagSet.IntVar(&srvPort, "port", cfg.Server.Port, "server port (listen)")
	_ = flagSet.Parse(os.Args[1:])

	dsn := flagDSN
	if dsn == "" {
		dsn = buildDSN(cfg)
	}

	if err := config.InitLogger(cfg); err != nil {
		logrus.Warnf("init logger: %v", err)
	}
	logger := logrus.StandardLogger()

	shutdownOTel, err := observability.SetupTracing(context.Background(), cfg)
	if err != nil {
		logger.Warnf("init tracing: %v", err)
	} else {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if err := autoMigrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	caps := buildCapabilities(cfg, db, logger)

	resolver := services.NewContextResolver(db, logger)
	dispatcher := services.NewActionDispatcher(db, logger, caps)
	engine := services.NewAutomationEngine(db, logger, resolver, dispatcher)
	ruleService := services.NewRuleService(db, logger)
	dryRunService := services.NewDryRunService(db, logger, resolver, ruleService)
	worker := services.NewOutboxWorker(db, logger, dispatcher, cfg.Automation.WorkerInterval, cfg.Automation.WorkerBatch)
	jobService := services.NewJobService(db, logger, engine)
	materialService := services.NewMaterialService(db, logger, engine)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	if cfg.Automation.WorkerEnabled {
		worker.Start(workerCtx)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(cfg.Monitoring.Tracing.ServiceName))
	}
	router.Use(middleware.RateLimitMiddleware(cfg))

	router.GET("/health", handlers.HealthCheck)
	router.GET(cfg.Monitoring.MetricsPath, handlers.Stats)

	api := router.Group("/api/v1")
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(ruleService, dryRunService, engine, worker))
	handlers.RegisterJobRoutes(api, handlers.NewJobHandler(jobService, materialService))

	addr := fmt.Sprintf("%s:%d", srvHost, srvPort)
	server := &http.Server{Addr: addr, Handler: router}

	go func() {
		logger.Infof("crewflow server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down...")

	if cfg.Automation.WorkerEnabled {
		stopWorker()
		worker.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
}

func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		getenvDefault("DB_HOST", cfg.Database.Host),
		getenvDefault("DB_USER", cfg.Database.User),
		getenvDefault("DB_PASSWORD", cfg.Database.Password),
		getenvDefault("DB_NAME", cfg.Database.Name),
		cfg.Database.Port,
		getenvDefault("DB_SSLMODE", "disable"),
		getenvDefault("DB_TIMEZONE", "UTC"),
	)
}

func buildCapabilities(cfg *config.Config, db *gorm.DB, logger *logrus.Logger) *services.Capabilities {
	caps := &services.Capabilities{
		Webhooks: services.NewHTTPWebhookPoster(cfg.Automation.WebhookTimeout),
		Audit:    services.NewDBAuditSink(db),
	}
	if cfg.Messaging.Enabled {
		publisher, err := services.NewNATSIntegrationPublisher(cfg.Messaging.NATSURL, cfg.Messaging.SubjectPrefix)
		if err != nil {
			logger.Warnf("integration publisher unavailable: %v", err)
		} else {
			caps.Integration = publisher
		}
	}
	return caps
}

func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Tenant{},
		&models.TenantSettings{},
		&models.User{},
		&models.Crew{},
		&models.CrewMember{},
		&models.Job{},
		&models.SiteContact{},
		&models.ScheduleAssignment{},
		&models.Material{},
		&models.StockMovement{},
		&models.MaterialAllocation{},
		&models.MaterialUsageLog{},
		&models.Task{},
		&models.Notification{},
		&models.AuditLog{},
		&models.AutomationRule{},
		&models.AutomationEvent{},
		&models.AutomationRun{},
		&models.AutomationActionOutbox{},
	)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
