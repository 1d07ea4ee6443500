package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"crewflow/internal/config"
	"crewflow/internal/services"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the outbox delivery worker",
	Long: `Run the outbox delivery worker as a standalone process. It drains
queued and retryable action rows for every tenant until interrupted.
Safe to run alongside the server's embedded worker: row claiming is a
conditional status transition, so each row is delivered at most once.`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := logrus.StandardLogger()

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
			cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
		)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	caps := &services.Capabilities{
		Webhooks: services.NewHTTPWebhookPoster(cfg.Automation.WebhookTimeout),
		Audit:    services.NewDBAuditSink(db),
	}
	if cfg.Messaging.Enabled {
		publisher, perr := services.NewNATSIntegrationPublisher(cfg.Messaging.NATSURL, cfg.Messaging.SubjectPrefix)
		if perr != nil {
			logger.Warnf("integration publisher unavailable: %v", perr)
		} else {
			caps.Integration = publisher
		}
	}

	dispatcher := services.NewActionDispatcher(db, logger, caps)
	worker := services.NewOutboxWorker(db, logger, dispatcher, cfg.Automation.WorkerInterval, cfg.Automation.WorkerBatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	worker.Start(ctx)
	logger.Infof("outbox worker running, interval=%s batch=%d", cfg.Automation.WorkerInterval, cfg.Automation.WorkerBatch)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()
	worker.Stop()
	logger.Info("Worker exited")
}
