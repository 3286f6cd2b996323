// Worker runs queued realm exports. The HTTP server publishes one job per accepted request when
// EXPORT_DISPATCH_MODE=queue; the worker exports the org, uploads the tarball and sets the URI on
// the pending audit record. Set KAFKA_BROKERS, EXPORT_KAFKA_TOPIC and KAFKA_GROUP_ID.
// With LOCAL_UPLOADS_DIR the worker must share that directory with the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"realm-export/backend/internal/app"
	"realm-export/backend/internal/config"
	"realm-export/backend/internal/export/queue"
	"realm-export/backend/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("worker: wiring", zap.Error(err))
	}
	defer func() { _ = a.Close(context.Background()) }()

	consumer := queue.NewConsumer(brokers, cfg.ExportKafkaTopic, cfg.KafkaGroupID, log)
	defer consumer.Close()

	log.Info("worker: consuming export jobs",
		zap.String("topic", cfg.ExportKafkaTopic),
		zap.String("group", cfg.KafkaGroupID),
		zap.Int("threads", cfg.ExportThreads),
	)
	if err := consumer.Run(ctx, a.Service.RunJob); err != nil {
		log.Error("worker: consumer stopped", zap.Error(err))
		return
	}
	log.Info("worker: stopped")
}
