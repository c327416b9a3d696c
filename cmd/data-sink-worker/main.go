package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/khalifapro/crowd.dev/internal/common/logger"
	"github.com/khalifapro/crowd.dev/internal/config"
	"github.com/khalifapro/crowd.dev/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.ApplicationName == "" {
		cfg.Database.ApplicationName = "data-sink-worker"
	}

	l, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "data-sink-worker")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer l.Sync()

	l.Info("Starting data-sink-worker",
		zap.String("stream", cfg.Worker.Stream),
		zap.String("consumer_group", cfg.Worker.ConsumerGroup),
		zap.String("sync_transport", cfg.Sync.Transport),
		zap.Bool("identity_locks", cfg.Worker.IdentityLocks),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataSink, err := service.NewDataSinkService(ctx, cfg, l)
	if err != nil {
		l.Fatal("Failed to create data sink service", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := dataSink.Start(ctx); err != nil {
			l.Error("Data sink service stopped with error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		l.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-done:
	}

	cancel()
	<-done
	if err := dataSink.Stop(context.Background()); err != nil {
		l.Error("Error during shutdown", zap.Error(err))
	}

	l.Info("Service stopped")
}
