package main

import (
	"context"
	"flag"
	stlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pombredanne/scanner-3/internal/config"
	"github.com/pombredanne/scanner-3/internal/master"
	"github.com/pombredanne/scanner-3/internal/protocol"
	"github.com/pombredanne/scanner-3/internal/registry"
	"github.com/pombredanne/scanner-3/internal/server"
	"github.com/pombredanne/scanner-3/internal/storage"
)

var configPath = flag.String("config", filepath.Join("configs", "master.yaml"), "Path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.LoadMasterConfig(*configPath)
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Scanner master starting up...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}

	evaluators := registry.NewEvaluatorRegistry()
	registerPipelines(evaluators, logger)

	sched := master.NewScheduler(cfg.Engine, backend, evaluators, logger)

	nc, err := protocol.Connect(cfg.Nats.Address, cfg.Nats.ConnectTimeout,
		cfg.Nats.ReconnectWait, cfg.Nats.MaxReconnects, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	svc := master.NewService(sched, nc, logger)
	if err := svc.Serve(); err != nil {
		logger.Fatal("Failed to start master service", zap.Error(err))
	}
	defer svc.Stop()

	httpSrv := server.New(cfg.HTTPPort, master.NewRouter(sched, logger, 30*time.Second), 30*time.Second, logger)
	go func() {
		if err := httpSrv.Run(); err != nil {
			logger.Fatal("Status API failed", zap.Error(err))
		}
	}()

	logger.Info("Master is running. Waiting for workers and jobs...")

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan

	logger.Info("Shutting down master...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Status API did not stop cleanly", zap.Error(err))
	}
}

func newBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryBackend(), nil
	default:
		return storage.NewMinioBackend(ctx, cfg.Minio, logger)
	}
}

// registerPipelines is where pipeline packages add their evaluators. The
// engine only needs the registry populated before the first job arrives.
func registerPipelines(evaluators *registry.EvaluatorRegistry, logger *zap.Logger) {
	// Pipelines register themselves here when linked into the binary.
	_ = evaluators
	logger.Debug("Pipeline registration complete")
}

func setupLogger(levelString string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(levelString)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}
