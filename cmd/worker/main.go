package main

import (
	"context"
	"flag"
	stlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pombredanne/scanner-3/internal/config"
	"github.com/pombredanne/scanner-3/internal/gpu"
	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/protocol"
	"github.com/pombredanne/scanner-3/internal/registry"
	"github.com/pombredanne/scanner-3/internal/storage"
	"github.com/pombredanne/scanner-3/internal/worker"
)

var configPath = flag.String("config", filepath.Join("configs", "worker.yaml"), "Path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.LoadWorkerConfig(*configPath)
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

	logger.Info("Scanner worker starting up...", zap.String("instance_id", cfg.InstanceID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fill in the GPU device list from a local probe when the config leaves
	// it unset. A node without GPUs simply cannot host GPU kernels.
	if len(cfg.Engine.GPUDeviceIDs) == 0 {
		detector := gpu.NewDetector(cfg.NvidiaSmiPath, logger)
		gpus, err := detector.Detect(ctx)
		if err != nil {
			logger.Fatal("GPU detection failed", zap.Error(err))
		}
		cfg.Engine.GPUDeviceIDs = gpu.DeviceIDs(gpus)
	}
	logger.Info("GPU devices available", zap.Int32s("device_ids", cfg.Engine.GPUDeviceIDs))

	backend, err := newBackend(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage backend", zap.Error(err))
	}

	evaluators := registry.NewEvaluatorRegistry()
	kernels := registry.NewKernelRegistry()
	registerPipelines(evaluators, kernels, logger)

	nc, err := protocol.Connect(cfg.Nats.Address, cfg.Nats.ConnectTimeout,
		cfg.Nats.ReconnectWait, cfg.Nats.MaxReconnects, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	masterClient := protocol.NewMasterClient(nc, cfg.Nats.RequestTimeout)
	ctrl, err := worker.NewController(ctx, cfg, backend, evaluators, kernels, masterClient, logger)
	if err != nil {
		logger.Fatal("Failed to construct worker controller", zap.Error(err))
	}

	svc := worker.NewService(ctrl, nc, logger)
	if err := svc.Serve(ctx); err != nil {
		logger.Fatal("Failed to start worker service", zap.Error(err))
	}
	defer svc.Stop()

	hb := worker.NewHeartbeater(ctrl, func(hb *models.WorkerHeartbeat) error {
		return protocol.PublishHeartbeat(nc, hb)
	}, cfg.HeartbeatInterval, logger)
	go hb.Run(ctx)

	logger.Info("Worker is running. Waiting for jobs...", zap.Int32("node_id", ctrl.NodeID()))

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan

	logger.Info("Shutting down worker...")
}

func newBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.Backend, error) {
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryBackend(), nil
	default:
		return storage.NewMinioBackend(ctx, cfg.Minio, logger)
	}
}

// registerPipelines is where pipeline packages add their evaluators and
// kernels. The worker needs kernels for every (evaluator, device type) pair
// a job may reference.
func registerPipelines(evaluators *registry.EvaluatorRegistry, kernels *registry.KernelRegistry, logger *zap.Logger) {
	_ = evaluators
	_ = kernels
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
