// Package config loads the YAML configuration for the master and worker
// binaries. A default config file is written when the given path does not
// exist, and zero-valued fields of a loaded file are backfilled with
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pombredanne/scanner-3/internal/mempool"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// EngineConfig holds the pipeline tunables shared by master and worker. The
// planner constants (IOItemSize, WorkItemSize) must agree across the whole
// cluster; they travel in the job descriptor for the record but are read
// from config at both ends.
type EngineConfig struct {
	IOItemSize         int32   `yaml:"io_item_size"`
	WorkItemSize       int32   `yaml:"work_item_size"`
	LoadWorkersPerNode int     `yaml:"load_workers_per_node"`
	PUsPerNode         int     `yaml:"pus_per_node"`
	SaveWorkersPerNode int     `yaml:"save_workers_per_node"`
	TasksInQueuePerPU  int     `yaml:"tasks_in_queue_per_pu"`
	GPUDeviceIDs       []int32 `yaml:"gpu_device_ids,omitempty"`
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	// Type is "minio" or "memory". The memory backend exists for tests and
	// single-process runs.
	Type  string               `yaml:"type"`
	Minio storage.MinioOptions `yaml:"minio"`
}

// NatsConfig holds the NATS connection settings.
type NatsConfig struct {
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// MasterConfig is the configuration of the master binary.
type MasterConfig struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	Nats    NatsConfig    `yaml:"nats"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`

	// NewJobTimeout is loaded and defaulted with the rest of the config. The
	// master does not apply it to a job dispatch: Scheduler.NewJob runs under
	// the context its caller passes, with no deadline of its own.
	NewJobTimeout time.Duration `yaml:"new_job_timeout"`
}

// WorkerConfig is the configuration of the worker binary.
type WorkerConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	// ListenPort is the port advertised to the master alongside the locally
	// discovered hostname.
	ListenPort int `yaml:"listen_port"`

	Nats    NatsConfig     `yaml:"nats"`
	Storage StorageConfig  `yaml:"storage"`
	Engine  EngineConfig   `yaml:"engine"`
	Memory  mempool.Config `yaml:"memory"`

	NvidiaSmiPath     string        `yaml:"nvidia_smi_path"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func defaultEngine() EngineConfig {
	return EngineConfig{
		IOItemSize:         1024,
		WorkItemSize:       256,
		LoadWorkersPerNode: 2,
		PUsPerNode:         1,
		SaveWorkersPerNode: 2,
		TasksInQueuePerPU:  4,
	}
}

func defaultNats() NatsConfig {
	return NatsConfig{
		Address:        "nats://localhost:4222",
		ConnectTimeout: 5 * time.Second,
		ReconnectWait:  5 * time.Second,
		MaxReconnects:  50,
		RequestTimeout: 10 * time.Second,
	}
}

func defaultStorage() StorageConfig {
	return StorageConfig{
		Type: "minio",
		Minio: storage.MinioOptions{
			Endpoint: "localhost:9000",
			Bucket:   "scanner-db",
		},
	}
}

// DefaultMasterConfig returns the defaults written to a fresh config file.
func DefaultMasterConfig() *MasterConfig {
	return &MasterConfig{
		LogLevel:      "info",
		HTTPPort:      ":5001",
		Nats:          defaultNats(),
		Storage:       defaultStorage(),
		Engine:        defaultEngine(),
		NewJobTimeout: 24 * time.Hour,
	}
}

// DefaultWorkerConfig returns the defaults written to a fresh config file.
func DefaultWorkerConfig() *WorkerConfig {
	hostname, _ := os.Hostname()
	instanceID := "worker-" + hostname
	if instanceID == "worker-" {
		instanceID = GenerateInstanceID("worker-")
	}
	return &WorkerConfig{
		InstanceID:        instanceID,
		LogLevel:          "info",
		ListenPort:        5002,
		Nats:              defaultNats(),
		Storage:           defaultStorage(),
		Engine:            defaultEngine(),
		Memory:            mempool.DefaultConfig(),
		NvidiaSmiPath:     "nvidia-smi",
		HeartbeatInterval: 30 * time.Second,
	}
}

// GenerateInstanceID returns a unique id with the given prefix.
func GenerateInstanceID(prefix string) string {
	return prefix + uuid.New().String()
}

// LoadMasterConfig reads a master config, creating a default file if path
// does not exist.
func LoadMasterConfig(path string) (*MasterConfig, error) {
	cfg := &MasterConfig{}
	created, err := loadOrCreate(path, cfg, DefaultMasterConfig())
	if err != nil {
		return nil, err
	}
	if created {
		return DefaultMasterConfig(), nil
	}
	applyMasterDefaults(cfg, DefaultMasterConfig())
	return cfg, nil
}

// LoadWorkerConfig reads a worker config, creating a default file if path
// does not exist.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{}
	created, err := loadOrCreate(path, cfg, DefaultWorkerConfig())
	if err != nil {
		return nil, err
	}
	if created {
		return DefaultWorkerConfig(), nil
	}
	applyWorkerDefaults(cfg, DefaultWorkerConfig())
	return cfg, nil
}

func loadOrCreate(path string, into interface{}, defaults interface{}) (created bool, err error) {
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaults)
		if marshalErr != nil {
			return false, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return false, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return false, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("failed to unmarshal config data: %w", err)
	}
	return false, nil
}

func applyEngineDefaults(cfg *EngineConfig, defaults EngineConfig) {
	if cfg.IOItemSize == 0 {
		cfg.IOItemSize = defaults.IOItemSize
	}
	if cfg.WorkItemSize == 0 {
		cfg.WorkItemSize = defaults.WorkItemSize
	}
	if cfg.LoadWorkersPerNode == 0 {
		cfg.LoadWorkersPerNode = defaults.LoadWorkersPerNode
	}
	if cfg.PUsPerNode == 0 {
		cfg.PUsPerNode = defaults.PUsPerNode
	}
	if cfg.SaveWorkersPerNode == 0 {
		cfg.SaveWorkersPerNode = defaults.SaveWorkersPerNode
	}
	if cfg.TasksInQueuePerPU == 0 {
		cfg.TasksInQueuePerPU = defaults.TasksInQueuePerPU
	}
}

func applyNatsDefaults(cfg *NatsConfig, defaults NatsConfig) {
	if cfg.Address == "" {
		cfg.Address = defaults.Address
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaults.MaxReconnects
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
}

func applyStorageDefaults(cfg *StorageConfig, defaults StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = defaults.Type
	}
	if cfg.Minio.Endpoint == "" {
		cfg.Minio.Endpoint = defaults.Minio.Endpoint
	}
	if cfg.Minio.Bucket == "" {
		cfg.Minio.Bucket = defaults.Minio.Bucket
	}
}

func applyMasterDefaults(cfg *MasterConfig, defaults *MasterConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.HTTPPort == "" {
		cfg.HTTPPort = defaults.HTTPPort
	}
	if cfg.NewJobTimeout == 0 {
		cfg.NewJobTimeout = defaults.NewJobTimeout
	}
	applyNatsDefaults(&cfg.Nats, defaults.Nats)
	applyStorageDefaults(&cfg.Storage, defaults.Storage)
	applyEngineDefaults(&cfg.Engine, defaults.Engine)
}

func applyWorkerDefaults(cfg *WorkerConfig, defaults *WorkerConfig) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaults.InstanceID
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaults.ListenPort
	}
	if cfg.NvidiaSmiPath == "" {
		cfg.NvidiaSmiPath = defaults.NvidiaSmiPath
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Memory.CPUPoolBytes == 0 {
		cfg.Memory.CPUPoolBytes = defaults.Memory.CPUPoolBytes
	}
	if cfg.Memory.GPUPoolBytes == 0 {
		cfg.Memory.GPUPoolBytes = defaults.Memory.GPUPoolBytes
	}
	applyNatsDefaults(&cfg.Nats, defaults.Nats)
	applyStorageDefaults(&cfg.Storage, defaults.Storage)
	applyEngineDefaults(&cfg.Engine, defaults.Engine)
}
