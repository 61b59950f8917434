// Package master implements the coordinator: it registers workers, carves a
// submitted task set into IO items, serves the pull-based NextIOItem
// endpoint, and persists job metadata once every worker's pipeline has
// drained.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/config"
	"github.com/pombredanne/scanner-3/internal/db"
	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/plan"
	"github.com/pombredanne/scanner-3/internal/registry"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// WorkerDispatcher dispatches a NewJob call to one worker and blocks until
// that worker's pipeline has drained.
type WorkerDispatcher interface {
	NewJob(ctx context.Context, params *models.JobParameters) error
}

// WorkerStub is the master's record of one registered worker.
type WorkerStub struct {
	NodeID     int32  `json:"node_id"`
	Address    string `json:"address"`
	InstanceID string `json:"instance_id"`

	dispatch WorkerDispatcher
}

// Scheduler holds the master's state. IO item ids are handed out from a
// single counter, so assignment order is strictly ascending regardless of
// how pulls from different workers interleave.
type Scheduler struct {
	logger     *zap.Logger
	backend    storage.Backend
	evaluators *registry.EvaluatorRegistry
	engine     config.EngineConfig

	mu         sync.Mutex
	workers    []*WorkerStub
	jobRunning bool
	numIOItems int32
	nextIOItem int32

	hbMu       sync.RWMutex
	heartbeats map[string]models.WorkerHeartbeat
}

// NewScheduler constructs a master scheduler.
func NewScheduler(engine config.EngineConfig, backend storage.Backend,
	evaluators *registry.EvaluatorRegistry, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:     logger,
		backend:    backend,
		evaluators: evaluators,
		engine:     engine,
		heartbeats: make(map[string]models.WorkerHeartbeat),
	}
}

// RegisterWorker appends a stub for the worker and returns its node id.
// Workers are accepted only between jobs; a registration arriving mid-job is
// rejected rather than left undefined.
func (s *Scheduler) RegisterWorker(address, instanceID string, dispatch WorkerDispatcher) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobRunning {
		return 0, fmt.Errorf("cannot register worker %s: a job is running", address)
	}
	nodeID := int32(len(s.workers))
	s.workers = append(s.workers, &WorkerStub{
		NodeID:     nodeID,
		Address:    address,
		InstanceID: instanceID,
		dispatch:   dispatch,
	})
	s.logger.Info("Registered worker",
		zap.String("address", address),
		zap.String("instance_id", instanceID),
		zap.Int32("node_id", nodeID),
	)
	return nodeID, nil
}

// NextIOItem returns the next unallocated IO item id, or DrainItemID (-1)
// once the job's items are exhausted.
func (s *Scheduler) NextIOItem() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextIOItem < s.numIOItems {
		id := s.nextIOItem
		s.nextIOItem++
		return id
	}
	return -1
}

// Workers returns a snapshot of the registered workers.
func (s *Scheduler) Workers() []WorkerStub {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerStub, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	return out
}

// RecordHeartbeat stores the latest status update from a worker.
func (s *Scheduler) RecordHeartbeat(hb models.WorkerHeartbeat) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	s.heartbeats[hb.InstanceID] = hb
}

// Heartbeat returns a worker's last recorded heartbeat.
func (s *Scheduler) Heartbeat(instanceID string) (models.WorkerHeartbeat, bool) {
	s.hbMu.RLock()
	defer s.hbMu.RUnlock()
	hb, ok := s.heartbeats[instanceID]
	return hb, ok
}

// Jobs returns the database's job catalog.
func (s *Scheduler) Jobs(ctx context.Context) (map[int32]string, error) {
	meta, err := db.ReadDatabaseMetadata(ctx, s.backend)
	if err != nil {
		return nil, err
	}
	return meta.Jobs, nil
}

// NewJob runs a job to completion: plan the IO items, reserve a job id,
// dispatch NewJob to every worker in parallel, wait for all pipelines to
// drain, then persist the database metadata and the job descriptor. If any
// worker fails, the first failure is surfaced and nothing is persisted.
func (s *Scheduler) NewJob(ctx context.Context, jobName string, taskSet *models.TaskSet, warmupSize int32) (int32, error) {
	if err := taskSet.Validate(); err != nil {
		return 0, fmt.Errorf("invalid task set: %w", err)
	}

	outputColumns, err := registry.OutputColumns(s.evaluators, taskSet)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve output schema: %w", err)
	}

	ioItems, _, err := plan.CreateIOItems(taskSet, s.engine.IOItemSize, warmupSize)
	if err != nil {
		return 0, fmt.Errorf("failed to plan io items: %w", err)
	}

	s.mu.Lock()
	if s.jobRunning {
		s.mu.Unlock()
		return 0, fmt.Errorf("a job is already running")
	}
	if len(s.workers) == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("no workers registered")
	}
	workers := append([]*WorkerStub(nil), s.workers...)
	s.jobRunning = true
	s.numIOItems = int32(len(ioItems))
	s.nextIOItem = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.jobRunning = false
		s.mu.Unlock()
	}()

	// Reserve the job id before dispatch so workers can name their profiler
	// files with the real id. The metadata blob is only persisted after every
	// worker drains, so an aborted job leaves no trace.
	meta, err := db.ReadDatabaseMetadata(ctx, s.backend)
	if err != nil {
		return 0, err
	}
	jobID := meta.ReserveJob(jobName)

	descriptor := &models.JobDescriptor{
		ID:           jobID,
		Name:         jobName,
		IOItemSize:   s.engine.IOItemSize,
		WorkItemSize: s.engine.WorkItemSize,
		NumNodes:     int32(len(workers)),
		Tasks:        taskSet.Tasks,
	}
	for i, name := range outputColumns {
		descriptor.Columns = append(descriptor.Columns, models.Column{
			ID:   int32(i),
			Name: name,
			Type: models.ColumnNone,
		})
	}

	params := &models.JobParameters{
		JobName:    jobName,
		JobID:      jobID,
		WarmupSize: warmupSize,
		TaskSet:    *taskSet,
	}

	s.logger.Info("Dispatching job",
		zap.String("job_name", jobName),
		zap.Int32("job_id", jobID),
		zap.Int("num_io_items", len(ioItems)),
		zap.Int("num_workers", len(workers)),
	)
	start := time.Now()

	errCh := make(chan error, len(workers))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *WorkerStub) {
			defer wg.Done()
			if err := w.dispatch.NewJob(ctx, params); err != nil {
				errCh <- fmt.Errorf("worker %d (%s): %w", w.NodeID, w.Address, err)
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		s.logger.Error("Job aborted", zap.String("job_name", jobName), zap.Error(err))
		return 0, fmt.Errorf("job %s aborted: %w", jobName, err)
	}

	if err := db.WriteDatabaseMetadata(ctx, s.backend, s.logger, meta); err != nil {
		return 0, fmt.Errorf("failed to persist database metadata: %w", err)
	}
	if err := db.WriteJobDescriptor(ctx, s.backend, s.logger, descriptor); err != nil {
		return 0, fmt.Errorf("failed to persist job descriptor: %w", err)
	}

	s.logger.Info("Job completed",
		zap.String("job_name", jobName),
		zap.Int32("job_id", jobID),
		zap.Duration("elapsed", time.Since(start)),
	)
	return jobID, nil
}
