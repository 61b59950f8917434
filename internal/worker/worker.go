// Package worker implements the per-node execution engine: registration with
// the master, the three-stage load → evaluate → save pipeline with bounded
// queues, the pull loop that feeds it, and the profiler file emitted when a
// job drains.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/config"
	"github.com/pombredanne/scanner-3/internal/mempool"
	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/plan"
	"github.com/pombredanne/scanner-3/internal/profiler"
	"github.com/pombredanne/scanner-3/internal/protocol"
	"github.com/pombredanne/scanner-3/internal/registry"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// MasterLink is the worker's view of the master service.
type MasterLink interface {
	RegisterWorker(ctx context.Context, info protocol.WorkerInfo) (int32, error)
	NextIOItem(ctx context.Context) (int32, error)
}

// Controller owns a worker node's job lifecycle. It registers with the
// master at construction and then serves NewJob dispatches one at a time.
type Controller struct {
	cfg        *config.WorkerConfig
	logger     *zap.Logger
	backend    storage.Backend
	master     MasterLink
	evaluators *registry.EvaluatorRegistry
	kernels    *registry.KernelRegistry
	alloc      *mempool.Allocator

	nodeID  int32
	address string

	busy    atomic.Bool
	retired atomic.Int64
}

// NewController registers the worker with the master and initializes the
// node-wide memory allocators. Hostname discovery failure is fatal.
func NewController(ctx context.Context, cfg *config.WorkerConfig, backend storage.Backend,
	evaluators *registry.EvaluatorRegistry, kernels *registry.KernelRegistry,
	master MasterLink, logger *zap.Logger) (*Controller, error) {

	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname discovery failed: %w", err)
	}
	address := fmt.Sprintf("%s:%d", hostname, cfg.ListenPort)

	nodeID, err := master.RegisterWorker(ctx, protocol.WorkerInfo{
		Address:    address,
		InstanceID: cfg.InstanceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register with master: %w", err)
	}

	logger.Info("Worker registered",
		zap.String("address", address),
		zap.String("instance_id", cfg.InstanceID),
		zap.Int32("node_id", nodeID),
	)

	return &Controller{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		master:     master,
		evaluators: evaluators,
		kernels:    kernels,
		alloc:      mempool.NewAllocator(cfg.Memory),
		nodeID:     nodeID,
		address:    address,
	}, nil
}

// NodeID returns the id the master assigned at registration.
func (c *Controller) NodeID() int32 { return c.nodeID }

// Address returns the advertised <hostname>:<port>.
func (c *Controller) Address() string { return c.address }

// Status reports the heartbeat view of the controller.
func (c *Controller) Status() (models.WorkerStatus, int64) {
	status := models.WorkerStatusIdle
	if c.busy.Load() {
		status = models.WorkerStatusRunning
	}
	return status, c.retired.Load()
}

// errTracker records the first stage error. Later errors are dropped; the
// whole job aborts on the first one anyway.
type errTracker struct {
	mu  sync.Mutex
	err error
}

func (t *errTracker) set(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *errTracker) get() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *errTracker) failed() bool { return t.get() != nil }

// RunJob executes one job: build the kernel chain, replicate the master's IO
// item plan, run the pipeline until the master drains, tear the stages down
// in layer order, and emit the profiler file.
func (c *Controller) RunJob(ctx context.Context, params *models.JobParameters) error {
	if !c.busy.CompareAndSwap(false, true) {
		return fmt.Errorf("a job is already running on this worker")
	}
	defer c.busy.Store(false)

	baseTime := time.Now()
	engine := c.cfg.Engine
	c.retired.Store(0)

	chain, err := registry.BuildChain(c.evaluators, c.kernels, &params.TaskSet, engine.GPUDeviceIDs)
	if err != nil {
		return fmt.Errorf("failed to build kernel chain: %w", err)
	}

	ioItems, loadEntries, err := plan.CreateIOItems(&params.TaskSet, engine.IOItemSize, params.WarmupSize)
	if err != nil {
		return fmt.Errorf("failed to plan io items: %w", err)
	}

	c.logger.Info("Starting job pipeline",
		zap.String("job_name", params.JobName),
		zap.Int32("job_id", params.JobID),
		zap.Int("num_io_items", len(ioItems)),
		zap.Int("load_workers", engine.LoadWorkersPerNode),
		zap.Int("pus", engine.PUsPerNode),
		zap.Int("save_workers", engine.SaveWorkersPerNode),
	)

	queueCap := engine.TasksInQueuePerPU
	loadWork := make(chan *models.LoadWorkEntry, engine.PUsPerNode*queueCap)
	initialEvalWork := make(chan *models.EvalWorkEntry, queueCap)
	midQueues := make([]chan *models.EvalWorkEntry, engine.PUsPerNode)
	postQueues := make([]chan *models.EvalWorkEntry, engine.PUsPerNode)
	for pu := range midQueues {
		midQueues[pu] = make(chan *models.EvalWorkEntry, queueCap)
		postQueues[pu] = make(chan *models.EvalWorkEntry, queueCap)
	}
	saveWork := make(chan *models.EvalWorkEntry, queueCap)

	jobErr := &errTracker{}

	loadProfilers := make([]*profiler.Profiler, engine.LoadWorkersPerNode)
	evalProfilers := make([][3]*profiler.Profiler, engine.PUsPerNode)
	saveProfilers := make([]*profiler.Profiler, engine.SaveWorkersPerNode)

	var loadWG, preWG, evalWG, postWG, saveWG sync.WaitGroup

	for i := 0; i < engine.LoadWorkersPerNode; i++ {
		loadProfilers[i] = profiler.New(baseTime)
		loadWG.Add(1)
		go func(i int) {
			defer loadWG.Done()
			c.runLoadWorker(ctx, i, loadProfilers[i], loadWork, initialEvalWork, jobErr)
		}(i)
	}

	for pu := 0; pu < engine.PUsPerNode; pu++ {
		for k := 0; k < 3; k++ {
			evalProfilers[pu][k] = profiler.New(baseTime)
		}

		preWG.Add(1)
		go func(pu int) {
			defer preWG.Done()
			c.runPreWorker(pu, evalProfilers[pu][0], initialEvalWork, midQueues[pu], jobErr)
		}(pu)

		evalWG.Add(1)
		go func(pu int) {
			defer evalWG.Done()
			c.runEvalWorker(pu, evalProfilers[pu][1], chain, engine.WorkItemSize,
				midQueues[pu], postQueues[pu], jobErr)
		}(pu)

		postWG.Add(1)
		go func(pu int) {
			defer postWG.Done()
			c.runPostWorker(pu, evalProfilers[pu][2], postQueues[pu], saveWork, jobErr)
		}(pu)
	}

	for i := 0; i < engine.SaveWorkersPerNode; i++ {
		saveProfilers[i] = profiler.New(baseTime)
		saveWG.Add(1)
		go func(i int) {
			defer saveWG.Done()
			c.runSaveWorker(ctx, i, saveProfilers[i], params.JobName, ioItems, saveWork, jobErr)
		}(i)
	}

	startTime := time.Now()

	// Pull loop. The threshold keeps accepted-but-unretired items strictly
	// below the pipeline's aggregate queue budget; the master serializes id
	// assignment, so ids arrive strictly ascending across the cluster.
	threshold := int64(engine.PUsPerNode * engine.TasksInQueuePerPU)
	var accepted int64
	for !jobErr.failed() {
		if accepted-c.retired.Load() < threshold {
			next, err := c.master.NextIOItem(ctx)
			if err != nil {
				jobErr.set(fmt.Errorf("NextIOItem failed: %w", err))
				break
			}
			if next == protocol.DrainItemID {
				break
			}
			if next < 0 || int(next) >= len(loadEntries) {
				jobErr.set(fmt.Errorf("master returned io item %d, have %d", next, len(loadEntries)))
				break
			}
			entry := loadEntries[next]
			loadWork <- &entry
			accepted++
		}
		runtime.Gosched()
	}

	// Layered teardown. Each close ends exactly one stage layer; waiting for
	// the layer before closing the next guarantees every entry enqueued
	// ahead of the close has been processed before its consumer exits.
	close(loadWork)
	loadWG.Wait()
	close(initialEvalWork)
	preWG.Wait()
	for pu := range midQueues {
		close(midQueues[pu])
	}
	evalWG.Wait()
	for pu := range postQueues {
		close(postQueues[pu])
	}
	postWG.Wait()
	close(saveWork)
	saveWG.Wait()

	endTime := time.Now()

	if err := jobErr.get(); err != nil {
		c.logger.Error("Job failed on worker",
			zap.String("job_name", params.JobName),
			zap.Int32("job_id", params.JobID),
			zap.Error(err),
		)
		return err
	}

	retired := c.retired.Load()
	if retired != accepted {
		return fmt.Errorf("pipeline drained with %d retired of %d accepted items", retired, accepted)
	}

	np := &profiler.NodeProfile{
		OutRank:   int64(c.nodeID),
		StartTime: startTime,
		EndTime:   endTime,
		Load:      loadProfilers,
		Eval:      evalProfilers,
		Save:      saveProfilers,
	}
	if err := c.writeProfilerFile(ctx, params.JobID, np); err != nil {
		return fmt.Errorf("failed to write profiler file: %w", err)
	}

	c.logger.Info("Job pipeline drained",
		zap.String("job_name", params.JobName),
		zap.Int32("job_id", params.JobID),
		zap.Int64("items_processed", retired),
		zap.Duration("elapsed", endTime.Sub(startTime)),
	)
	return nil
}

func (c *Controller) writeProfilerFile(ctx context.Context, jobID int32, np *profiler.NodeProfile) error {
	key := storage.JobProfilerKey(jobID, c.nodeID)
	wf, err := c.backend.NewWriteFile(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", key, err)
	}
	if err := np.WriteFile(wf); err != nil {
		wf.Discard()
		return fmt.Errorf("failed to serialize %s: %w", key, err)
	}
	return storage.SaveWithBackoff(ctx, c.logger, wf, key)
}
