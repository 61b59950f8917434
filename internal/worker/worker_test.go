package worker

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/config"
	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/profiler"
	"github.com/pombredanne/scanner-3/internal/protocol"
	"github.com/pombredanne/scanner-3/internal/registry"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// fakeMaster serves a fixed number of io items from an in-process counter
// and checks the pull-loop backpressure bound on every serve.
type fakeMaster struct {
	numItems  int32
	threshold int64
	ctrl      *Controller

	mu        sync.Mutex
	next      int32
	violation error
}

func (m *fakeMaster) RegisterWorker(ctx context.Context, info protocol.WorkerInfo) (int32, error) {
	if info.Address == "" {
		return 0, fmt.Errorf("empty address")
	}
	return 0, nil
}

func (m *fakeMaster) NextIOItem(ctx context.Context) (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threshold > 0 && m.ctrl != nil {
		_, retired := m.ctrl.Status()
		if outstanding := int64(m.next) - retired; outstanding > m.threshold-1 {
			if m.violation == nil {
				m.violation = fmt.Errorf("%d items outstanding at serve time, threshold %d",
					outstanding, m.threshold)
			}
		}
	}
	if m.next < m.numItems {
		id := m.next
		m.next++
		return id, nil
	}
	return protocol.DrainItemID, nil
}

// reverseKernel reverses each row's bytes; identityKernel forwards its
// inputs unchanged.
type reverseKernel struct{}

func (reverseKernel) Execute(inputs []models.ColumnBlock) ([]models.ColumnBlock, error) {
	out := make([]models.ColumnBlock, len(inputs))
	for i, col := range inputs {
		rows := make([][]byte, len(col.Rows))
		for j, r := range col.Rows {
			rev := make([]byte, len(r))
			for k := range r {
				rev[k] = r[len(r)-1-k]
			}
			rows[j] = rev
		}
		out[i] = models.ColumnBlock{Rows: rows}
	}
	return out, nil
}
func (reverseKernel) Close() error { return nil }

type identityKernel struct{}

func (identityKernel) Execute(inputs []models.ColumnBlock) ([]models.ColumnBlock, error) {
	return inputs, nil
}
func (identityKernel) Close() error { return nil }

func testRegistries(t *testing.T) (*registry.EvaluatorRegistry, *registry.KernelRegistry) {
	t.Helper()
	evals := registry.NewEvaluatorRegistry()
	kernels := registry.NewKernelRegistry()

	evals.Register(&registry.EvaluatorInfo{Name: "decode", OutputColumns: []string{"frame"}})
	evals.Register(&registry.EvaluatorInfo{Name: "reverse", OutputColumns: []string{"reversed"}})

	kernels.Register("decode", models.DeviceCPU,
		registry.KernelFactoryFunc(func(registry.KernelConfig) (registry.Kernel, error) {
			return identityKernel{}, nil
		}))
	kernels.Register("reverse", models.DeviceCPU,
		registry.KernelFactoryFunc(func(registry.KernelConfig) (registry.Kernel, error) {
			return reverseKernel{}, nil
		}))
	return evals, kernels
}

func testWorkerConfig(engine config.EngineConfig) *config.WorkerConfig {
	return &config.WorkerConfig{
		InstanceID: "worker-test",
		ListenPort: 5002,
		Engine:     engine,
	}
}

// seedInput writes rows rows of the form "row-<i>" into input column 0 of
// (job 0, table 0) and returns the payloads.
func seedInput(t *testing.T, backend *storage.MemoryBackend, rows int64) [][]byte {
	t.Helper()
	payloads := make([][]byte, rows)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("row-%04d", i))
	}
	wf, err := backend.NewWriteFile(context.Background(), storage.InputColumnKey(0, 0, 0))
	if err != nil {
		t.Fatal(err)
	}
	wf.Write(storage.EncodeColumn(payloads))
	if err := wf.Save(context.Background()); err != nil {
		t.Fatal(err)
	}
	return payloads
}

func testParams(jobID int32, rows int64, warmup int32) *models.JobParameters {
	rowList := make([]int64, rows)
	for i := range rowList {
		rowList[i] = int64(i)
	}
	return &models.JobParameters{
		JobName:    "test-job",
		JobID:      jobID,
		WarmupSize: warmup,
		TaskSet: models.TaskSet{
			Tasks: []models.Task{{Samples: []models.TableSample{{
				JobID: 0, TableID: 0, ColumnIDs: []int32{0}, Rows: rowList,
			}}}},
			Evaluators: []models.Evaluator{
				{Name: "decode", DeviceType: models.DeviceCPU},
				{Name: "reverse", DeviceType: models.DeviceCPU,
					Inputs: []models.EvalInput{{EvaluatorIndex: 0, Columns: []string{"frame"}}}},
			},
		},
	}
}

func newTestController(t *testing.T, engine config.EngineConfig, backend *storage.MemoryBackend, master MasterLink) *Controller {
	t.Helper()
	evals, kernels := testRegistries(t)
	ctrl, err := NewController(context.Background(), testWorkerConfig(engine), backend, evals, kernels, master, zap.NewNop())
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return ctrl
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func TestPipelineDrainsAndSavesEveryItem(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         16,
		WorkItemSize:       4,
		LoadWorkersPerNode: 2,
		PUsPerNode:         2,
		SaveWorkersPerNode: 2,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	payloads := seedInput(t, backend, 100) // 7 io items

	master := &fakeMaster{numItems: 7}
	ctrl := newTestController(t, engine, backend, master)
	master.ctrl = ctrl

	if err := ctrl.RunJob(context.Background(), testParams(3, 100, 0)); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}

	_, retired := ctrl.Status()
	if retired != 7 {
		t.Errorf("retired = %d, want 7", retired)
	}

	ctx := context.Background()
	for item := int32(0); item < 7; item++ {
		key := storage.OutputItemKey("test-job", 0, 0, item)
		blob, err := backend.ReadAll(ctx, key)
		if err != nil {
			t.Fatalf("missing output %s: %v", key, err)
		}
		rows, err := storage.DecodeItemBlock(blob)
		if err != nil {
			t.Fatalf("bad output block %s: %v", key, err)
		}
		start := int(item) * 16
		end := start + 16
		if end > 100 {
			end = 100
		}
		if len(rows) != end-start {
			t.Fatalf("item %d has %d rows, want %d", item, len(rows), end-start)
		}
		for j, row := range rows {
			if want := reverse(payloads[start+j]); !bytes.Equal(row, want) {
				t.Errorf("item %d row %d = %q, want %q", item, j, row, want)
			}
		}
	}

	// Exactly one output blob per column per item.
	keys, _ := backend.List(ctx, "jobs/test-job/")
	if len(keys) != 7 {
		t.Errorf("output key count = %d, want 7: %v", len(keys), keys)
	}
}

func TestProfilerFileStructure(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         10,
		WorkItemSize:       10,
		LoadWorkersPerNode: 3,
		PUsPerNode:         2,
		SaveWorkersPerNode: 2,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	seedInput(t, backend, 40) // 4 io items

	master := &fakeMaster{numItems: 4}
	ctrl := newTestController(t, engine, backend, master)

	if err := ctrl.RunJob(context.Background(), testParams(9, 40, 0)); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}

	blob, err := backend.ReadAll(context.Background(), storage.JobProfilerKey(9, 0))
	if err != nil {
		t.Fatalf("profiler file missing: %v", err)
	}
	parsed, err := profiler.ReadFile(bytes.NewReader(blob))
	if err != nil {
		t.Fatalf("profiler file unreadable: %v", err)
	}

	wantBlocks := engine.LoadWorkersPerNode + 3*engine.PUsPerNode + engine.SaveWorkersPerNode
	if got := len(parsed.Blocks()); got != wantBlocks {
		t.Errorf("profiler has %d blocks, want %d", got, wantBlocks)
	}

	// Save sections record one interval per retired item in total.
	var saveIntervals int
	for _, b := range parsed.Save {
		saveIntervals += len(b.Intervals)
	}
	if saveIntervals != 4 {
		t.Errorf("save intervals = %d, want 4", saveIntervals)
	}
}

func TestBackpressureBoundHolds(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         8,
		WorkItemSize:       8,
		LoadWorkersPerNode: 1,
		PUsPerNode:         1,
		SaveWorkersPerNode: 1,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	seedInput(t, backend, 32) // 4 io items

	master := &fakeMaster{numItems: 4, threshold: 2}
	ctrl := newTestController(t, engine, backend, master)
	master.ctrl = ctrl

	if err := ctrl.RunJob(context.Background(), testParams(1, 32, 0)); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}
	if master.violation != nil {
		t.Errorf("backpressure bound violated: %v", master.violation)
	}
}

func TestWarmupRowsAreTrimmedFromOutputs(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         1024,
		WorkItemSize:       256,
		LoadWorkersPerNode: 1,
		PUsPerNode:         1,
		SaveWorkersPerNode: 1,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	payloads := seedInput(t, backend, 2048)

	master := &fakeMaster{numItems: 2}
	ctrl := newTestController(t, engine, backend, master)

	if err := ctrl.RunJob(context.Background(), testParams(2, 2048, 16)); err != nil {
		t.Fatalf("RunJob failed: %v", err)
	}

	ctx := context.Background()
	for item := int32(0); item < 2; item++ {
		blob, err := backend.ReadAll(ctx, storage.OutputItemKey("test-job", 0, 0, item))
		if err != nil {
			t.Fatalf("missing output for item %d: %v", item, err)
		}
		rows, err := storage.DecodeItemBlock(blob)
		if err != nil {
			t.Fatal(err)
		}
		if len(rows) != 1024 {
			t.Fatalf("item %d has %d rows after warmup trim, want 1024", item, len(rows))
		}
		// First saved row of item 1 corresponds to source row 1024, not the
		// warmup row 1008.
		first := reverse(rows[0])
		if want := payloads[int(item)*1024]; !bytes.Equal(first, want) {
			t.Errorf("item %d first row = %q, want %q", item, first, want)
		}
	}
}

func TestKernelFailureAbortsJob(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         8,
		WorkItemSize:       8,
		LoadWorkersPerNode: 1,
		PUsPerNode:         1,
		SaveWorkersPerNode: 1,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	seedInput(t, backend, 32)

	evals := registry.NewEvaluatorRegistry()
	kernels := registry.NewKernelRegistry()
	evals.Register(&registry.EvaluatorInfo{Name: "explode", OutputColumns: []string{"out"}})
	kernels.Register("explode", models.DeviceCPU,
		registry.KernelFactoryFunc(func(registry.KernelConfig) (registry.Kernel, error) {
			return failingKernel{}, nil
		}))

	master := &fakeMaster{numItems: 4}
	ctrl, err := NewController(context.Background(), testWorkerConfig(engine), backend, evals, kernels, master, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	params := testParams(0, 32, 0)
	params.TaskSet.Evaluators = []models.Evaluator{{Name: "explode", DeviceType: models.DeviceCPU}}

	err = ctrl.RunJob(context.Background(), params)
	if err == nil {
		t.Fatal("expected RunJob to fail")
	}
	if !strings.Contains(err.Error(), "synthetic kernel failure") {
		t.Errorf("unexpected error: %v", err)
	}
}

type failingKernel struct{}

func (failingKernel) Execute(inputs []models.ColumnBlock) ([]models.ColumnBlock, error) {
	return nil, fmt.Errorf("synthetic kernel failure")
}
func (failingKernel) Close() error { return nil }

func TestUnknownEvaluatorFailsBeforePipelineStarts(t *testing.T) {
	backend := storage.NewMemoryBackend()
	master := &fakeMaster{}
	ctrl := newTestController(t, config.EngineConfig{
		IOItemSize: 8, LoadWorkersPerNode: 1, PUsPerNode: 1,
		SaveWorkersPerNode: 1, TasksInQueuePerPU: 1,
	}, backend, master)

	params := testParams(0, 8, 0)
	params.TaskSet.Evaluators = []models.Evaluator{{Name: "nonexistent", DeviceType: models.DeviceCPU}}
	if err := ctrl.RunJob(context.Background(), params); err == nil {
		t.Fatal("expected configuration error")
	}
	if master.next != 0 {
		t.Error("pull loop ran despite configuration error")
	}
}

func TestSecondJobReusesController(t *testing.T) {
	engine := config.EngineConfig{
		IOItemSize:         8,
		WorkItemSize:       8,
		LoadWorkersPerNode: 1,
		PUsPerNode:         1,
		SaveWorkersPerNode: 1,
		TasksInQueuePerPU:  2,
	}
	backend := storage.NewMemoryBackend()
	seedInput(t, backend, 16)

	ctrl := newTestController(t, engine, backend, &fakeMaster{numItems: 2})
	if err := ctrl.RunJob(context.Background(), testParams(0, 16, 0)); err != nil {
		t.Fatalf("first RunJob failed: %v", err)
	}

	ctrl.master = &fakeMaster{numItems: 2}
	if err := ctrl.RunJob(context.Background(), testParams(1, 16, 0)); err != nil {
		t.Fatalf("second RunJob failed: %v", err)
	}

	if exists, _ := backend.Exists(context.Background(), storage.JobProfilerKey(1, 0)); !exists {
		t.Error("second job's profiler file missing")
	}
}
