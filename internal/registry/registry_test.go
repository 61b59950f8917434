package registry

import (
	"reflect"
	"testing"

	"github.com/pombredanne/scanner-3/internal/models"
)

type nopKernel struct{}

func (nopKernel) Execute(inputs []models.ColumnBlock) ([]models.ColumnBlock, error) {
	return inputs, nil
}
func (nopKernel) Close() error { return nil }

func newTestRegistries(t *testing.T) (*EvaluatorRegistry, *KernelRegistry) {
	t.Helper()
	evals := NewEvaluatorRegistry()
	kernels := NewKernelRegistry()

	for _, info := range []*EvaluatorInfo{
		{Name: "decode", OutputColumns: []string{"frame"}},
		{Name: "net", OutputColumns: []string{"feature"}},
		{Name: "parse", OutputColumns: []string{"detection"}},
	} {
		if err := evals.Register(info); err != nil {
			t.Fatalf("register evaluator %s: %v", info.Name, err)
		}
	}

	factory := KernelFactoryFunc(func(config KernelConfig) (Kernel, error) {
		return nopKernel{}, nil
	})
	kernels.Register("decode", models.DeviceCPU, factory)
	kernels.Register("net", models.DeviceGPU, factory)
	kernels.Register("parse", models.DeviceCPU, factory)
	return evals, kernels
}

func testTaskSet() *models.TaskSet {
	return &models.TaskSet{
		Evaluators: []models.Evaluator{
			{Name: "decode", DeviceType: models.DeviceCPU},
			{Name: "net", DeviceType: models.DeviceGPU, DeviceCount: 4,
				Inputs: []models.EvalInput{{EvaluatorIndex: 0, Columns: []string{"frame"}}}},
			{Name: "parse", DeviceType: models.DeviceCPU,
				Inputs: []models.EvalInput{{EvaluatorIndex: 1, Columns: []string{"feature"}}}},
		},
	}
}

func TestBuildChainResolvesAllEvaluators(t *testing.T) {
	evals, kernels := newTestRegistries(t)

	chain, err := BuildChain(evals, kernels, testTaskSet(), []int32{0, 1})
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain has %d entries, want 3", len(chain))
	}
	if !reflect.DeepEqual(chain[1].Config.InputColumns, []string{"frame"}) {
		t.Errorf("net input columns = %v", chain[1].Config.InputColumns)
	}
	if !reflect.DeepEqual(chain[0].Config.Devices, []models.DeviceHandle{models.CPUDevice}) {
		t.Errorf("decode devices = %v", chain[0].Config.Devices)
	}
}

func TestBuildChainGPURoundRobin(t *testing.T) {
	evals, kernels := newTestRegistries(t)

	chain, err := BuildChain(evals, kernels, testTaskSet(), []int32{0, 1, 2})
	if err != nil {
		t.Fatalf("BuildChain failed: %v", err)
	}
	want := []models.DeviceHandle{
		{Type: models.DeviceGPU, ID: 0},
		{Type: models.DeviceGPU, ID: 1},
		{Type: models.DeviceGPU, ID: 2},
		{Type: models.DeviceGPU, ID: 0},
	}
	if !reflect.DeepEqual(chain[1].Config.Devices, want) {
		t.Errorf("round-robin placement = %v, want %v", chain[1].Config.Devices, want)
	}
}

func TestBuildChainNoGPUsIsFatal(t *testing.T) {
	evals, kernels := newTestRegistries(t)
	if _, err := BuildChain(evals, kernels, testTaskSet(), nil); err == nil {
		t.Error("expected error for GPU evaluator with no GPUs")
	}
}

func TestBuildChainUnknownDeviceType(t *testing.T) {
	evals, kernels := newTestRegistries(t)
	ts := testTaskSet()
	ts.Evaluators[0].DeviceType = "tpu"
	if _, err := BuildChain(evals, kernels, ts, []int32{0}); err == nil {
		t.Error("expected error for unrecognized device type")
	}
}

func TestBuildChainMissingKernel(t *testing.T) {
	evals, kernels := newTestRegistries(t)
	ts := testTaskSet()
	// net only has a GPU kernel registered.
	ts.Evaluators[1].DeviceType = models.DeviceCPU
	if _, err := BuildChain(evals, kernels, ts, []int32{0}); err == nil {
		t.Error("expected error for missing kernel")
	}
}

func TestOutputColumnsFromLastEvaluator(t *testing.T) {
	evals, _ := newTestRegistries(t)
	cols, err := OutputColumns(evals, testTaskSet())
	if err != nil {
		t.Fatalf("OutputColumns failed: %v", err)
	}
	if !reflect.DeepEqual(cols, []string{"detection"}) {
		t.Errorf("output columns = %v, want [detection]", cols)
	}
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	evals := NewEvaluatorRegistry()
	if err := evals.Register(&EvaluatorInfo{Name: "x"}); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if err := evals.Register(&EvaluatorInfo{Name: "x"}); err == nil {
		t.Error("duplicate evaluator registration should fail")
	}

	kernels := NewKernelRegistry()
	f := KernelFactoryFunc(func(KernelConfig) (Kernel, error) { return nopKernel{}, nil })
	if err := kernels.Register("x", models.DeviceCPU, f); err != nil {
		t.Fatalf("first kernel registration failed: %v", err)
	}
	if err := kernels.Register("x", models.DeviceCPU, f); err == nil {
		t.Error("duplicate kernel registration should fail")
	}
}
