package registry

import (
	"fmt"

	"github.com/pombredanne/scanner-3/internal/models"
)

// ChainEntry is one bound stage of the evaluator chain: the factory selected
// for this node's device type plus the config its kernels are built with.
type ChainEntry struct {
	Info    *EvaluatorInfo
	Factory KernelFactory
	Config  KernelConfig
}

// BuildChain resolves every evaluator of the task set against the registries
// and binds device placements. CPU evaluators get the single CPU device; GPU
// evaluators get DeviceCount placements assigned round-robin across gpuIDs.
// The round-robin mapping (i mod len(gpuIDs)) is deterministic and must stay
// that way: memory pools cache per-device buffers keyed by it.
//
// Any unknown evaluator, missing kernel, or unrecognized device type aborts
// the job before the pipeline is constructed.
func BuildChain(evaluators *EvaluatorRegistry, kernels *KernelRegistry,
	taskSet *models.TaskSet, gpuIDs []int32) ([]ChainEntry, error) {

	chain := make([]ChainEntry, 0, len(taskSet.Evaluators))
	for i, ev := range taskSet.Evaluators {
		info, err := evaluators.Get(ev.Name)
		if err != nil {
			return nil, fmt.Errorf("evaluator %d: %w", i, err)
		}
		factory, err := kernels.Get(ev.Name, ev.DeviceType)
		if err != nil {
			return nil, fmt.Errorf("evaluator %d: %w", i, err)
		}

		config := KernelConfig{Args: ev.KernelArgs}
		for _, input := range ev.Inputs {
			upstream := &taskSet.Evaluators[input.EvaluatorIndex]
			if _, err := evaluators.Get(upstream.Name); err != nil {
				return nil, fmt.Errorf("evaluator %d input: %w", i, err)
			}
			config.InputColumns = append(config.InputColumns, input.Columns...)
		}

		switch ev.DeviceType {
		case models.DeviceCPU:
			config.Devices = append(config.Devices, models.CPUDevice)
		case models.DeviceGPU:
			if len(gpuIDs) == 0 {
				return nil, fmt.Errorf("evaluator %d (%s) requires a GPU but node has none configured", i, ev.Name)
			}
			for d := int32(0); d < ev.DeviceCount; d++ {
				config.Devices = append(config.Devices, models.DeviceHandle{
					Type: models.DeviceGPU,
					ID:   gpuIDs[int(d)%len(gpuIDs)],
				})
			}
		default:
			return nil, fmt.Errorf("evaluator %d (%s): unrecognized device type %q", i, ev.Name, ev.DeviceType)
		}

		chain = append(chain, ChainEntry{Info: info, Factory: factory, Config: config})
	}
	return chain, nil
}

// OutputColumns returns the job's output schema: the output columns of the
// last evaluator in the task set.
func OutputColumns(evaluators *EvaluatorRegistry, taskSet *models.TaskSet) ([]string, error) {
	if len(taskSet.Evaluators) == 0 {
		return nil, fmt.Errorf("task set has no evaluators")
	}
	last := taskSet.Evaluators[len(taskSet.Evaluators)-1]
	info, err := evaluators.Get(last.Name)
	if err != nil {
		return nil, err
	}
	return info.OutputColumns, nil
}
