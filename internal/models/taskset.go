package models

import "fmt"

// DeviceType identifies the class of processor a kernel runs on.
type DeviceType string

const (
	// DeviceCPU runs the kernel on the host CPU.
	DeviceCPU DeviceType = "cpu"
	// DeviceGPU runs the kernel on a CUDA-capable GPU.
	DeviceGPU DeviceType = "gpu"
)

// DeviceHandle is a concrete placement: a device type plus the local device id.
// For CPU kernels the id is always 0.
type DeviceHandle struct {
	Type DeviceType `json:"type"`
	ID   int32      `json:"id"`
}

// CPUDevice is the placement used by every CPU kernel.
var CPUDevice = DeviceHandle{Type: DeviceCPU, ID: 0}

// TableSample identifies a set of source rows in one stored table.
// All samples of a task must carry the same number of rows.
type TableSample struct {
	JobID     int32   `json:"job_id"`
	TableID   int32   `json:"table_id"`
	ColumnIDs []int32 `json:"column_ids"`
	Rows      []int64 `json:"rows"`
}

// Task is a user-supplied unit of work over a contiguous row range of a
// single logical table, possibly pulling multiple source columns across
// jobs and tables.
type Task struct {
	Samples []TableSample `json:"samples"`
}

// RowCount returns the number of rows the task covers. Zero if the task has
// no samples.
func (t *Task) RowCount() int64 {
	if len(t.Samples) == 0 {
		return 0
	}
	return int64(len(t.Samples[0].Rows))
}

// EvalInput is a directed edge in the evaluator DAG: it names a predecessor
// evaluator by index and the output columns consumed from it.
type EvalInput struct {
	EvaluatorIndex int32    `json:"evaluator_index"`
	Columns        []string `json:"columns"`
}

// Evaluator is a user-declared pipeline node. The kernel realizing it is
// looked up by (Name, DeviceType) in the kernel registry at job start.
type Evaluator struct {
	Name        string      `json:"name"`
	DeviceType  DeviceType  `json:"device_type"`
	DeviceCount int32       `json:"device_count"`
	KernelArgs  []byte      `json:"kernel_args,omitempty"`
	Inputs      []EvalInput `json:"inputs,omitempty"`
}

// TaskSet is the full pipeline description submitted with a job: the tasks
// to process and the ordered evaluator chain to run over them.
type TaskSet struct {
	Tasks      []Task      `json:"tasks"`
	Evaluators []Evaluator `json:"evaluators"`
}

// Validate checks the structural invariants the engine relies on: every task
// has at least one sample, sample row counts agree within a task, and every
// evaluator input references a strictly earlier evaluator.
func (ts *TaskSet) Validate() error {
	if len(ts.Evaluators) == 0 {
		return fmt.Errorf("task set has no evaluators")
	}
	for i, task := range ts.Tasks {
		if len(task.Samples) == 0 {
			return fmt.Errorf("task %d has no samples", i)
		}
		rows := len(task.Samples[0].Rows)
		for j, s := range task.Samples {
			if len(s.Rows) != rows {
				return fmt.Errorf("task %d sample %d has %d rows, expected %d",
					i, j, len(s.Rows), rows)
			}
		}
	}
	for i, ev := range ts.Evaluators {
		for _, in := range ev.Inputs {
			if in.EvaluatorIndex < 0 || int(in.EvaluatorIndex) >= i {
				return fmt.Errorf("evaluator %d (%s) input references evaluator %d, must be an earlier index",
					i, ev.Name, in.EvaluatorIndex)
			}
		}
	}
	return nil
}

// JobParameters is the payload of a NewJob call, dispatched verbatim from the
// master to every worker. JobID is reserved by the master before dispatch so
// workers can name their per-node outputs with the real id.
//
// WarmupSize is wired through every stage but the current job API provides no
// way to set it; it is always zero today.
type JobParameters struct {
	JobName    string  `json:"job_name"`
	JobID      int32   `json:"job_id"`
	WarmupSize int32   `json:"warmup_size"`
	TaskSet    TaskSet `json:"task_set"`
}
