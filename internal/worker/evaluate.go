package worker

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/profiler"
	"github.com/pombredanne/scanner-3/internal/registry"
)

// runPreWorker applies the kernel-independent preprocessing for one PU:
// it validates the entry's shape and forwards it to the PU's mid queue.
// Work for a given io item flows through exactly one PU, so the pre → eval
// → post path is strictly serial per item.
func (c *Controller) runPreWorker(pu int, prof *profiler.Profiler,
	in <-chan *models.EvalWorkEntry, out chan<- *models.EvalWorkEntry, jobErr *errTracker) {

	for entry := range in {
		if jobErr.failed() {
			continue
		}
		var err error
		prof.Time("pre", func() {
			err = validateEntry(entry)
		})
		if err != nil {
			jobErr.set(fmt.Errorf("pre worker pu=%d, io item %d: %w", pu, entry.IOItemIndex, err))
			continue
		}
		out <- entry
	}
}

func validateEntry(entry *models.EvalWorkEntry) error {
	if len(entry.Columns) == 0 {
		return fmt.Errorf("entry has no columns")
	}
	rows := len(entry.Columns[0].Rows)
	for _, col := range entry.Columns {
		if len(col.Rows) != rows {
			return fmt.Errorf("column %s has %d rows, expected %d", col.Name, len(col.Rows), rows)
		}
	}
	if entry.WarmupRows > int64(rows) {
		return fmt.Errorf("warmup rows %d exceed entry rows %d", entry.WarmupRows, rows)
	}
	return nil
}

// runEvalWorker hosts the kernel chain for one PU. Kernels are instantiated
// once per PU when the worker starts and closed when its queue drains; each
// entry's rows run through the whole chain in sub-batches of workItemSize
// without re-enqueuing between kernels.
func (c *Controller) runEvalWorker(pu int, prof *profiler.Profiler,
	chain []registry.ChainEntry, workItemSize int32,
	in <-chan *models.EvalWorkEntry, out chan<- *models.EvalWorkEntry, jobErr *errTracker) {

	kernels := make([]registry.Kernel, 0, len(chain))
	for i, entry := range chain {
		k, err := entry.Factory.New(entry.Config)
		if err != nil {
			jobErr.set(fmt.Errorf("eval worker pu=%d: failed to build kernel %d (%s): %w",
				pu, i, entry.Info.Name, err))
			break
		}
		kernels = append(kernels, k)
	}
	defer func() {
		for i, k := range kernels {
			if err := k.Close(); err != nil {
				c.logger.Warn("Kernel close failed",
					zap.Int("pu", pu), zap.Int("kernel", i), zap.Error(err))
			}
		}
	}()

	for entry := range in {
		if jobErr.failed() {
			continue
		}
		var result *models.EvalWorkEntry
		var err error
		prof.Time("eval", func() {
			result, err = c.evaluateEntry(kernels, chain, workItemSize, entry)
		})
		if err != nil {
			jobErr.set(fmt.Errorf("eval worker pu=%d, io item %d: %w", pu, entry.IOItemIndex, err))
			continue
		}
		out <- result
	}
}

// evaluateEntry runs every kernel over the entry's rows, workItemSize rows
// at a time, and returns an entry carrying the last evaluator's output
// columns for the full row range.
func (c *Controller) evaluateEntry(kernels []registry.Kernel, chain []registry.ChainEntry,
	workItemSize int32, entry *models.EvalWorkEntry) (*models.EvalWorkEntry, error) {

	totalRows := int(entry.RowCount())
	if workItemSize <= 0 {
		workItemSize = int32(totalRows)
	}

	finalInfo := chain[len(chain)-1].Info
	outputs := make([]models.ColumnBlock, len(finalInfo.OutputColumns))
	for i, name := range finalInfo.OutputColumns {
		outputs[i].Name = name
	}

	for start := 0; start < totalRows; start += int(workItemSize) {
		end := start + int(workItemSize)
		if end > totalRows {
			end = totalRows
		}

		batchOut, err := c.evaluateBatch(kernels, chain, sliceColumns(entry.Columns, start, end))
		if err != nil {
			return nil, err
		}
		if len(batchOut) != len(outputs) {
			return nil, fmt.Errorf("kernel chain produced %d columns, schema has %d",
				len(batchOut), len(outputs))
		}
		for i := range outputs {
			if len(batchOut[i].Rows) != end-start {
				return nil, fmt.Errorf("output column %s produced %d rows for a %d-row batch",
					outputs[i].Name, len(batchOut[i].Rows), end-start)
			}
			outputs[i].Rows = append(outputs[i].Rows, batchOut[i].Rows...)
		}
	}

	return &models.EvalWorkEntry{
		IOItemIndex: entry.IOItemIndex,
		WarmupRows:  entry.WarmupRows,
		Columns:     outputs,
	}, nil
}

// evaluateBatch runs the kernel chain over one sub-batch. Each kernel reads
// its declared input columns from the pool of everything produced so far
// (the loaded columns plus every upstream kernel's outputs); a kernel with
// no declared inputs receives its immediate predecessor's outputs.
func (c *Controller) evaluateBatch(kernels []registry.Kernel, chain []registry.ChainEntry,
	loaded []models.ColumnBlock) ([]models.ColumnBlock, error) {

	pool := make(map[string]models.ColumnBlock, len(loaded))
	for _, col := range loaded {
		pool[col.Name] = col
	}
	prev := loaded

	for i, kernel := range kernels {
		cfg := chain[i].Config
		info := chain[i].Info

		var inputs []models.ColumnBlock
		if len(cfg.InputColumns) == 0 {
			inputs = prev
		} else {
			for _, name := range cfg.InputColumns {
				col, ok := pool[name]
				if !ok {
					return nil, fmt.Errorf("kernel %s: input column %q not produced upstream", info.Name, name)
				}
				inputs = append(inputs, col)
			}
		}

		if err := c.stageForDevices(cfg.Devices, inputs); err != nil {
			return nil, fmt.Errorf("kernel %s: %w", info.Name, err)
		}

		out, err := kernel.Execute(inputs)
		if err != nil {
			return nil, fmt.Errorf("kernel %s: %w", info.Name, err)
		}
		if len(out) != len(info.OutputColumns) {
			return nil, fmt.Errorf("kernel %s returned %d columns, declares %d",
				info.Name, len(out), len(info.OutputColumns))
		}
		for j := range out {
			out[j].Name = info.OutputColumns[j]
			pool[out[j].Name] = out[j]
		}
		prev = out
	}
	return prev, nil
}

// stageForDevices charges a transfer buffer for the batch against each
// non-CPU placement's pool, standing in for the host-to-device copy. The
// charge is released as soon as the kernel call would have consumed the
// staged bytes.
func (c *Controller) stageForDevices(devices []models.DeviceHandle, inputs []models.ColumnBlock) error {
	var batchBytes int64
	for _, col := range inputs {
		for _, row := range col.Rows {
			batchBytes += int64(len(row))
		}
	}
	for _, dev := range devices {
		if dev.Type == models.DeviceCPU {
			continue
		}
		buf, err := c.alloc.Alloc(dev, batchBytes)
		if err != nil {
			return err
		}
		c.alloc.Release(buf)
	}
	return nil
}

func sliceColumns(cols []models.ColumnBlock, start, end int) []models.ColumnBlock {
	out := make([]models.ColumnBlock, len(cols))
	for i, col := range cols {
		out[i] = models.ColumnBlock{Name: col.Name, Rows: col.Rows[start:end]}
	}
	return out
}

// runPostWorker trims the warmup prefix off every output column and hands
// the entry to the shared save queue. Warmup rows exist only to prime
// stateful kernels; they never reach the store.
func (c *Controller) runPostWorker(pu int, prof *profiler.Profiler,
	in <-chan *models.EvalWorkEntry, out chan<- *models.EvalWorkEntry, jobErr *errTracker) {

	for entry := range in {
		if jobErr.failed() {
			continue
		}
		prof.Time("post", func() {
			if entry.WarmupRows > 0 {
				for i := range entry.Columns {
					entry.Columns[i].Rows = entry.Columns[i].Rows[entry.WarmupRows:]
				}
				entry.WarmupRows = 0
			}
		})
		out <- entry
	}
}
