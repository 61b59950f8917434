// Package plan partitions a task set into fixed-size IO items and the load
// descriptors that materialize them. The planner is a pure function: the
// master and every worker run it over the same task set and rely on getting
// byte-identical output, because io_item_index values are exchanged over the
// wire and used to index the local slices.
package plan

import (
	"fmt"

	"github.com/pombredanne/scanner-3/internal/models"
)

// CreateIOItems emits the IO items for taskSet in (task index, start row)
// order, covering each task's [0, rows) exactly once in contiguous slices of
// at most ioItemSize rows. The parallel LoadWorkEntry slice carries, per
// sample, the concrete source rows for the item extended backwards by up to
// warmupSize rows (clamped at row zero) to prime stateful kernels.
func CreateIOItems(taskSet *models.TaskSet, ioItemSize int32, warmupSize int32) ([]models.IOItem, []models.LoadWorkEntry, error) {
	if ioItemSize <= 0 {
		return nil, nil, fmt.Errorf("io item size must be positive, got %d", ioItemSize)
	}
	if warmupSize < 0 {
		return nil, nil, fmt.Errorf("warmup size must be non-negative, got %d", warmupSize)
	}

	var ioItems []models.IOItem
	var loadEntries []models.LoadWorkEntry

	for taskIdx := range taskSet.Tasks {
		task := &taskSet.Tasks[taskIdx]
		if len(task.Samples) == 0 {
			return nil, nil, fmt.Errorf("task %d has no samples", taskIdx)
		}
		rowsInTask := task.RowCount()

		var itemID int32
		var allocated int64
		for allocated < rowsInTask {
			rowsToAllocate := int64(ioItemSize)
			if remaining := rowsInTask - allocated; remaining < rowsToAllocate {
				rowsToAllocate = remaining
			}

			item := models.IOItem{
				TableID:  int32(taskIdx),
				ItemID:   itemID,
				StartRow: allocated,
				EndRow:   allocated + rowsToAllocate,
			}
			itemID++

			start := item.StartRow - int64(warmupSize)
			if start < 0 {
				start = 0
			}
			entry := models.LoadWorkEntry{
				IOItemIndex: int32(len(ioItems)),
				WarmupRows:  item.StartRow - start,
				Samples:     make([]models.TableSample, 0, len(task.Samples)),
			}
			for _, sample := range task.Samples {
				rows := make([]int64, item.EndRow-start)
				copy(rows, sample.Rows[start:item.EndRow])
				entry.Samples = append(entry.Samples, models.TableSample{
					JobID:     sample.JobID,
					TableID:   sample.TableID,
					ColumnIDs: append([]int32(nil), sample.ColumnIDs...),
					Rows:      rows,
				})
			}

			ioItems = append(ioItems, item)
			loadEntries = append(loadEntries, entry)
			allocated += rowsToAllocate
		}
	}

	return ioItems, loadEntries, nil
}
