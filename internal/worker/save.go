package worker

import (
	"context"
	"fmt"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/profiler"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// runSaveWorker writes each entry's output columns to the store under the
// job's output namespace and retires the item. Keys include the io item
// index, so a replayed save of the same item overwrites identically.
func (c *Controller) runSaveWorker(ctx context.Context, workerID int, prof *profiler.Profiler,
	jobName string, ioItems []models.IOItem, in <-chan *models.EvalWorkEntry, jobErr *errTracker) {

	for entry := range in {
		if jobErr.failed() {
			continue
		}
		var err error
		prof.Time("save", func() {
			err = c.saveItem(ctx, jobName, ioItems, entry)
		})
		if err != nil {
			jobErr.set(fmt.Errorf("save worker %d, io item %d: %w", workerID, entry.IOItemIndex, err))
			continue
		}
		c.retired.Add(1)
	}
}

func (c *Controller) saveItem(ctx context.Context, jobName string, ioItems []models.IOItem, entry *models.EvalWorkEntry) error {
	if int(entry.IOItemIndex) >= len(ioItems) {
		return fmt.Errorf("io item index %d out of range", entry.IOItemIndex)
	}
	tableID := ioItems[entry.IOItemIndex].TableID

	for colIdx, col := range entry.Columns {
		key := storage.OutputItemKey(jobName, tableID, int32(colIdx), entry.IOItemIndex)
		wf, err := c.backend.NewWriteFile(ctx, key)
		if err != nil {
			return fmt.Errorf("open %s: %w", key, err)
		}
		if _, err := wf.Write(storage.EncodeItemBlock(col.Rows)); err != nil {
			wf.Discard()
			return fmt.Errorf("write %s: %w", key, err)
		}
		if err := storage.SaveWithBackoff(ctx, c.logger, wf, key); err != nil {
			return err
		}
	}
	return nil
}
