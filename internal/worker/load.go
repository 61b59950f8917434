package worker

import (
	"context"
	"fmt"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/profiler"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// loadedColumnName names a column fetched straight from the store, before
// any evaluator has run over it.
func loadedColumnName(columnID int32) string {
	return fmt.Sprintf("column_%d", columnID)
}

// runLoadWorker consumes LoadWorkEntries, fetches the referenced column rows
// from the store, and emits the initial EvalWorkEntry for each IO item.
// Output order across the N load workers does not track input order; all
// downstream stages key on IOItemIndex. On a stage error the worker keeps
// draining its queue without producing, so upstream never blocks on a dead
// consumer.
func (c *Controller) runLoadWorker(ctx context.Context, workerID int,
	prof *profiler.Profiler, in <-chan *models.LoadWorkEntry, out chan<- *models.EvalWorkEntry,
	jobErr *errTracker) {

	for entry := range in {
		if jobErr.failed() {
			continue
		}
		work, err := c.loadItem(ctx, prof, entry)
		if err != nil {
			jobErr.set(fmt.Errorf("load worker %d, io item %d: %w", workerID, entry.IOItemIndex, err))
			continue
		}
		out <- work
	}
}

func (c *Controller) loadItem(ctx context.Context, prof *profiler.Profiler, entry *models.LoadWorkEntry) (*models.EvalWorkEntry, error) {
	work := &models.EvalWorkEntry{
		IOItemIndex: entry.IOItemIndex,
		WarmupRows:  entry.WarmupRows,
	}

	for _, sample := range entry.Samples {
		for _, columnID := range sample.ColumnIDs {
			key := storage.InputColumnKey(sample.JobID, sample.TableID, columnID)

			var blob []byte
			var err error
			prof.Time("io", func() {
				blob, err = c.backend.ReadAll(ctx, key)
			})
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", key, err)
			}

			// Stage the fetch through the CPU pool so reads are charged
			// against the node's memory budget, then copy the selected rows
			// into entry-owned storage before the buffer goes back.
			staging, err := c.alloc.Alloc(models.CPUDevice, int64(len(blob)))
			if err != nil {
				return nil, err
			}
			staging.Data = append(staging.Data, blob...)

			var rows [][]byte
			prof.Time("decode", func() {
				rows, err = storage.DecodeColumnRows(staging.Data, sample.Rows)
			})
			if err != nil {
				c.alloc.Release(staging)
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
			owned := make([][]byte, len(rows))
			for i, r := range rows {
				owned[i] = append([]byte(nil), r...)
			}
			c.alloc.Release(staging)

			work.Columns = append(work.Columns, models.ColumnBlock{
				Name: loadedColumnName(columnID),
				Rows: owned,
			})
		}
	}
	return work, nil
}
