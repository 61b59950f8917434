package models

// IOItem is a fixed-size row slice of one task, the unit of scheduling
// between master and workers. TableID is the task index within the task set;
// ItemID is a per-task sequence starting at zero.
type IOItem struct {
	TableID  int32 `json:"table_id"`
	ItemID   int32 `json:"item_id"`
	StartRow int64 `json:"start_row"`
	EndRow   int64 `json:"end_row"`
}

// LoadWorkEntry describes the store reads needed to materialize one IOItem.
// Samples mirror the task's samples, with Rows narrowed to the item's slice
// plus any warmup prefix.
type LoadWorkEntry struct {
	IOItemIndex int32         `json:"io_item_index"`
	WarmupRows  int64         `json:"warmup_rows"`
	Samples     []TableSample `json:"samples"`
}

// ColumnBlock holds the per-row payloads of one named column for the rows of
// a single IO item.
type ColumnBlock struct {
	Name string
	Rows [][]byte
}

// EvalWorkEntry is the in-flight payload between pipeline stages. Ownership
// passes strictly downstream: whichever stage popped the entry owns it until
// it pushes it onward. WarmupRows counts the leading rows loaded only to
// prime stateful kernels; the post stage trims them before save.
type EvalWorkEntry struct {
	IOItemIndex int32
	WarmupRows  int64
	Columns     []ColumnBlock
}

// RowCount returns the number of rows carried by the entry, warmup included.
func (e *EvalWorkEntry) RowCount() int64 {
	if len(e.Columns) == 0 {
		return 0
	}
	return int64(len(e.Columns[0].Rows))
}
