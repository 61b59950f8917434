package models

// ColumnType tags the value type of an output column. The engine itself
// never interprets column payloads, so the master records ColumnNone for
// every output column; evaluators have no way to declare another type.
type ColumnType string

const (
	ColumnNone  ColumnType = "none"
	ColumnBytes ColumnType = "bytes"
	ColumnVideo ColumnType = "video"
)

// Column describes one output column of a job.
type Column struct {
	ID   int32      `json:"id"`
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// JobDescriptor is persisted under jobs/<job_id>/descriptor.bin when a job
// completes. Columns come from the last evaluator's output columns; Tasks are
// copied verbatim from the submitted task set.
type JobDescriptor struct {
	ID           int32    `json:"id"`
	Name         string   `json:"name"`
	IOItemSize   int32    `json:"io_item_size"`
	WorkItemSize int32    `json:"work_item_size"`
	NumNodes     int32    `json:"num_nodes"`
	Columns      []Column `json:"columns"`
	Tasks        []Task   `json:"tasks"`
}

// DatabaseMetadata is the append-only list of jobs the database has run,
// persisted as a single blob under db_metadata.bin.
type DatabaseMetadata struct {
	NextJobID int32            `json:"next_job_id"`
	Jobs      map[int32]string `json:"jobs"`
}

// NewDatabaseMetadata returns an empty metadata record.
func NewDatabaseMetadata() *DatabaseMetadata {
	return &DatabaseMetadata{Jobs: make(map[int32]string)}
}

// ReserveJob assigns the next job id to name and returns it. The caller is
// responsible for persisting the updated metadata.
func (m *DatabaseMetadata) ReserveJob(name string) int32 {
	if m.Jobs == nil {
		m.Jobs = make(map[int32]string)
	}
	id := m.NextJobID
	m.NextJobID++
	m.Jobs[id] = name
	return id
}
