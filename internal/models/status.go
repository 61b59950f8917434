package models

import "time"

// WorkerStatus is the coarse state a worker reports in its heartbeat.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusRunning WorkerStatus = "running"
)

// WorkerHeartbeat is published periodically by each worker on the status
// subject. The master records the latest heartbeat per worker and exposes it
// over the HTTP status API; nothing in scheduling depends on it.
type WorkerHeartbeat struct {
	InstanceID   string       `json:"instance_id"`
	NodeID       int32        `json:"node_id"`
	Address      string       `json:"address"`
	Status       WorkerStatus `json:"status"`
	CPUPercent   float64      `json:"cpu_percent"`
	MemPercent   float64      `json:"mem_percent"`
	RetiredItems int64        `json:"retired_items"`
	Timestamp    time.Time    `json:"timestamp"`
}
