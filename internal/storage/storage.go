// Package storage abstracts the content-addressed blob backend the engine
// reads inputs from and writes outputs to. Backends must be safe for
// concurrent use: every stage goroutine of a worker shares one Backend.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("storage: key not found")

// WriteFile is a staged write. Bytes accumulate through Write and become
// visible under the target key only when Save commits; Discard drops the
// staging state. Save may fail transiently — callers go through
// SaveWithBackoff.
type WriteFile interface {
	Write(p []byte) (int, error)
	Save(ctx context.Context) error
	Discard()
}

// Backend is an opaque object store with open/read/write/save semantics.
type Backend interface {
	// ReadAll fetches the whole blob stored under key.
	ReadAll(ctx context.Context, key string) ([]byte, error)
	// NewWriteFile opens a staged write for key.
	NewWriteFile(ctx context.Context, key string) (WriteFile, error)
	// Exists reports whether key holds a committed blob.
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the committed keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key layout under the configured root. db_metadata.bin and the per-job
// descriptor/profiler keys are fixed; saved outputs are keyed by job name so
// reruns under a new name never collide.

// DatabaseMetadataKey is the key of the DatabaseMetadata blob.
const DatabaseMetadataKey = "db_metadata.bin"

// JobDescriptorKey returns the key of a job's descriptor.
func JobDescriptorKey(jobID int32) string {
	return fmt.Sprintf("jobs/%d/descriptor.bin", jobID)
}

// JobProfilerKey returns the key of one node's profiler file for a job.
func JobProfilerKey(jobID int32, nodeID int32) string {
	return fmt.Sprintf("jobs/%d/profiler_node_%d.bin", jobID, nodeID)
}

// InputColumnKey returns the key of a stored input column.
func InputColumnKey(jobID, tableID, columnID int32) string {
	return fmt.Sprintf("rows/%d/table_%d/column_%d.bin", jobID, tableID, columnID)
}

// OutputItemKey returns the key one saved output block is written under.
func OutputItemKey(jobName string, tableID int32, columnID int32, ioItemIndex int32) string {
	return fmt.Sprintf("jobs/%s/table_%d/column_%d/item_%d.bin", jobName, tableID, columnID, ioItemIndex)
}
