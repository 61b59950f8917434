// Package db persists the engine's job catalog: the append-only
// DatabaseMetadata blob and the per-job descriptors. All writes go through
// the storage write/save triad with bounded backoff.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pombredanne/scanner-3/internal/models"
	"github.com/pombredanne/scanner-3/internal/storage"
)

// ReadDatabaseMetadata loads the metadata blob, returning an empty record if
// the database has never run a job.
func ReadDatabaseMetadata(ctx context.Context, backend storage.Backend) (*models.DatabaseMetadata, error) {
	data, err := backend.ReadAll(ctx, storage.DatabaseMetadataKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.NewDatabaseMetadata(), nil
		}
		return nil, fmt.Errorf("failed to read database metadata: %w", err)
	}
	var meta models.DatabaseMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode database metadata: %w", err)
	}
	if meta.Jobs == nil {
		meta.Jobs = make(map[int32]string)
	}
	return &meta, nil
}

// WriteDatabaseMetadata persists the metadata blob.
func WriteDatabaseMetadata(ctx context.Context, backend storage.Backend, logger *zap.Logger, meta *models.DatabaseMetadata) error {
	return saveJSON(ctx, backend, logger, storage.DatabaseMetadataKey, meta)
}

// WriteJobDescriptor persists a job's descriptor under its id.
func WriteJobDescriptor(ctx context.Context, backend storage.Backend, logger *zap.Logger, desc *models.JobDescriptor) error {
	return saveJSON(ctx, backend, logger, storage.JobDescriptorKey(desc.ID), desc)
}

// ReadJobDescriptor loads a job's descriptor.
func ReadJobDescriptor(ctx context.Context, backend storage.Backend, jobID int32) (*models.JobDescriptor, error) {
	data, err := backend.ReadAll(ctx, storage.JobDescriptorKey(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor for job %d: %w", jobID, err)
	}
	var desc models.JobDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor for job %d: %w", jobID, err)
	}
	return &desc, nil
}

func saveJSON(ctx context.Context, backend storage.Backend, logger *zap.Logger, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	wf, err := backend.NewWriteFile(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to open write file for %s: %w", key, err)
	}
	if _, err := wf.Write(data); err != nil {
		wf.Discard()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return storage.SaveWithBackoff(ctx, logger, wf, key)
}
