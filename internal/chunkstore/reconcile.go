package chunkstore

import (
	"context"
	"fmt"
	"time"

	"github.com/egatchal/tippers-services/internal/storage"
)

// ReconciliationReport contains the results of a registry-storage
// consistency sweep.
type ReconciliationReport struct {
	// DanglingChunks are COMPLETED rows whose output object is gone.
	DanglingChunks []DanglingChunk `json:"dangling_chunks"`
	// OrphanedObjects are stored objects no COMPLETED row points at.
	OrphanedObjects []string `json:"orphaned_objects"`
	// TotalCompletedChunks is the number of COMPLETED rows checked.
	TotalCompletedChunks int `json:"total_completed_chunks"`
	// TotalStorageObjects is the number of objects scanned.
	TotalStorageObjects int `json:"total_storage_objects"`
	// RunAt is when the sweep was performed.
	RunAt time.Time `json:"run_at"`
}

// DanglingChunk pairs a registry row with its missing object path.
type DanglingChunk struct {
	Key        string `json:"key"`
	ObjectPath string `json:"object_path"`
}

// HasIssues reports whether the sweep found any inconsistency.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingChunks) > 0 || len(r.OrphanedObjects) > 0
}

// Reconcile checks consistency between the chunk registry and object
// storage under storagePrefix. A dangling chunk means a COMPLETED row
// would assemble from a missing object; an orphaned object is wasted
// space from an interrupted upload or a requeued job. Report-only:
// operators decide what to do with the findings.
func Reconcile(ctx context.Context, registry Registry, store storage.ObjectStorage, storagePrefix string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{RunAt: time.Now()}

	completed, err := registry.CompletedChunks(ctx)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: reconcile: list completed chunks: %w", err)
	}
	report.TotalCompletedChunks = len(completed)

	knownPaths := make(map[string]bool, len(completed))
	for _, c := range completed {
		knownPaths[c.ObjectPath] = true
	}

	for _, c := range completed {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exists, err := store.Exists(ctx, c.ObjectPath)
		if err != nil {
			return nil, fmt.Errorf("chunkstore: reconcile: check object %s: %w", c.ObjectPath, err)
		}
		if !exists {
			report.DanglingChunks = append(report.DanglingChunks, DanglingChunk{
				Key:        c.Key.String(),
				ObjectPath: c.ObjectPath,
			})
		}
	}

	objects, err := store.ListObjects(ctx, storagePrefix)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: reconcile: list storage objects: %w", err)
	}
	report.TotalStorageObjects = len(objects)

	for _, path := range objects {
		if !knownPaths[path] {
			report.OrphanedObjects = append(report.OrphanedObjects, path)
		}
	}
	return report, nil
}
