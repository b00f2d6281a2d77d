// Package storage provides object storage abstractions for chunk
// output objects.
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
	ErrNoPresign      = errors.New("backend does not support presigned URLs")
)

// ObjectStorage abstracts object storage operations. Implementations
// include S3 and local filesystem.
type ObjectStorage interface {
	// Upload uploads a local file to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download fetches objectPath into localPath.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks whether objectPath is present.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	// Used by reconciliation to detect orphaned objects.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Presigner is implemented by backends that can mint time-limited
// download URLs. Callers type-assert; backends without the capability
// simply don't implement it.
type Presigner interface {
	PresignDownload(ctx context.Context, objectPath string, expiry time.Duration) (string, error)
}
