package iomanager

import (
	"fmt"

	"assetflow/internal/storage"
)

// NotFoundError reports that no value has been stored for an asset partition.
type NotFoundError struct {
	Asset     string
	Partition string
	Key       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("iomanager: no materialization for %s (partition %s) at %s", e.Asset, e.Partition, e.Key)
}

func (e *NotFoundError) Unwrap() error { return storage.ErrNotFound }

// StorageError wraps a backend failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("iomanager: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
