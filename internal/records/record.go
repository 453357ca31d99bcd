// Package records keeps the audit trail of asset materializations. A record is
// created when an asset's compute starts and updated once it finishes; records
// are never deleted.
package records

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

type Record struct {
	RunID      string    `json:"run_id"`
	Asset      string    `json:"asset"`
	Partition  string    `json:"partition"`
	StorageKey string    `json:"storage_key"`
	Status     Status    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Error      string    `json:"error,omitempty"`
}

// Store persists records. Update upserts by (RunID, Asset, Partition).
type Store interface {
	Create(ctx context.Context, r Record) error
	Update(ctx context.Context, r Record) error
	LastSuccess(ctx context.Context, asset, partition string) (Record, error)
	ListByRun(ctx context.Context, runID string) ([]Record, error)
	ListByAsset(ctx context.Context, asset string, limit int) ([]Record, error)
}

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

const DefaultPartition = "default"

func validate(r *Record) error {
	if r.RunID == "" {
		return errors.New("records: run_id is required")
	}
	if r.Asset == "" {
		return errors.New("records: asset is required")
	}
	if r.Partition == "" {
		r.Partition = DefaultPartition
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	return nil
}
