package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

// OpenPostgres opens a pgx-backed database handle and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open records db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping records db: %w", err)
	}
	return NewPostgresStore(db), nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS materialization_records (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL,
    asset TEXT NOT NULL,
    partition_key TEXT NOT NULL,
    storage_key TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
    UNIQUE(run_id, asset, partition_key)
);
CREATE INDEX IF NOT EXISTS idx_materialization_records_asset
    ON materialization_records(asset, partition_key, status, updated_at DESC);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Create(ctx context.Context, r Record) error {
	if err := validate(&r); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.StartedAt
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO materialization_records (run_id, asset, partition_key, storage_key, status, error, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, asset, partition_key) DO NOTHING
`, r.RunID, r.Asset, r.Partition, r.StorageKey, string(r.Status), r.Error, r.StartedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s/%s/%s", ErrDuplicate, r.RunID, r.Asset, r.Partition)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, r Record) error {
	if err := validate(&r); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	started := r.StartedAt
	if started.IsZero() {
		started = r.UpdatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO materialization_records (run_id, asset, partition_key, storage_key, status, error, started_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, asset, partition_key)
DO UPDATE SET storage_key=EXCLUDED.storage_key, status=EXCLUDED.status, error=EXCLUDED.error, updated_at=EXCLUDED.updated_at
`, r.RunID, r.Asset, r.Partition, r.StorageKey, string(r.Status), r.Error, started, r.UpdatedAt)
	return err
}

const selectColumns = `run_id, asset, partition_key, storage_key, status, error, started_at, updated_at`

func (s *PostgresStore) LastSuccess(ctx context.Context, asset, partition string) (Record, error) {
	if partition == "" {
		partition = DefaultPartition
	}
	if err := s.ensureSchema(ctx); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+`
FROM materialization_records
WHERE asset=$1 AND partition_key=$2 AND status=$3
ORDER BY updated_at DESC, id DESC
LIMIT 1`, asset, partition, string(StatusSuccess))
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) ListByRun(ctx context.Context, runID string) ([]Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+`
FROM materialization_records WHERE run_id=$1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *PostgresStore) ListByAsset(ctx context.Context, asset string, limit int) ([]Record, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT ` + selectColumns + `
FROM materialization_records WHERE asset=$1 ORDER BY id DESC`
	args := []any{asset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var r Record
	var status string
	if err := sc.Scan(&r.RunID, &r.Asset, &r.Partition, &r.StorageKey, &status, &r.Error, &r.StartedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	r.Status = Status(status)
	return r, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
