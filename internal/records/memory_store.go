package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type recordKey struct {
	run, asset, partition string
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	seq  int
	rows map[recordKey]*memRow
	now  func() time.Time
}

type memRow struct {
	seq int
	rec Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[recordKey]*memRow), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, r Record) error {
	if err := validate(&r); err != nil {
		return err
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.StartedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{r.RunID, r.Asset, r.Partition}
	if _, ok := s.rows[k]; ok {
		return fmt.Errorf("%w: %s/%s/%s", ErrDuplicate, r.RunID, r.Asset, r.Partition)
	}
	s.seq++
	s.rows[k] = &memRow{seq: s.seq, rec: r}
	return nil
}

func (s *MemoryStore) Update(_ context.Context, r Record) error {
	if err := validate(&r); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := recordKey{r.RunID, r.Asset, r.Partition}
	row, ok := s.rows[k]
	if !ok {
		if r.StartedAt.IsZero() {
			r.StartedAt = r.UpdatedAt
		}
		s.seq++
		s.rows[k] = &memRow{seq: s.seq, rec: r}
		return nil
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = row.rec.StartedAt
	}
	row.rec = r
	return nil
}

func (s *MemoryStore) LastSuccess(_ context.Context, asset, partition string) (Record, error) {
	if partition == "" {
		partition = DefaultPartition
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *memRow
	for _, row := range s.rows {
		if row.rec.Asset != asset || row.rec.Partition != partition || row.rec.Status != StatusSuccess {
			continue
		}
		if best == nil || row.rec.UpdatedAt.After(best.rec.UpdatedAt) ||
			(row.rec.UpdatedAt.Equal(best.rec.UpdatedAt) && row.seq > best.seq) {
			best = row
		}
	}
	if best == nil {
		return Record{}, ErrNotFound
	}
	return best.rec, nil
}

func (s *MemoryStore) ListByRun(_ context.Context, runID string) ([]Record, error) {
	return s.list(func(r Record) bool { return r.RunID == runID }), nil
}

// ListByAsset returns the newest records first. limit <= 0 means no limit.
func (s *MemoryStore) ListByAsset(_ context.Context, asset string, limit int) ([]Record, error) {
	out := s.list(func(r Record) bool { return r.Asset == asset })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// list returns matching records in creation order.
func (s *MemoryStore) list(match func(Record) bool) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*memRow, 0, len(s.rows))
	for _, row := range s.rows {
		if match(row.rec) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]Record, len(rows))
	for i, row := range rows {
		out[i] = row.rec
	}
	return out
}
