// Package iomanager persists asset values to a storage backend and reads them
// back. It keeps no state between calls: the same (asset, partition) pair
// always maps to the same key, so writing twice overwrites and a read returns
// the latest value.
package iomanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"assetflow/internal/storage"
)

const (
	// Format tags every stored envelope.
	Format           = "assetflow.json/v1"
	DefaultPartition = "default"
	DefaultPrefix    = "assets"
	fileSuffix       = ".json"
)

// Materialization is a decoded envelope.
type Materialization struct {
	Asset     string
	Partition string
	Type      string
	WrittenAt time.Time
	Key       string
	Value     any
}

type envelope struct {
	Format    string          `json:"format"`
	Asset     string          `json:"asset"`
	Partition string          `json:"partition"`
	Type      string          `json:"type,omitempty"`
	WrittenAt time.Time       `json:"written_at"`
	Value     json.RawMessage `json:"value"`
}

type Manager struct {
	backend storage.Backend
	prefix  string
	now     func() time.Time
}

type Option func(*Manager)

// WithPrefix sets the key prefix. An empty prefix stores keys at the root.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = strings.Trim(strings.TrimSpace(prefix), "/") }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(backend storage.Backend, opts ...Option) *Manager {
	m := &Manager{backend: backend, prefix: DefaultPrefix, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Backend() storage.Backend { return m.backend }

// Key returns the storage key for an asset partition.
func (m *Manager) Key(asset, partition string) string {
	return m.assetDir(asset) + url.PathEscape(partitionOrDefault(partition)) + fileSuffix
}

func (m *Manager) assetDir(asset string) string {
	dir := url.PathEscape(strings.TrimSpace(asset)) + "/"
	if m.prefix == "" {
		return dir
	}
	return m.prefix + "/" + dir
}

// Write stores value under (asset, partition) and returns the key.
func (m *Manager) Write(ctx context.Context, asset, partition string, value any, typeTag string) (string, error) {
	partition = partitionOrDefault(partition)
	key := m.Key(asset, partition)
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("iomanager: encode %s/%s: %w", asset, partition, err)
	}
	body, err := json.Marshal(envelope{
		Format:    Format,
		Asset:     asset,
		Partition: partition,
		Type:      typeTag,
		WrittenAt: m.now().UTC(),
		Value:     raw,
	})
	if err != nil {
		return "", fmt.Errorf("iomanager: encode envelope %s: %w", key, err)
	}
	if err := m.backend.Put(ctx, key, body); err != nil {
		return "", &StorageError{Op: "put", Key: key, Err: err}
	}
	return key, nil
}

// Read returns the latest value stored for (asset, partition).
func (m *Manager) Read(ctx context.Context, asset, partition string) (any, error) {
	mat, err := m.Load(ctx, asset, partition)
	if err != nil {
		return nil, err
	}
	return mat.Value, nil
}

// Load returns the latest value along with its envelope metadata.
func (m *Manager) Load(ctx context.Context, asset, partition string) (Materialization, error) {
	partition = partitionOrDefault(partition)
	key := m.Key(asset, partition)
	body, err := m.backend.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Materialization{}, &NotFoundError{Asset: asset, Partition: partition, Key: key}
		}
		return Materialization{}, &StorageError{Op: "get", Key: key, Err: err}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Materialization{}, fmt.Errorf("iomanager: decode %s: %w", key, err)
	}
	if env.Format != Format {
		return Materialization{}, fmt.Errorf("iomanager: decode %s: unsupported format %q", key, env.Format)
	}
	var value any
	if len(env.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return Materialization{}, fmt.Errorf("iomanager: decode value %s: %w", key, err)
		}
	}
	return Materialization{
		Asset:     env.Asset,
		Partition: env.Partition,
		Type:      env.Type,
		WrittenAt: env.WrittenAt,
		Key:       key,
		Value:     value,
	}, nil
}

func (m *Manager) Exists(ctx context.Context, asset, partition string) (bool, error) {
	key := m.Key(asset, partition)
	ok, err := m.backend.Exists(ctx, key)
	if err != nil {
		return false, &StorageError{Op: "exists", Key: key, Err: err}
	}
	return ok, nil
}

// Partitions lists the partitions that have a stored value for asset.
func (m *Manager) Partitions(ctx context.Context, asset string) ([]string, error) {
	dir := m.assetDir(asset)
	keys, err := m.backend.List(ctx, dir)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: dir, Err: err}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		rest := strings.TrimPrefix(k, dir)
		if rest == k || strings.Contains(rest, "/") || !strings.HasSuffix(rest, fileSuffix) {
			continue
		}
		p, err := url.PathUnescape(strings.TrimSuffix(rest, fileSuffix))
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func partitionOrDefault(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPartition
	}
	return p
}
