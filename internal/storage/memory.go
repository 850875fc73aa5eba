package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
)

// MemStore is an in-memory Store used by tests and the demo login path.
// Data lives only as long as the process; do not use it for anything real.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
	rows  map[string]map[string][]byte

	// closed and replaced on every row insert, so that any number of
	// pollers can wait for "something changed in this partition"
	change map[string]chan struct{}
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs:  make(map[string][]byte),
		rows:   make(map[string]map[string][]byte),
		change: make(map[string]chan struct{}),
	}
}

// MemDB hands out one MemStore per username, mirroring the per-user
// bucket/partition scoping of the real backends.
type MemDB struct {
	mu     sync.Mutex
	stores map[string]*MemStore
}

func NewMemDB() *MemDB {
	return &MemDB{stores: make(map[string]*MemStore)}
}

func (d *MemDB) Store(username string) *MemStore {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.stores[username]
	if !ok {
		s = NewMemStore()
		d.stores[username] = s
	}
	return s
}

// ---- blobs ----

func (m *MemStore) BlobGet(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.blobs[key]
	if !ok {
		return nil, common.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemStore) BlobPut(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.blobs[key] = v
	return nil
}

func (m *MemStore) BlobDelete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, key)
	return nil
}

func (m *MemStore) BlobCopy(ctx context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.blobs[src]
	if !ok {
		return common.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	m.blobs[dst] = cp
	return nil
}

func (m *MemStore) BlobList(ctx context.Context, prefix string) ([]BlobItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []BlobItem
	for k, v := range m.blobs {
		if strings.HasPrefix(k, prefix) {
			items = append(items, BlobItem{Key: k, Size: int64(len(v))})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// ---- rows ----

func (m *MemStore) RowInsert(ctx context.Context, partition, sort string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[partition]
	if !ok {
		p = make(map[string][]byte)
		m.rows[partition] = p
	}
	if _, exists := p[sort]; exists {
		return common.ErrConflict
	}
	v := make([]byte, len(value))
	copy(v, value)
	p[sort] = v
	m.notifyLocked(partition)
	return nil
}

func (m *MemStore) RowGet(ctx context.Context, partition, sort string) (RowItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.rows[partition][sort]
	if !ok {
		return RowItem{}, common.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return RowItem{Partition: partition, Sort: sort, Value: out}, nil
}

func (m *MemStore) RowRange(ctx context.Context, partition, lo, hi string, limit int) ([]RowItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rowRangeLocked(partition, lo, hi, limit), nil
}

func (m *MemStore) rowRangeLocked(partition, lo, hi string, limit int) []RowItem {
	keys := make([]string, 0, len(m.rows[partition]))
	for k := range m.rows[partition] {
		if k < lo {
			continue
		}
		if hi != "" && k >= hi {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	items := make([]RowItem, 0, len(keys))
	for _, k := range keys {
		v := m.rows[partition][k]
		out := make([]byte, len(v))
		copy(out, v)
		items = append(items, RowItem{Partition: partition, Sort: k, Value: out})
	}
	return items
}

func (m *MemStore) RowDelete(ctx context.Context, partition, sort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[partition], sort)
	return nil
}

func (m *MemStore) RowDeleteRange(ctx context.Context, partition, lo, hi string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.rows[partition] {
		if k >= lo && (hi == "" || k < hi) {
			delete(m.rows[partition], k)
		}
	}
	return nil
}

func (m *MemStore) RowPollNew(ctx context.Context, partition, after string) ([]RowItem, error) {
	for {
		m.mu.Lock()
		items := m.rowRangeLocked(partition, nextSort(after), "", 0)
		if len(items) > 0 {
			m.mu.Unlock()
			return items, nil
		}
		ch, ok := m.change[partition]
		if !ok {
			ch = make(chan struct{})
			m.change[partition] = ch
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-time.After(30 * time.Second):
			// spurious return, caller re-polls
			return nil, nil
		}
	}
}

func (m *MemStore) RowCAS(ctx context.Context, partition, sort string, expected, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[partition]
	if !ok {
		p = make(map[string][]byte)
		m.rows[partition] = p
	}
	cur, exists := p[sort]
	if expected == nil {
		if exists {
			return common.ErrConflict
		}
	} else {
		if !exists || string(cur) != string(expected) {
			return common.ErrConflict
		}
	}
	v := make([]byte, len(value))
	copy(v, value)
	p[sort] = v
	m.notifyLocked(partition)
	return nil
}

func (m *MemStore) notifyLocked(partition string) {
	if ch, ok := m.change[partition]; ok {
		close(ch)
		delete(m.change, partition)
	}
}

// nextSort returns the smallest sort key strictly greater than s.
func nextSort(s string) string {
	return s + "\x00"
}
