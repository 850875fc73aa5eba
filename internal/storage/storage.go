// Package storage provides the uniform interface over the two halves of the
// external object store: an S3-like blob store holding opaque values under
// string keys, and a sortable key–value store holding rows under a
// (partition, sort key) pair with range scans in lexicographic sort order.
//
// All user data that goes through these interfaces is encrypted by the
// layers above; backends only ever see ciphertext.
package storage

import "context"

// BlobItem describes one entry of a blob listing.
type BlobItem struct {
	Key  string
	Size int64
}

// RowItem is one row of the sortable KV store.
type RowItem struct {
	Partition string
	Sort      string
	Value     []byte
}

// BlobStore is the blob half of the backend.
//
// BlobList iterations are snapshot-at-time: the listing is not restartable
// and concurrent writes may or may not be observed.
type BlobStore interface {
	BlobGet(ctx context.Context, key string) ([]byte, error)
	BlobPut(ctx context.Context, key string, value []byte) error
	BlobDelete(ctx context.Context, key string) error
	BlobCopy(ctx context.Context, src, dst string) error
	BlobList(ctx context.Context, prefix string) ([]BlobItem, error)
}

// RowStore is the sortable KV half of the backend.
//
// Sort keys order lexicographically; range bounds are [lo, hi) with the
// empty string meaning unbounded.
type RowStore interface {
	// RowInsert adds a row. The sort key must be unique within the
	// partition; an existing row yields common.ErrConflict.
	RowInsert(ctx context.Context, partition, sort string, value []byte) error

	// RowGet fetches a single row, or common.ErrNotFound.
	RowGet(ctx context.Context, partition, sort string) (RowItem, error)

	// RowRange returns up to limit rows with lo <= sort < hi in sort
	// order. limit <= 0 means no limit.
	RowRange(ctx context.Context, partition, lo, hi string, limit int) ([]RowItem, error)

	RowDelete(ctx context.Context, partition, sort string) error

	// RowDeleteRange removes every row with lo <= sort < hi.
	RowDeleteRange(ctx context.Context, partition, lo, hi string) error

	// RowPollNew blocks until some row with sort > after may exist, then
	// returns the rows it found. It may return early with no rows;
	// callers must treat an empty result as a spurious wakeup and poll
	// again.
	RowPollNew(ctx context.Context, partition, after string) ([]RowItem, error)

	// RowCAS writes value under (partition, sort) only if the current
	// value equals expected; expected == nil means the row must not
	// exist yet. Mismatch yields common.ErrConflict. Used only by the
	// key vault for its salt/public rows.
	RowCAS(ctx context.Context, partition, sort string, expected, value []byte) error
}

// Store bundles the two halves scoped to a single user: one bucket, one
// partition namespace.
type Store interface {
	BlobStore
	RowStore
}
