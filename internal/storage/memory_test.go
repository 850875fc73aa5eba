package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
)

func TestMemStore_BlobBasics(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	_, err := m.BlobGet(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)

	require.NoError(t, m.BlobPut(ctx, "a/1", []byte("one")))
	require.NoError(t, m.BlobPut(ctx, "a/2", []byte("two")))
	require.NoError(t, m.BlobPut(ctx, "b/1", []byte("three")))

	v, err := m.BlobGet(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	items, err := m.BlobList(ctx, "a/")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a/1", items[0].Key)
	assert.Equal(t, int64(3), items[0].Size)

	require.NoError(t, m.BlobCopy(ctx, "a/1", "c/1"))
	v, err = m.BlobGet(ctx, "c/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), v)

	require.NoError(t, m.BlobDelete(ctx, "a/1"))
	_, err = m.BlobGet(ctx, "a/1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMemStore_RowInsertConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	require.NoError(t, m.RowInsert(ctx, "p", "k", []byte("v1")))
	err := m.RowInsert(ctx, "p", "k", []byte("v2"))
	assert.ErrorIs(t, err, common.ErrConflict)

	// the original value survives
	row, err := m.RowGet(ctx, "p", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), row.Value)
}

func TestMemStore_RowRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	for _, k := range []string{"b", "a", "d", "c"} {
		require.NoError(t, m.RowInsert(ctx, "p", k, []byte(k)))
	}

	items, err := m.RowRange(ctx, "p", "", "", 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, "a", items[0].Sort)
	assert.Equal(t, "d", items[3].Sort)

	items, err = m.RowRange(ctx, "p", "b", "d", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Sort)
	assert.Equal(t, "c", items[1].Sort)

	items, err = m.RowRange(ctx, "p", "", "", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestMemStore_RowDeleteRange(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, m.RowInsert(ctx, "p", k, []byte(k)))
	}
	require.NoError(t, m.RowDeleteRange(ctx, "p", "", "c"))

	items, err := m.RowRange(ctx, "p", "", "", 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].Sort)
}

func TestMemStore_RowPollNewWakesUp(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	done := make(chan []RowItem, 1)
	go func() {
		rows, err := m.RowPollNew(ctx, "p", "")
		if err == nil {
			done <- rows
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.RowInsert(ctx, "p", "k", []byte("v")))

	select {
	case rows := <-done:
		require.Len(t, rows, 1)
		assert.Equal(t, "k", rows[0].Sort)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not wake up")
	}
}

func TestMemStore_RowPollNewHonorsCursor(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m := NewMemStore()

	require.NoError(t, m.RowInsert(ctx, "p", "a", []byte("v")))

	// nothing after "a": the poll must not return the existing row
	rows, err := m.RowPollNew(ctx, "p", "a")
	assert.Error(t, err) // context deadline
	assert.Empty(t, rows)
}

func TestMemStore_RowCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	// create-only
	require.NoError(t, m.RowCAS(ctx, "p", "k", nil, []byte("v1")))
	assert.ErrorIs(t, m.RowCAS(ctx, "p", "k", nil, []byte("v2")), common.ErrConflict)

	// conditional update
	require.NoError(t, m.RowCAS(ctx, "p", "k", []byte("v1"), []byte("v2")))
	assert.ErrorIs(t, m.RowCAS(ctx, "p", "k", []byte("v1"), []byte("v3")), common.ErrConflict)

	row, err := m.RowGet(ctx, "p", "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), row.Value)
}

func TestMemDB_ScopesPerUser(t *testing.T) {
	ctx := context.Background()
	db := NewMemDB()

	require.NoError(t, db.Store("alice").BlobPut(ctx, "k", []byte("a")))

	_, err := db.Store("bob").BlobGet(ctx, "k")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// same user gets the same store back
	v, err := db.Store("alice").BlobGet(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), v)
}
