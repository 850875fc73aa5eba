package oplog

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

// listState is a minimal state for engine tests: an append-only journal of
// strings. Equal op sets in equal order must produce equal journals.
type listState struct {
	Items []string `json:"items"`
}

func emptyList() listState {
	return listState{}
}

func applyList(s listState, op string) listState {
	items := make([]string, 0, len(s.Items)+1)
	items = append(items, s.Items...)
	items = append(items, op)
	return listState{Items: items}
}

func newTestLog(store storage.Store, key []byte) *Log[listState, string] {
	return New(store, "index/test", key, logging.Nop(), emptyList, applyList)
}

func TestPushAndState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b := newTestLog(store, key)
	require.NoError(t, b.Bootstrap(ctx))

	require.NoError(t, b.Push(ctx, "a"))
	require.NoError(t, b.Push(ctx, "b"))
	require.NoError(t, b.Push(ctx, "c"))

	assert.Equal(t, []string{"a", "b", "c"}, b.State().Items)
	assert.False(t, b.LastTimestamp().IsZero())
}

func TestOpsAreEncryptedAtRest(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	b := newTestLog(store, cryptox.GenKey())
	require.NoError(t, b.Bootstrap(ctx))
	require.NoError(t, b.Push(ctx, "very secret operation payload"))

	rows, err := store.RowRange(ctx, "index/test", "", "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotContains(t, string(rows[0].Value), "secret operation")
}

func TestFreshReplicaConverges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b1 := newTestLog(store, key)
	require.NoError(t, b1.Bootstrap(ctx))
	require.NoError(t, b1.Push(ctx, "a"))
	require.NoError(t, b1.Push(ctx, "b"))

	b2 := newTestLog(store, key)
	require.NoError(t, b2.Bootstrap(ctx))

	assert.Equal(t, b1.State().Items, b2.State().Items)
}

func TestConcurrentWritersConverge(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b1 := newTestLog(store, key)
	b2 := newTestLog(store, key)
	require.NoError(t, b1.Bootstrap(ctx))
	require.NoError(t, b2.Bootstrap(ctx))

	// interleaved writes; neither replica syncs between its own pushes,
	// so each is unaware of the other's rows
	require.NoError(t, b1.Push(ctx, "a1"))
	require.NoError(t, b2.Push(ctx, "b1"))
	require.NoError(t, b1.Push(ctx, "a2"))
	require.NoError(t, b2.Push(ctx, "b2"))

	require.NoError(t, b1.Sync(ctx))
	require.NoError(t, b2.Sync(ctx))

	require.Len(t, b1.State().Items, 4)
	assert.Equal(t, b1.State().Items, b2.State().Items)
}

func TestRewindAbsorbsPastWrites(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b1 := newTestLog(store, key)
	require.NoError(t, b1.Bootstrap(ctx))
	require.NoError(t, b1.Push(ctx, "a"))

	// a second writer lands a row with an older timestamp than b1's
	// frontier (simulated directly: timestamps order below b1's last)
	past := Timestamp{Msec: 1, Rand: 1}
	sealed, err := cryptox.SealJSON([]string{"z"}, key)
	require.NoError(t, err)
	require.NoError(t, store.RowInsert(ctx, "index/test", past.String(), sealed))

	require.NoError(t, b1.Sync(ctx))

	// the late-learned op sorts first
	assert.Equal(t, []string{"z", "a"}, b1.State().Items)
}

func TestCheckpointRestoreEquivalence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	policy := CheckpointPolicy{Interval: time.Millisecond, MinOps: 2, Keep: 2}

	b1 := newTestLog(store, key).WithPolicy(policy)
	require.NoError(t, b1.Bootstrap(ctx))
	for _, op := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b1.Push(ctx, op))
	}

	// age the ops past the (tiny) checkpoint interval, then checkpoint
	time.Sleep(5 * time.Millisecond)
	b1.lastTryCheckpoint = time.Time{}
	require.NoError(t, b1.Checkpoint(ctx))

	blobs, err := store.BlobList(ctx, "index/test/checkpoint/")
	require.NoError(t, err)
	require.NotEmpty(t, blobs)

	// a fresh replica starts from the checkpoint and replays the tail
	b2 := newTestLog(store, key).WithPolicy(policy)
	require.NoError(t, b2.Bootstrap(ctx))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, b2.State().Items)

	// and the checkpoint is usable even after more pushes
	require.NoError(t, b2.Push(ctx, "f"))
	require.NoError(t, b1.Sync(ctx))
	assert.Equal(t, b2.State().Items, b1.State().Items)
}

func TestCheckpointGarbageCollection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	policy := CheckpointPolicy{Interval: time.Millisecond, MinOps: 1, Keep: 2}

	b := newTestLog(store, key).WithPolicy(policy)
	require.NoError(t, b.Bootstrap(ctx))

	// build up several checkpoints
	for round := 0; round < 4; round++ {
		require.NoError(t, b.Push(ctx, "op"))
		time.Sleep(3 * time.Millisecond)
		b.lastTryCheckpoint = time.Time{}
		require.NoError(t, b.Checkpoint(ctx))
	}

	blobs, err := store.BlobList(ctx, "index/test/checkpoint/")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(blobs), policy.Keep)

	// rows below the oldest kept checkpoint are gone, and a fresh
	// replica still materializes the full state
	b2 := newTestLog(store, key).WithPolicy(policy)
	require.NoError(t, b2.Bootstrap(ctx))
	assert.Equal(t, b.State().Items, b2.State().Items)
}

func TestRemoteExternalization(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b := newTestLog(store, key)
	require.NoError(t, b.Bootstrap(ctx))

	// random content, so that compression cannot bring the sealed row
	// back under the threshold
	big := hex.EncodeToString(common.GenerateRandByteArray(2048))
	require.NoError(t, b.Push(ctx, big))

	rows, err := store.RowRange(ctx, "index/test", "", "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, strings.HasPrefix(string(rows[0].Value), "REMOTE("),
		"large op should be externalized, got %d-byte row", len(rows[0].Value))

	blobs, err := store.BlobList(ctx, "index/test/op/")
	require.NoError(t, err)
	assert.Len(t, blobs, 1)

	b2 := newTestLog(store, key)
	require.NoError(t, b2.Bootstrap(ctx))
	assert.Equal(t, []string{big}, b2.State().Items)
}

func TestPushBatchSharesOneRow(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	b := newTestLog(store, key)
	require.NoError(t, b.Bootstrap(ctx))
	require.NoError(t, b.PushBatch(ctx, []string{"a", "b", "c"}))

	rows, err := store.RowRange(ctx, "index/test", "", "", 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, []string{"a", "b", "c"}, b.State().Items)

	b2 := newTestLog(store, key)
	require.NoError(t, b2.Bootstrap(ctx))
	assert.Equal(t, b.State().Items, b2.State().Items)
}

func TestCorruptCheckpointSurfaces(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	key := cryptox.GenKey()

	ts := Now()
	require.NoError(t, store.BlobPut(ctx, "index/test/checkpoint/"+ts.String(), []byte("garbage")))

	b := newTestLog(store, key)
	err := b.Bootstrap(ctx)
	require.Error(t, err)
}
