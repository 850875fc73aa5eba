package oplog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

// every keepStateEvery applied rows, the resulting state is memoized in the
// history so that rewinds don't have to replay from the checkpoint
const keepStateEvery = 64

// op payloads whose sealed (compressed, then encrypted) size is above this
// move to the blob store, with only a pointer left in the KV row
const remoteThreshold = 1024

const remotePrefix = "REMOTE("

// insert attempts before giving up on a Push
const pushAttempts = 5

// bootstrapDeadline bounds the first Sync of a path.
const bootstrapDeadline = 60 * time.Second

// CheckpointPolicy controls when checkpoints are taken and how much history
// is retained.
type CheckpointPolicy struct {
	// A checkpoint is not made earlier than Interval after the last one,
	// and only covers operations at least Interval old. The hypothesis is
	// that processes communicate through storage in times that are small
	// compared to Interval: an operation saved within the last Interval
	// is either readable by now or definitely lost.
	Interval time.Duration

	// Minimum number of checkpointable operations.
	MinOps int

	// Keep at least this many checkpoints to avoid races between
	// processes checkpointing and processes syncing.
	Keep int
}

func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{
		Interval: 6 * time.Hour,
		MinOps:   16,
		Keep:     3,
	}
}

// histEntry is one applied log row: its timestamp, the operations it
// carried (several when the writer batched), and optionally the memoized
// state that resulted from applying it.
type histEntry[S, O any] struct {
	ts    Timestamp
	ops   []O
	state *S
}

// Log materializes a state of type S from the log at one path. It is
// parameterized by the empty seed and a pure apply function: applying equal
// op sequences to equal states must yield equal states, and apply must not
// mutate its input.
//
// Log is not safe for concurrent use; the owner (one per path, per-path
// serialization) must serialize access.
type Log[S, O any] struct {
	store storage.Store
	path  string
	key   []byte
	log   logging.Logger

	empty func() S
	apply func(S, O) S

	policy CheckpointPolicy

	checkpointTs    Timestamp
	checkpointState S
	history         []histEntry[S, O]

	lastSync          time.Time
	lastTryCheckpoint time.Time
}

// New creates an engine for path. No I/O happens until Bootstrap or Sync.
func New[S, O any](store storage.Store, path string, key []byte, log logging.Logger, empty func() S, apply func(S, O) S) *Log[S, O] {
	return &Log[S, O]{
		store:           store,
		path:            path,
		key:             key,
		log:             log.With("path", path),
		empty:           empty,
		apply:           apply,
		policy:          DefaultCheckpointPolicy(),
		checkpointState: empty(),
	}
}

// WithPolicy overrides the checkpoint policy.
func (b *Log[S, O]) WithPolicy(p CheckpointPolicy) *Log[S, O] {
	b.policy = p
	return b
}

// State returns the current materialized state. The returned value must be
// treated as immutable: it may share structure with states memoized in the
// history.
func (b *Log[S, O]) State() S {
	if n := len(b.history); n > 0 {
		return *b.history[n-1].state
	}
	return b.checkpointState
}

// LastTimestamp is the timestamp of the last applied log row.
func (b *Log[S, O]) LastTimestamp() Timestamp {
	if n := len(b.history); n > 0 {
		return b.history[n-1].ts
	}
	return b.checkpointTs
}

// Bootstrap performs the initial Sync under the bootstrap deadline,
// reporting ErrUnavailable on expiry.
func (b *Log[S, O]) Bootstrap(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, bootstrapDeadline)
	defer cancel()
	err := b.Sync(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: bootstrap deadline exceeded", common.ErrUnavailable)
	}
	return err
}

// Sync re-reads the path from storage: newest checkpoint, then every log row
// from its cursor on. If rows below the locally known frontier appear (a
// concurrent writer landed in the past), the state is rewound to the last
// common point and replayed.
func (b *Log[S, O]) Sync(ctx context.Context) error {
	syncStarted := time.Now()

	// 1. Find and load the newest checkpoint, unless it is the one
	// already in use.
	checkpoints, err := b.listCheckpoints(ctx)
	if err != nil {
		return err
	}
	b.log.Debug(ctx, "sync: listed checkpoints", "count", len(checkpoints))

	if n := len(checkpoints); n > 0 {
		newest := checkpoints[n-1]
		if b.checkpointTs.Before(newest.ts) {
			blob, err := b.store.BlobGet(ctx, newest.key)
			if err != nil {
				return fmt.Errorf("loading checkpoint %s: %w", newest.key, err)
			}
			state := b.empty()
			if err := cryptox.OpenJSON(blob, b.key, &state); err != nil {
				return fmt.Errorf("checkpoint %s: %w", newest.key, err)
			}
			b.checkpointTs = newest.ts
			b.checkpointState = state
			b.log.Debug(ctx, "sync: loaded checkpoint", "cursor", newest.ts.String())
		} else if newest.ts.Before(b.checkpointTs) {
			return fmt.Errorf("%w: in-memory checkpoint is newer than any stored one", common.ErrCorrupt)
		}
	}

	// Drop history from before the checkpoint cursor.
	for len(b.history) > 0 && b.history[0].ts.Before(b.checkpointTs) {
		b.history = b.history[1:]
	}

	// 2. List all log rows starting at the cursor.
	rows, err := b.store.RowRange(ctx, b.path, b.checkpointTs.String(), "", 0)
	if err != nil {
		return err
	}

	type tsOps struct {
		ts  Timestamp
		ops []O
	}
	entries := make([]tsOps, 0, len(rows))
	for _, row := range rows {
		ts, err := ParseTimestamp(row.Sort)
		if err != nil {
			return fmt.Errorf("%w: bad op row key %q", common.ErrCorrupt, row.Sort)
		}
		ops, err := b.decodeOps(ctx, ts, row.Value)
		if err != nil {
			return err
		}
		entries = append(entries, tsOps{ts: ts, ops: ops})
	}

	if len(entries) < len(b.history) {
		return fmt.Errorf("%w: operations have disappeared from storage", common.ErrCorrupt)
	}
	if !b.checkpointTs.IsZero() && len(entries) > 0 && entries[0].ts != b.checkpointTs {
		return fmt.Errorf("%w: first operation does not match checkpoint cursor", common.ErrCorrupt)
	}

	// 3. Find where the stored log and our history diverge, rewind to
	// there, replay the rest. Rows before the divergence are assumed
	// unchanged in storage.
	shared := 0
	for shared < len(b.history) && shared < len(entries) && b.history[shared].ts == entries[shared].ts {
		shared++
	}

	if len(entries) > shared {
		b.history = b.history[:shared]

		// last memoized state at or before the divergence point
		base := b.checkpointState
		from := 0
		for i := len(b.history) - 1; i >= 0; i-- {
			if b.history[i].state != nil {
				base = *b.history[i].state
				from = i + 1
				break
			}
		}
		state := base
		for _, h := range b.history[from:] {
			for _, op := range h.ops {
				state = b.apply(state, op)
			}
		}

		for _, e := range entries[shared:] {
			for _, op := range e.ops {
				state = b.apply(state, op)
			}
			he := histEntry[S, O]{ts: e.ts, ops: e.ops}
			if (len(b.history)+1)%keepStateEvery == 0 {
				s := state
				he.state = &s
			}
			b.history = append(b.history, he)
		}

		// final state is always memoized
		s := state
		b.history[len(b.history)-1].state = &s
	}

	b.lastSync = syncStarted
	return nil
}

// OpportunisticSync syncs only if the last sync is old enough to matter.
func (b *Log[S, O]) OpportunisticSync(ctx context.Context) error {
	if b.lastSync.IsZero() || time.Since(b.lastSync) > b.policy.Interval/5 {
		return b.Sync(ctx)
	}
	return nil
}

// Push persists one operation and applies it locally.
func (b *Log[S, O]) Push(ctx context.Context, op O) error {
	return b.PushBatch(ctx, []O{op})
}

// PushBatch persists several operations emitted atomically as a single log
// row; they share one timestamp and are applied in slice order. Use this for
// bulk deletions to avoid row explosion.
func (b *Log[S, O]) PushBatch(ctx context.Context, ops []O) error {
	if len(ops) == 0 {
		return nil
	}

	sealed, err := cryptox.SealJSON(ops, b.key)
	if err != nil {
		return err
	}

	var ts Timestamp
	backoff := 250 * time.Millisecond
	for attempt := 0; ; attempt++ {
		// fresh timestamp on every attempt: a conflict means the slot
		// is taken, and after a transient error the previous write may
		// still land later
		ts = After(b.LastTimestamp())

		value := sealed
		if len(sealed) > remoteThreshold {
			blobKey := b.opBlobKey(ts)
			if err := b.store.BlobPut(ctx, blobKey, sealed); err != nil {
				return err
			}
			value = []byte(remotePrefix + blobKey + ")")
		}

		err = b.store.RowInsert(ctx, b.path, ts.String(), value)
		if err == nil {
			break
		}
		if attempt+1 >= pushAttempts {
			if errors.Is(err, common.ErrTransient) {
				return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
			}
			return err
		}
		if errors.Is(err, common.ErrConflict) {
			continue
		}
		if errors.Is(err, common.ErrTransient) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}
		return err
	}

	// Apply locally. ts was taken after our frontier, so no rewind is
	// needed here; concurrent writers are absorbed by the next Sync.
	state := b.State()
	for _, op := range ops {
		state = b.apply(state, op)
	}
	he := histEntry[S, O]{ts: ts, ops: ops}
	s := state
	he.state = &s
	b.history = append(b.history, he)

	// un-memoize the previous entry unless it falls on a keep boundary
	if n := len(b.history); n >= 2 && (n-1)%keepStateEvery != 0 {
		b.history[n-2].state = nil
	}

	if err := b.Checkpoint(ctx); err != nil {
		b.log.Warn(ctx, "checkpoint after push failed", "err", err)
	}
	return nil
}

// Checkpoint writes a new checkpoint if the previous one is old enough,
// then garbage-collects superseded checkpoints and log rows. Rate-limited;
// cheap to call often.
func (b *Log[S, O]) Checkpoint(ctx context.Context) error {
	if !b.lastTryCheckpoint.IsZero() && time.Since(b.lastTryCheckpoint) < b.policy.Interval/5 {
		return nil
	}
	err := b.checkpointInternal(ctx)
	if err == nil {
		b.lastTryCheckpoint = time.Now()
	}
	return err
}

func (b *Log[S, O]) checkpointInternal(ctx context.Context) error {
	if err := b.Sync(ctx); err != nil {
		return err
	}

	// Find the most recent history index whose row is at least Interval
	// old; everything before it is checkpointable.
	now := time.Now().UnixMilli()
	iCp := -1
	for i := len(b.history) - 1; i >= 0; i-- {
		if now-int64(b.history[i].ts.Msec) >= b.policy.Interval.Milliseconds() {
			iCp = i
			break
		}
	}
	if iCp < 0 {
		b.log.Debug(ctx, "checkpoint: oldest operation too recent")
		return nil
	}
	if iCp < b.policy.MinOps {
		b.log.Debug(ctx, "checkpoint: not enough old operations", "count", iCp)
		return nil
	}

	tsCp := b.history[iCp].ts

	existing, err := b.listCheckpoints(ctx)
	if err != nil {
		return err
	}
	if n := len(existing); n > 0 {
		age := int64(tsCp.Msec) - int64(existing[n-1].ts.Msec)
		if age < b.policy.Interval.Milliseconds() {
			b.log.Debug(ctx, "checkpoint: last checkpoint too recent", "cursor", existing[n-1].ts.String())
			return nil
		}
	}

	// State right before history[iCp]: tsCp is the cursor of the first
	// operation NOT included.
	base := b.checkpointState
	from := 0
	for i := 0; i < iCp; i++ {
		if b.history[i].state != nil {
			base = *b.history[i].state
			from = i + 1
		}
	}
	state := base
	for _, h := range b.history[from:iCp] {
		for _, op := range h.ops {
			state = b.apply(state, op)
		}
	}

	blob, err := cryptox.SealJSON(state, b.key)
	if err != nil {
		return err
	}
	key := b.checkpointBlobKey(tsCp)
	b.log.Debug(ctx, "checkpoint: saving", "cursor", tsCp.String(), "bytes", len(blob))
	if err := b.store.BlobPut(ctx, key, blob); err != nil {
		return err
	}

	// Garbage collection: drop checkpoints beyond Keep, then the log rows
	// and externalized op blobs they superseded.
	if keep := b.policy.Keep; keep >= 2 && len(existing)+1 > keep {
		lastToKeep := len(existing) + 1 - keep
		for _, cp := range existing[:lastToKeep] {
			b.log.Debug(ctx, "checkpoint: dropping old checkpoint", "key", cp.key)
			if err := b.store.BlobDelete(ctx, cp.key); err != nil {
				return err
			}
		}
		horizon := existing[lastToKeep].ts
		if err := b.store.RowDeleteRange(ctx, b.path, "", horizon.String()); err != nil {
			return err
		}
		if err := b.sweepOpBlobs(ctx, horizon); err != nil {
			return err
		}
	}

	return nil
}

// sweepOpBlobs removes externalized op bodies older than horizon. This also
// catches danglers from crashed writers (blob written, row insert never
// landed): they are deleted once old enough that no row can still appear.
func (b *Log[S, O]) sweepOpBlobs(ctx context.Context, horizon Timestamp) error {
	prefix := b.path + "/op/"
	items, err := b.store.BlobList(ctx, prefix)
	if err != nil {
		return err
	}
	for _, it := range items {
		ts, err := ParseTimestamp(strings.TrimPrefix(it.Key, prefix))
		if err != nil {
			continue
		}
		if ts.Before(horizon) {
			if err := b.store.BlobDelete(ctx, it.Key); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- internal ----

type checkpointRef struct {
	ts  Timestamp
	key string
}

func (b *Log[S, O]) listCheckpoints(ctx context.Context) ([]checkpointRef, error) {
	prefix := b.path + "/checkpoint/"
	items, err := b.store.BlobList(ctx, prefix)
	if err != nil {
		return nil, err
	}
	refs := make([]checkpointRef, 0, len(items))
	for _, it := range items {
		ts, err := ParseTimestamp(strings.TrimPrefix(it.Key, prefix))
		if err != nil {
			continue
		}
		refs = append(refs, checkpointRef{ts: ts, key: it.Key})
	}
	// BlobList returns keys in lexicographic order, which for hex
	// timestamps is already chronological.
	return refs, nil
}

func (b *Log[S, O]) decodeOps(ctx context.Context, ts Timestamp, value []byte) ([]O, error) {
	sealed := value
	if v := string(value); strings.HasPrefix(v, remotePrefix) && strings.HasSuffix(v, ")") {
		blobKey := v[len(remotePrefix) : len(v)-1]
		blob, err := b.store.BlobGet(ctx, blobKey)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return nil, fmt.Errorf("%w: remote op body %s missing", common.ErrCorrupt, blobKey)
			}
			return nil, err
		}
		sealed = blob
	}
	var ops []O
	if err := cryptox.OpenJSON(sealed, b.key, &ops); err != nil {
		return nil, fmt.Errorf("op %s: %w", ts.String(), err)
	}
	return ops, nil
}

func (b *Log[S, O]) opBlobKey(ts Timestamp) string {
	return b.path + "/op/" + ts.String()
}

func (b *Log[S, O]) checkpointBlobKey(ts Timestamp) string {
	return b.path + "/checkpoint/" + ts.String()
}
