package mail

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/oplog"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

const (
	incomingPartition = "incoming"

	// the leader lock lives in its own partition so that it never shows
	// up in deposit-notification scans
	incomingLockPartition = "incoming_lock"
	incomingLockSort      = "lock"

	// a message that fails to move this many times is skipped for the
	// rest of the session and retained in incoming/ for inspection
	moveAttempts = 3

	// how long the watcher backs off after a failure
	watcherBackoff = 30 * time.Second

	// leader lease duration; renewed at a third of it
	lockDuration = 5 * time.Minute
)

// Depositor is the deposit-only capability handed to the LMTP path. It
// holds the user's public key and nothing else: it can file mail into the
// staging area but cannot read any state.
type Depositor struct {
	store storage.Store
	keys  *cryptox.Keys
}

// NewDepositor builds the capability from public-only key material.
func NewDepositor(store storage.Store, keys *cryptox.Keys) (*Depositor, error) {
	if keys == nil || len(keys.Public) != cryptox.KeySize {
		return nil, common.ErrPermissionDenied
	}
	return &Depositor{store: store, keys: &cryptox.Keys{Public: keys.Public}}, nil
}

// Deposit seals a raw message to the user's public key, writes it to the
// staging area and leaves a notification row for the incoming watcher.
func (d *Depositor) Deposit(ctx context.Context, raw []byte) (uuid.UUID, error) {
	id := uuid.New()

	sealed, err := cryptox.SealBox(raw, d.keys.Public)
	if err != nil {
		return uuid.Nil, err
	}
	if err := d.store.BlobPut(ctx, incomingBlobKey(id), sealed); err != nil {
		return uuid.Nil, err
	}

	for {
		ts := oplog.Now()
		err := d.store.RowInsert(ctx, incomingPartition, ts.String(), []byte(id.String()))
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, common.ErrConflict) {
			return uuid.Nil, err
		}
	}
}

// Watcher is the per-user background task bridging the staging area into
// the INBOX index. One instance runs per logged-in user; a best-effort
// leader lock in the KV store keeps concurrent sessions from racing over
// the same messages (no hard lease: losing the race is harmless, moving a
// message is idempotent up to a UIDVALIDITY bump).
type Watcher struct {
	user  *User
	store storage.Store
	log   logging.Logger

	pid      uuid.UUID
	cursor   string
	attempts map[string]int
}

func newWatcher(user *User, store storage.Store, log logging.Logger) *Watcher {
	return &Watcher{
		user:     user,
		store:    store,
		log:      log.With("task", "incoming-watcher"),
		pid:      uuid.New(),
		attempts: map[string]int{},
	}
}

// Run polls the staging area until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info(ctx, "incoming watcher started")
	defer w.log.Info(ctx, "incoming watcher stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if !w.tryLock(ctx) {
			// someone else is the leader; check back later
			if !sleepCtx(ctx, lockDuration/3) {
				return
			}
			continue
		}

		rows, err := w.store.RowPollNew(ctx, incomingPartition, w.cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error(ctx, "poll failed", "err", err)
			if !sleepCtx(ctx, watcherBackoff) {
				return
			}
			continue
		}

		if !w.drain(ctx, rows) {
			if !sleepCtx(ctx, watcherBackoff) {
				return
			}
		}
	}
}

// drain processes one poll batch. It returns false when it stopped early on
// a retryable failure and wants a backoff before the next round.
func (w *Watcher) drain(ctx context.Context, rows []storage.RowItem) bool {
	for _, row := range rows {
		if row.Sort <= w.cursor {
			continue
		}
		if _, err := oplog.ParseTimestamp(row.Sort); err != nil {
			// not a deposit notification (its sort key is not a timestamp)
			w.cursor = row.Sort
			continue
		}

		id, err := uuid.Parse(string(row.Value))
		if err != nil {
			w.log.Warn(ctx, "malformed deposit row, skipping", "sort", row.Sort)
			w.cursor = row.Sort
			continue
		}

		if err := w.move(ctx, id); err != nil {
			if ctx.Err() != nil {
				return true
			}
			w.attempts[row.Sort]++
			if w.attempts[row.Sort] < moveAttempts {
				w.log.Warn(ctx, "moving incoming message failed, will retry",
					"id", id.String(), "attempt", w.attempts[row.Sort], "err", err)
				return false
			}
			// poisoned: skip for this session, keep the blob around
			w.log.Error(ctx, "moving incoming message failed repeatedly, retaining in staging",
				"id", id.String(), "err", err)
			delete(w.attempts, row.Sort)
			w.cursor = row.Sort
			continue
		}

		delete(w.attempts, row.Sort)
		if err := w.store.RowDelete(ctx, incomingPartition, row.Sort); err != nil {
			w.log.Warn(ctx, "deleting deposit row failed", "sort", row.Sort, "err", err)
		}
		w.cursor = row.Sort
	}
	return true
}

// move decrypts one staged message and files it into INBOX.
func (w *Watcher) move(ctx context.Context, id uuid.UUID) error {
	w.log.Info(ctx, "moving incoming message", "id", id.String())

	blob, err := w.store.BlobGet(ctx, incomingBlobKey(id))
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			// blob already gone (processed by a previous leader whose
			// row delete never landed); nothing to do
			return nil
		}
		return err
	}

	keys := w.user.Keys()
	plain, err := cryptox.OpenBox(blob, keys.Public, keys.Secret)
	if err != nil {
		return err
	}

	inbox, err := w.user.OpenMailbox(ctx, Inbox)
	if err != nil {
		return err
	}
	if err := inbox.IngestDeposited(ctx, id, plain); err != nil {
		return err
	}

	return w.store.BlobDelete(ctx, incomingBlobKey(id))
}

// tryLock acquires or renews the best-effort leader lock. The lock row
// holds an expiry timestamp and the holder's pid; an expired or missing row
// is up for grabs.
func (w *Watcher) tryLock(ctx context.Context) bool {
	now := uint64(time.Now().UnixMilli())

	row, err := w.store.RowGet(ctx, incomingLockPartition, incomingLockSort)
	switch {
	case err == nil:
		expiry, holder, ok := parseLock(row.Value)
		if ok && holder == w.pid {
			if now < expiry-uint64((2*lockDuration/3).Milliseconds()) {
				return true
			}
			// our lease needs renewing
		} else if ok && now < expiry {
			return false
		}
		// expired or unreadable: take it over
		if err := w.store.RowDelete(ctx, incomingLockPartition, incomingLockSort); err != nil {
			return false
		}
	case errors.Is(err, common.ErrNotFound):
		// free
	default:
		w.log.Warn(ctx, "reading leader lock failed", "err", err)
		return false
	}

	err = w.store.RowInsert(ctx, incomingLockPartition, incomingLockSort,
		makeLock(now+uint64(lockDuration.Milliseconds()), w.pid))
	if err != nil {
		if !errors.Is(err, common.ErrConflict) {
			w.log.Warn(ctx, "acquiring leader lock failed", "err", err)
		}
		return false
	}
	return true
}

// release drops the lock if we hold it. Best effort.
func (w *Watcher) release(ctx context.Context) {
	row, err := w.store.RowGet(ctx, incomingLockPartition, incomingLockSort)
	if err != nil {
		return
	}
	if _, holder, ok := parseLock(row.Value); ok && holder == w.pid {
		_ = w.store.RowDelete(ctx, incomingLockPartition, incomingLockSort)
	}
}

func makeLock(expiry uint64, pid uuid.UUID) []byte {
	v := make([]byte, 8+16)
	binary.BigEndian.PutUint64(v[:8], expiry)
	copy(v[8:], pid[:])
	return v
}

func parseLock(v []byte) (expiry uint64, pid uuid.UUID, ok bool) {
	if len(v) != 8+16 {
		return 0, uuid.Nil, false
	}
	copy(pid[:], v[8:])
	return binary.BigEndian.Uint64(v[:8]), pid, true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
