package mail

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/oplog"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
	"github.com/dmitrijs2005/mailkeeper/internal/uidindex"
)

func indexPath(id uuid.UUID) string {
	return "index/" + id.String()
}

func mailBlobKey(id uuid.UUID) string {
	return "mail/" + id.String()
}

func metaBlobKey(id uuid.UUID) string {
	return "mail_meta/" + id.String()
}

func incomingBlobKey(id uuid.UUID) string {
	return "incoming/" + id.String()
}

// MailMeta is the plaintext summary a front-end needs to answer ENVELOPE
// and BODYSTRUCTURE-ish queries without pulling the full body. It is stored
// as a sidecar blob sealed with the master key, while the body itself is
// sealed to the user's public key.
type MailMeta struct {
	// milliseconds since epoch, the IMAP INTERNALDATE
	InternalDate int64 `json:"internaldate"`
	// the raw header block of the message
	Headers []byte `json:"headers"`
	// RFC822.SIZE
	RFC822Size int `json:"rfc822_size"`
}

// Mailbox is the per-session handle on one mailbox. All state mutations go
// through the underlying log engine; the handle only adds locking and the
// blob bookkeeping around it.
type Mailbox struct {
	ID uuid.UUID

	mu sync.RWMutex
	mb *mailboxInternal
}

type mailboxInternal struct {
	id    uuid.UUID
	keys  *cryptox.Keys
	store storage.Store
	log   logging.Logger

	uidIndex *oplog.Log[uidindex.State, uidindex.Op]
}

// OpenMailbox bootstraps the mailbox's index from storage. If the stored
// UIDVALIDITY is below minUIDValidity (the namespace's floor), it is bumped
// immediately so stale clients resync.
func OpenMailbox(ctx context.Context, store storage.Store, keys *cryptox.Keys, id uuid.UUID, minUIDValidity uint32, log logging.Logger) (*Mailbox, error) {
	if !keys.CanRead() {
		return nil, common.ErrPermissionDenied
	}

	idx := oplog.New(store, indexPath(id), keys.Master, log, uidindex.Empty, uidindex.Apply)
	if err := idx.Bootstrap(ctx); err != nil {
		return nil, err
	}

	if uv := idx.State().UIDValidity; uv < minUIDValidity {
		op := idx.State().OpBumpUIDValidity(minUIDValidity - uv)
		if err := idx.Push(ctx, op); err != nil {
			return nil, err
		}
	}

	return &Mailbox{
		ID: id,
		mb: &mailboxInternal{
			id:       id,
			keys:     keys,
			store:    store,
			log:      log.With("mailbox", id.String()),
			uidIndex: idx,
		},
	}, nil
}

// ForceSync re-reads the index from storage.
func (m *Mailbox) ForceSync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.uidIndex.Sync(ctx)
}

// OpportunisticSync syncs only when changes are likely (stale local view).
func (m *Mailbox) OpportunisticSync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.uidIndex.OpportunisticSync(ctx)
}

// AwaitChange blocks until new log rows may exist beyond the local
// frontier, then syncs. Wakeups can be spurious (the extra sync is
// harmless); cancel ctx to stop waiting. This is the refresh path an IDLE
// front-end sits on.
func (m *Mailbox) AwaitChange(ctx context.Context) error {
	m.mu.RLock()
	store := m.mb.store
	after := m.mb.uidIndex.LastTimestamp().String()
	m.mu.RUnlock()

	if _, err := store.RowPollNew(ctx, indexPath(m.ID), after); err != nil {
		return err
	}
	return m.ForceSync(ctx)
}

// CurrentState returns a snapshot of the UID index. Snapshots are immutable;
// concurrent writes produce new states and never touch handed-out ones.
func (m *Mailbox) CurrentState() uidindex.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mb.uidIndex.State()
}

// FetchMeta loads the summaries of the given messages.
func (m *Mailbox) FetchMeta(ctx context.Context, ids []uuid.UUID) ([]MailMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mb.fetchMeta(ctx, ids)
}

// FetchFull loads and decrypts one message body.
func (m *Mailbox) FetchFull(ctx context.Context, id uuid.UUID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mb.fetchFull(ctx, id)
}

// AddFlags adds flags to a message.
func (m *Mailbox) AddFlags(ctx context.Context, id uuid.UUID, flags []uidindex.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.mb.uidIndex.State().OpFlagAdd(id, flags)
	return m.mb.uidIndex.Push(ctx, op)
}

// DelFlags removes flags from a message.
func (m *Mailbox) DelFlags(ctx context.Context, id uuid.UUID, flags []uidindex.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.mb.uidIndex.State().OpFlagDel(id, flags)
	return m.mb.uidIndex.Push(ctx, op)
}

// SetFlags replaces the flag set of a message.
func (m *Mailbox) SetFlags(ctx context.Context, id uuid.UUID, flags []uidindex.Flag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op := m.mb.uidIndex.State().OpFlagSet(id, flags)
	return m.mb.uidIndex.Push(ctx, op)
}

// Append inserts a new message into the mailbox and returns the UIDVALIDITY
// and UID under which it was filed.
func (m *Mailbox) Append(ctx context.Context, raw []byte, flags []uidindex.Flag) (uint32, uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.append(ctx, raw, flags)
}

// IngestDeposited files an already-deposited message (body blob sitting at
// incoming/<id>) into this mailbox under its existing identifier. plain is
// the decrypted body, needed for the summary sidecar.
func (m *Mailbox) IngestDeposited(ctx context.Context, id uuid.UUID, plain []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.ingestDeposited(ctx, id, plain)
}

// Delete removes a message definitively.
func (m *Mailbox) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.delete(ctx, id)
}

// ExpungeBatch removes several messages as one log row.
func (m *Mailbox) ExpungeBatch(ctx context.Context, ids []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mb.expungeBatch(ctx, ids)
}

// CopyTo copies a message into another mailbox of the same account, under a
// fresh identifier (so the two copies live independent lives).
func (m *Mailbox) CopyTo(ctx context.Context, dst *Mailbox, id uuid.UUID) (uuid.UUID, error) {
	if m.ID == dst.ID {
		return uuid.Nil, fmt.Errorf("cannot copy into the same mailbox")
	}
	lockPair(m, dst)
	defer unlockPair(m, dst)
	return m.mb.copyTo(ctx, dst.mb, id)
}

// MoveTo moves a message into another mailbox, keeping its identifier.
func (m *Mailbox) MoveTo(ctx context.Context, dst *Mailbox, id uuid.UUID) error {
	if m.ID == dst.ID {
		return fmt.Errorf("cannot move into the same mailbox")
	}
	lockPair(m, dst)
	defer unlockPair(m, dst)
	if err := dst.mb.adopt(ctx, m.mb, id, id); err != nil {
		return err
	}
	// Only the index entry goes: the body and sidecar blobs are keyed by
	// the identifier, which the destination now owns.
	return m.mb.unfile(ctx, id)
}

// Two-mailbox operations lock in id order to avoid deadlocks.
func lockPair(a, b *Mailbox) {
	if bytes.Compare(a.ID[:], b.ID[:]) < 0 {
		a.mu.Lock()
		b.mu.Lock()
	} else {
		b.mu.Lock()
		a.mu.Lock()
	}
}

func unlockPair(a, b *Mailbox) {
	a.mu.Unlock()
	b.mu.Unlock()
}

// ---- internal ----

func (mb *mailboxInternal) fetchMeta(ctx context.Context, ids []uuid.UUID) ([]MailMeta, error) {
	metas := make([]MailMeta, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			blob, err := mb.store.BlobGet(gctx, metaBlobKey(id))
			if err != nil {
				return fmt.Errorf("meta %s: %w", id, err)
			}
			return cryptox.OpenJSON(blob, mb.keys.Master, &metas[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return metas, nil
}

func (mb *mailboxInternal) fetchFull(ctx context.Context, id uuid.UUID) ([]byte, error) {
	blob, err := mb.store.BlobGet(ctx, mailBlobKey(id))
	if err != nil {
		return nil, err
	}
	return cryptox.OpenBox(blob, mb.keys.Public, mb.keys.Secret)
}

func (mb *mailboxInternal) append(ctx context.Context, raw []byte, flags []uidindex.Flag) (uint32, uint32, error) {
	id := uuid.New()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sealed, err := cryptox.SealBox(raw, mb.keys.Public)
		if err != nil {
			return err
		}
		return mb.store.BlobPut(gctx, mailBlobKey(id), sealed)
	})
	g.Go(func() error {
		return mb.putMeta(gctx, id, raw)
	})
	g.Go(func() error {
		return mb.uidIndex.OpportunisticSync(gctx)
	})
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	state := mb.uidIndex.State()
	op := state.OpMailAdd(id, flags)
	uidvalidity := state.UIDValidity
	uid := op.UID

	if err := mb.uidIndex.Push(ctx, op); err != nil {
		return 0, 0, err
	}
	return uidvalidity, uid, nil
}

func (mb *mailboxInternal) ingestDeposited(ctx context.Context, id uuid.UUID, plain []byte) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mb.store.BlobCopy(gctx, incomingBlobKey(id), mailBlobKey(id))
	})
	g.Go(func() error {
		return mb.putMeta(gctx, id, plain)
	})
	g.Go(func() error {
		return mb.uidIndex.OpportunisticSync(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	op := mb.uidIndex.State().OpMailAdd(id, []uidindex.Flag{uidindex.RecentFlag})
	return mb.uidIndex.Push(ctx, op)
}

func (mb *mailboxInternal) putMeta(ctx context.Context, id uuid.UUID, raw []byte) error {
	meta := MailMeta{
		InternalDate: time.Now().UnixMilli(),
		Headers:      headerBlock(raw),
		RFC822Size:   len(raw),
	}
	sealed, err := cryptox.SealJSON(meta, mb.keys.Master)
	if err != nil {
		return err
	}
	return mb.store.BlobPut(ctx, metaBlobKey(id), sealed)
}

func (mb *mailboxInternal) delete(ctx context.Context, id uuid.UUID) error {
	state := mb.uidIndex.State()
	if _, ok := state.Table[id]; !ok {
		return fmt.Errorf("%w: no such message in mailbox", common.ErrNotFound)
	}

	if err := mb.uidIndex.Push(ctx, state.OpMailDel(id)); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return mb.store.BlobDelete(gctx, mailBlobKey(id))
	})
	g.Go(func() error {
		return mb.store.BlobDelete(gctx, metaBlobKey(id))
	})
	return g.Wait()
}

func (mb *mailboxInternal) unfile(ctx context.Context, id uuid.UUID) error {
	state := mb.uidIndex.State()
	if _, ok := state.Table[id]; !ok {
		return fmt.Errorf("%w: no such message in mailbox", common.ErrNotFound)
	}
	return mb.uidIndex.Push(ctx, state.OpMailDel(id))
}

func (mb *mailboxInternal) expungeBatch(ctx context.Context, ids []uuid.UUID) error {
	state := mb.uidIndex.State()
	ops := make([]uidindex.Op, 0, len(ids))
	live := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := state.Table[id]; ok {
			ops = append(ops, state.OpMailDel(id))
			live = append(live, id)
		}
	}
	if len(ops) == 0 {
		return nil
	}

	if err := mb.uidIndex.PushBatch(ctx, ops); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range live {
		g.Go(func() error {
			if err := mb.store.BlobDelete(gctx, mailBlobKey(id)); err != nil {
				return err
			}
			return mb.store.BlobDelete(gctx, metaBlobKey(id))
		})
	}
	return g.Wait()
}

func (mb *mailboxInternal) copyTo(ctx context.Context, dst *mailboxInternal, id uuid.UUID) (uuid.UUID, error) {
	newID := uuid.New()
	if err := dst.adopt(ctx, mb, id, newID); err != nil {
		return uuid.Nil, err
	}
	return newID, nil
}

// adopt copies the blobs of (src, srcID) under dstID and registers the
// message here, carrying its flags over.
func (mb *mailboxInternal) adopt(ctx context.Context, src *mailboxInternal, srcID, dstID uuid.UUID) error {
	flags, ok := src.uidIndex.State().FlagsOf(srcID)
	if !ok {
		return fmt.Errorf("%w: source message not found", common.ErrNotFound)
	}

	g, gctx := errgroup.WithContext(ctx)
	if srcID != dstID {
		g.Go(func() error {
			return mb.store.BlobCopy(gctx, mailBlobKey(srcID), mailBlobKey(dstID))
		})
		g.Go(func() error {
			return mb.store.BlobCopy(gctx, metaBlobKey(srcID), metaBlobKey(dstID))
		})
	}
	g.Go(func() error {
		return mb.uidIndex.OpportunisticSync(gctx)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	op := mb.uidIndex.State().OpMailAdd(dstID, flags)
	return mb.uidIndex.Push(ctx, op)
}

// headerBlock returns the header section of an RFC822 message: everything
// up to and including the first empty line.
func headerBlock(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+4]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+2]
	}
	return raw
}
