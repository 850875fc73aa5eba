package mail

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
	"github.com/dmitrijs2005/mailkeeper/internal/cryptox"
	"github.com/dmitrijs2005/mailkeeper/internal/logging"
	"github.com/dmitrijs2005/mailkeeper/internal/oplog"
	"github.com/dmitrijs2005/mailkeeper/internal/storage"
)

// User is the per-account handle an authenticated session works through:
// the mailbox namespace, cached mailbox handles, and the incoming watcher.
type User struct {
	Username string

	keys  *cryptox.Keys
	store storage.Store
	log   logging.Logger

	mu        sync.Mutex
	list      *oplog.Log[ListState, ListOp]
	mailboxes map[uuid.UUID]*Mailbox

	watcher     *Watcher
	stopWatcher context.CancelFunc
	watcherDone chan struct{}
}

// OpenUser bootstraps the namespace, makes sure the default mailboxes
// exist, and starts the incoming watcher.
func OpenUser(ctx context.Context, username string, keys *cryptox.Keys, store storage.Store, log logging.Logger) (*User, error) {
	if !keys.CanRead() {
		return nil, common.ErrPermissionDenied
	}

	log = log.With("user", username)
	u := &User{
		Username:  username,
		keys:      keys,
		store:     store,
		log:       log,
		list:      oplog.New(store, ListPath, keys.Master, log, EmptyListState, ApplyList),
		mailboxes: map[uuid.UUID]*Mailbox{},
	}

	if err := u.list.Bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := u.ensureDefaultMailboxes(ctx); err != nil {
		return nil, err
	}

	u.watcher = newWatcher(u, store, log)
	wctx, cancel := context.WithCancel(context.Background())
	u.stopWatcher = cancel
	u.watcherDone = make(chan struct{})
	go func() {
		defer close(u.watcherDone)
		u.watcher.Run(wctx)
		u.watcher.release(context.Background())
	}()

	return u, nil
}

// Keys exposes the user's key material to the components owned by this
// handle (the watcher needs the secret half).
func (u *User) Keys() *cryptox.Keys {
	return u.keys
}

// Close stops the watcher. Key wiping is the session's job, after Close
// returns.
func (u *User) Close() {
	if u.stopWatcher != nil {
		u.stopWatcher()
		<-u.watcherDone
	}
}

// ListMailboxes returns the live mailbox names.
func (u *User) ListMailboxes(ctx context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.list.OpportunisticSync(ctx); err != nil {
		return nil, err
	}
	return u.list.State().Names(), nil
}

// HasMailbox reports whether name exists.
func (u *User) HasMailbox(ctx context.Context, name string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.list.OpportunisticSync(ctx); err != nil {
		return false, err
	}
	return u.list.State().Has(name), nil
}

// OpenMailbox opens an existing mailbox by IMAP name.
func (u *User) OpenMailbox(ctx context.Context, name string) (*Mailbox, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.list.OpportunisticSync(ctx); err != nil {
		return nil, err
	}
	id, floor := u.list.State().Get(name)
	if id == nil {
		return nil, fmt.Errorf("%w: mailbox %s", common.ErrNotFound, name)
	}

	mb, err := u.openMailboxByIDLocked(ctx, *id, floor)
	if err != nil {
		return nil, err
	}

	// If the mailbox learned a higher UIDVALIDITY than the namespace
	// floor, raise the floor so future opens start there.
	if uv := mb.CurrentState().UIDValidity; uv > floor {
		if err := u.list.Push(ctx, u.list.State().OpBumpTo(name, uv)); err != nil {
			return nil, err
		}
	}
	return mb, nil
}

func (u *User) openMailboxByIDLocked(ctx context.Context, id uuid.UUID, floor uint32) (*Mailbox, error) {
	if mb, ok := u.mailboxes[id]; ok {
		return mb, nil
	}
	mb, err := OpenMailbox(ctx, u.store, u.keys, id, floor, u.log)
	if err != nil {
		return nil, err
	}
	u.mailboxes[id] = mb
	return mb, nil
}

// CreateMailbox registers a new empty mailbox under name.
func (u *User) CreateMailbox(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.list.OpportunisticSync(ctx); err != nil {
		return err
	}
	state := u.list.State()
	if state.Has(name) {
		return fmt.Errorf("mailbox %s already exists", name)
	}
	op, _ := state.OpCreate(name)
	return u.list.Push(ctx, op)
}

// DeleteMailbox removes name from the namespace. INBOX cannot be deleted.
// Message blobs are kept until expunged through the index; the index rows
// themselves become unreachable garbage (no transactional multi-path
// deletion exists).
func (u *User) DeleteMailbox(ctx context.Context, name string) error {
	if name == Inbox {
		return fmt.Errorf("cannot delete %s", Inbox)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.list.OpportunisticSync(ctx); err != nil {
		return err
	}
	state := u.list.State()
	if !state.Has(name) {
		return fmt.Errorf("%w: mailbox %s", common.ErrNotFound, name)
	}
	return u.list.Push(ctx, state.OpDelete(name))
}

// RenameMailbox renames a mailbox and its children. Renaming INBOX moves
// the underlying mailbox to the new name and recreates an empty INBOX.
func (u *User) RenameMailbox(ctx context.Context, oldName, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if err := u.list.Sync(ctx); err != nil {
		return err
	}
	state := u.list.State()

	if oldName == Inbox {
		id, uv := state.Get(Inbox)
		if id == nil {
			return fmt.Errorf("%w: mailbox %s", common.ErrNotFound, Inbox)
		}
		if state.Has(newName) {
			return fmt.Errorf("mailbox %s already exists", newName)
		}
		attach := state.OpAttach(newName, *id, uv)
		recreate, _ := ApplyList(state, attach).OpCreate(Inbox)
		return u.list.PushBatch(ctx, []ListOp{attach, recreate})
	}

	oldPrefix := oldName + HierarchyDelimiter
	newPrefix := newName + HierarchyDelimiter

	names := state.Names()
	for _, n := range names {
		if n == newName || strings.HasPrefix(n, newPrefix) {
			return fmt.Errorf("mailbox %s already exists", newName)
		}
	}

	var ops []ListOp
	next := state
	renameOne := func(from, to string) error {
		id, uv := next.Get(from)
		if id == nil {
			return fmt.Errorf("%w: mailbox %s", common.ErrNotFound, from)
		}
		attach := next.OpAttach(to, *id, uv)
		next = ApplyList(next, attach)
		drop := next.OpDelete(from)
		next = ApplyList(next, drop)
		ops = append(ops, attach, drop)
		return nil
	}

	renamed := false
	for _, n := range names {
		if n == oldName {
			if err := renameOne(n, newName); err != nil {
				return err
			}
			renamed = true
		} else if tail, ok := strings.CutPrefix(n, oldPrefix); ok {
			if err := renameOne(n, newPrefix+tail); err != nil {
				return err
			}
			renamed = true
		}
	}
	if !renamed {
		return fmt.Errorf("%w: mailbox %s", common.ErrNotFound, oldName)
	}
	return u.list.PushBatch(ctx, ops)
}

func (u *User) ensureDefaultMailboxes(ctx context.Context) error {
	var ops []ListOp
	state := u.list.State()
	for _, name := range []string{Inbox, Drafts, Archive, Sent, Trash} {
		if !state.Has(name) {
			op, _ := state.OpCreate(name)
			state = ApplyList(state, op)
			ops = append(ops, op)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return u.list.PushBatch(ctx, ops)
}

func validateName(name string) error {
	if name == "" || strings.HasSuffix(name, HierarchyDelimiter) {
		return fmt.Errorf("invalid mailbox name: %q", name)
	}
	return nil
}
