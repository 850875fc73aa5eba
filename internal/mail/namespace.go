// Package mail implements the user-facing mailbox layer on top of the log
// engine: the mailbox namespace, per-mailbox handles, message storage keyed
// by random identifiers, the credential-less deposit path and the incoming-mail
// watcher.
package mail

import (
	"sort"

	"github.com/google/uuid"
)

// HierarchyDelimiter separates mailbox name components.
const HierarchyDelimiter = "."

// Inbox is the only mailbox that must always exist. It is created
// automatically when the account is first opened. Renaming INBOX moves the
// underlying mailbox to the new name and recreates an empty INBOX.
const Inbox = "INBOX"

// Special-use mailboxes created for convenience (RFC 6154).
const (
	Drafts  = "Drafts"
	Archive = "Archive"
	Sent    = "Sent"
	Trash   = "Trash"
)

// ListPath is the log path of the mailbox list. The list itself is a
// log-managed state like any mailbox index.
const ListPath = "mailbox_list"

// ListEntry is the record of one mailbox name. A nil ID is a tombstone: the
// name has existed and its UIDVALIDITY floor must survive re-creation.
type ListEntry struct {
	ID          *uuid.UUID `json:"id"`
	UIDValidity uint32     `json:"uidvalidity"`
}

// ListState is the mailbox namespace state.
type ListState struct {
	Entries map[string]ListEntry `json:"entries"`
}

func EmptyListState() ListState {
	return ListState{Entries: map[string]ListEntry{}}
}

// ListOpType discriminates namespace log operations.
type ListOpType string

const (
	// OpSet points a name at a mailbox id (nil to delete the name). The
	// carried UIDVALIDITY only ever raises the entry's floor.
	OpSet ListOpType = "Set"
	// OpBump raises a name's UIDVALIDITY floor without touching the id.
	OpBump ListOpType = "Bump"
)

// ListOp is one log operation on the namespace.
type ListOp struct {
	Type        ListOpType `json:"type"`
	Name        string     `json:"name"`
	ID          *uuid.UUID `json:"id,omitempty"`
	UIDValidity uint32     `json:"uidvalidity,omitempty"`
}

// ApplyList is the deterministic transition function of the namespace.
func ApplyList(s ListState, op ListOp) ListState {
	n := ListState{Entries: make(map[string]ListEntry, len(s.Entries)+1)}
	for k, v := range s.Entries {
		n.Entries[k] = v
	}

	e := n.Entries[op.Name]
	if op.UIDValidity > e.UIDValidity {
		e.UIDValidity = op.UIDValidity
	}
	if op.Type == OpSet {
		e.ID = op.ID
	}
	n.Entries[op.Name] = e
	return n
}

// ---- queries ----

// Names returns the live mailbox names in lexicographic order.
func (s ListState) Names() []string {
	names := make([]string, 0, len(s.Entries))
	for name, e := range s.Entries {
		if e.ID != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is a live mailbox.
func (s ListState) Has(name string) bool {
	e, ok := s.Entries[name]
	return ok && e.ID != nil
}

// Get returns the id and UIDVALIDITY floor of name. The id is nil when the
// name is dead or unknown.
func (s ListState) Get(name string) (*uuid.UUID, uint32) {
	e := s.Entries[name]
	return e.ID, e.UIDValidity
}

// ---- operation generators ----

// OpCreate makes the op registering a fresh mailbox under name. If the name
// previously existed, the new incarnation starts above its old UIDVALIDITY
// so stale clients cannot confuse the two.
func (s ListState) OpCreate(name string) (ListOp, uuid.UUID) {
	id := uuid.New()
	uv := uint32(1)
	if e, ok := s.Entries[name]; ok {
		uv = e.UIDValidity + 1
	}
	return ListOp{Type: OpSet, Name: name, ID: &id, UIDValidity: uv}, id
}

// OpDelete makes the op tombstoning name.
func (s ListState) OpDelete(name string) ListOp {
	_, uv := s.Get(name)
	return ListOp{Type: OpSet, Name: name, UIDValidity: uv}
}

// OpAttach makes the op pointing name at an existing mailbox id (the rename
// path), carrying over the given UIDVALIDITY floor.
func (s ListState) OpAttach(name string, id uuid.UUID, uidvalidity uint32) ListOp {
	uv := uidvalidity
	if e, ok := s.Entries[name]; ok && e.UIDValidity+1 > uv {
		uv = e.UIDValidity + 1
	}
	return ListOp{Type: OpSet, Name: name, ID: &id, UIDValidity: uv}
}

// OpBumpTo makes the op raising name's UIDVALIDITY floor.
func (s ListState) OpBumpTo(name string, uidvalidity uint32) ListOp {
	return ListOp{Type: OpBump, Name: name, UIDValidity: uidvalidity}
}
