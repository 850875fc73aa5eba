// Package uidindex defines the mutable part of a mailbox as a state
// materialized by the log engine: IMAP UID assignment, message flags, and
// the UIDVALIDITY bump rule that keeps concurrently assigned UIDs from ever
// being observed as aliases of each other.
package uidindex

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/google/uuid"
)

// Flag is an IMAP flag: a system flag like `\Seen` or an arbitrary client
// keyword.
type Flag = string

// RecentFlag is the initial flag set of a freshly added message.
const RecentFlag = "\\Recent"

// Entry is the indexed record of one message.
type Entry struct {
	UID   uint32
	Flags []Flag
}

// State is the UID index. Apply never mutates a State in place: every
// operation produces a new value (the log engine relies on this purity).
type State struct {
	// source of trust
	Table map[uuid.UUID]Entry

	// indexes optimized for queries
	ByUID  map[uint32]uuid.UUID
	ByFlag map[Flag]map[uint32]struct{}

	// counters
	UIDValidity uint32
	UIDNext     uint32
	InternalSeq uint32
}

// Empty returns the seed state.
func Empty() State {
	return State{
		Table:       map[uuid.UUID]Entry{},
		ByUID:       map[uint32]uuid.UUID{},
		ByFlag:      map[Flag]map[uint32]struct{}{},
		UIDValidity: 1,
		UIDNext:     1,
		InternalSeq: 1,
	}
}

// OpType discriminates log operations.
type OpType string

const (
	OpMailAdd         OpType = "MailAdd"
	OpMailDel         OpType = "MailDel"
	OpFlagAdd         OpType = "FlagAdd"
	OpFlagDel         OpType = "FlagDel"
	OpFlagSet         OpType = "FlagSet"
	OpBumpUIDValidity OpType = "BumpUidvalidity"
)

// Op is one log operation on the index.
type Op struct {
	Type  OpType    `json:"type"`
	Ident uuid.UUID `json:"ident,omitempty"`
	UID   uint32    `json:"uid,omitempty"`
	Flags []Flag    `json:"flags,omitempty"`
	Count uint32    `json:"count,omitempty"`
}

// Operation constructors. They capture the current counters, which is what
// makes concurrent generation detectable at apply time.

func (s State) OpMailAdd(ident uuid.UUID, flags []Flag) Op {
	return Op{Type: OpMailAdd, Ident: ident, UID: s.InternalSeq, Flags: flags}
}

func (s State) OpMailDel(ident uuid.UUID) Op {
	return Op{Type: OpMailDel, Ident: ident}
}

func (s State) OpFlagAdd(ident uuid.UUID, flags []Flag) Op {
	return Op{Type: OpFlagAdd, Ident: ident, Flags: flags}
}

func (s State) OpFlagDel(ident uuid.UUID, flags []Flag) Op {
	return Op{Type: OpFlagDel, Ident: ident, Flags: flags}
}

func (s State) OpFlagSet(ident uuid.UUID, flags []Flag) Op {
	return Op{Type: OpFlagSet, Ident: ident, Flags: flags}
}

func (s State) OpBumpUIDValidity(count uint32) Op {
	return Op{Type: OpBumpUIDValidity, Count: count}
}

// Apply is the deterministic transition function.
func Apply(s State, op Op) State {
	n := s.clone()
	switch op.Type {
	case OpMailAdd:
		// A claimed sequence number below the current one means a
		// concurrent writer got there first: every client that saw the
		// old assignment must discard its cached UIDs, so UIDVALIDITY
		// moves by the size of the shift.
		if op.UID < n.InternalSeq {
			n.UIDValidity = satAdd(n.UIDValidity, n.InternalSeq-op.UID)
		}

		uid := n.InternalSeq

		// If the identifier is already present we overwrite it, keeping
		// its flags; a new UID is assigned either way.
		flags := op.Flags
		if prev, ok := n.Table[op.Ident]; ok {
			flags = prev.Flags
		}
		n.unregister(op.Ident)
		n.register(op.Ident, uid, flags)

		n.InternalSeq++
		n.UIDNext = n.InternalSeq

	case OpMailDel:
		n.unregister(op.Ident)
		n.InternalSeq++

	case OpFlagAdd:
		if e, ok := n.Table[op.Ident]; ok {
			for _, f := range op.Flags {
				if !containsFlag(e.Flags, f) {
					e.Flags = append(e.Flags, f)
					n.flagIndexAdd(f, e.UID)
				}
			}
			n.Table[op.Ident] = e
		}

	case OpFlagDel:
		if e, ok := n.Table[op.Ident]; ok {
			kept := e.Flags[:0:0]
			for _, f := range e.Flags {
				if containsFlag(op.Flags, f) {
					n.flagIndexDel(f, e.UID)
				} else {
					kept = append(kept, f)
				}
			}
			e.Flags = kept
			n.Table[op.Ident] = e
		}

	case OpFlagSet:
		if e, ok := n.Table[op.Ident]; ok {
			for _, f := range e.Flags {
				if !containsFlag(op.Flags, f) {
					n.flagIndexDel(f, e.UID)
				}
			}
			newFlags := make([]Flag, 0, len(op.Flags))
			for _, f := range op.Flags {
				if !containsFlag(newFlags, f) {
					newFlags = append(newFlags, f)
					if !containsFlag(e.Flags, f) {
						n.flagIndexAdd(f, e.UID)
					}
				}
			}
			e.Flags = newFlags
			n.Table[op.Ident] = e
		}

	case OpBumpUIDValidity:
		n.UIDValidity = satAdd(n.UIDValidity, op.Count)
	}
	return n
}

// ---- queries ----

// UIDs returns the live IMAP UIDs in ascending order.
func (s State) UIDs() []uint32 {
	uids := make([]uint32, 0, len(s.ByUID))
	for uid := range s.ByUID {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// IdentByUID resolves an IMAP UID back to the message identifier.
func (s State) IdentByUID(uid uint32) (uuid.UUID, bool) {
	id, ok := s.ByUID[uid]
	return id, ok
}

// FlagsOf returns the flags of ident, or false if it is not in the mailbox.
func (s State) FlagsOf(ident uuid.UUID) ([]Flag, bool) {
	e, ok := s.Table[ident]
	if !ok {
		return nil, false
	}
	return e.Flags, true
}

// UIDsWithFlag returns the UIDs carrying flag, in ascending order.
func (s State) UIDsWithFlag(flag Flag) []uint32 {
	set := s.ByFlag[flag]
	uids := make([]uint32, 0, len(set))
	for uid := range set {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Flags lists every flag present on at least one message.
func (s State) Flags() []Flag {
	flags := make([]Flag, 0, len(s.ByFlag))
	for f, set := range s.ByFlag {
		if len(set) > 0 {
			flags = append(flags, f)
		}
	}
	sort.Strings(flags)
	return flags
}

// ---- internal mutators, used on freshly cloned states only ----

func (s *State) register(ident uuid.UUID, uid uint32, flags []Flag) {
	cp := make([]Flag, len(flags))
	copy(cp, flags)
	s.Table[ident] = Entry{UID: uid, Flags: cp}
	s.ByUID[uid] = ident
	for _, f := range cp {
		s.flagIndexAdd(f, uid)
	}
}

func (s *State) unregister(ident uuid.UUID) {
	e, ok := s.Table[ident]
	if !ok {
		return
	}
	delete(s.ByUID, e.UID)
	for _, f := range e.Flags {
		s.flagIndexDel(f, e.UID)
	}
	delete(s.Table, ident)
}

func (s *State) flagIndexAdd(f Flag, uid uint32) {
	set, ok := s.ByFlag[f]
	if !ok {
		set = map[uint32]struct{}{}
		s.ByFlag[f] = set
	}
	set[uid] = struct{}{}
}

func (s *State) flagIndexDel(f Flag, uid uint32) {
	if set, ok := s.ByFlag[f]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(s.ByFlag, f)
		}
	}
}

func (s State) clone() State {
	n := State{
		Table:       make(map[uuid.UUID]Entry, len(s.Table)),
		ByUID:       make(map[uint32]uuid.UUID, len(s.ByUID)),
		ByFlag:      make(map[Flag]map[uint32]struct{}, len(s.ByFlag)),
		UIDValidity: s.UIDValidity,
		UIDNext:     s.UIDNext,
		InternalSeq: s.InternalSeq,
	}
	for id, e := range s.Table {
		flags := make([]Flag, len(e.Flags))
		copy(flags, e.Flags)
		n.Table[id] = Entry{UID: e.UID, Flags: flags}
	}
	for uid, id := range s.ByUID {
		n.ByUID[uid] = id
	}
	for f, set := range s.ByFlag {
		cp := make(map[uint32]struct{}, len(set))
		for uid := range set {
			cp[uid] = struct{}{}
		}
		n.ByFlag[f] = cp
	}
	return n
}

func containsFlag(flags []Flag, f Flag) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

func satAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

// ---- serialization ----
//
// Only the source-of-trust table and the counters go over the wire; the
// query indexes are rebuilt on load.

type serializedMail struct {
	UID   uint32    `json:"uid"`
	Ident uuid.UUID `json:"ident"`
	Flags []Flag    `json:"flags"`
}

type serializedState struct {
	Mails       []serializedMail `json:"mails"`
	UIDValidity uint32           `json:"uidvalidity"`
	UIDNext     uint32           `json:"uidnext"`
	InternalSeq uint32           `json:"internalseq"`
}

func (s State) MarshalJSON() ([]byte, error) {
	out := serializedState{
		Mails:       make([]serializedMail, 0, len(s.Table)),
		UIDValidity: s.UIDValidity,
		UIDNext:     s.UIDNext,
		InternalSeq: s.InternalSeq,
	}
	for _, uid := range s.UIDs() {
		ident := s.ByUID[uid]
		e := s.Table[ident]
		out.Mails = append(out.Mails, serializedMail{UID: uid, Ident: ident, Flags: e.Flags})
	}
	return json.Marshal(out)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var in serializedState
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	n := Empty()
	n.UIDValidity = in.UIDValidity
	n.UIDNext = in.UIDNext
	n.InternalSeq = in.InternalSeq
	for _, m := range in.Mails {
		n.register(m.Ident, m.UID, m.Flags)
	}
	*s = n
	return nil
}
