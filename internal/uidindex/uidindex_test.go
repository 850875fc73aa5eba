package uidindex

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ident(b byte) uuid.UUID {
	var id uuid.UUID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestSequentialInsert(t *testing.T) {
	x, y := ident(0x01), ident(0x02)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, []Flag{RecentFlag}))
	s = Apply(s, s.OpMailAdd(y, []Flag{RecentFlag}))

	assert.Equal(t, uint32(1), s.UIDValidity)
	assert.Equal(t, uint32(3), s.InternalSeq)
	assert.Equal(t, uint32(3), s.UIDNext)

	assert.Equal(t, uint32(1), s.Table[x].UID)
	assert.Equal(t, uint32(2), s.Table[y].UID)
	assert.Equal(t, []Flag{RecentFlag}, s.Table[x].Flags)
	assert.Equal(t, []Flag{RecentFlag}, s.Table[y].Flags)
}

func TestConcurrentInsertBumpsUIDValidity(t *testing.T) {
	x, y, z := ident(0x01), ident(0x02), ident(0x03)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, nil))
	require.Equal(t, uint32(2), s.InternalSeq)

	// two writers generate against the same snapshot: both claim seq 2
	opY := s.OpMailAdd(y, nil)
	opZ := s.OpMailAdd(z, nil)

	s = Apply(s, opY)
	s = Apply(s, opZ)

	// at z's apply time internalseq was 3 and the claim was 2, so
	// uidvalidity moved by 1
	assert.Equal(t, uint32(2), s.UIDValidity)
	assert.Equal(t, uint32(4), s.InternalSeq)
	assert.Equal(t, uint32(4), s.UIDNext)
	assert.Equal(t, uint32(1), s.Table[x].UID)
	assert.Equal(t, uint32(2), s.Table[y].UID)
	assert.Equal(t, uint32(3), s.Table[z].UID)
}

func TestFlagAddAfterDeleteIsNoop(t *testing.T) {
	x := ident(0x01)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, []Flag{RecentFlag}))
	seqBefore := s.InternalSeq

	s = Apply(s, s.OpMailDel(x))
	s = Apply(s, s.OpFlagAdd(x, []Flag{"\\Seen"}))

	_, live := s.Table[x]
	assert.False(t, live)
	assert.Equal(t, seqBefore+1, s.InternalSeq)
	assert.Empty(t, s.UIDsWithFlag("\\Seen"))
}

func TestResurrectionKeepsFlagsAndAssignsNewUID(t *testing.T) {
	x := ident(0x01)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, []Flag{"\\Seen"}))
	uid1 := s.Table[x].UID

	// the same identifier added again: the op's flags are ignored in
	// favor of the surviving entry, and a fresh UID is mandatory
	s = Apply(s, s.OpMailAdd(x, []Flag{RecentFlag}))

	e := s.Table[x]
	assert.NotEqual(t, uid1, e.UID)
	assert.Equal(t, []Flag{"\\Seen"}, e.Flags)

	_, stale := s.ByUID[uid1]
	assert.False(t, stale)
}

func TestFlagOps(t *testing.T) {
	x := ident(0x01)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, []Flag{RecentFlag, "\\Archive"}))
	uid := s.Table[x].UID

	s = Apply(s, s.OpFlagAdd(x, []Flag{"Important", "Important", "\\Archive"}))
	assert.Equal(t, []Flag{RecentFlag, "\\Archive", "Important"}, s.Table[x].Flags)

	s = Apply(s, s.OpFlagDel(x, []Flag{RecentFlag}))
	assert.Equal(t, []Flag{"\\Archive", "Important"}, s.Table[x].Flags)
	assert.Empty(t, s.UIDsWithFlag(RecentFlag))

	s = Apply(s, s.OpFlagSet(x, []Flag{"\\Seen"}))
	assert.Equal(t, []Flag{"\\Seen"}, s.Table[x].Flags)
	assert.Equal(t, []uint32{uid}, s.UIDsWithFlag("\\Seen"))
	assert.Empty(t, s.UIDsWithFlag("Important"))
}

func TestBumpUIDValidity(t *testing.T) {
	s := Empty()
	s = Apply(s, s.OpBumpUIDValidity(5))
	assert.Equal(t, uint32(6), s.UIDValidity)
}

func TestApplyIsPure(t *testing.T) {
	x := ident(0x01)

	s1 := Empty()
	s1 = Apply(s1, s1.OpMailAdd(x, []Flag{RecentFlag}))

	before, err := json.Marshal(s1)
	require.NoError(t, err)

	_ = Apply(s1, s1.OpFlagAdd(x, []Flag{"\\Seen"}))
	_ = Apply(s1, s1.OpMailDel(x))

	after, err := json.Marshal(s1)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestUIDUniqueness(t *testing.T) {
	// whatever ops are applied, two live messages never share a UID
	s := Empty()
	ids := []uuid.UUID{ident(1), ident(2), ident(3), ident(4)}

	ops := []Op{
		s.OpMailAdd(ids[0], nil),
		{Type: OpMailAdd, Ident: ids[1], UID: 1},
		{Type: OpMailAdd, Ident: ids[2], UID: 1},
		{Type: OpMailAdd, Ident: ids[3], UID: 2},
		{Type: OpMailDel, Ident: ids[1]},
		{Type: OpMailAdd, Ident: ids[1], UID: 2},
	}
	for _, op := range ops {
		s = Apply(s, op)

		seen := map[uint32]uuid.UUID{}
		for id, e := range s.Table {
			prev, dup := seen[e.UID]
			require.False(t, dup, "uid %d assigned to both %s and %s", e.UID, prev, id)
			seen[e.UID] = id
		}
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	x, y := ident(0x01), ident(0x02)

	s := Empty()
	s = Apply(s, s.OpMailAdd(x, []Flag{RecentFlag, "\\Archive"}))
	s = Apply(s, s.OpMailAdd(y, []Flag{"\\Seen"}))
	s = Apply(s, s.OpMailDel(x))
	s = Apply(s, s.OpMailAdd(x, []Flag{"Important"}))

	blob, err := json.Marshal(s)
	require.NoError(t, err)

	var restored State
	require.NoError(t, json.Unmarshal(blob, &restored))

	assert.Equal(t, s.UIDValidity, restored.UIDValidity)
	assert.Equal(t, s.UIDNext, restored.UIDNext)
	assert.Equal(t, s.InternalSeq, restored.InternalSeq)
	assert.Equal(t, s.Table, restored.Table)
	assert.Equal(t, s.ByUID, restored.ByUID)
	assert.Equal(t, s.UIDs(), restored.UIDs())
	assert.Equal(t, s.UIDsWithFlag("Important"), restored.UIDsWithFlag("Important"))
}
