package mail

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListState_CreateDeleteRecreate(t *testing.T) {
	s := EmptyListState()

	op, id := s.OpCreate("Work")
	s = ApplyList(s, op)

	assert.True(t, s.Has("Work"))
	gotID, uv := s.Get("Work")
	require.NotNil(t, gotID)
	assert.Equal(t, id, *gotID)
	assert.Equal(t, uint32(1), uv)

	s = ApplyList(s, s.OpDelete("Work"))
	assert.False(t, s.Has("Work"))

	// the tombstone keeps the uidvalidity floor
	_, uv = s.Get("Work")
	assert.Equal(t, uint32(1), uv)

	// a recreated name starts above its old floor
	op2, id2 := s.OpCreate("Work")
	s = ApplyList(s, op2)
	gotID, uv = s.Get("Work")
	require.NotNil(t, gotID)
	assert.Equal(t, id2, *gotID)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, uint32(2), uv)
}

func TestListState_BumpNeverLowers(t *testing.T) {
	s := EmptyListState()
	op, _ := s.OpCreate("A")
	s = ApplyList(s, op)

	s = ApplyList(s, s.OpBumpTo("A", 7))
	_, uv := s.Get("A")
	assert.Equal(t, uint32(7), uv)

	// a lower bump is a no-op
	s = ApplyList(s, s.OpBumpTo("A", 3))
	_, uv = s.Get("A")
	assert.Equal(t, uint32(7), uv)
}

func TestListState_Names(t *testing.T) {
	s := EmptyListState()
	for _, n := range []string{"B", "A", "C"} {
		op, _ := s.OpCreate(n)
		s = ApplyList(s, op)
	}
	s = ApplyList(s, s.OpDelete("B"))

	assert.Equal(t, []string{"A", "C"}, s.Names())
}

func TestListState_ApplyIsPure(t *testing.T) {
	s := EmptyListState()
	op, _ := s.OpCreate("A")
	s2 := ApplyList(s, op)

	assert.False(t, s.Has("A"))
	assert.True(t, s2.Has("A"))
}

func TestListState_AttachCarriesFloor(t *testing.T) {
	s := EmptyListState()
	op, id := s.OpCreate("Old")
	s = ApplyList(s, op)
	s = ApplyList(s, s.OpBumpTo("Old", 5))

	attach := s.OpAttach("New", id, 5)
	s = ApplyList(s, attach)
	s = ApplyList(s, s.OpDelete("Old"))

	gotID, uv := s.Get("New")
	require.NotNil(t, gotID)
	assert.Equal(t, id, *gotID)
	assert.Equal(t, uint32(5), uv)
	assert.False(t, s.Has("Old"))
}

func TestListState_AttachOverDeadNameStaysAboveFloor(t *testing.T) {
	s := EmptyListState()
	op, _ := s.OpCreate("X")
	s = ApplyList(s, op)
	s = ApplyList(s, s.OpBumpTo("X", 9))
	s = ApplyList(s, s.OpDelete("X"))

	other := uuid.New()
	s = ApplyList(s, s.OpAttach("X", other, 1))

	_, uv := s.Get("X")
	assert.GreaterOrEqual(t, uv, uint32(10))
}
