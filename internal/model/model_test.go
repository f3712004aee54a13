package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_JoinLeaveConfirm(t *testing.T) {
	q := &Queue{}

	require.True(t, q.Join(1))
	require.True(t, q.Join(2))
	assert.False(t, q.Join(1), "second join of same player must fail")

	assert.True(t, q.Confirm(1))
	assert.False(t, q.Confirm(1), "second confirm must fail")
	assert.False(t, q.Confirm(99), "cannot confirm without being queued")

	require.True(t, q.Leave(1))
	assert.False(t, q.Has(1))
	assert.False(t, q.HasConfirmed(1), "confirmations must stay a subset of players")
	assert.False(t, q.Leave(1))
}

func TestQueue_LockUnlock(t *testing.T) {
	q := &Queue{}
	now := time.Now()

	q.Lock(now)
	require.True(t, q.Locked)
	require.NotNil(t, q.LockedAt)
	assert.Equal(t, now, *q.LockedAt)

	q.Unlock()
	assert.False(t, q.Locked)
	assert.Nil(t, q.LockedAt)
}

func TestQueue_CloneIsDeep(t *testing.T) {
	q := &Queue{Players: []int64{1, 2}, CaptainA: Ptr[int64](1)}
	c := q.Clone()

	c.Players[0] = 42
	*c.CaptainA = 42

	assert.Equal(t, int64(1), q.Players[0])
	assert.Equal(t, int64(1), *q.CaptainA)
}

func TestMapPickProcess_PickedMapsInSelectionOrder(t *testing.T) {
	p := &MapPickProcess{Maps: []MapPick{
		{Map: "Mirage", Picked: Ptr(true), Order: 4},
		{Map: "Cache", Picked: Ptr(false), Order: 1},
		{Map: "Nuke", Picked: Ptr(true), Order: 3},
		{Map: "Train"},
	}}

	picked := p.PickedMaps()
	require.Len(t, picked, 2)
	assert.Equal(t, "Nuke", picked[0].Map)
	assert.Equal(t, "Mirage", picked[1].Map)

	banned, pickedCount := p.Counts()
	assert.Equal(t, 1, banned)
	assert.Equal(t, 2, pickedCount)
}

func TestMatch_OtherTeam(t *testing.T) {
	m := &Match{TeamOneID: 10, TeamTwoID: 20}

	other, ok := m.OtherTeam(10)
	assert.True(t, ok)
	assert.Equal(t, int64(20), other)

	_, ok = m.OtherTeam(30)
	assert.False(t, ok)
}

func TestRef_Equality(t *testing.T) {
	var a, b any = QueueRef(1), QueueRef(1)
	assert.True(t, a == b)
	assert.NotEqual(t, QueueRef(1), MatchRef(1))
}
