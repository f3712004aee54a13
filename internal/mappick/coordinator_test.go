package mappick

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/engine"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/notify"
	"github.com/DoyleJ11/bms-backend/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var pool = []string{"Mirage", "Cache", "Inferno", "Nuke", "Overpass", "Dust II", "Train"}

const (
	alice int64 = 1
	bob   int64 = 2
	eve   int64 = 99
)

type fixture struct {
	coord *Coordinator
	store *memstore.Store
	bus   *events.Bus
}

func setup(t *testing.T) fixture {
	t.Helper()
	st := memstore.New()
	bus := events.NewBus(zaptest.NewLogger(t))
	c := New(st, bus, notify.Nop{}, pool, zaptest.NewLogger(t),
		WithRand(func(int) int { return 0 }))
	return fixture{coord: c, store: st, bus: bus}
}

func (f fixture) match(t *testing.T, mapCount int) *model.Match {
	t.Helper()
	m, err := f.coord.CreateMatch(context.Background(), MatchSpec{
		TeamOne:  []int64{alice},
		TeamTwo:  []int64{bob},
		MapCount: mapCount,
	})
	require.NoError(t, err)
	return m
}

func TestCreateMatch_Validation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.coord.CreateMatch(ctx, MatchSpec{TeamOne: []int64{alice}, MapCount: 1})
	assert.ErrorIs(t, err, ErrInvalidTeams)

	for _, n := range []int{0, 6} {
		_, err := f.coord.CreateMatch(ctx, MatchSpec{TeamOne: []int64{alice}, TeamTwo: []int64{bob}, MapCount: n})
		assert.ErrorIs(t, err, ErrInvalidMapCount, "map count %d", n)
	}
}

func TestCreateMatch_BuildsProcess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m := f.match(t, 3)
	assert.Equal(t, "Team A vs Team B", m.Name)
	assert.Equal(t, model.ModeCompetitive, m.Mode)

	p, err := f.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, p.MatchID)
	assert.Len(t, p.Maps, len(pool))
	assert.Equal(t, model.ActionBan, p.NextAction)
	assert.Nil(t, p.Turn, "first side is drawn on the first selection")

	stored, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.MapPickProcessID)
}

func TestCreateMatch_TeamOneFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	m, err := f.coord.CreateMatch(ctx, MatchSpec{
		TeamOne: []int64{alice}, TeamTwo: []int64{bob}, MapCount: 1,
		TeamOneFirst: true, PickerA: model.Ptr(alice), PickerB: model.Ptr(bob),
	})
	require.NoError(t, err)

	p, err := f.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	require.NoError(t, err)
	require.NotNil(t, p.Turn)
	assert.Equal(t, m.TeamOneID, *p.Turn)
	assert.Equal(t, alice, *p.PickerA)
}

func TestSelectMap_Rejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.match(t, 1)

	res, err := f.coord.SelectMap(ctx, eve, m.ID, "Mirage")
	assert.ErrorIs(t, err, engine.ErrNotInMatch)
	assert.False(t, res.Success)
	assert.Equal(t, "not in this match", res.Message)

	_, err = f.coord.SelectMap(ctx, alice, m.ID+100, "Mirage")
	assert.ErrorIs(t, err, ErrMatchNotFound)

	// The draw always favours team one, so bob is early.
	_, err = f.coord.SelectMap(ctx, bob, m.ID, "Mirage")
	assert.ErrorIs(t, err, engine.ErrWrongTurn)

	_, err = f.coord.SelectMap(ctx, alice, m.ID, "Vertigo")
	assert.ErrorIs(t, err, engine.ErrUnknownMap)

	res, err = f.coord.SelectMap(ctx, alice, m.ID, "Mirage")
	require.NoError(t, err)
	assert.Equal(t, "map banned", res.Message)

	_, err = f.coord.SelectMap(ctx, bob, m.ID, "Mirage")
	assert.ErrorIs(t, err, engine.ErrAlreadySelected)
}

func TestSelectMap_FirstDrawIsPersisted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.match(t, 1)

	_, err := f.coord.SelectMap(ctx, bob, m.ID, "Mirage")
	require.ErrorIs(t, err, engine.ErrWrongTurn)

	p, err := f.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	require.NoError(t, err)
	require.NotNil(t, p.Turn)
	assert.Equal(t, m.TeamOneID, *p.Turn)
}

func TestSelectMap_FullRunDispatchesDone(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.match(t, 1)

	done := f.bus.Wait(events.MapPickDone, events.WithTimeout(2*time.Second)).Post(model.MatchRef(m.ID))
	other := f.bus.Wait(events.MapPickDone, events.WithTimeout(50*time.Millisecond)).Post(model.MatchRef(m.ID + 1))

	players := []int64{alice, bob}
	for i, name := range pool[:5] {
		res, err := f.coord.SelectMap(ctx, players[i%2], m.ID, name)
		require.NoError(t, err)
		assert.Equal(t, "map banned", res.Message)
	}
	res, err := f.coord.SelectMap(ctx, bob, m.ID, pool[5])
	require.NoError(t, err)
	assert.Equal(t, "map pick finished", res.Message)

	evt, err := done.Wait(ctx)
	require.NoError(t, err)
	var payload DonePayload
	require.NoError(t, evt.Payload.Decode(&payload))
	assert.Equal(t, DonePayload{Match: m.ID, Process: m.MapPickProcessID}, payload)

	_, err = other.Wait(ctx)
	assert.ErrorIs(t, err, events.ErrWaitTimeout)

	p, err := f.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	require.NoError(t, err)
	assert.True(t, p.Finished)
	picked := p.PickedMaps()
	require.Len(t, picked, 1)
	assert.Equal(t, "Train", picked[0].Map)
	assert.Nil(t, picked[0].SelectedBy)

	_, err = f.coord.SelectMap(ctx, alice, m.ID, "Train")
	assert.ErrorIs(t, err, engine.ErrCompleted)
}

func TestSelectMap_ConcurrentSelectionsApplyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	m := f.match(t, 1)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, name := range pool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coord.SelectMap(ctx, alice, m.ID, name); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	p, err := f.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	require.NoError(t, err)
	banned, picked := p.Counts()
	assert.Equal(t, 1, banned)
	assert.Equal(t, 0, picked)
	require.NotNil(t, p.Turn)
	assert.Equal(t, m.TeamTwoID, *p.Turn)
}
