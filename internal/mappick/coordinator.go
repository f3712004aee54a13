// Package mappick runs the competitive map ban/pick for a match and creates
// the match records it operates on.
package mappick

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/engine"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/notify"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"github.com/DoyleJ11/bms-backend/internal/syncx"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrMatchNotFound   = apperr.NotFound("match not found")
	ErrInvalidTeams    = apperr.Validation("both teams need at least one player")
	ErrInvalidMapCount = apperr.Validation("map count does not fit the map pool")
)

// DonePayload is the payload of events.MapPickDone.
type DonePayload struct {
	Match   int64 `json:"match"`
	Process int64 `json:"process"`
}

type Coordinator struct {
	store  store.Store
	bus    *events.Bus
	notify notify.Notifier
	log    *zap.Logger
	pool   []string
	now    func() time.Time
	intn   func(n int) int

	locks syncx.KeyedMutex
}

type Option func(*Coordinator)

// WithRand replaces the source used to pick the first side.
func WithRand(intn func(n int) int) Option {
	return func(c *Coordinator) { c.intn = intn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(st store.Store, bus *events.Bus, n notify.Notifier, pool []string, log *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  st,
		bus:    bus,
		notify: n,
		log:    log.Named("mappick"),
		pool:   pool,
		now:    time.Now,
		intn:   rand.IntN,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type MatchSpec struct {
	Name         string
	TeamOneName  string
	TeamTwoName  string
	TeamOne      []int64
	TeamTwo      []int64
	MapCount     int
	Mode         model.GameMode
	TeamOneFirst bool
	PickerA      *int64
	PickerB      *int64
}

// CreateMatch stores both teams, the match and its map pick process. The
// process opens with a ban; unless TeamOneFirst is set the first side is
// chosen on the first selection.
func (c *Coordinator) CreateMatch(ctx context.Context, spec MatchSpec) (*model.Match, error) {
	if len(spec.TeamOne) == 0 || len(spec.TeamTwo) == 0 {
		return nil, ErrInvalidTeams
	}
	if spec.MapCount < 1 || spec.MapCount > len(c.pool)-engine.InitialBans {
		return nil, ErrInvalidMapCount
	}
	if spec.Mode == 0 {
		spec.Mode = model.ModeCompetitive
	}

	one := &model.MatchTeam{Name: orDefault(spec.TeamOneName, "Team A"), Players: spec.TeamOne}
	two := &model.MatchTeam{Name: orDefault(spec.TeamTwoName, "Team B"), Players: spec.TeamTwo}
	if err := c.store.CreateTeam(ctx, one); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	if err := c.store.CreateTeam(ctx, two); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}

	m := &model.Match{
		Name:      orDefault(spec.Name, one.Name+" vs "+two.Name),
		TeamOneID: one.ID,
		TeamTwoID: two.ID,
		MapCount:  spec.MapCount,
		Mode:      spec.Mode,
		StartDate: c.now(),
	}
	if err := c.store.CreateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("create match: %w", err)
	}

	p := engine.NewProcess(c.pool)
	p.MatchID = m.ID
	p.PickerA, p.PickerB = spec.PickerA, spec.PickerB
	if spec.TeamOneFirst {
		p = engine.Start(p, one.ID)
	}
	if err := c.store.CreateMapPickProcess(ctx, p); err != nil {
		return nil, fmt.Errorf("create map pick: %w", err)
	}

	m.MapPickProcessID = p.ID
	if err := c.store.UpdateMatch(ctx, m); err != nil {
		return nil, fmt.Errorf("link map pick: %w", err)
	}

	c.log.Info("match created",
		zap.Int64("match", m.ID),
		zap.Int64("process", p.ID),
		zap.Int("mapCount", m.MapCount))
	c.notify.Created(ctx, notify.ModelMatch, m.ID)
	c.notify.Created(ctx, notify.ModelMapPickProcess, p.ID)
	return m, nil
}

// SelectMap bans or picks mapName for the side playerID plays on. When the
// selection finishes the process, MapPickDone is dispatched with the match
// as scope after the process has been saved.
func (c *Coordinator) SelectMap(ctx context.Context, playerID, matchID int64, mapName string) (types.Result, error) {
	evts, proc, err := c.selectMap(ctx, playerID, matchID, mapName)
	if err != nil {
		return types.Failed(apperr.Message(err)), err
	}

	c.notify.Updated(ctx, notify.ModelMapPickProcess, proc.ID)

	if engine.ContainsEvent(evts, engine.EvtPickCompleted) {
		c.log.Info("map pick finished", zap.Int64("match", matchID))
		evt, err := events.Encode(events.MapPickDone, DonePayload{Match: matchID, Process: proc.ID})
		if err != nil {
			return types.Result{}, err
		}
		c.bus.Dispatch(context.WithoutCancel(ctx), evt, model.MatchRef(matchID))
		return types.OK("map pick finished"), nil
	}
	if engine.ContainsEvent(evts, engine.EvtMapPicked) {
		return types.OK("map picked"), nil
	}
	return types.OK("map banned"), nil
}

func (c *Coordinator) selectMap(ctx context.Context, playerID, matchID int64, mapName string) ([]engine.Event, *model.MapPickProcess, error) {
	unlock := c.locks.Lock(matchID)
	defer unlock()

	m, err := c.store.GetMatch(ctx, matchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	proc, err := c.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	if err != nil {
		return nil, nil, fmt.Errorf("load map pick: %w", err)
	}
	side, err := c.sideOf(ctx, m, playerID)
	if err != nil {
		return nil, nil, err
	}
	if side == 0 {
		return nil, nil, engine.ErrNotInMatch
	}

	if proc.Turn == nil && !proc.Finished {
		sides := []int64{m.TeamOneID, m.TeamTwoID}
		proc = engine.Start(proc, sides[c.intn(2)])
		if err := c.store.UpdateMapPickProcess(ctx, proc); err != nil {
			return nil, nil, fmt.Errorf("save first turn: %w", err)
		}
		c.log.Debug("first turn drawn", zap.Int64("match", matchID), zap.Int64("side", *proc.Turn))
	}

	rules := engine.Rules{SideA: m.TeamOneID, SideB: m.TeamTwoID, MapCount: m.MapCount}
	evts, next, err := engine.Apply(proc, rules, engine.Command{Side: side, Map: mapName})
	if err != nil {
		return nil, nil, err
	}
	if err := c.store.UpdateMapPickProcess(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("save map pick: %w", err)
	}
	return evts, next, nil
}

// sideOf returns the match team playerID belongs to, or 0 for outsiders.
func (c *Coordinator) sideOf(ctx context.Context, m *model.Match, playerID int64) (int64, error) {
	for _, id := range []int64{m.TeamOneID, m.TeamTwoID} {
		t, err := c.store.GetTeam(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("load team %d: %w", id, err)
		}
		if t.Has(playerID) {
			return t.ID, nil
		}
	}
	return 0, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
