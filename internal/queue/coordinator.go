// Package queue runs the ranked matchmaking queue: players join until the
// queue is full, confirm within a deadline, and captains then draft the
// remaining players into their teams.
package queue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/mappick"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/notify"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"github.com/DoyleJ11/bms-backend/internal/syncx"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrQueueNotFound    = apperr.NotFound("queue not found")
	ErrQueueLocked      = apperr.Conflict("queue is locked")
	ErrAlreadyInQueue   = apperr.Conflict("player already in queue")
	ErrNotInQueue       = apperr.Conflict("player not in queue")
	ErrNotLocked        = apperr.Conflict("queue is not locked")
	ErrAlreadyConfirmed = apperr.Conflict("player already confirmed")
	ErrNotCaptain       = apperr.Forbidden("player is not a captain")
	ErrNotYourTurn      = apperr.Conflict("not your turn")
	ErrNotConfirmed     = apperr.Conflict("queue not confirmed")
	ErrAlreadyPicked    = apperr.Conflict("player already picked")
	ErrPlayerNotQueued  = apperr.Validation("player is not in this queue")
)

const (
	DefaultCapacity       = 10
	DefaultConfirmTimeout = 30 * time.Second
)

// PlayerPayload is the payload of every per-player queue event.
type PlayerPayload struct {
	Queue  int64 `json:"queue"`
	Player int64 `json:"player"`
}

type Payload struct {
	Queue int64 `json:"queue"`
}

// Matches creates the match a confirmed queue plays.
type Matches interface {
	CreateMatch(ctx context.Context, spec mappick.MatchSpec) (*model.Match, error)
}

type Config struct {
	Capacity       int
	ConfirmTimeout time.Duration
	MapCount       int
}

type Coordinator struct {
	store   store.Store
	bus     *events.Bus
	matches Matches
	notify  notify.Notifier
	log     *zap.Logger
	cfg     Config
	now     func() time.Time

	locks syncx.KeyedMutex

	// ctx bounds the goroutines awaiting confirmations and map picks.
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the coordinator and registers its event handlers on bus.
func New(st store.Store, bus *events.Bus, matches Matches, n notify.Notifier, cfg Config, log *zap.Logger) *Coordinator {
	cfg.Capacity = cmp.Or(cfg.Capacity, DefaultCapacity)
	cfg.ConfirmTimeout = cmp.Or(cfg.ConfirmTimeout, DefaultConfirmTimeout)
	cfg.MapCount = cmp.Or(cfg.MapCount, 1)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:   st,
		bus:     bus,
		matches: matches,
		notify:  n,
		log:     log.Named("queue"),
		cfg:     cfg,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	bus.On(events.PlayerJoinQueue, c.onPlayerJoin)
	bus.On(events.PlayerConfirmQueue, c.onPlayerConfirm)
	bus.On(events.QueueConfirmed, c.onQueueConfirmed)
	return c
}

// Close stops every pending confirmation and map pick wait.
func (c *Coordinator) Close() { c.cancel() }

func (c *Coordinator) Join(ctx context.Context, playerID, queueID int64) (types.Result, error) {
	err := c.mutate(ctx, queueID, func(q *model.Queue) error {
		if q.Locked {
			return ErrQueueLocked
		}
		if !q.Join(playerID) {
			return ErrAlreadyInQueue
		}
		return nil
	})
	if err != nil {
		return types.Failed(apperr.Message(err)), err
	}
	c.dispatch(ctx, events.PlayerJoinQueue, queueID, PlayerPayload{Queue: queueID, Player: playerID})
	return types.OK("player joined queue"), nil
}

func (c *Coordinator) Leave(ctx context.Context, playerID, queueID int64) (types.Result, error) {
	err := c.mutate(ctx, queueID, func(q *model.Queue) error {
		if q.Locked {
			return ErrQueueLocked
		}
		if !q.Leave(playerID) {
			return ErrNotInQueue
		}
		return nil
	})
	if err != nil {
		return types.Failed(apperr.Message(err)), err
	}
	c.dispatch(ctx, events.PlayerLeaveQueue, queueID, PlayerPayload{Queue: queueID, Player: playerID})
	return types.OK("player left queue"), nil
}

func (c *Coordinator) Confirm(ctx context.Context, playerID, queueID int64) (types.Result, error) {
	err := c.mutate(ctx, queueID, func(q *model.Queue) error {
		switch {
		case !q.Locked:
			return ErrNotLocked
		case !q.Has(playerID):
			return ErrNotInQueue
		case !q.Confirm(playerID):
			return ErrAlreadyConfirmed
		}
		return nil
	})
	if err != nil {
		return types.Failed(apperr.Message(err)), err
	}
	c.dispatch(ctx, events.PlayerConfirmQueue, queueID, PlayerPayload{Queue: queueID, Player: playerID})
	return types.OK("player confirmed queue"), nil
}

// PickPlayer drafts playerID into the team of captainID. Captain A picks
// while both teams are even, captain B while A is one ahead.
func (c *Coordinator) PickPlayer(ctx context.Context, captainID, playerID, queueID int64) (types.Result, error) {
	team, err := c.pick(ctx, captainID, playerID, queueID)
	if err != nil {
		return types.Failed(apperr.Message(err)), err
	}
	c.notify.Updated(ctx, notify.ModelMatchTeam, team)
	c.dispatch(ctx, events.PlayerPicked, queueID, PlayerPayload{Queue: queueID, Player: playerID})
	return types.OK("player picked"), nil
}

func (c *Coordinator) pick(ctx context.Context, captainID, playerID, queueID int64) (int64, error) {
	unlock := c.locks.Lock(queueID)
	defer unlock()

	q, err := c.load(ctx, queueID)
	if err != nil {
		return 0, err
	}
	sideA, ok := q.IsCaptain(captainID)
	if !ok {
		return 0, ErrNotCaptain
	}
	if !q.Confirmed || q.MatchID == nil {
		return 0, ErrNotConfirmed
	}
	if !q.Has(playerID) {
		return 0, ErrPlayerNotQueued
	}

	m, err := c.store.GetMatch(ctx, *q.MatchID)
	if err != nil {
		return 0, fmt.Errorf("load match: %w", err)
	}
	a, err := c.store.GetTeam(ctx, m.TeamOneID)
	if err != nil {
		return 0, fmt.Errorf("load team: %w", err)
	}
	b, err := c.store.GetTeam(ctx, m.TeamTwoID)
	if err != nil {
		return 0, fmt.Errorf("load team: %w", err)
	}

	diff := len(a.Players) - len(b.Players)
	if (sideA && diff != 0) || (!sideA && diff != 1) {
		return 0, ErrNotYourTurn
	}
	if a.Has(playerID) || b.Has(playerID) {
		return 0, ErrAlreadyPicked
	}

	team := b
	if sideA {
		team = a
	}
	team.Players = append(team.Players, playerID)
	if err := c.store.UpdateTeam(ctx, team); err != nil {
		return 0, fmt.Errorf("save team: %w", err)
	}
	return team.ID, nil
}

// onPlayerJoin locks a full queue and starts the confirmation deadline.
func (c *Coordinator) onPlayerJoin(ctx context.Context, _ any, p events.Payload) (any, error) {
	var in PlayerPayload
	if err := p.Decode(&in); err != nil {
		return nil, err
	}

	var w *events.Waiter
	err := c.mutate(ctx, in.Queue, func(q *model.Queue) error {
		if q.Locked || len(q.Players) != c.cfg.Capacity {
			return errSkip
		}
		q.Lock(c.now())
		w = c.bus.Wait(events.QueueConfirmed, events.WithTimeout(c.cfg.ConfirmTimeout)).On(model.QueueRef(in.Queue))
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		if w != nil {
			w.Cancel(err)
		}
		return nil, err
	}

	c.log.Info("queue locked", zap.Int64("queue", in.Queue), zap.Duration("timeout", c.cfg.ConfirmTimeout))
	go c.awaitConfirmation(in.Queue, w)
	return nil, nil
}

func (c *Coordinator) awaitConfirmation(queueID int64, w *events.Waiter) {
	_, err := w.Wait(c.ctx)
	if !errors.Is(err, events.ErrWaitTimeout) {
		return
	}

	var dropped int
	err = c.mutate(c.ctx, queueID, func(q *model.Queue) error {
		if q.Confirmed || !q.Locked {
			return errSkip
		}
		before := len(q.Players)
		q.Players = slices.DeleteFunc(q.Players, func(id int64) bool { return !q.HasConfirmed(id) })
		dropped = before - len(q.Players)
		q.Unlock()
		q.Unconfirm()
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
	case err != nil:
		c.log.Error("queue rollback failed", zap.Int64("queue", queueID), zap.Error(err))
	default:
		c.log.Info("queue confirmation timed out", zap.Int64("queue", queueID), zap.Int("dropped", dropped))
	}
}

func (c *Coordinator) onPlayerConfirm(ctx context.Context, _ any, p events.Payload) (any, error) {
	var in PlayerPayload
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	err := c.mutate(ctx, in.Queue, func(q *model.Queue) error {
		if q.Confirmed || !q.Locked || len(q.ConfirmedPlayers) != c.cfg.Capacity {
			return errSkip
		}
		q.Confirmed = true
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.dispatch(ctx, events.QueueConfirmed, in.Queue, Payload{Queue: in.Queue})
	return nil, nil
}

// onQueueConfirmed creates the match for a confirmed queue. The two
// highest rated players captain it; captain A opens the map pick.
func (c *Coordinator) onQueueConfirmed(ctx context.Context, _ any, p events.Payload) (any, error) {
	var in Payload
	if err := p.Decode(&in); err != nil {
		return nil, err
	}

	var (
		match *model.Match
		done  *events.Waiter
	)
	err := c.mutate(ctx, in.Queue, func(q *model.Queue) error {
		if q.MatchID != nil {
			return errSkip
		}
		players, err := c.store.ListPlayers(ctx, q.Players)
		if err != nil {
			return fmt.Errorf("load players: %w", err)
		}
		if len(players) < 2 {
			return fmt.Errorf("queue %d has %d known players", q.ID, len(players))
		}
		slices.SortStableFunc(players, func(a, b *model.Player) int { return cmp.Compare(b.Elo, a.Elo) })
		capA, capB := players[0], players[1]

		match, err = c.matches.CreateMatch(ctx, mappick.MatchSpec{
			Name:         fmt.Sprintf("Team_%s vs Team_%s", capA.Username, capB.Username),
			TeamOneName:  "Team_" + capA.Username,
			TeamTwoName:  "Team_" + capB.Username,
			TeamOne:      []int64{capA.ID},
			TeamTwo:      []int64{capB.ID},
			MapCount:     c.cfg.MapCount,
			Mode:         model.ModeRanked,
			TeamOneFirst: true,
			PickerA:      model.Ptr(capA.ID),
			PickerB:      model.Ptr(capB.ID),
		})
		if err != nil {
			return fmt.Errorf("create match: %w", err)
		}
		done = c.bus.Wait(events.MapPickDone).Post(model.MatchRef(match.ID))

		q.CaptainA = model.Ptr(capA.ID)
		q.CaptainB = model.Ptr(capB.ID)
		q.MatchID = model.Ptr(match.ID)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil, nil
	}
	if err != nil {
		if done != nil {
			done.Cancel(err)
		}
		return nil, err
	}

	c.log.Info("queue confirmed", zap.Int64("queue", in.Queue), zap.Int64("match", match.ID))
	go c.awaitMapPick(in.Queue, match.ID, done)
	return match.ID, nil
}

// awaitMapPick whitelists every queued player into each game of the match
// once the map pick has created them.
func (c *Coordinator) awaitMapPick(queueID, matchID int64, w *events.Waiter) {
	if _, err := w.Wait(c.ctx); err != nil {
		return
	}
	q, err := c.load(c.ctx, queueID)
	if err != nil {
		c.log.Error("load queue after map pick", zap.Int64("queue", queueID), zap.Error(err))
		return
	}
	games, err := c.store.ListGamesByMatch(c.ctx, matchID)
	if err != nil {
		c.log.Error("list games", zap.Int64("match", matchID), zap.Error(err))
		return
	}
	for _, g := range games {
		g.AllowPlayers(q.Players...)
		if err := c.store.UpdateGame(c.ctx, g); err != nil {
			c.log.Error("whitelist players", zap.Int64("game", g.ID), zap.Error(err))
			continue
		}
		c.notify.Updated(c.ctx, notify.ModelGame, g.ID)
	}
	c.log.Info("players whitelisted", zap.Int64("match", matchID), zap.Int("games", len(games)))
}

// errSkip aborts a mutation without saving and without being an error.
var errSkip = errors.New("skip")

// mutate runs fn on the queue under its lock and saves the result. The
// change is announced after the lock is released.
func (c *Coordinator) mutate(ctx context.Context, queueID int64, fn func(q *model.Queue) error) error {
	unlock := c.locks.Lock(queueID)
	q, err := c.load(ctx, queueID)
	if err == nil {
		err = fn(q)
	}
	if err == nil {
		err = c.store.UpdateQueue(ctx, q)
	}
	unlock()
	if err != nil {
		return err
	}
	c.notify.Updated(ctx, notify.ModelQueue, queueID)
	return nil
}

func (c *Coordinator) load(ctx context.Context, queueID int64) (*model.Queue, error) {
	q, err := c.store.GetQueue(ctx, queueID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrQueueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	return q, nil
}

// dispatch runs the bus detached from ctx's cancellation so a finished
// request does not abort the handlers it triggered.
func (c *Coordinator) dispatch(ctx context.Context, name string, queueID int64, v any) {
	evt, err := events.Encode(name, v)
	if err != nil {
		c.log.Error("encode event", zap.String("event", name), zap.Error(err))
		return
	}
	c.bus.Dispatch(context.WithoutCancel(ctx), evt, model.QueueRef(queueID))
}
