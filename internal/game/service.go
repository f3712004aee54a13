// Package game turns finished map picks into games and tracks game state
// reported by the game host.
package game

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/host"
	"github.com/DoyleJ11/bms-backend/internal/mappick"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/notify"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"github.com/DoyleJ11/bms-backend/internal/ws"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
)

var (
	ErrGameNotFound    = apperr.NotFound("game not found")
	ErrAlreadyFinished = apperr.Conflict("game already finished")
	ErrUnknownWinner   = apperr.Validation("winner is not playing this game")
	ErrNotHost         = apperr.Forbidden("only the game host may report game state")
)

// DefaultPlugins are enabled on every game created from a map pick.
var DefaultPlugins = []string{"WarmUpPlugin", "DefusalPlugin"}

// Host is the part of the host gateway the service needs.
type Host interface {
	UpdateServer(ctx context.Context) (host.Reply, error)
}

type Service struct {
	store  store.Store
	host   Host
	notify notify.Notifier
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(st store.Store, h Host, n notify.Notifier, log *zap.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{store: st, host: h, notify: n, log: log.Named("game"), ctx: ctx, cancel: cancel}
}

// Close cancels pending host refreshes and waits for them to return.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Register(bus *events.Bus) {
	bus.On(events.MapPickDone, s.onMapPickDone)
	bus.On(events.GameStarted, s.onGameStarted)
	bus.On(events.GameEnded, s.onGameEnded)
}

// CreateGames creates one game per picked map of the match, decider last.
// Team one starts as CT.
func (s *Service) CreateGames(ctx context.Context, matchID int64) ([]*model.Game, error) {
	m, err := s.store.GetMatch(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("load match: %w", err)
	}
	proc, err := s.store.GetMapPickProcess(ctx, m.MapPickProcessID)
	if err != nil {
		return nil, fmt.Errorf("load map pick: %w", err)
	}
	one, err := s.store.GetTeam(ctx, m.TeamOneID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}
	two, err := s.store.GetTeam(ctx, m.TeamTwoID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}

	var games []*model.Game
	for _, pick := range proc.PickedMaps() {
		g := &model.Game{
			MatchID: model.Ptr(m.ID),
			Map:     pick.Map,
			Mode:    m.Mode,
			Status:  model.GameNotStarted,
			TeamAID: one.ID,
			TeamBID: two.ID,
			Plugins: append([]string(nil), DefaultPlugins...),
		}
		g.AllowPlayers(one.Players...)
		g.AllowPlayers(two.Players...)
		if err := s.store.CreateGame(ctx, g); err != nil {
			return games, fmt.Errorf("create game %s: %w", pick.Map, err)
		}
		s.notify.Created(ctx, notify.ModelGame, g.ID)
		games = append(games, g)
	}
	return games, nil
}

func (s *Service) onMapPickDone(ctx context.Context, _ any, p events.Payload) (any, error) {
	var done mappick.DonePayload
	if err := p.Decode(&done); err != nil {
		return nil, err
	}
	games, err := s.CreateGames(ctx, done.Match)
	if err != nil {
		return nil, err
	}
	s.log.Info("games created", zap.Int64("match", done.Match), zap.Int("games", len(games)))

	s.wg.Add(1)
	go s.refreshServer()
	return games, nil
}

// refreshServer tells the host to reload its listings, off the dispatch
// path.
func (s *Service) refreshServer() {
	defer s.wg.Done()
	r, err := s.host.UpdateServer(s.ctx)
	switch {
	case err != nil:
		s.log.Warn("server update failed", zap.Error(err))
	case r.Queued:
		s.log.Debug("server update queued until the host confirms")
	}
}

func (s *Service) Start(ctx context.Context, gameID int64) (*model.Game, error) {
	g, err := s.load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status == model.GameFinished {
		return nil, ErrAlreadyFinished
	}
	if g.Status == model.GameStarted {
		return g, nil
	}
	g.Status = model.GameStarted
	if err := s.store.UpdateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("save game: %w", err)
	}
	s.notify.Updated(ctx, notify.ModelGame, g.ID)
	return g, nil
}

// End marks the game finished. A zero winner records no winner.
func (s *Service) End(ctx context.Context, gameID, winnerTeamID int64) (*model.Game, error) {
	g, err := s.load(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if g.Status == model.GameFinished {
		return nil, ErrAlreadyFinished
	}
	if winnerTeamID != 0 {
		if winnerTeamID != g.TeamAID && winnerTeamID != g.TeamBID {
			return nil, ErrUnknownWinner
		}
		g.WinnerTeamID = model.Ptr(winnerTeamID)
	}
	g.Status = model.GameFinished
	if err := s.store.UpdateGame(ctx, g); err != nil {
		return nil, fmt.Errorf("save game: %w", err)
	}
	s.notify.Updated(ctx, notify.ModelGame, g.ID)
	return g, nil
}

func (s *Service) onGameStarted(ctx context.Context, scope any, p events.Payload) (any, error) {
	if err := fromHost(scope); err != nil {
		return nil, err
	}
	var in types.GameStartedPayload
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	g, err := s.Start(ctx, in.Game)
	if err != nil {
		return nil, err
	}
	s.log.Info("game started", zap.Int64("game", g.ID))
	return g, nil
}

func (s *Service) onGameEnded(ctx context.Context, scope any, p events.Payload) (any, error) {
	if err := fromHost(scope); err != nil {
		return nil, err
	}
	var in types.GameEndedPayload
	if err := p.Decode(&in); err != nil {
		return nil, err
	}
	g, err := s.End(ctx, in.Game, in.Winner)
	if err != nil {
		return nil, err
	}
	s.log.Info("game ended", zap.Int64("game", g.ID), zap.Int64("winner", in.Winner))
	return g, nil
}

func (s *Service) load(ctx context.Context, id int64) (*model.Game, error) {
	g, err := s.store.GetGame(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	return g, nil
}

func fromHost(scope any) error {
	c, ok := scope.(*ws.Conn)
	if !ok || c.Role() != ws.RoleHost {
		return ErrNotHost
	}
	return nil
}
