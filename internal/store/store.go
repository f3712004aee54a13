// Package store is the persistence boundary for the coordinators. Every
// read returns a private copy; callers mutate it and write it back with
// the matching Update call.
package store

import (
	"context"
	"errors"

	"github.com/DoyleJ11/bms-backend/internal/model"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrDuplicate = errors.New("store: record already exists")
)

type Store interface {
	GetPlayer(ctx context.Context, id int64) (*model.Player, error)
	ListPlayers(ctx context.Context, ids []int64) ([]*model.Player, error)
	CreatePlayer(ctx context.Context, p *model.Player) error
	UpdatePlayer(ctx context.Context, p *model.Player) error

	GetAuthSession(ctx context.Context, key string) (*model.AuthSession, error)
	CreateAuthSession(ctx context.Context, s *model.AuthSession) error

	GetQueue(ctx context.Context, id int64) (*model.Queue, error)
	CreateQueue(ctx context.Context, q *model.Queue) error
	UpdateQueue(ctx context.Context, q *model.Queue) error

	GetTeam(ctx context.Context, id int64) (*model.MatchTeam, error)
	CreateTeam(ctx context.Context, t *model.MatchTeam) error
	UpdateTeam(ctx context.Context, t *model.MatchTeam) error

	GetMatch(ctx context.Context, id int64) (*model.Match, error)
	CreateMatch(ctx context.Context, m *model.Match) error
	UpdateMatch(ctx context.Context, m *model.Match) error

	GetMapPickProcess(ctx context.Context, id int64) (*model.MapPickProcess, error)
	CreateMapPickProcess(ctx context.Context, p *model.MapPickProcess) error
	UpdateMapPickProcess(ctx context.Context, p *model.MapPickProcess) error

	GetGame(ctx context.Context, id int64) (*model.Game, error)
	ListGamesByMatch(ctx context.Context, matchID int64) ([]*model.Game, error)
	CreateGame(ctx context.Context, g *model.Game) error
	UpdateGame(ctx context.Context, g *model.Game) error
}
