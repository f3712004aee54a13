// Package memstore is a process-local store.Store used in development and
// tests.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/store"
)

type table[T any] struct {
	rows  map[int64]*T
	next  int64
	id    func(*T) *int64
	clone func(*T) *T
}

func newTable[T any](id func(*T) *int64, clone func(*T) *T) *table[T] {
	return &table[T]{rows: make(map[int64]*T), id: id, clone: clone}
}

func (t *table[T]) get(id int64) (*T, error) {
	r, ok := t.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.clone(r), nil
}

func (t *table[T]) create(v *T) error {
	idp := t.id(v)
	if *idp == 0 {
		t.next++
		*idp = t.next
	} else if _, ok := t.rows[*idp]; ok {
		return store.ErrDuplicate
	} else if *idp > t.next {
		t.next = *idp
	}
	t.rows[*idp] = t.clone(v)
	return nil
}

func (t *table[T]) update(v *T) error {
	id := *t.id(v)
	if _, ok := t.rows[id]; !ok {
		return store.ErrNotFound
	}
	t.rows[id] = t.clone(v)
	return nil
}

type Store struct {
	mu        sync.RWMutex
	players   *table[model.Player]
	queues    *table[model.Queue]
	teams     *table[model.MatchTeam]
	matches   *table[model.Match]
	processes *table[model.MapPickProcess]
	games     *table[model.Game]
	sessions  map[string]*model.AuthSession
	mapPickID int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		players:   newTable(func(p *model.Player) *int64 { return &p.ID }, (*model.Player).Clone),
		queues:    newTable(func(q *model.Queue) *int64 { return &q.ID }, (*model.Queue).Clone),
		teams:     newTable(func(t *model.MatchTeam) *int64 { return &t.ID }, (*model.MatchTeam).Clone),
		matches:   newTable(func(m *model.Match) *int64 { return &m.ID }, (*model.Match).Clone),
		processes: newTable(func(p *model.MapPickProcess) *int64 { return &p.ID }, (*model.MapPickProcess).Clone),
		games:     newTable(func(g *model.Game) *int64 { return &g.ID }, (*model.Game).Clone),
		sessions:  make(map[string]*model.AuthSession),
	}
}

func (s *Store) GetPlayer(_ context.Context, id int64) (*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.players.get(id)
}

// ListPlayers skips ids that do not exist.
func (s *Store) ListPlayers(_ context.Context, ids []int64) ([]*model.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Player, 0, len(ids))
	for _, id := range ids {
		if p, err := s.players.get(id); err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) CreatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players.create(p)
}

func (s *Store) UpdatePlayer(_ context.Context, p *model.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players.update(p)
}

func (s *Store) GetAuthSession(_ context.Context, key string) (*model.AuthSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *sess
	return &c, nil
}

func (s *Store) CreateAuthSession(_ context.Context, sess *model.AuthSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Key]; ok {
		return store.ErrDuplicate
	}
	c := *sess
	s.sessions[sess.Key] = &c
	return nil
}

func (s *Store) GetQueue(_ context.Context, id int64) (*model.Queue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queues.get(id)
}

func (s *Store) CreateQueue(_ context.Context, q *model.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.create(q)
}

func (s *Store) UpdateQueue(_ context.Context, q *model.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.update(q)
}

func (s *Store) GetTeam(_ context.Context, id int64) (*model.MatchTeam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.teams.get(id)
}

func (s *Store) CreateTeam(_ context.Context, t *model.MatchTeam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teams.create(t)
}

func (s *Store) UpdateTeam(_ context.Context, t *model.MatchTeam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teams.update(t)
}

func (s *Store) GetMatch(_ context.Context, id int64) (*model.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matches.get(id)
}

func (s *Store) CreateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches.create(m)
}

func (s *Store) UpdateMatch(_ context.Context, m *model.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches.update(m)
}

func (s *Store) GetMapPickProcess(_ context.Context, id int64) (*model.MapPickProcess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processes.get(id)
}

func (s *Store) CreateMapPickProcess(_ context.Context, p *model.MapPickProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.processes.create(p); err != nil {
		return err
	}
	s.assignMapPickIDs(p)
	return s.processes.update(p)
}

func (s *Store) UpdateMapPickProcess(_ context.Context, p *model.MapPickProcess) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignMapPickIDs(p)
	return s.processes.update(p)
}

func (s *Store) assignMapPickIDs(p *model.MapPickProcess) {
	for i := range p.Maps {
		p.Maps[i].ProcessID = p.ID
		if p.Maps[i].ID == 0 {
			s.mapPickID++
			p.Maps[i].ID = s.mapPickID
		}
	}
}

func (s *Store) GetGame(_ context.Context, id int64) (*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.games.get(id)
}

func (s *Store) ListGamesByMatch(_ context.Context, matchID int64) ([]*model.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Game
	for _, g := range s.games.rows {
		if g.MatchID != nil && *g.MatchID == matchID {
			out = append(out, g.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *model.Game) int { return int(a.ID - b.ID) })
	return out, nil
}

func (s *Store) CreateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.games.create(g)
}

func (s *Store) UpdateGame(_ context.Context, g *model.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.games.update(g)
}
