// Package gormstore implements store.Store on Postgres through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ store.Store = (*Store)(nil)

func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log.Named("gormstore")}
}

func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&model.Player{},
		&model.AuthSession{},
		&model.Queue{},
		&model.MatchTeam{},
		&model.Match{},
		&model.MapPickProcess{},
		&model.MapPick{},
		&model.Game{},
	)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	s.log.Info("schema migrated")
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return store.ErrDuplicate
	}
	return err
}

func first[T any](ctx context.Context, db *gorm.DB, id int64) (*T, error) {
	var v T
	if err := db.WithContext(ctx).First(&v, id).Error; err != nil {
		return nil, translate(err)
	}
	return &v, nil
}

// save updates every column of an existing row.
func save(ctx context.Context, db *gorm.DB, v any, id int64) error {
	res := db.WithContext(ctx).Model(v).Where("id = ?", id).Select("*").Omit(clause.Associations).Updates(v)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetPlayer(ctx context.Context, id int64) (*model.Player, error) {
	return first[model.Player](ctx, s.db, id)
}

func (s *Store) ListPlayers(ctx context.Context, ids []int64) ([]*model.Player, error) {
	var out []*model.Player
	if len(ids) == 0 {
		return out, nil
	}
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, translate(err)
}

func (s *Store) CreatePlayer(ctx context.Context, p *model.Player) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

func (s *Store) UpdatePlayer(ctx context.Context, p *model.Player) error {
	return save(ctx, s.db, p, p.ID)
}

func (s *Store) GetAuthSession(ctx context.Context, key string) (*model.AuthSession, error) {
	var sess model.AuthSession
	if err := s.db.WithContext(ctx).Where("key = ?", key).First(&sess).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

func (s *Store) CreateAuthSession(ctx context.Context, sess *model.AuthSession) error {
	return translate(s.db.WithContext(ctx).Create(sess).Error)
}

func (s *Store) GetQueue(ctx context.Context, id int64) (*model.Queue, error) {
	return first[model.Queue](ctx, s.db, id)
}

func (s *Store) CreateQueue(ctx context.Context, q *model.Queue) error {
	return translate(s.db.WithContext(ctx).Create(q).Error)
}

func (s *Store) UpdateQueue(ctx context.Context, q *model.Queue) error {
	return save(ctx, s.db, q, q.ID)
}

func (s *Store) GetTeam(ctx context.Context, id int64) (*model.MatchTeam, error) {
	return first[model.MatchTeam](ctx, s.db, id)
}

func (s *Store) CreateTeam(ctx context.Context, t *model.MatchTeam) error {
	return translate(s.db.WithContext(ctx).Create(t).Error)
}

func (s *Store) UpdateTeam(ctx context.Context, t *model.MatchTeam) error {
	return save(ctx, s.db, t, t.ID)
}

func (s *Store) GetMatch(ctx context.Context, id int64) (*model.Match, error) {
	return first[model.Match](ctx, s.db, id)
}

func (s *Store) CreateMatch(ctx context.Context, m *model.Match) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

func (s *Store) UpdateMatch(ctx context.Context, m *model.Match) error {
	return save(ctx, s.db, m, m.ID)
}

func (s *Store) GetMapPickProcess(ctx context.Context, id int64) (*model.MapPickProcess, error) {
	var p model.MapPickProcess
	err := s.db.WithContext(ctx).
		Preload("Maps", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		First(&p, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *Store) CreateMapPickProcess(ctx context.Context, p *model.MapPickProcess) error {
	return translate(s.db.WithContext(ctx).Create(p).Error)
}

// UpdateMapPickProcess writes the process row and all of its MapPick rows in
// one transaction.
func (s *Store) UpdateMapPickProcess(ctx context.Context, p *model.MapPickProcess) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := save(ctx, tx, p, p.ID); err != nil {
			return err
		}
		err := tx.Session(&gorm.Session{FullSaveAssociations: true}).
			Model(p).Association("Maps").Replace(p.Maps)
		return translate(err)
	})
}

func (s *Store) GetGame(ctx context.Context, id int64) (*model.Game, error) {
	return first[model.Game](ctx, s.db, id)
}

func (s *Store) ListGamesByMatch(ctx context.Context, matchID int64) ([]*model.Game, error) {
	var out []*model.Game
	err := s.db.WithContext(ctx).Where("match_id = ?", matchID).Order("id").Find(&out).Error
	return out, translate(err)
}

func (s *Store) CreateGame(ctx context.Context, g *model.Game) error {
	return translate(s.db.WithContext(ctx).Create(g).Error)
}

func (s *Store) UpdateGame(ctx context.Context, g *model.Game) error {
	return save(ctx, s.db, g, g.ID)
}
