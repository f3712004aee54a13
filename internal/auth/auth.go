// Package auth resolves session keys to players and checks permissions.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/store"
	"github.com/google/uuid"
)

const PermCreateMatches = "api.can_create_matches"

var ErrInvalidSession = apperr.Unauthorized("invalid session")

type Sessions struct {
	store store.Store
	now   func() time.Time
}

func NewSessions(st store.Store) *Sessions {
	return &Sessions{store: st, now: time.Now}
}

// PlayerForSession returns the player owning key.
func (s *Sessions) PlayerForSession(ctx context.Context, key string) (*model.Player, error) {
	if key == "" {
		return nil, ErrInvalidSession
	}
	sess, err := s.store.GetAuthSession(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	p, err := s.store.GetPlayer(ctx, sess.PlayerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("load player: %w", err)
	}
	return p, nil
}

// Issue stores a new random session key for the player.
func (s *Sessions) Issue(ctx context.Context, playerID int64) (*model.AuthSession, error) {
	sess := &model.AuthSession{
		Key:       strings.ReplaceAll(uuid.NewString(), "-", ""),
		PlayerID:  playerID,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateAuthSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

type ctxKey struct{}

func WithPlayer(ctx context.Context, p *model.Player) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PlayerFrom(ctx context.Context) (*model.Player, bool) {
	p, ok := ctx.Value(ctxKey{}).(*model.Player)
	return p, ok && p != nil
}

// HasPermission reports whether any grant of p covers required. Grants are
// dotted paths; a "*" segment covers everything below it. A grant longer
// than the requirement never covers it.
func HasPermission(p *model.Player, required string) bool {
	if p == nil || required == "" {
		return false
	}
	want := strings.Split(required, ".")
	for _, grant := range p.Permissions {
		if covers(strings.Split(grant, "."), want) {
			return true
		}
	}
	return false
}

func covers(grant, want []string) bool {
	if len(grant) == 0 || len(grant) > len(want) {
		return false
	}
	for i, seg := range grant {
		if seg == "*" {
			return true
		}
		if seg != want[i] {
			return false
		}
	}
	return len(grant) == len(want)
}
