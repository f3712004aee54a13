// Package notify tells connected clients that a persisted entity changed.
package notify

import (
	"context"

	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
)

// Model names as they appear in change events.
const (
	ModelPlayer         = "player"
	ModelQueue          = "queue"
	ModelMatch          = "match"
	ModelMatchTeam      = "matchTeam"
	ModelMapPickProcess = "mapPickProcess"
	ModelGame           = "game"
)

type Notifier interface {
	Created(ctx context.Context, model string, pk int64)
	Updated(ctx context.Context, model string, pk int64)
}

type Nop struct{}

func (Nop) Created(context.Context, string, int64) {}
func (Nop) Updated(context.Context, string, int64) {}

type Local interface {
	Broadcast(evt types.OutboundEvent) int
}

type Publisher interface {
	Publish(ctx context.Context, evt types.OutboundEvent) error
}

// Broadcaster pushes change events to every local connection and, when a
// publisher is set, to the other instances.
type Broadcaster struct {
	local Local
	pub   Publisher
	log   *zap.Logger
}

func NewBroadcaster(local Local, pub Publisher, log *zap.Logger) *Broadcaster {
	return &Broadcaster{local: local, pub: pub, log: log.Named("notify")}
}

func (b *Broadcaster) Created(ctx context.Context, model string, pk int64) {
	b.send(ctx, types.TypeModelCreate, model, pk)
}

func (b *Broadcaster) Updated(ctx context.Context, model string, pk int64) {
	b.send(ctx, types.TypeModelUpdate, model, pk)
}

func (b *Broadcaster) send(ctx context.Context, typ, model string, pk int64) {
	evt := types.NewEvent(typ, types.ModelRef{ModelName: model, ModelPK: pk})
	n := b.local.Broadcast(evt)
	b.log.Debug("model change", zap.String("type", typ), zap.String("model", model), zap.Int64("pk", pk), zap.Int("conns", n))
	if b.pub == nil {
		return
	}
	if err := b.pub.Publish(ctx, evt); err != nil {
		b.log.Warn("relay publish failed", zap.String("model", model), zap.Error(err))
	}
}
