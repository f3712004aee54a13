// Package host is the business-facing gateway to the game host. Calls made
// while the host is offline are queued and delivered in order once it
// attaches.
package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/ws"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"go.uber.org/zap"
)

type Source interface {
	Host() *ws.Conn
	OnHostConnect(fn func(context.Context))
}

// Reply is the host's answer to a call. Queued calls have no payload.
type Reply struct {
	Payload events.Payload
	Queued  bool
}

type Gateway struct {
	src      Source
	log      *zap.Logger
	serverID int64
	timeout  time.Duration

	mu       sync.Mutex
	queue    []types.OutboundEvent
	flushing bool
}

type Option func(*Gateway)

// WithCallTimeout bounds how long a call waits for the host's confirm.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

func WithServerID(id int64) Option {
	return func(g *Gateway) { g.serverID = id }
}

func NewGateway(src Source, log *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		src:      src,
		log:      log.Named("host"),
		serverID: 1,
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	src.OnHostConnect(g.flush)
	return g
}

// Call delivers evt to the host and waits up to the call timeout for its
// confirm. If the host is offline, or earlier calls are still waiting to be
// flushed, evt is queued behind them and Call returns a queued Reply at once.
// A call the host does not confirm in time is queued for the next host.
func (g *Gateway) Call(ctx context.Context, evt types.OutboundEvent) (Reply, error) {
	g.mu.Lock()
	conn := g.src.Host()
	if conn == nil || g.flushing || len(g.queue) > 0 {
		g.queue = append(g.queue, evt)
		g.mu.Unlock()
		g.log.Debug("queued host call", zap.String("type", evt.Type))
		return Reply{Queued: true}, nil
	}
	g.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	p, err := conn.SendAndAwait(cctx, evt)
	cancel()
	switch {
	case err == nil:
		return Reply{Payload: p}, nil
	case ctx.Err() != nil:
		return Reply{}, ctx.Err()
	case errors.Is(err, ws.ErrDisconnected):
		g.requeue(evt)
		return Reply{Queued: true}, nil
	case errors.Is(err, context.DeadlineExceeded):
		g.requeue(evt)
		g.log.Warn("host did not confirm, call queued", zap.String("type", evt.Type), zap.Duration("timeout", g.timeout))
		return Reply{Queued: true}, nil
	}
	return Reply{}, err
}

// Pending is the number of queued calls.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Gateway) requeue(evt types.OutboundEvent) {
	g.mu.Lock()
	g.queue = append([]types.OutboundEvent{evt}, g.queue...)
	g.mu.Unlock()
}

// flush drains the queue one call at a time. Only one flush runs at once.
// A call that fails goes back to the front of the queue: a disconnect hands
// the rest to the replacing host, any other failure stops the flush until
// the next host attaches.
func (g *Gateway) flush(ctx context.Context) {
	g.mu.Lock()
	if g.flushing || len(g.queue) == 0 {
		g.mu.Unlock()
		return
	}
	g.flushing = true
	g.mu.Unlock()

	delivered := 0
	for {
		g.mu.Lock()
		conn := g.src.Host()
		if len(g.queue) == 0 || conn == nil {
			g.log.Debug("flush finished", zap.Int("delivered", delivered), zap.Int("queued", len(g.queue)))
			g.flushing = false
			g.mu.Unlock()
			return
		}
		evt := g.queue[0]
		g.queue = g.queue[1:]
		g.mu.Unlock()

		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		_, err := conn.SendAndAwait(cctx, evt)
		cancel()
		if err == nil {
			delivered++
			continue
		}

		g.requeue(evt)
		g.mu.Lock()
		if errors.Is(err, ws.ErrDisconnected) && ctx.Err() == nil {
			if next := g.src.Host(); next != nil && next != conn {
				g.mu.Unlock()
				continue
			}
			g.log.Info("host went away during flush", zap.Int("queued", len(g.queue)))
		} else {
			g.log.Warn("host call failed, flush stopped", zap.String("type", evt.Type),
				zap.Int("queued", len(g.queue)), zap.Error(err))
		}
		g.flushing = false
		g.mu.Unlock()
		return
	}
}

func (g *Gateway) ModelUpdate(ctx context.Context, modelName string, pk int64) (Reply, error) {
	return g.Call(ctx, types.NewEvent(types.TypeModelUpdate, types.ModelRef{ModelName: modelName, ModelPK: pk}))
}

// UpdateServer makes the host reload its lobby and hub listings.
func (g *Gateway) UpdateServer(ctx context.Context) (Reply, error) {
	return g.ModelUpdate(ctx, "server", g.serverID)
}

func (g *Gateway) UpdateGame(ctx context.Context, gameID int64) (Reply, error) {
	return g.ModelUpdate(ctx, "game", gameID)
}

func (g *Gateway) JoinGame(ctx context.Context, gameID, playerID, teamID int64) (Reply, error) {
	return g.Call(ctx, types.NewEvent(types.TypeJoinGame, types.JoinGamePayload{
		PlayerID: playerID,
		GameID:   gameID,
		TeamID:   teamID,
	}))
}
