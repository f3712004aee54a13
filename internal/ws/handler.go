package ws

import (
	"context"
	"net/http"

	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type HandlerConfig struct {
	// OriginPatterns loosens the same-origin check, e.g. "localhost:*".
	OriginPatterns []string
	SendBuffer     int
}

// Handler upgrades the request and serves the connection until it closes.
// Every inbound message is dispatched on bus with the *Conn as scope.
func Handler(reg *Registry, bus *events.Bus, log *zap.Logger, cfg HandlerConfig) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.OriginPatterns,
		})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}

		var opts []ConnOption
		if cfg.SendBuffer > 0 {
			opts = append(opts, WithSendBuffer(cfg.SendBuffer))
		}
		c := NewConn(NewTransport(sock), log, opts...)
		if err := Serve(r.Context(), c, reg, bus); err != nil {
			log.Debug("connection ended", zap.String("conn", c.ID()), zap.Error(err))
		}
	}
}

// Serve registers c, runs it, and unregisters it once it stops.
func Serve(ctx context.Context, c *Conn, reg *Registry, bus *events.Bus) error {
	reg.Register(c)
	defer reg.Unregister(c)

	return c.Run(ctx, func(ctx context.Context, c *Conn, msg types.InboundMessage) {
		bus.Dispatch(ctx, events.New(msg.Name, msg.Payload), c)
	})
}
