package ws

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const TypeAuthenticated = "ACK_AUTH"

type Sessions interface {
	PlayerForSession(ctx context.Context, key string) (*model.Player, error)
}

// Protocol implements the connection-level inbound events. Every handler
// expects the *Conn the message arrived on as its scope.
type Protocol struct {
	reg      *Registry
	sessions Sessions
	secret   string
	log      *zap.Logger
}

func NewProtocol(reg *Registry, sessions Sessions, hostSecret string, log *zap.Logger) *Protocol {
	return &Protocol{reg: reg, sessions: sessions, secret: hostSecret, log: log.Named("protocol")}
}

func (p *Protocol) Register(bus *events.Bus) {
	bus.On(events.Confirm, p.confirm)
	bus.On(events.Ping, p.ping)
	bus.On(events.HostInit, p.hostInit)
	bus.On(events.Auth, p.auth)
	bus.On(events.Subscribe, p.subscribe)
	bus.On(events.Unsubscribe, p.unsubscribe)
}

func scopeConn(scope any) (*Conn, error) {
	c, ok := scope.(*Conn)
	if !ok {
		return nil, fmt.Errorf("scope %T is not a connection", scope)
	}
	return c, nil
}

func decode[T any](p events.Payload) (T, error) {
	var v T
	if err := p.Decode(&v); err != nil {
		return v, apperr.Validation("malformed payload")
	}
	return v, nil
}

func (p *Protocol) confirm(_ context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	in, err := decode[types.ConfirmPayload](payload)
	if err != nil {
		return nil, err
	}
	if !c.Resolve(in.ConfirmMessageID, payload) {
		p.log.Debug("confirm without pending request",
			zap.String("conn", c.ID()),
			zap.Int64("messageId", in.ConfirmMessageID))
	}
	return nil, nil
}

func (p *Protocol) ping(_ context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	in, err := decode[types.PingPayload](payload)
	if err != nil {
		return nil, err
	}
	return nil, c.Send(types.NewEvent(types.TypePing, types.PingPayload{PingID: in.PingID}))
}

func (p *Protocol) hostInit(_ context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	in, _ := decode[types.HostInitPayload](payload)
	if in.Secret == "" || subtle.ConstantTimeCompare([]byte(in.Secret), []byte(p.secret)) != 1 {
		p.log.Warn("rejected host handshake", zap.String("conn", c.ID()))
		c.CloseWith(types.NewErrorEvent(http.StatusUnauthorized, "unauthorized"),
			websocket.StatusPolicyViolation, "unauthorized")
		return nil, nil
	}

	if err := c.Authenticate(RoleHost, nil); err != nil {
		return nil, err
	}
	ack := types.NewEvent(types.TypeAckConn, nil).
		WithMessage("Acknowledge server connection. Welcome back, host")
	if err := c.Send(ack); err != nil {
		return nil, err
	}
	p.reg.SetHost(c)
	return nil, nil
}

func (p *Protocol) auth(ctx context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	in, err := decode[types.AuthPayload](payload)
	if err != nil {
		return nil, err
	}
	player, err := p.sessions.PlayerForSession(ctx, in.SessionKey)
	if err != nil {
		kind := apperr.KindOf(err)
		if kind == apperr.KindInternal {
			p.log.Error("session lookup", zap.Error(err))
		}
		return nil, c.Send(types.NewErrorEvent(apperr.HTTPStatus(kind), apperr.Message(err)))
	}

	id := player.ID
	if err := c.Authenticate(RoleClient, &id); err != nil {
		return nil, err
	}
	p.reg.Authorize(id, c)
	evt := types.NewEvent(TypeAuthenticated, map[string]any{"player": id})
	evt.SessionKey = &in.SessionKey
	return nil, c.Send(evt)
}

func (p *Protocol) subscribe(_ context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	ref, err := decode[types.ModelRef](payload)
	if err != nil {
		return nil, err
	}
	subs := c.Subscribe(ref)
	return nil, c.Send(types.NewEvent(types.TypeSubscriptions, types.SubscriptionsPayload{Subscriptions: subs}))
}

func (p *Protocol) unsubscribe(_ context.Context, scope any, payload events.Payload) (any, error) {
	c, err := scopeConn(scope)
	if err != nil {
		return nil, err
	}
	ref, err := decode[types.ModelRef](payload)
	if err != nil {
		return nil, err
	}
	subs := c.Unsubscribe(ref)
	return nil, c.Send(types.NewEvent(types.TypeSubscriptions, types.SubscriptionsPayload{Subscriptions: subs}))
}
