package ws

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/apperr"
	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/model"
	"github.com/DoyleJ11/bms-backend/internal/ws/wstest"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "s3cret"

type fakeSessions map[string]int64

func (f fakeSessions) PlayerForSession(_ context.Context, key string) (*model.Player, error) {
	id, ok := f[key]
	if !ok {
		return nil, apperr.Unauthorized("invalid session")
	}
	return &model.Player{ID: id}, nil
}

type protoEnv struct {
	reg *Registry
	bus *events.Bus
}

func newProtoEnv(t *testing.T) *protoEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	env := &protoEnv{reg: startRegistry(t), bus: events.NewBus(log)}
	NewProtocol(env.reg, fakeSessions{"good": 5}, testSecret, log).Register(env.bus)
	return env
}

func (e *protoEnv) serve(t *testing.T) (*Conn, *wstest.Transport, <-chan error) {
	t.Helper()
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, c, e.reg, e.bus) }()
	return c, tr, done
}

func TestProtocol_Ping(t *testing.T) {
	env := newProtoEnv(t)
	_, tr, _ := env.serve(t)

	tr.Push(t, events.Ping, types.PingPayload{PingID: "abc"})

	evt := tr.Next(t)
	assert.Equal(t, types.TypePing, evt.Type)
	assert.Equal(t, map[string]any{"ping_id": "abc"}, evt.Payload)
}

func TestProtocol_HostInitRejectsBadSecret(t *testing.T) {
	env := newProtoEnv(t)
	c, tr, done := env.serve(t)

	tr.Push(t, events.HostInit, types.HostInitPayload{Secret: "wrong"})

	evt := tr.Next(t)
	assert.Equal(t, types.TypeError, evt.Type)
	assert.Equal(t, http.StatusUnauthorized, evt.Status)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection should close")
	}
	assert.Equal(t, websocket.StatusPolicyViolation, tr.CloseStatus())
	assert.Equal(t, StateClosed, c.State())
	assert.Nil(t, env.reg.Host())
}

func TestProtocol_HostInitDesignatesHost(t *testing.T) {
	env := newProtoEnv(t)
	c, tr, _ := env.serve(t)

	tr.Push(t, events.HostInit, types.HostInitPayload{Secret: testSecret})

	evt := tr.Next(t)
	assert.Equal(t, types.TypeAckConn, evt.Type)
	require.NotNil(t, evt.Message)
	assert.Eventually(t, func() bool { return env.reg.Host() == c }, time.Second, 5*time.Millisecond)
	assert.Equal(t, RoleHost, c.Role())
	assert.Equal(t, StateAuthenticated, c.State())
}

func TestProtocol_HostDisconnectClearsHost(t *testing.T) {
	env := newProtoEnv(t)
	c, tr, done := env.serve(t)

	tr.Push(t, events.HostInit, types.HostInitPayload{Secret: testSecret})
	tr.Next(t)
	require.Eventually(t, func() bool { return env.reg.Host() == c }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close(websocket.StatusNormalClosure, "bye"))
	<-done

	assert.Eventually(t, func() bool { return env.reg.Host() == nil }, time.Second, 5*time.Millisecond)
	assert.Zero(t, env.reg.Len())
}

func TestProtocol_Auth(t *testing.T) {
	env := newProtoEnv(t)
	c, tr, _ := env.serve(t)

	tr.Push(t, events.Auth, types.AuthPayload{SessionKey: "bad"})
	evt := tr.Next(t)
	assert.Equal(t, types.TypeError, evt.Type)
	assert.Equal(t, http.StatusUnauthorized, evt.Status)
	assert.Equal(t, StateUnauthenticated, c.State())

	tr.Push(t, events.Auth, types.AuthPayload{SessionKey: "good"})
	evt = tr.Next(t)
	assert.Equal(t, TypeAuthenticated, evt.Type)
	require.NotNil(t, evt.SessionKey)
	assert.Equal(t, "good", *evt.SessionKey)

	require.NotNil(t, c.PlayerID())
	assert.Equal(t, int64(5), *c.PlayerID())
	assert.Eventually(t, func() bool { return env.reg.ConnForPlayer(5) == c }, time.Second, 5*time.Millisecond)
}

func TestProtocol_SubscribeAndUnsubscribe(t *testing.T) {
	env := newProtoEnv(t)
	_, tr, _ := env.serve(t)

	tr.Push(t, events.Subscribe, types.ModelRef{ModelName: "match", ModelPK: 3})
	evt := tr.Next(t)
	assert.Equal(t, types.TypeSubscriptions, evt.Type)
	assert.Equal(t, map[string]any{
		"subscriptions": []any{map[string]any{"model_name": "match", "model_pk": float64(3)}},
	}, evt.Payload)

	tr.Push(t, events.Unsubscribe, types.ModelRef{ModelName: "match", ModelPK: 3})
	evt = tr.Next(t)
	assert.Equal(t, map[string]any{"subscriptions": []any{}}, evt.Payload)
}

func TestProtocol_ConfirmResolvesHostCall(t *testing.T) {
	env := newProtoEnv(t)
	c, tr, _ := env.serve(t)

	res := sendAndAwait(context.Background(), c, types.NewEvent(types.TypeModelUpdate, nil))
	out := tr.Next(t)
	tr.Push(t, events.Confirm, types.ConfirmPayload{ConfirmMessageID: out.MessageID})

	r := recvResult(t, res)
	require.NoError(t, r.err)
}
