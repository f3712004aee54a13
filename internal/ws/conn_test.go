package ws

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/internal/ws/wstest"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type awaitResult struct {
	payload events.Payload
	err     error
}

// runConn starts c with a message func that resolves confirms directly.
func runConn(t *testing.T, c *Conn) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(_ context.Context, c *Conn, msg types.InboundMessage) {
			if msg.Name != events.Confirm {
				return
			}
			var in types.ConfirmPayload
			if err := events.Payload(msg.Payload).Decode(&in); err == nil {
				c.Resolve(in.ConfirmMessageID, msg.Payload)
			}
		})
	}()
	return done
}

func sendAndAwait(ctx context.Context, c *Conn, evt types.OutboundEvent) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		p, err := c.SendAndAwait(ctx, evt)
		out <- awaitResult{p, err}
	}()
	return out
}

func recvResult(t *testing.T, ch <-chan awaitResult) awaitResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for SendAndAwait")
	}
	return awaitResult{}
}

func TestConn_SendAndAwaitResolvesOnConfirm(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	runConn(t, c)

	res := sendAndAwait(context.Background(), c, types.NewEvent(types.TypeModelUpdate, nil))

	out := tr.Next(t)
	assert.Equal(t, types.TypeModelUpdate, out.Type)
	assert.Equal(t, 200, out.Status)
	require.NotZero(t, out.MessageID)

	tr.Push(t, events.Confirm, types.ConfirmPayload{ConfirmMessageID: out.MessageID})

	r := recvResult(t, res)
	require.NoError(t, r.err)
	assert.EqualValues(t, out.MessageID, r.payload["confirmMessageId"])
}

func TestConn_CloseFailsPending(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	runConn(t, c)

	first := sendAndAwait(context.Background(), c, types.NewEvent("A", nil))
	second := sendAndAwait(context.Background(), c, types.NewEvent("B", nil))
	tr.Next(t)
	tr.Next(t)

	c.Close(websocket.StatusNormalClosure, "test")

	assert.ErrorIs(t, recvResult(t, first).err, ErrDisconnected)
	assert.ErrorIs(t, recvResult(t, second).err, ErrDisconnected)
	assert.Equal(t, StateClosed, c.State())

	_, err := c.SendAndAwait(context.Background(), types.NewEvent("C", nil))
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, c.Send(types.NewEvent("D", nil)), ErrDisconnected)
}

func TestConn_SendAndAwaitHonoursCallerContext(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	runConn(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := sendAndAwait(ctx, c, types.NewEvent("A", nil))
	out := tr.Next(t)

	assert.ErrorIs(t, recvResult(t, res).err, context.DeadlineExceeded)
	assert.False(t, c.Resolve(out.MessageID, nil), "expired request must be forgotten")
	assert.NotEqual(t, StateClosed, c.State())
}

func TestConn_ResolveUnknownID(t *testing.T) {
	c := NewConn(wstest.NewTransport(), zaptest.NewLogger(t))
	assert.False(t, c.Resolve(42, nil))
}

func TestConn_FullSendBufferCloses(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t), WithSendBuffer(1))

	require.NoError(t, c.Send(types.NewEvent("A", nil)))
	err := c.Send(types.NewEvent("B", nil))

	assert.ErrorIs(t, err, ErrSendBufferFull)
	assert.Equal(t, StateClosed, c.State())
	select {
	case <-tr.Closed():
	default:
		t.Fatal("transport should be closed")
	}
}

func TestConn_BadEnvelopeIsProtocolError(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	done := runConn(t, c)

	tr.PushRaw(t, []byte(`{not json`))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, websocket.StatusUnsupportedData, tr.CloseStatus())
}

func TestConn_PeerCloseStopsRun(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	done := runConn(t, c)

	require.NoError(t, tr.Close(websocket.StatusNormalClosure, "peer"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestConn_MessageIDsIncrease(t *testing.T) {
	tr := wstest.NewTransport()
	c := NewConn(tr, zaptest.NewLogger(t))
	runConn(t, c)

	require.NoError(t, c.Send(types.NewEvent("A", nil)))
	require.NoError(t, c.Send(types.NewEvent("B", nil)))

	a, b := tr.Next(t), tr.Next(t)
	assert.Equal(t, "A", a.Type)
	assert.Greater(t, b.MessageID, a.MessageID)
}

func TestConn_Subscriptions(t *testing.T) {
	c := NewConn(wstest.NewTransport(), zaptest.NewLogger(t))

	c.Subscribe(types.ModelRef{ModelName: "match", ModelPK: 2})
	c.Subscribe(types.ModelRef{ModelName: "game", ModelPK: 9})
	subs := c.Subscribe(types.ModelRef{ModelName: "match", ModelPK: 1})

	assert.Equal(t, []types.ModelRef{
		{ModelName: "game", ModelPK: 9},
		{ModelName: "match", ModelPK: 1},
		{ModelName: "match", ModelPK: 2},
	}, subs)

	subs = c.Unsubscribe(types.ModelRef{ModelName: "game", ModelPK: 9})
	assert.Len(t, subs, 2)
}
