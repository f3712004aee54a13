package relay

import (
	"context"
	"testing"
	"time"

	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupRelays(t *testing.T) (*Redis, *Redis) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	newRelay := func() *Redis {
		r, err := New(&redis.Options{Addr: mr.Addr()}, "test:broadcast", zaptest.NewLogger(t))
		require.NoError(t, err)
		t.Cleanup(func() { r.Close() })
		return r
	}
	return newRelay(), newRelay()
}

func TestNew_RejectsEmptyChannel(t *testing.T) {
	_, err := New(&redis.Options{Addr: "localhost:6379"}, "", zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestNewFromURL(t *testing.T) {
	_, err := NewFromURL("not a url", zaptest.NewLogger(t))
	assert.Error(t, err)

	r, err := NewFromURL("redis://localhost:6379/0", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.NotEmpty(t, r.Node())
	require.NoError(t, r.Close())
}

func TestRelay_DeliversToOtherNodesOnly(t *testing.T) {
	a, b := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, a.Ping(ctx))
	subA, err := a.Subscribe(ctx)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := b.Subscribe(ctx)
	require.NoError(t, err)
	defer subB.Close()

	evt := types.NewEvent(types.TypeModelUpdate, types.ModelRef{ModelName: "match", ModelPK: 4})
	require.NoError(t, a.Publish(ctx, evt))

	select {
	case got := <-subB.Events():
		assert.Equal(t, types.TypeModelUpdate, got.Type)
		assert.Equal(t, map[string]any{"model_name": "match", "model_pk": float64(4)}, got.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("other node did not receive the event")
	}

	select {
	case got := <-subA.Events():
		t.Fatalf("publisher received its own event: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRelay_RunStopsWithContext(t *testing.T) {
	a, b := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan types.OutboundEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(evt types.OutboundEvent) {
			select {
			case got <- evt:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		_ = a.Publish(context.Background(), types.NewEvent("X", nil))
		select {
		case evt := <-got:
			return evt.Type == "X"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestRelay_RunSkipsMalformedMessages(t *testing.T) {
	a, b := setupRelays(t)
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan types.OutboundEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(ctx, func(evt types.OutboundEvent) {
			select {
			case got <- evt:
			default:
			}
		})
	}()

	require.Eventually(t, func() bool {
		_ = a.rdb.Publish(context.Background(), "test:broadcast", "{not json").Err()
		_ = a.Publish(context.Background(), types.NewEvent("Y", nil))
		select {
		case evt := <-got:
			return evt.Type == "Y"
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
