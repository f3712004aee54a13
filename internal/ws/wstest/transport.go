// Package wstest provides an in-memory ws.Transport for tests.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
)

var ErrClosed = errors.New("wstest: transport closed")

// Transport is the peer side of a connection. Tests push inbound frames
// with Push and read what the server wrote with Next.
type Transport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	status websocket.StatusCode
	reason string
}

func NewTransport() *Transport {
	return &Transport{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Read returns a websocket.CloseError carrying the close status once the
// transport is closed.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		return nil, websocket.CloseError{Code: t.status, Reason: t.reason}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) Write(ctx context.Context, b []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.out <- b:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) Close(status websocket.StatusCode, reason string) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.status, t.reason = status, reason
		t.mu.Unlock()
		close(t.closed)
	})
	return nil
}

func (t *Transport) Closed() <-chan struct{} { return t.closed }

func (t *Transport) CloseStatus() websocket.StatusCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Push delivers one inbound envelope.
func (t *Transport) Push(tb testing.TB, name string, payload any) {
	tb.Helper()
	p := map[string]any{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			tb.Fatalf("marshal payload: %v", err)
		}
		if err := json.Unmarshal(b, &p); err != nil {
			tb.Fatalf("payload must be an object: %v", err)
		}
	}
	b, err := json.Marshal(types.InboundMessage{Name: name, Payload: p})
	if err != nil {
		tb.Fatalf("marshal message: %v", err)
	}
	t.PushRaw(tb, b)
}

func (t *Transport) PushRaw(tb testing.TB, b []byte) {
	tb.Helper()
	select {
	case t.in <- b:
	case <-time.After(time.Second):
		tb.Fatal("timeout pushing inbound frame")
	}
}

// Next returns the next event the server wrote, failing after a second.
func (t *Transport) Next(tb testing.TB) types.OutboundEvent {
	tb.Helper()
	select {
	case b := <-t.out:
		var evt types.OutboundEvent
		if err := json.Unmarshal(b, &evt); err != nil {
			tb.Fatalf("decode outbound: %v", err)
		}
		return evt
	case <-time.After(time.Second):
		tb.Fatal("timeout waiting for outbound event")
	}
	return types.OutboundEvent{}
}

// Quiet fails if the server writes anything within d.
func (t *Transport) Quiet(tb testing.TB, d time.Duration) {
	tb.Helper()
	select {
	case b := <-t.out:
		tb.Fatalf("unexpected outbound frame: %s", b)
	case <-time.After(d):
	}
}
