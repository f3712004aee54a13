// Package ws owns live websocket connections: per-connection request/reply
// correlation, the connection registry with its single game host, and the
// inbound protocol handlers.
package ws

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DoyleJ11/bms-backend/internal/events"
	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrDisconnected   = errors.New("ws: connection closed")
	ErrSendBufferFull = errors.New("ws: send buffer full")
	ErrProtocol       = errors.New("ws: protocol error")
)

type Role int

const (
	RoleClient Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

const (
	defaultSendBuffer = 32
	writeTimeout      = 5 * time.Second
)

// MessageFunc handles one decoded inbound message. It runs on its own
// goroutine; successive messages on a connection are not ordered.
type MessageFunc func(ctx context.Context, c *Conn, msg types.InboundMessage)

type Conn struct {
	id  string
	t   Transport
	log *zap.Logger

	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	nextID    atomic.Int64

	mu       sync.Mutex
	role     Role
	state    State
	playerID *int64
	pending  map[int64]chan events.Payload
	subs     map[types.ModelRef]struct{}
}

type ConnOption func(*Conn)

func WithSendBuffer(n int) ConnOption {
	return func(c *Conn) { c.out = make(chan []byte, n) }
}

func NewConn(t Transport, log *zap.Logger, opts ...ConnOption) *Conn {
	id := uuid.NewString()
	c := &Conn{
		id:      id,
		t:       t,
		log:     log.Named("conn").With(zap.String("conn", id)),
		out:     make(chan []byte, defaultSendBuffer),
		closed:  make(chan struct{}),
		pending: make(map[int64]chan events.Payload),
		subs:    make(map[types.ModelRef]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PlayerID is nil for host and unauthenticated connections.
func (c *Conn) PlayerID() *int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playerID == nil {
		return nil
	}
	id := *c.playerID
	return &id
}

// Authenticate moves the connection out of the unauthenticated state. It
// fails once the connection is closed.
func (c *Conn) Authenticate(role Role, playerID *int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return ErrDisconnected
	}
	c.state = StateAuthenticated
	c.role = role
	c.playerID = playerID
	return nil
}

func (c *Conn) Subscribe(ref types.ModelRef) []types.ModelRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[ref] = struct{}{}
	return c.subscriptionsLocked()
}

func (c *Conn) Unsubscribe(ref types.ModelRef) []types.ModelRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, ref)
	return c.subscriptionsLocked()
}

func (c *Conn) Subscriptions() []types.ModelRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptionsLocked()
}

func (c *Conn) subscriptionsLocked() []types.ModelRef {
	out := make([]types.ModelRef, 0, len(c.subs))
	for ref := range c.subs {
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b types.ModelRef) int {
		return cmp.Or(strings.Compare(a.ModelName, b.ModelName), cmp.Compare(a.ModelPK, b.ModelPK))
	})
	return out
}

// Closed is closed when the connection has been torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Send queues evt without waiting for a reply. A full send buffer closes
// the connection.
func (c *Conn) Send(evt types.OutboundEvent) error {
	evt.MessageID = c.nextID.Add(1)
	return c.enqueue(evt)
}

// SendAndAwait sends evt and blocks until the peer echoes its message id in
// a ConfirmEvent, the connection closes, or ctx is done. The reply is the
// confirm payload.
func (c *Conn) SendAndAwait(ctx context.Context, evt types.OutboundEvent) (events.Payload, error) {
	id := c.nextID.Add(1)
	evt.MessageID = id
	reply := make(chan events.Payload, 1)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.pending[id] = reply
	c.mu.Unlock()

	if err := c.enqueue(evt); err != nil {
		c.drop(id)
		return nil, err
	}

	select {
	case p := <-reply:
		return p, nil
	case <-c.closed:
		select {
		case p := <-reply:
			return p, nil
		default:
		}
		return nil, ErrDisconnected
	case <-ctx.Done():
		c.drop(id)
		return nil, ctx.Err()
	}
}

// Resolve completes the pending SendAndAwait for id. It reports false if
// nothing was waiting.
func (c *Conn) Resolve(id int64, p events.Payload) bool {
	c.mu.Lock()
	reply, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		reply <- p
	}
	return ok
}

func (c *Conn) drop(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) enqueue(evt types.OutboundEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", evt.Type, err)
	}
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	select {
	case c.out <- b:
		return nil
	default:
		c.log.Warn("send buffer full, closing", zap.String("type", evt.Type))
		c.Close(websocket.StatusPolicyViolation, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close tears the connection down once. Every pending SendAndAwait fails
// with ErrDisconnected.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		clear(c.pending)
		c.mu.Unlock()
		close(c.closed)
		if err := c.t.Close(status, reason); err != nil {
			c.log.Debug("transport close", zap.Error(err))
		}
		c.log.Debug("closed", zap.String("reason", reason))
	})
}

// CloseWith writes evt straight to the transport, bypassing the send
// buffer, and then closes the connection.
func (c *Conn) CloseWith(evt types.OutboundEvent, status websocket.StatusCode, reason string) {
	evt.MessageID = c.nextID.Add(1)
	if b, err := json.Marshal(evt); err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := c.t.Write(ctx, b); err != nil {
			c.log.Debug("final write failed", zap.Error(err))
		}
		cancel()
	}
	c.Close(status, reason)
}

// Run pumps writes and reads until the transport fails or ctx is done.
// Each inbound message is handed to fn on a new goroutine. A message that
// is not a valid envelope is a protocol error and closes the connection.
func (c *Conn) Run(ctx context.Context, fn MessageFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close(websocket.StatusNormalClosure, "bye")

	go c.writePump(ctx)

	for {
		data, err := c.t.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var msg types.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Name == "" {
			c.log.Warn("bad inbound message", zap.Error(err))
			c.Close(websocket.StatusUnsupportedData, "bad message")
			return ErrProtocol
		}
		go fn(ctx, c, msg)
	}
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case b := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.t.Write(wctx, b)
			cancel()
			if err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}
