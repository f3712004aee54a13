package ws

import (
	"context"

	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type registryMsg interface{ isRegistryMsg() }

type register struct{ conn *Conn }

type unregister struct{ conn *Conn }

type setHost struct{ conn *Conn }

type getHost struct{ reply chan *Conn }

type onHostConnect struct{ fn func(context.Context) }

type authorize struct {
	playerID int64
	conn     *Conn
}

type connForPlayer struct {
	playerID int64
	reply    chan *Conn
}

type broadcast struct {
	evt  types.OutboundEvent
	done chan int
}

type count struct{ reply chan int }

func (register) isRegistryMsg()      {}
func (unregister) isRegistryMsg()    {}
func (setHost) isRegistryMsg()       {}
func (getHost) isRegistryMsg()       {}
func (onHostConnect) isRegistryMsg() {}
func (authorize) isRegistryMsg()     {}
func (connForPlayer) isRegistryMsg() {}
func (broadcast) isRegistryMsg()     {}
func (count) isRegistryMsg()         {}

// Registry tracks every live connection and the single game host. All state
// is owned by the Run loop, so removing a connection and clearing it as
// host happen in one step.
type Registry struct {
	log   *zap.Logger
	inbox chan registryMsg
	done  chan struct{}

	ctx       context.Context
	conns     map[*Conn]struct{}
	host      *Conn
	players   map[int64]*Conn
	callbacks []func(context.Context)
}

func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		log:     log.Named("registry"),
		inbox:   make(chan registryMsg, 64),
		done:    make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
		players: make(map[int64]*Conn),
	}
}

// Run owns the registry state until ctx is done. Host callbacks receive
// ctx.
func (r *Registry) Run(ctx context.Context) error {
	r.ctx = ctx
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			for c := range r.conns {
				c.Close(websocket.StatusGoingAway, "shutting down")
			}
			clear(r.conns)
			r.host = nil
			return nil

		case m := <-r.inbox:
			r.handle(m)
		}
	}
}

func (r *Registry) handle(m registryMsg) {
	switch msg := m.(type) {
	case register:
		r.conns[msg.conn] = struct{}{}

	case unregister:
		r.remove(msg.conn)

	case setHost:
		if _, ok := r.conns[msg.conn]; !ok {
			r.log.Warn("host is not registered", zap.String("conn", msg.conn.ID()))
			return
		}
		if r.host != nil && r.host != msg.conn {
			r.log.Warn("replacing game host", zap.String("old", r.host.ID()), zap.String("new", msg.conn.ID()))
		}
		r.host = msg.conn
		r.log.Info("game host attached", zap.String("conn", msg.conn.ID()), zap.Int("callbacks", len(r.callbacks)))
		for _, fn := range r.callbacks {
			go fn(r.ctx)
		}

	case getHost:
		msg.reply <- r.host

	case onHostConnect:
		r.callbacks = append(r.callbacks, msg.fn)

	case authorize:
		if _, ok := r.conns[msg.conn]; ok {
			r.players[msg.playerID] = msg.conn
		}

	case connForPlayer:
		msg.reply <- r.players[msg.playerID]

	case broadcast:
		sent := 0
		for c := range r.conns {
			if c == r.host {
				continue
			}
			if err := c.Send(msg.evt); err != nil {
				r.log.Debug("dropping connection on broadcast", zap.String("conn", c.ID()), zap.Error(err))
				r.remove(c)
				c.Close(websocket.StatusGoingAway, "send failed")
				continue
			}
			sent++
		}
		if r.host != nil {
			if err := r.host.Send(msg.evt); err != nil {
				r.log.Warn("broadcast to host failed", zap.Error(err))
			} else {
				sent++
			}
		}
		if msg.done != nil {
			msg.done <- sent
		}

	case count:
		msg.reply <- len(r.conns)
	}
}

func (r *Registry) remove(c *Conn) {
	delete(r.conns, c)
	if r.host == c {
		r.host = nil
		r.log.Info("game host detached", zap.String("conn", c.ID()))
	}
	for id, pc := range r.players {
		if pc == c {
			delete(r.players, id)
		}
	}
}

func (r *Registry) send(m registryMsg) bool {
	select {
	case r.inbox <- m:
		return true
	case <-r.done:
		return false
	}
}

func (r *Registry) Register(c *Conn)   { r.send(register{conn: c}) }
func (r *Registry) Unregister(c *Conn) { r.send(unregister{conn: c}) }

// SetHost designates c as the game host and starts every host-connect
// callback on its own goroutine.
func (r *Registry) SetHost(c *Conn) { r.send(setHost{conn: c}) }

// OnHostConnect registers fn to run on every later host attachment.
func (r *Registry) OnHostConnect(fn func(context.Context)) { r.send(onHostConnect{fn: fn}) }

// Host returns the attached game host, or nil.
func (r *Registry) Host() *Conn {
	reply := make(chan *Conn, 1)
	if !r.send(getHost{reply: reply}) {
		return nil
	}
	select {
	case c := <-reply:
		return c
	case <-r.done:
		return nil
	}
}

func (r *Registry) Authorize(playerID int64, c *Conn) {
	r.send(authorize{playerID: playerID, conn: c})
}

func (r *Registry) ConnForPlayer(playerID int64) *Conn {
	reply := make(chan *Conn, 1)
	if !r.send(connForPlayer{playerID: playerID, reply: reply}) {
		return nil
	}
	select {
	case c := <-reply:
		return c
	case <-r.done:
		return nil
	}
}

// Broadcast sends evt to every client connection and then the host. It
// returns how many connections accepted the event.
func (r *Registry) Broadcast(evt types.OutboundEvent) int {
	done := make(chan int, 1)
	if !r.send(broadcast{evt: evt, done: done}) {
		return 0
	}
	select {
	case n := <-done:
		return n
	case <-r.done:
		return 0
	}
}

func (r *Registry) Len() int {
	reply := make(chan int, 1)
	if !r.send(count{reply: reply}) {
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-r.done:
		return 0
	}
}
