package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrWaitTimeout = errors.New("events: wait timed out")

type WaitOption func(*WaitHandle)

func WithTimeout(d time.Duration) WaitOption {
	return func(h *WaitHandle) {
		h.timeout = d
		h.hasTimeout = true
	}
}

// WaitHandle selects the phase a waiter is registered in. The waiter is
// registered when Pre, On or Post is called, not when it is awaited.
type WaitHandle struct {
	bus        *Bus
	name       string
	timeout    time.Duration
	hasTimeout bool
}

func (b *Bus) Wait(name string, opts ...WaitOption) WaitHandle {
	h := WaitHandle{bus: b, name: name}
	for _, opt := range opts {
		opt(&h)
	}
	return h
}

func (h WaitHandle) Pre(scope any) *Waiter  { return h.bus.register(h, scope, PhasePre) }
func (h WaitHandle) On(scope any) *Waiter   { return h.bus.register(h, scope, PhaseOn) }
func (h WaitHandle) Post(scope any) *Waiter { return h.bus.register(h, scope, PhasePost) }

type Waiter struct {
	bus   *Bus
	name  string
	scope any
	phase Phase
	timer *time.Timer

	once sync.Once
	done chan struct{}
	evt  Event
	err  error
}

func (b *Bus) register(h WaitHandle, scope any, phase Phase) *Waiter {
	w := &Waiter{
		bus:   b,
		name:  h.name,
		scope: scope,
		phase: phase,
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.waiters[h.name] = append(b.waiters[h.name], w)
	if h.hasTimeout {
		w.timer = time.AfterFunc(h.timeout, func() {
			if b.remove(w) {
				b.log.Debug("wait timed out",
					zap.String("event", w.name),
					zap.Stringer("phase", w.phase),
					zap.Duration("timeout", h.timeout))
				w.finish(Event{}, ErrWaitTimeout)
			}
		})
	}
	b.mu.Unlock()
	return w
}

func (w *Waiter) finish(evt Event, err error) {
	w.once.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		w.evt, w.err = evt, err
		close(w.done)
	})
}

// Done is closed once the waiter has resolved by any path.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Wait blocks until the waiter resolves. A cancelled ctx unregisters the
// waiter and returns ctx.Err(), unless a dispatch or timeout won first.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case <-w.done:
	case <-ctx.Done():
		w.Cancel(ctx.Err())
		<-w.done
	}
	return w.evt, w.err
}

// Cancel unregisters a waiter that has not resolved yet.
func (w *Waiter) Cancel(cause error) {
	if w.bus.remove(w) {
		if cause == nil {
			cause = context.Canceled
		}
		w.finish(Event{}, cause)
	}
}
