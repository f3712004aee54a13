// Package events is the in-process event bus. Handlers are registered by
// name and run in registration order; waiters are one-shot subscriptions
// resolved by the first matching dispatch in their phase.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"go.uber.org/zap"
)

type Payload map[string]any

// Decode copies the payload into v through its JSON form.
func (p Payload) Decode(v any) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type Event struct {
	Name    string
	Payload Payload
}

func New(name string, payload Payload) Event {
	if payload == nil {
		payload = Payload{}
	}
	return Event{Name: name, Payload: payload}
}

// Encode builds an event whose payload is the JSON object form of v.
func Encode(name string, v any) (Event, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Event{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return New(name, p), nil
}

// Handler reacts to a dispatched event. scope is the object the event
// concerns; it is whatever the dispatcher passed.
type Handler func(ctx context.Context, scope any, p Payload) (any, error)

type Phase int

const (
	PhasePre Phase = iota
	PhaseOn
	PhasePost
)

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhaseOn:
		return "on"
	default:
		return "post"
	}
}

type Bus struct {
	log *zap.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	waiters  map[string][]*Waiter
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:      log.Named("events"),
		handlers: make(map[string][]Handler),
		waiters:  make(map[string][]*Waiter),
	}
}

func (b *Bus) On(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Dispatch resolves pre waiters, then on waiters, then runs every handler
// for evt.Name, then resolves post waiters. Handler errors and panics are
// logged and never stop later handlers. The result of the last handler
// that succeeded is returned.
func (b *Bus) Dispatch(ctx context.Context, evt Event, scope any) any {
	b.resolve(evt, scope, PhasePre)
	b.resolve(evt, scope, PhaseOn)

	b.mu.Lock()
	hs := slices.Clone(b.handlers[evt.Name])
	b.mu.Unlock()

	var last any
	for i, h := range hs {
		res, err := b.call(ctx, h, evt, scope)
		if err != nil {
			b.log.Error("handler failed",
				zap.String("event", evt.Name),
				zap.Int("handler", i),
				zap.Error(err))
			continue
		}
		last = res
	}

	b.resolve(evt, scope, PhasePost)
	return last
}

func (b *Bus) call(ctx context.Context, h Handler, evt Event, scope any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, scope, evt.Payload)
}

func (b *Bus) resolve(evt Event, scope any, phase Phase) {
	b.mu.Lock()
	var hit, kept []*Waiter
	for _, w := range b.waiters[evt.Name] {
		if w.phase == phase && scopeMatches(w.scope, scope) {
			hit = append(hit, w)
		} else {
			kept = append(kept, w)
		}
	}
	if len(hit) == 0 {
		b.mu.Unlock()
		return
	}
	b.setWaiters(evt.Name, kept)
	b.mu.Unlock()

	for _, w := range hit {
		w.finish(evt, nil)
	}
}

// remove reports whether w was still registered. Only the caller that gets
// true may finish w.
func (b *Bus) remove(w *Waiter) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := b.waiters[w.name]
	i := slices.Index(ws, w)
	if i < 0 {
		return false
	}
	b.setWaiters(w.name, slices.Delete(slices.Clone(ws), i, i+1))
	return true
}

func (b *Bus) setWaiters(name string, ws []*Waiter) {
	if len(ws) == 0 {
		delete(b.waiters, name)
		return
	}
	b.waiters[name] = ws
}

func (b *Bus) pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[name])
}

// scopeMatches treats a nil waiter scope as a wildcard. Other scopes match
// when they are the same comparable value.
func scopeMatches(want, got any) bool {
	if want == nil {
		return true
	}
	t := reflect.TypeOf(want)
	if t != reflect.TypeOf(got) || !t.Comparable() {
		return false
	}
	return want == got
}
