// Package relay fans broadcast events out to the other API instances over
// Redis pub/sub so every instance can push them to its own connections.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/bms-backend/pkg/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "bms:broadcast"

type envelope struct {
	Node  string              `json:"node"`
	Event types.OutboundEvent `json:"event"`
}

type Redis struct {
	rdb     *redis.Client
	channel string
	node    string
	log     *zap.Logger
}

func New(opts *redis.Options, channel string, log *zap.Logger) (*Redis, error) {
	if channel == "" {
		return nil, errors.New("relay channel cannot be empty")
	}
	node := uuid.NewString()
	return &Redis{
		rdb:     redis.NewClient(opts),
		channel: channel,
		node:    node,
		log:     log.Named("relay").With(zap.String("node", node)),
	}, nil
}

// NewFromURL accepts redis:// and rediss:// URLs.
func NewFromURL(url string, log *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(opts, DefaultChannel, log)
}

func (r *Redis) Node() string { return r.node }

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Publish(ctx context.Context, evt types.OutboundEvent) error {
	b, err := json.Marshal(envelope{Node: r.node, Event: evt})
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, b).Err()
}

// Subscription delivers events published by other nodes. Caller must call
// Close when done.
type Subscription struct {
	events chan types.OutboundEvent
	errors chan error
	cancel context.CancelFunc
	once   sync.Once
}

func (s *Subscription) Events() <-chan types.OutboundEvent { return s.events }
func (s *Subscription) Errors() <-chan error               { return s.errors }

func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Events this
// node published itself are skipped.
func (r *Redis) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		events: make(chan types.OutboundEvent, 16),
		errors: make(chan error, 4),
		cancel: cancel,
	}

	go func() {
		defer close(sub.events)
		defer close(sub.errors)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					select {
					case sub.errors <- fmt.Errorf("decode relay event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if env.Node == r.node {
					continue
				}
				select {
				case sub.events <- env.Event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return sub, nil
}

// Run hands every remote event to deliver until ctx is done.
func (r *Redis) Run(ctx context.Context, deliver func(types.OutboundEvent)) error {
	sub, err := r.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	r.log.Info("relay subscribed", zap.String("channel", r.channel))
	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			deliver(evt)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.log.Warn("relay message dropped", zap.Error(err))
		}
	}
}
