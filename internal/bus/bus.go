// Package bus provides the pub/sub primitive the transport hub uses for
// cross-instance routing of bot requests and replies: best-effort
// delivery over named channels, per spec.md §1's Non-goals (no
// persistent queue, no exactly-once). Spectator envelopes do not travel
// over the bus; the broadcaster fans out only to sinks on the local
// instance.
package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Message is a single delivered bus message.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live subscription; Close stops delivery and frees
// the underlying connection.
type Subscription interface {
	Channel() <-chan Message
	Close() error
}

// Bus is the interface the core depends on.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

type redisBus struct {
	client *redis.Client
}

// NewRedisBus connects to the given Redis endpoint (a redis:// URL).
func NewRedisBus(endpoint string) (Bus, error) {
	opts, err := redis.ParseURL(endpoint)
	if err != nil {
		return nil, err
	}
	return &redisBus{client: redis.NewClient(opts)}, nil
}

func (b *redisBus) Publish(ctx context.Context, channel, payload string) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}
}

func (b *redisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 64),
		done:   make(chan struct{}),
	}

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					close(sub.out)
					return
				}
				select {
				case sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-sub.done:
					close(sub.out)
					return
				}
			case <-sub.done:
				close(sub.out)
				return
			}
		}
	}()

	return sub, nil
}

func (s *redisSubscription) Channel() <-chan Message { return s.out }

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (b *redisBus) Close() error { return b.client.Close() }
