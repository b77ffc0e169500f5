package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const notifyChannel = "villagecal:jobs:enqueued"

// Notifier nudges worker processes when a job is enqueued so the poll
// interval stops bounding idle latency. Delivery is best effort: the
// durable queue stays authoritative and the poll ticker is the fallback.
type Notifier interface {
	NotifyEnqueued(ctx context.Context)
	// Wake returns a channel that receives when some process enqueued a
	// job. May return nil when notification is disabled.
	Wake() <-chan struct{}
	Close() error
}

// NopNotifier disables cross-process wake-ups; polling alone drives the
// dispatcher.
type NopNotifier struct{}

func (NopNotifier) NotifyEnqueued(context.Context) {}
func (NopNotifier) Wake() <-chan struct{}          { return nil }
func (NopNotifier) Close() error                   { return nil }

// RedisNotifier broadcasts enqueues over a pub/sub channel.
type RedisNotifier struct {
	client *redis.Client
	sub    *redis.PubSub
	wake   chan struct{}
	log    *zap.Logger
}

func NewRedisNotifier(addr string, log *zap.Logger) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	n := &RedisNotifier{
		client: client,
		sub:    client.Subscribe(context.Background(), notifyChannel),
		wake:   make(chan struct{}, 1),
		log:    log,
	}
	go n.pump()
	return n, nil
}

func (n *RedisNotifier) pump() {
	for range n.sub.Channel() {
		// Coalesce: one pending wake-up is enough.
		select {
		case n.wake <- struct{}{}:
		default:
		}
	}
}

func (n *RedisNotifier) NotifyEnqueued(ctx context.Context) {
	if err := n.client.Publish(ctx, notifyChannel, "1").Err(); err != nil {
		n.log.Debug("enqueue notify failed", zap.Error(err))
	}
}

func (n *RedisNotifier) Wake() <-chan struct{} {
	return n.wake
}

func (n *RedisNotifier) Close() error {
	_ = n.sub.Close()
	return n.client.Close()
}
