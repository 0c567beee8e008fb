package transport

import (
	"context"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/weavedoc/weave/protocol"
	"github.com/weavedoc/weave/utils"
)

// RedisChannel fans frames out through a Redis pub/sub topic, one
// topic per document. Pub/sub gives at-most-once delivery; that is
// fine here because frame application is idempotent and the next
// state-vector exchange repairs any loss. A publisher hears its own
// frames echoed back; the document's digest cache drops them.
type RedisChannel struct {
	rdb    *redis.Client
	topic  string
	pubsub *redis.PubSub
	closed atomic.Bool
}

func NewRedisChannel(ctx context.Context, rdb *redis.Client, topic string) (*RedisChannel, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	pubsub := rdb.Subscribe(ctx, topic)
	// force the subscription before anyone publishes
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}
	return &RedisChannel{rdb: rdb, topic: topic, pubsub: pubsub}, nil
}

func (rc *RedisChannel) Feed(ctx context.Context) (protocol.Records, error) {
	if rc.closed.Load() {
		return nil, utils.ErrClosed
	}
	msg, err := rc.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Records{[]byte(msg.Payload)}, nil
}

func (rc *RedisChannel) Drain(ctx context.Context, recs protocol.Records) error {
	if rc.closed.Load() {
		return utils.ErrClosed
	}
	for _, rec := range recs {
		if err := rc.rdb.Publish(ctx, rc.topic, rec).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (rc *RedisChannel) Close() error {
	if !rc.closed.CompareAndSwap(false, true) {
		return nil
	}
	return rc.pubsub.Close()
}
