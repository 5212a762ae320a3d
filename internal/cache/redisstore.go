package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freva-org/freva-nextgen-sub001/internal/errs"
)

// RedisStore is the production Store implementation, backed by
// github.com/redis/go-redis/v9. Envelopes are JSON-encoded values under TTL
// keys; pub/sub rides the same client's channel subscription.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, key string) (Envelope, bool, error) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return Envelope{}, false, nil
	}
	if err != nil {
		return Envelope{}, false, errs.Wrap(errs.KindNotFound, "cache get failed", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, false, errs.Wrap(errs.KindNotFound, "corrupt cache entry", err)
	}
	return env, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, env Envelope, ttl time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.KindPublishFailed, "cannot encode cache entry", err)
	}
	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return errs.Wrap(errs.KindPublishFailed, "cache set failed", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return errs.Wrap(errs.KindPublishFailed, "cache delete failed", err)
	}
	return nil
}

func (r *RedisStore) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return errs.Wrap(errs.KindPublishFailed, "broker publish failed", err)
	}
	return nil
}

func (r *RedisStore) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, errs.Wrap(errs.KindPublishFailed, "broker subscribe failed", err)
	}
	return &redisSubscription{pubsub: pubsub}, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }

type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Messages() <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range s.pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	return out
}

func (s *redisSubscription) Close() error { return s.pubsub.Close() }
