package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts github.com/redis/go-redis/v9 to the Backend contract. Redis
// is the reference implementation of "any key-value store with expirable
// entries and pub/sub" that spec.md §4.2 calls out explicitly: SET/GET/DEL
// with a TTL, RPUSH/LRANGE/LLEN/LTRIM for the append log, and
// PUBLISH/SUBSCRIBE for the subscription bus's fan-out.
type Redis struct {
	client *redis.Client
}

// NewRedis dials addr with the given pool size, matching the pooled-
// connection-with-internal-synchronisation model spec.md §5 requires.
func NewRedis(addr, password string, db, poolSize int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})}
}

func (r *Redis) KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) KVGet(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, ErrUnavailable
	}
	return v, nil
}

func (r *Redis) KVDel(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) KVSetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, ErrUnavailable
	}
	return ok, nil
}

func (r *Redis) ListAppend(ctx context.Context, key string, value []byte, ttl time.Duration) (int64, error) {
	n, err := r.client.RPush(ctx, key, value).Result()
	if err != nil {
		return 0, ErrUnavailable
	}
	if ttl > 0 {
		r.client.Expire(ctx, key, ttl)
	}
	return n, nil
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	if stop >= 0 {
		stop--
	}
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, ErrUnavailable
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, ErrUnavailable
	}
	return n, nil
}

func (r *Redis) ListTrim(ctx context.Context, key string, keepLastN int64) error {
	if err := r.client.LTrim(ctx, key, -keepLastN, -1).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) ListDel(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	// A failed publish is recorded and ignored by the caller (spec.md
	// §4.3) — subscribers reconnect and pull via List, so this error is
	// informational only.
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return ErrUnavailable
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		return nil, ErrUnavailable
	}

	out := make(chan Message, 256)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			default:
			}
		}
	}()

	return &redisSub{ps: ps, ch: out}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps *redis.PubSub
	ch chan Message
}

func (s *redisSub) Channel() <-chan Message { return s.ch }
func (s *redisSub) Close() error            { return s.ps.Close() }
