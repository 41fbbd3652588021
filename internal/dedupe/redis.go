package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "quern:dedupe:"

// RedisIndex shares reservations across engine instances. SET NX with a TTL
// makes the reserve atomic; the TTL is the deduplication window.
type RedisIndex struct {
	client *redis.Client
}

func NewRedisIndex(redisURL string) (*RedisIndex, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisIndex{client: client}, nil
}

var _ Index = (*RedisIndex)(nil)

func (i *RedisIndex) Reserve(ctx context.Context, queueID uuid.UUID, key string, msgID uuid.UUID, window time.Duration) (uuid.UUID, bool, error) {
	if window <= 0 {
		return uuid.Nil, false, nil
	}
	k := redisKeyPrefix + indexKey(queueID, key)

	set, err := i.client.SetNX(ctx, k, msgID.String(), window).Result()
	if err != nil {
		return uuid.Nil, false, err
	}
	if set {
		return uuid.Nil, false, nil
	}

	holder, err := i.client.Get(ctx, k).Result()
	if err == redis.Nil {
		// The holder expired between SetNX and Get; treat as fresh.
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	existing, err := uuid.Parse(holder)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parse dedupe holder: %w", err)
	}
	return existing, true, nil
}

func (i *RedisIndex) Release(ctx context.Context, queueID uuid.UUID, key string) error {
	return i.client.Del(ctx, redisKeyPrefix+indexKey(queueID, key)).Err()
}

func (i *RedisIndex) Close() error {
	return i.client.Close()
}
