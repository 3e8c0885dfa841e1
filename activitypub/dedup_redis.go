package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redis-backed Deduplicator, for several engine processes sharing one inbox. Retention is the key TTL.
type RedisDeduplicator struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisDeduplicator(addr string, retention time.Duration) (*RedisDeduplicator, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisDeduplicator{client: client, retention: retention}, nil
}

func (r *RedisDeduplicator) Close() error {
	return r.client.Close()
}

func receivedKey(activityID string) string {
	return fmt.Sprintf("fedengine:received:%s", activityID)
}

func (r *RedisDeduplicator) InsertIfAbsent(ctx context.Context, activityID string) error {
	ok, err := r.client.SetNX(ctx, receivedKey(activityID), time.Now().Unix(), r.retention).Result()
	if err != nil {
		return fmt.Errorf("failed to record activity: %w", err)
	}
	if !ok {
		return ErrAlreadyProcessed
	}
	return nil
}

func (r *RedisDeduplicator) Remove(ctx context.Context, activityID string) error {
	if err := r.client.Del(ctx, receivedKey(activityID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to forget activity: %w", err)
	}
	return nil
}
