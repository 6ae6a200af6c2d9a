package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisEventLog mirrors each session's realtime event log into a Redis list
// so it can be read from any instance.  The newest event is at index 0.
type RedisEventLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	// max trims the list; 0 keeps everything.
	max int
}

func NewRedisEventLog(client *redis.Client, prefix string, ttl time.Duration, max int) *RedisEventLog {
	return &RedisEventLog{client: client, prefix: prefix, ttl: ttl, max: max}
}

func (l *RedisEventLog) key(sessionID string) string {
	return l.prefix + "events:" + sessionID
}

// Push prepends one encoded event.
func (l *RedisEventLog) Push(ctx context.Context, sessionID string, event []byte) error {
	key := l.key(sessionID)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, event)
	if l.max > 0 {
		pipe.LTrim(ctx, key, 0, int64(l.max-1))
	}
	if l.ttl > 0 {
		pipe.Expire(ctx, key, l.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push event: %w", err)
	}
	return nil
}

// List returns up to limit events, newest first.  limit <= 0 returns all.
func (l *RedisEventLog) List(ctx context.Context, sessionID string, limit int) ([]json.RawMessage, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	vals, err := l.client.LRange(ctx, l.key(sessionID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (l *RedisEventLog) Clear(ctx context.Context, sessionID string) error {
	return l.client.Del(ctx, l.key(sessionID)).Err()
}
