package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/delaneymorgan/anybodyhome/internal/tracker"
)

// RedisStore records presence in Redis. Layout under the configured prefix:
//
//	<prefix>:detail    JSON map of device name to present bool (latest roll-call)
//	<prefix>:summary   "true"/"false" anybody-home flag
//	<prefix>:device:<name>  hash of the device's latest verdict
//	<prefix>:history   list of roll-call JSON records, newest first, capped
//
// The detail and summary keys match what downstream home-automation readers
// already consume.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	historyLimit int64
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, historyLimit int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	if historyLimit < 1 {
		historyLimit = 1
	}
	return &RedisStore{client: client, prefix: prefix, historyLimit: int64(historyLimit)}, nil
}

func (s *RedisStore) key(parts ...string) string {
	key := s.prefix
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// WriteVerdict stores the device's latest verdict as a hash.
func (s *RedisStore) WriteVerdict(ctx context.Context, v tracker.Verdict) error {
	err := s.client.HSet(ctx, s.key("device", v.Device),
		"state", string(v.State),
		"present", strconv.FormatBool(v.Present()),
		"last_change", v.LastChange.UTC().Format(timeLayout),
		"last_probe", v.LastProbe.UTC().Format(timeLayout),
	).Err()
	if err != nil {
		return fmt.Errorf("write verdict for %s: %w", v.Device, err)
	}
	return nil
}

// WriteRollCall updates the detail and summary keys and appends to the
// capped history list.
func (s *RedisStore) WriteRollCall(ctx context.Context, rc RollCall) error {
	detail, err := json.Marshal(rc.Present)
	if err != nil {
		return fmt.Errorf("marshal roll-call detail: %w", err)
	}
	record, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal roll-call record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key("detail"), detail, 0)
	pipe.Set(ctx, s.key("summary"), strconv.FormatBool(rc.Anyone), 0)
	pipe.LPush(ctx, s.key("history"), record)
	pipe.LTrim(ctx, s.key("history"), 0, s.historyLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write roll-call: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"
