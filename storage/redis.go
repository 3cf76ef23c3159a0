package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/sequence-engine/events"
	"github.com/songzhibin97/sequence-engine/types"
)

const (
	trailPrefix  = "trail:"
	resultPrefix = "result:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Each run's trail is a list; its result is a plain key.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	KeyPrefix    string // namespace for all keys, e.g. "lab1:"
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) key(kind string, runID uint64) string {
	return fmt.Sprintf("%s%s%d", s.prefix, kind, runID)
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// AppendEvent pushes an event onto its run's list.
func (s *RedisStorage) AppendEvent(ctx context.Context, ev events.Event) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
		}
		key := s.key(trailPrefix, ev.RunID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to push %s in Redis: %w", key, err)
		}
		return nil
	})
}

// AppendEvents pushes several events using pipelining.
func (s *RedisStorage) AppendEvents(ctx context.Context, evs []events.Event) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, ev := range evs {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("failed to marshal event %s: %w", ev.ID, err)
			}
			pipe.RPush(ctx, s.key(trailPrefix, ev.RunID), data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for events: %w", err)
		}
		return nil
	})
}

// Events returns a run's trail in firing order.
func (s *RedisStorage) Events(ctx context.Context, runID uint64) ([]events.Event, error) {
	return withContext(ctx, func() ([]events.Event, error) {
		key := s.key(trailPrefix, runID)
		items, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from Redis: %w", key, err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("%w: key=%s", ErrRunNotFound, key)
		}
		out := make([]events.Event, 0, len(items))
		for _, item := range items {
			var ev events.Event
			if err := json.Unmarshal([]byte(item), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event in %s: %w", key, err)
			}
			out = append(out, ev)
		}
		return out, nil
	})
}

// SaveResult stores a run result.
func (s *RedisStorage) SaveResult(ctx context.Context, res types.ExecutionResult) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal result %d: %w", res.RunID, err)
		}
		key := s.key(resultPrefix, res.RunID)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// GetResult retrieves a run result.
func (s *RedisStorage) GetResult(ctx context.Context, runID uint64) (types.ExecutionResult, error) {
	return getFromRedis[types.ExecutionResult](ctx, s.client, s.key(resultPrefix, runID), ErrResultNotFound)
}

// Runs lists every run id with a trail, ascending.
func (s *RedisStorage) Runs(ctx context.Context) ([]uint64, error) {
	return withContext(ctx, func() ([]uint64, error) {
		prefix := s.prefix + trailPrefix
		keys, err := s.client.Keys(ctx, prefix+"*").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan trail keys: %w", err)
		}
		ids := make([]uint64, 0, len(keys))
		for _, k := range keys {
			id, err := strconv.ParseUint(strings.TrimPrefix(k, prefix), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return ids, nil
	})
}

// ClearSucceeded removes the trail and result of every successful run.
func (s *RedisStorage) ClearSucceeded(ctx context.Context) error {
	return withContextError(ctx, func() error {
		keys, err := s.client.Keys(ctx, s.prefix+resultPrefix+"*").Result()
		if err != nil {
			return fmt.Errorf("failed to scan result keys: %w", err)
		}

		if len(keys) == 0 {
			return nil
		}

		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to get %s: %w", key, err)
			}

			var res types.ExecutionResult
			if err := json.Unmarshal(data, &res); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}

			if res.Success {
				pipe.Del(ctx, key, s.key(trailPrefix, res.RunID))
			}
		}

		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
