package flags

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/songzhibin97/sequence-engine/logging"
)

const defaultFlagsKey = "sequence-engine:flags"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string        // hash holding the flags
	Timeout  time.Duration // per-call timeout
}

// RedisStore keeps flags in a Redis hash so several processes (the engine, an
// operator console) share them.
type RedisStore struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisStore connects and pings Redis.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	key := opts.Key
	if key == "" {
		key = defaultFlagsKey
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisStore{client: client, key: key, timeout: timeout, logger: logging.Component("flags")}, nil
}

// GetFlag reads a flag. Unknown flags and read errors yield false; errors are logged.
func (s *RedisStore) GetFlag(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	raw, err := s.client.HGet(ctx, s.key, name).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("flag", name).Msg("flag read failed")
		return false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("flag", name).Str("raw", raw).Msg("flag value is not a boolean")
		return false
	}
	return v
}

// SetFlag writes a flag. Write errors are logged.
func (s *RedisStore) SetFlag(name string, value bool) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.HSet(ctx, s.key, name, strconv.FormatBool(value)).Err(); err != nil {
		s.logger.Error().Err(err).Str("flag", name).Bool("value", value).Msg("flag write failed")
	}
}

// Snapshot returns every flag in the hash.
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]bool, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}
	out := make(map[string]bool, len(raw))
	for k, v := range raw {
		b, err := strconv.ParseBool(v)
		if err != nil {
			continue
		}
		out[k] = b
	}
	return out, nil
}

// Reset deletes every flag.
func (s *RedisStore) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
