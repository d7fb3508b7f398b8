package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on top of Redis, so several floodgate
// instances can share the same counters.
//
// Each bucket is one Redis string. IncrementAndGet runs INCR and PEXPIREAT in
// a MULTI/EXEC transaction: INCR is atomic on the server and the expiry is set
// to the end of the window, so Redis evicts closed windows on its own.
type RedisBackend struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	clock   clockwork.Clock
	owned   bool
}

// RedisBackendConfig configures the Redis backend.
type RedisBackendConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379").
	Address string

	// Password for AUTH (empty for no auth).
	Password string

	// DB is the Redis database number.
	DB int

	// KeyPrefix namespaces every counter key.
	// Default: "floodgate"
	KeyPrefix string

	// Timeout bounds every Redis round trip.
	// Default: 250 milliseconds
	Timeout time.Duration

	// Clock decides which windows are live in CurrentCounters.
	// Default: real clock
	Clock clockwork.Clock
}

func (c *RedisBackendConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "floodgate"
	}
	if c.Timeout == 0 {
		c.Timeout = 250 * time.Millisecond
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// NewRedisBackend creates a Redis backend with its own client.
func NewRedisBackend(cfg RedisBackendConfig) (*RedisBackend, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	backend := NewRedisBackendWithClient(client, cfg)
	backend.owned = true
	return backend, nil
}

// NewRedisBackendWithClient wraps an existing client. The caller keeps
// ownership of the client; Close does not close it.
func NewRedisBackendWithClient(client redis.UniversalClient, cfg RedisBackendConfig) *RedisBackend {
	cfg.applyDefaults()
	return &RedisBackend{
		client:  client,
		prefix:  cfg.KeyPrefix,
		timeout: cfg.Timeout,
		clock:   cfg.Clock,
	}
}

// IncrementAndGet atomically increments the counter for key and returns the new value.
func (r *RedisBackend) IncrementAndGet(ctx context.Context, key LimitKey) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	redisKey := r.encodeKey(key)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.PExpireAt(ctx, redisKey, key.Expiration())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incr.Val(), nil
}

// CurrentCounters scans every counter under the key prefix. Properties are
// returned in their persisted string form.
func (r *RedisBackend) CurrentCounters(ctx context.Context) (map[LimitKey]int64, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan counters: %w", err)
	}

	now := r.clock.Now()
	counters := make(map[LimitKey]int64, len(keys))

	const batch = 500
	for start := 0; start < len(keys); start += batch {
		end := min(start+batch, len(keys))
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read counters: %w", err)
		}

		for i, raw := range values {
			s, ok := raw.(string)
			if !ok {
				// expired between SCAN and MGET
				continue
			}
			key, err := r.decodeKey(keys[start+i])
			if err != nil || key.Expired(now) {
				continue
			}
			count, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				continue
			}
			counters[key] = count
		}
	}

	return counters, nil
}

// Cleanup is a no-op: Redis expires closed windows through PEXPIREAT.
func (r *RedisBackend) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// Ping checks if the Redis connection is alive.
func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis client if the backend created it.
func (r *RedisBackend) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

// encodeKey renders prefix:resource:limit:property:start:duration with every
// free-form component query-escaped so ':' never appears inside one.
func (r *RedisBackend) encodeKey(key LimitKey) string {
	return strings.Join([]string{
		r.prefix,
		url.QueryEscape(key.Resource),
		url.QueryEscape(key.Limit),
		url.QueryEscape(key.PropertyString()),
		strconv.FormatInt(key.WindowStart, 10),
		strconv.FormatInt(int64(key.Duration), 10),
	}, ":")
}

func (r *RedisBackend) decodeKey(raw string) (LimitKey, error) {
	rest, ok := strings.CutPrefix(raw, r.prefix+":")
	if !ok {
		return LimitKey{}, fmt.Errorf("key %q outside prefix %q", raw, r.prefix)
	}

	parts := strings.Split(rest, ":")
	if len(parts) != 5 {
		return LimitKey{}, fmt.Errorf("malformed counter key %q", raw)
	}

	var (
		key LimitKey
		err error
	)
	if key.Resource, err = url.QueryUnescape(parts[0]); err != nil {
		return LimitKey{}, err
	}
	if key.Limit, err = url.QueryUnescape(parts[1]); err != nil {
		return LimitKey{}, err
	}
	property, err := url.QueryUnescape(parts[2])
	if err != nil {
		return LimitKey{}, err
	}
	key.Property = property
	if key.WindowStart, err = strconv.ParseInt(parts[3], 10, 64); err != nil {
		return LimitKey{}, err
	}
	duration, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return LimitKey{}, err
	}
	key.Duration = time.Duration(duration)

	return key, nil
}
