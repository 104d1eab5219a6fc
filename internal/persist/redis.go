package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSettings configure the redis-backed Store.
type RedisSettings struct {
	Addr      string
	Password  string
	Database  int
	Namespace string
	// TTL bounds how long a persisted snapshot outlives the process. Zero
	// means no expiry.
	TTL     time.Duration
	Timeout time.Duration
}

// Redis is a Store backed by a redis instance. Useful for deployments where
// the sync daemon itself restarts but a local redis survives.
type Redis struct {
	cfg RedisSettings
	cli *redis.Client
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisSettings) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "synccache"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{cfg: cfg, cli: cli}, nil
}

func (r *Redis) key(k string) string {
	return r.cfg.Namespace + ":" + k
}

func (r *Redis) GetItem(ctx context.Context, key string) ([]byte, error) {
	v, err := r.cli.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (r *Redis) SetItem(ctx context.Context, key string, value []byte) error {
	return r.cli.Set(ctx, r.key(key), value, r.cfg.TTL).Err()
}

func (r *Redis) RemoveItem(ctx context.Context, key string) error {
	return r.cli.Del(ctx, r.key(key)).Err()
}

// Clear removes every key in the namespace via SCAN, so unrelated keys on a
// shared instance are untouched.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.cli.Scan(ctx, 0, r.cfg.Namespace+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.cli.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *Redis) Close() error { return r.cli.Close() }
