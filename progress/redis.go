package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"
)

// setNXExpire sets the field and the key ttl in one round trip so a crash
// between the two cannot leave an immortal claim.
var setNXExpire = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  if tonumber(ARGV[3]) > 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[3])
  end
  return 1
end
return 0`)

var compareAndDelete = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

// Redis stores progress hashes in a Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the server named by a redis:// URL and pings it.
func NewRedis(ctx context.Context, rawURL string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.WithContext(ctx).Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) SetFields(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return r.client.WithContext(ctx).HSet(key, values).Err()
}

func (r *Redis) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.WithContext(ctx).HDel(key, fields...).Err()
}

func (r *Redis) GetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := r.client.WithContext(ctx).HGetAll(key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]string{}, nil
	}
	return fields, err
}

func (r *Redis) SetNX(ctx context.Context, key, field, value string, ttl time.Duration) (bool, error) {
	n, err := setNXExpire.Run(r.client.WithContext(ctx), []string{key}, field, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Redis) CompareAndDelete(ctx context.Context, key, field, value string) (bool, error) {
	n, err := compareAndDelete.Run(r.client.WithContext(ctx), []string{key}, field, value).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.WithContext(ctx).Del(key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
