package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each namespace as a Redis hash. Suited to bot fleets and
// service embeddings where the account state should live off-box.
type RedisBackend struct {
	client    *redis.Client
	ctx       context.Context
	keyPrefix string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(addr, password string, db int, keyPrefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "librelay"
	}
	return &RedisBackend{client: client, ctx: ctx, keyPrefix: keyPrefix}, nil
}

func (r *RedisBackend) hashKey(namespace string) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, namespace)
}

func (r *RedisBackend) Set(namespace, key string, value []byte) error {
	return r.client.HSet(r.ctx, r.hashKey(namespace), key, value).Err()
}

func (r *RedisBackend) Get(namespace, key string) ([]byte, error) {
	value, err := r.client.HGet(r.ctx, r.hashKey(namespace), key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *RedisBackend) Remove(namespace, key string) error {
	return r.client.HDel(r.ctx, r.hashKey(namespace), key).Err()
}

func (r *RedisBackend) Has(namespace, key string) (bool, error) {
	return r.client.HExists(r.ctx, r.hashKey(namespace), key).Result()
}

func (r *RedisBackend) Keys(namespace, prefix string) ([]string, error) {
	all, err := r.client.HKeys(r.ctx, r.hashKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
