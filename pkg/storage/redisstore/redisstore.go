// Package redisstore implements the storage.Store contract on top of
// go-redis, for operators who want a shared backing store instead of
// per-node BoltDB (e.g. when nodes are ephemeral and rehydrate their maps
// from a central store on restart). Each driftdb map becomes one Redis
// hash, keyed "driftdb:{mapName}", with per-key fields holding the encoded
// record bytes.
package redisstore

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/driftdb/driftdb/pkg/storage"
)

// RedisStore implements storage.Store against a Redis server.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Config configures the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys, default "driftdb".
	Prefix string
}

// New creates a RedisStore from cfg.
func New(cfg Config) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "driftdb"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hashKey(mapName string) string {
	return fmt.Sprintf("%s:{%s}", s.prefix, mapName)
}

func (s *RedisStore) Load(ctx context.Context, mapName, key string) ([]byte, error) {
	v, err := s.client.HGet(ctx, s.hashKey(mapName), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load %s/%s: %w", mapName, key, err)
	}
	return v, nil
}

func (s *RedisStore) LoadAll(ctx context.Context, mapName string, keys []string) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	vals, err := s.client.HMGet(ctx, s.hashKey(mapName), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load all %s: %w", mapName, err)
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			result[keys[i]] = []byte(s)
		}
	}
	return result, nil
}

func (s *RedisStore) LoadAllKeys(ctx context.Context, mapName string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, s.hashKey(mapName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load all keys %s: %w", mapName, err)
	}
	return keys, nil
}

func (s *RedisStore) Store(ctx context.Context, mapName, key string, value []byte) error {
	if err := s.client.HSet(ctx, s.hashKey(mapName), key, value).Err(); err != nil {
		return fmt.Errorf("redisstore: store %s/%s: %w", mapName, key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, mapName, key string) error {
	if err := s.client.HDel(ctx, s.hashKey(mapName), key).Err(); err != nil {
		return fmt.Errorf("redisstore: delete %s/%s: %w", mapName, key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

var _ storage.Store = (*RedisStore)(nil)
