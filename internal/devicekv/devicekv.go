// Package devicekv is the durable key-value home for per-device guest state.
package devicekv

import (
	"context"
	"errors"
	"sync"

	"companionchat/internal/redis"
)

// Fixed keys stored per device.
const (
	KeyGuestMode         = "guest_mode"
	KeyGuestMessageCount = "guest_message_count"
	KeyGuestSessions     = "guest_sessions"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("devicekv: key not found")

// Store reads and writes whole values; there is no partial update.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, key string) error
}

// RedisStore namespaces device keys inside a shared redis database.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore scopes all keys under device:<deviceID>:.
func NewRedisStore(client *redis.Client, deviceID string) *RedisStore {
	return &RedisStore{client: client, prefix: "device:" + deviceID + ":"}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+key)
	if errors.Is(err, redis.ErrCacheMiss) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, 0)
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key)
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}
