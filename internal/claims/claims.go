// Package claims records which provider results have already been handed to their owner.
package claims

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Store grants the right to deliver a result at most once per key.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local Store. Entries expire after ttl so the map stays bounded.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	claimed map[string]time.Time
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		claimed: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("claim key is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.ttl > 0 {
		for k, at := range m.claimed {
			if now.Sub(at) > m.ttl {
				delete(m.claimed, k)
			}
		}
	}
	if _, ok := m.claimed[key]; ok {
		return false, nil
	}
	m.claimed[key] = now
	return true, nil
}

// Redis shares claims between bot replicas.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if client == nil {
		return nil
	}
	if prefix == "" {
		prefix = "creatorbot:delivered:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, key string) (bool, error) {
	if r == nil || r.client == nil {
		return false, errors.New("claim client not configured")
	}
	if key == "" {
		return false, errors.New("claim key is empty")
	}
	if r.ttl <= 0 {
		return false, errors.New("claim ttl must be positive")
	}
	return r.client.SetNX(ctx, r.prefix+key, uuid.NewString(), r.ttl).Result()
}
