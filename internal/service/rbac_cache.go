package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RBACPermissionCacheStore caches the flattened permission set per user.
// Invalidation bumps an epoch instead of scanning keys: stale entries become
// unreachable and age out with their TTL.
type RBACPermissionCacheStore interface {
	Get(ctx context.Context, userID uint) ([]string, bool, error)
	Set(ctx context.Context, userID uint, permissions []string, ttl time.Duration) error
	InvalidateUser(ctx context.Context, userID uint) error
	InvalidateAll(ctx context.Context) error
}

type NoopRBACPermissionCacheStore struct{}

func NewNoopRBACPermissionCacheStore() *NoopRBACPermissionCacheStore {
	return &NoopRBACPermissionCacheStore{}
}

func (s *NoopRBACPermissionCacheStore) Get(context.Context, uint) ([]string, bool, error) {
	return nil, false, nil
}

func (s *NoopRBACPermissionCacheStore) Set(context.Context, uint, []string, time.Duration) error {
	return nil
}

func (s *NoopRBACPermissionCacheStore) InvalidateUser(context.Context, uint) error {
	return nil
}

func (s *NoopRBACPermissionCacheStore) InvalidateAll(context.Context) error {
	return nil
}

type rbacCacheEntry struct {
	permissions []string
	expiresAt   time.Time
}

type InMemoryRBACPermissionCacheStore struct {
	mu          sync.RWMutex
	data        map[string]rbacCacheEntry
	globalEpoch uint64
	userEpoch   map[uint]uint64
}

func NewInMemoryRBACPermissionCacheStore() *InMemoryRBACPermissionCacheStore {
	return &InMemoryRBACPermissionCacheStore{
		data:      make(map[string]rbacCacheEntry),
		userEpoch: make(map[uint]uint64),
	}
}

func (s *InMemoryRBACPermissionCacheStore) Get(_ context.Context, userID uint) ([]string, bool, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	key := s.cacheKeyLocked(userID)
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.data, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return append([]string(nil), entry.permissions...), true, nil
}

func (s *InMemoryRBACPermissionCacheStore) Set(_ context.Context, userID uint, permissions []string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.cacheKeyLocked(userID)
	s.data[key] = rbacCacheEntry{
		permissions: append([]string(nil), permissions...),
		expiresAt:   time.Now().UTC().Add(ttl),
	}
	return nil
}

func (s *InMemoryRBACPermissionCacheStore) InvalidateUser(_ context.Context, userID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userEpoch[userID]++
	return nil
}

func (s *InMemoryRBACPermissionCacheStore) InvalidateAll(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalEpoch++
	return nil
}

func (s *InMemoryRBACPermissionCacheStore) cacheKeyLocked(userID uint) string {
	return buildRBACPermissionCacheKey(s.globalEpoch, s.userEpoch[userID], userID)
}

type RedisRBACPermissionCacheStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRBACPermissionCacheStore(client redis.UniversalClient, prefix string) *RedisRBACPermissionCacheStore {
	if prefix == "" {
		prefix = "rbac_perm"
	}
	return &RedisRBACPermissionCacheStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisRBACPermissionCacheStore) Get(ctx context.Context, userID uint) ([]string, bool, error) {
	if s.client == nil {
		return nil, false, nil
	}
	key, err := s.dataKey(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var perms []string
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, false, err
	}
	return perms, true, nil
}

func (s *RedisRBACPermissionCacheStore) Set(ctx context.Context, userID uint, permissions []string, ttl time.Duration) error {
	if s.client == nil || ttl <= 0 {
		return nil
	}
	key, err := s.dataKey(ctx, userID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(permissions)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, payload, ttl).Err()
}

func (s *RedisRBACPermissionCacheStore) InvalidateUser(ctx context.Context, userID uint) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.userEpochKey(userID)).Err()
}

func (s *RedisRBACPermissionCacheStore) InvalidateAll(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Incr(ctx, s.globalEpochKey()).Err()
}

func (s *RedisRBACPermissionCacheStore) dataKey(ctx context.Context, userID uint) (string, error) {
	pipe := s.client.Pipeline()
	globalEpochCmd := pipe.Get(ctx, s.globalEpochKey())
	userEpochCmd := pipe.Get(ctx, s.userEpochKey(userID))
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return "", err
	}
	globalEpoch, err := parseEpoch(globalEpochCmd)
	if err != nil {
		return "", err
	}
	userEpoch, err := parseEpoch(userEpochCmd)
	if err != nil {
		return "", err
	}
	return buildRBACPermissionCacheKey(globalEpoch, userEpoch, userID), nil
}

func parseEpoch(cmd *redis.StringCmd) (uint64, error) {
	v, err := cmd.Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *RedisRBACPermissionCacheStore) globalEpochKey() string {
	return s.prefix + ":epoch:global"
}

func (s *RedisRBACPermissionCacheStore) userEpochKey(userID uint) string {
	return fmt.Sprintf("%s:epoch:user:%d", s.prefix, userID)
}

func buildRBACPermissionCacheKey(globalEpoch, userEpoch uint64, userID uint) string {
	return fmt.Sprintf("rbacperm:g%d:u%d:user:%d", globalEpoch, userEpoch, userID)
}
