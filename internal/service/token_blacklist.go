package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBlacklist tracks revoked-but-not-yet-expired access-token ids. Entries
// expire with the token they shadow, so storage stays bounded.
type TokenBlacklist interface {
	Add(ctx context.Context, jti string, expiresAt time.Time) error
	Has(ctx context.Context, jti string) (bool, error)
	Remove(ctx context.Context, jti string) error
	Cleanup(ctx context.Context) (int, error)
	Shutdown()
}

type blacklistEntry struct {
	expiresAt time.Time
}

// InMemoryTokenBlacklist prunes on a janitor goroutine. Construct one per
// process (or per test) and Shutdown it; there is no package-level instance.
type InMemoryTokenBlacklist struct {
	mu      sync.RWMutex
	entries map[string]blacklistEntry
	logger  *slog.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewInMemoryTokenBlacklist(cleanupInterval time.Duration, logger *slog.Logger) *InMemoryTokenBlacklist {
	if logger == nil {
		logger = slog.Default()
	}
	b := &InMemoryTokenBlacklist{
		entries: make(map[string]blacklistEntry),
		logger:  logger,
		done:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		b.wg.Add(1)
		go b.janitor(cleanupInterval)
	}
	return b
}

func (b *InMemoryTokenBlacklist) Add(_ context.Context, jti string, expiresAt time.Time) error {
	if jti == "" || !expiresAt.After(time.Now()) {
		return nil
	}
	b.mu.Lock()
	b.entries[jti] = blacklistEntry{expiresAt: expiresAt.UTC()}
	b.mu.Unlock()
	return nil
}

func (b *InMemoryTokenBlacklist) Has(_ context.Context, jti string) (bool, error) {
	now := time.Now()
	b.mu.RLock()
	entry, ok := b.entries[jti]
	b.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !entry.expiresAt.After(now) {
		// Lazily prune entries found expired on lookup.
		b.mu.Lock()
		delete(b.entries, jti)
		b.mu.Unlock()
		return false, nil
	}
	return true, nil
}

func (b *InMemoryTokenBlacklist) Remove(_ context.Context, jti string) error {
	b.mu.Lock()
	delete(b.entries, jti)
	b.mu.Unlock()
	return nil
}

func (b *InMemoryTokenBlacklist) Cleanup(_ context.Context) (int, error) {
	now := time.Now()
	removed := 0
	b.mu.Lock()
	for jti, entry := range b.entries {
		if !entry.expiresAt.After(now) {
			delete(b.entries, jti)
			removed++
		}
	}
	b.mu.Unlock()
	return removed, nil
}

// Shutdown stops the janitor. Safe to call more than once.
func (b *InMemoryTokenBlacklist) Shutdown() {
	b.stopOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}

func (b *InMemoryTokenBlacklist) janitor(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if removed, _ := b.Cleanup(context.Background()); removed > 0 {
				b.logger.Debug("token blacklist pruned", "removed", removed)
			}
		}
	}
}

func (b *InMemoryTokenBlacklist) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// RedisTokenBlacklist delegates expiry to key TTLs; Cleanup is a no-op.
type RedisTokenBlacklist struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTokenBlacklist(client redis.UniversalClient, prefix string) *RedisTokenBlacklist {
	if prefix == "" {
		prefix = "jti_blacklist"
	}
	return &RedisTokenBlacklist{client: client, prefix: prefix}
}

func (b *RedisTokenBlacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	if b.client == nil || jti == "" {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return b.client.Set(ctx, b.key(jti), "1", ttl).Err()
}

func (b *RedisTokenBlacklist) Has(ctx context.Context, jti string) (bool, error) {
	if b.client == nil {
		return false, nil
	}
	n, err := b.client.Exists(ctx, b.key(jti)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisTokenBlacklist) Remove(ctx context.Context, jti string) error {
	if b.client == nil {
		return nil
	}
	return b.client.Del(ctx, b.key(jti)).Err()
}

func (b *RedisTokenBlacklist) Cleanup(context.Context) (int, error) { return 0, nil }

func (b *RedisTokenBlacklist) Shutdown() {}

func (b *RedisTokenBlacklist) key(jti string) string { return b.prefix + ":" + jti }
