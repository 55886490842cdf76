// Package store persists session variables between connections, keyed by
// session id with a TTL.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session profile not found")

const DefaultTTL = 24 * time.Hour

type Store interface {
	Load(ctx context.Context, sessionID string) (map[string]any, error)
	Save(ctx context.Context, sessionID string, vars map[string]any, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// RedisStore keeps each profile as a JSON string under prefix+sessionID.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "switchboard:session:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// OpenRedis parses a redis:// URL and returns a client.
func OpenRedis(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStore) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	raw, err := s.rdb.Get(ctx, s.prefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var vars map[string]any
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return vars, nil
}

func (s *RedisStore) Save(ctx context.Context, sessionID string, vars map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+sessionID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.rdb.Del(ctx, s.prefix+sessionID).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// MemoryStore is a process-local store with per-entry expiry.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &MemoryStore{cache: cache.New(defaultTTL, 10*time.Minute)}
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (map[string]any, error) {
	v, ok := m.cache.Get(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneVars(v.(map[string]any)), nil
}

func (m *MemoryStore) Save(_ context.Context, sessionID string, vars map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}
	m.cache.Set(sessionID, cloneVars(vars), ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.cache.Delete(sessionID)
	return nil
}

func cloneVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Fallback writes through to a memory store and, when reachable, a primary
// store. After a primary failure the primary is skipped for RetryAfter and
// the session keeps running on memory alone.
type Fallback struct {
	Primary    Store
	Memory     *MemoryStore
	RetryAfter time.Duration
	Logger     *slog.Logger

	now func() time.Time

	mu            sync.Mutex
	degradedUntil time.Time
}

func NewFallback(primary Store, memory *MemoryStore, logger *slog.Logger) *Fallback {
	if memory == nil {
		memory = NewMemoryStore(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{Primary: primary, Memory: memory, RetryAfter: 30 * time.Second, Logger: logger, now: time.Now}
}

func (f *Fallback) primaryUsable() bool {
	if f.Primary == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.now().Before(f.degradedUntil)
}

func (f *Fallback) degrade(op string, err error) {
	f.mu.Lock()
	f.degradedUntil = f.now().Add(f.RetryAfter)
	f.mu.Unlock()
	f.Logger.Warn("profile store degraded to memory", "op", op, "retry_after", f.RetryAfter, "error", err)
}

// Degraded reports whether the primary is currently being skipped.
func (f *Fallback) Degraded() bool {
	return f.Primary != nil && !f.primaryUsable()
}

func (f *Fallback) Load(ctx context.Context, sessionID string) (map[string]any, error) {
	if f.primaryUsable() {
		vars, err := f.Primary.Load(ctx, sessionID)
		switch {
		case err == nil:
			_ = f.Memory.Save(ctx, sessionID, vars, 0)
			return vars, nil
		case !errors.Is(err, ErrNotFound):
			f.degrade("load", err)
		}
	}
	return f.Memory.Load(ctx, sessionID)
}

func (f *Fallback) Save(ctx context.Context, sessionID string, vars map[string]any, ttl time.Duration) error {
	_ = f.Memory.Save(ctx, sessionID, vars, ttl)
	if f.primaryUsable() {
		if err := f.Primary.Save(ctx, sessionID, vars, ttl); err != nil {
			f.degrade("save", err)
		}
	}
	return nil
}

func (f *Fallback) Delete(ctx context.Context, sessionID string) error {
	_ = f.Memory.Delete(ctx, sessionID)
	if f.primaryUsable() {
		if err := f.Primary.Delete(ctx, sessionID); err != nil {
			f.degrade("delete", err)
		}
	}
	return nil
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*Fallback)(nil)
)
