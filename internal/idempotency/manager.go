package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL 默认保留时间
const DefaultTTL = 24 * time.Hour

// Manager 幂等性管理器接口
type Manager interface {
	// Get 获取已保存的结果
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set 保存结果（覆盖）
	Set(ctx context.Context, key string, result any, ttl time.Duration) error

	// SetIfAbsent 仅当键不存在时保存，返回是否写入成功
	SetIfAbsent(ctx context.Context, key string, result any, ttl time.Duration) (bool, error)

	// Delete 删除结果
	Delete(ctx context.Context, key string) error
}

// GenerateKey 使用 SHA256 生成幂等键，相同输入生成相同的键
func GenerateKey(inputs ...any) (string, error) {
	if len(inputs) == 0 {
		return "", errors.New("at least one input is required")
	}
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", fmt.Errorf("marshal inputs: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// =============================================================================
// Redis 实现
// =============================================================================

type redisManager struct {
	client redis.UniversalClient
	prefix string
	logger *zap.Logger
}

// NewRedisManager 创建基于 Redis 的幂等性管理器
func NewRedisManager(client redis.UniversalClient, prefix string, logger *zap.Logger) Manager {
	if prefix == "" {
		prefix = "idempotency:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &redisManager{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "idempotency")),
	}
}

func (m *redisManager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := m.client.Get(ctx, m.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	m.logger.Debug("idempotency key hit", zap.String("key", key))
	return data, true, nil
}

func (m *redisManager) Set(ctx context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := m.client.Set(ctx, m.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (m *redisManager) SetIfAbsent(ctx context.Context, key string, result any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := m.client.SetNX(ctx, m.prefix+key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (m *redisManager) Delete(ctx context.Context, key string) error {
	if err := m.client.Del(ctx, m.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// =============================================================================
// 内存实现
// =============================================================================

type memoryManager struct {
	cache map[string]*cacheEntry
	mu    sync.Mutex
	now   func() time.Time
}

type cacheEntry struct {
	data      json.RawMessage
	expiresAt time.Time
}

// NewMemoryManager 创建基于内存的幂等性管理器。过期条目在访问时惰性清理。
func NewMemoryManager() Manager {
	return &memoryManager{
		cache: make(map[string]*cacheEntry),
		now:   time.Now,
	}
}

func (m *memoryManager) lookup(key string) (*cacheEntry, bool) {
	entry, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	if m.now().After(entry.expiresAt) {
		delete(m.cache, key)
		return nil, false
	}
	return entry, true
}

func (m *memoryManager) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return entry.data, true, nil
}

func (m *memoryManager) Set(_ context.Context, key string, result any, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	m.cache[key] = &cacheEntry{data: data, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) SetIfAbsent(_ context.Context, key string, result any, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.cache[key] = &cacheEntry{data: data, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *memoryManager) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()
	return nil
}
