package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type ack struct {
	Status string `json:"status"`
}

func newRedisManager(t *testing.T) (Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisManager(client, "test:", zap.NewNop()), mr
}

func managers(t *testing.T) map[string]Manager {
	r, _ := newRedisManager(t)
	return map[string]Manager{
		"memory": NewMemoryManager(),
		"redis":  r,
	}
}

func TestGenerateKey(t *testing.T) {
	k1, err := GenerateKey("msg-1", 2)
	require.NoError(t, err)
	k2, err := GenerateKey("msg-1", 2)
	require.NoError(t, err)
	k3, err := GenerateKey("msg-2", 2)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)

	_, err = GenerateKey()
	assert.Error(t, err)
}

func TestManager_SetGet(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := m.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, m.Set(ctx, "msg-1", ack{Status: "accepted"}, time.Minute))

			got, found, err := GetTyped[ack](m, ctx, "msg-1")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "accepted", got.Status)

			require.NoError(t, m.Delete(ctx, "msg-1"))
			_, found, err = m.Get(ctx, "msg-1")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestManager_SetIfAbsent(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := m.SetIfAbsent(ctx, "msg-1", ack{Status: "accepted"}, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = m.SetIfAbsent(ctx, "msg-1", ack{Status: "rejected"}, time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			got, _, err := GetTyped[ack](m, ctx, "msg-1")
			require.NoError(t, err)
			assert.Equal(t, "accepted", got.Status)
		})
	}
}

func TestMemoryManager_Expiry(t *testing.T) {
	m := NewMemoryManager().(*memoryManager)
	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(context.Background(), "k", ack{}, time.Second))
	now = now.Add(2 * time.Second)

	_, found, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisManager_TTL(t *testing.T) {
	m, mr := newRedisManager(t)
	require.NoError(t, m.Set(context.Background(), "k", ack{}, time.Minute))

	mr.FastForward(2 * time.Minute)

	_, found, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryManager_ConcurrentSetIfAbsent(t *testing.T) {
	m := NewMemoryManager()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.SetIfAbsent(context.Background(), "same", ack{}, time.Minute)
			if err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}
