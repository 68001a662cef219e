package persistence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db))
	return db
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func recordStores(t *testing.T) map[string]RecordStore {
	t.Helper()
	file, err := NewFileRecordStore(StoreConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return map[string]RecordStore{
		"memory": NewMemoryRecordStore(),
		"file":   file,
		"redis":  NewRedisRecordStore(newRedisClient(t), "test:"),
		"sql":    NewSQLRecordStore(openTestDB(t)),
	}
}

func versionLogs(t *testing.T) map[string]VersionLog {
	t.Helper()
	file, err := NewFileVersionLog(StoreConfig{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return map[string]VersionLog{
		"memory": NewMemoryVersionLog(),
		"file":   file,
		"redis":  NewRedisVersionLog(newRedisClient(t), "test:"),
		"sql":    NewSQLVersionLog(openTestDB(t)),
	}
}

type handoffPayload struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// =============================================================================
// RecordStore
// =============================================================================

func TestRecordStore_PutGet(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			defer store.Close()

			require.NoError(t, store.Ping(ctx))

			rec, err := NewRecord(KindHandoff, "h-1", "sent", "", handoffPayload{Source: "orch", Target: "design"})
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, rec))

			got, err := store.Get(ctx, KindHandoff, "h-1")
			require.NoError(t, err)
			assert.Equal(t, "sent", got.Status)

			var p handoffPayload
			require.NoError(t, got.Decode(&p))
			assert.Equal(t, "design", p.Target)

			_, err = store.Get(ctx, KindHandoff, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.Get(ctx, KindDecision, "h-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRecordStore_PutReplacesAndKeepsCreatedAt(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			created := time.Now().Add(-time.Hour).UTC()

			require.NoError(t, store.Put(ctx, &Record{
				Kind: KindConflict, ID: "c-1", Status: "detected",
				CreatedAt: created, UpdatedAt: created,
			}))
			require.NoError(t, store.Put(ctx, &Record{
				Kind: KindConflict, ID: "c-1", Status: "resolved", Reason: "auto_merge",
				UpdatedAt: time.Now().UTC(),
			}))

			got, err := store.Get(ctx, KindConflict, "c-1")
			require.NoError(t, err)
			assert.Equal(t, "resolved", got.Status)
			assert.Equal(t, "auto_merge", got.Reason)
			assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)

			all, err := store.List(ctx, KindConflict, ListOptions{})
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestRecordStore_ListAndDeleteBefore(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-10 * time.Hour).UTC()

			for i, status := range []string{"completed", "failed", "completed"} {
				ts := base.Add(time.Duration(i) * time.Hour)
				require.NoError(t, store.Put(ctx, &Record{
					Kind: KindToolLock, ID: string(rune('a' + i)), Status: status,
					CreatedAt: ts, UpdatedAt: ts,
				}))
			}

			all, err := store.List(ctx, KindToolLock, ListOptions{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "a", all[0].ID)
			assert.Equal(t, "c", all[2].ID)

			done, err := store.List(ctx, KindToolLock, ListOptions{Status: "completed"})
			require.NoError(t, err)
			assert.Len(t, done, 2)

			recent, err := store.List(ctx, KindToolLock, ListOptions{Since: base.Add(90 * time.Minute)})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "c", recent[0].ID)

			limited, err := store.List(ctx, KindToolLock, ListOptions{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			n, err := store.DeleteBefore(ctx, KindToolLock, base.Add(90*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			left, err := store.List(ctx, KindToolLock, ListOptions{})
			require.NoError(t, err)
			assert.Len(t, left, 1)
		})
	}
}

func TestRecordStore_RejectsInvalid(t *testing.T) {
	for name, store := range recordStores(t) {
		t.Run(name, func(t *testing.T) {
			err := store.Put(context.Background(), &Record{Kind: KindHandoff})
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestFileRecordStore_ReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileRecordStore(StoreConfig{BaseDir: dir})
	require.NoError(t, err)
	require.NoError(t, s1.Put(ctx, &Record{Kind: KindDecision, ID: "d-1", Status: "decided"}))
	require.NoError(t, s1.Close())

	s2, err := NewFileRecordStore(StoreConfig{BaseDir: dir})
	require.NoError(t, err)
	got, err := s2.Get(ctx, KindDecision, "d-1")
	require.NoError(t, err)
	assert.Equal(t, "decided", got.Status)
}

// =============================================================================
// VersionLog
// =============================================================================

func TestVersionLog_AppendLoad(t *testing.T) {
	for name, log := range versionLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			changes := json.RawMessage(`[{"path":"performance.lcp","op":"replace"}]`)

			for i, id := range []string{"v0", "v1", "v2"} {
				parent := ""
				if i > 0 {
					parent = []string{"v0", "v1"}[i-1]
				}
				require.NoError(t, log.Append(ctx, &VersionRecord{
					ContextID: "proj", VersionID: id, Seq: int64(i), ParentID: parent,
					Author: "perf", Checksum: "sum-" + id, ChangeSet: changes,
					CreatedAt: time.Now().UTC(),
				}))
			}
			require.NoError(t, log.Append(ctx, &VersionRecord{ContextID: "other", VersionID: "x0"}))

			got, err := log.Load(ctx, "proj")
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "v0", got[0].VersionID)
			assert.Equal(t, "v1", got[2].ParentID)
			assert.JSONEq(t, string(changes), string(got[1].ChangeSet))

			empty, err := log.Load(ctx, "unknown")
			require.NoError(t, err)
			assert.Empty(t, empty)

			assert.ErrorIs(t, log.Append(ctx, &VersionRecord{ContextID: "proj"}), ErrInvalidInput)
		})
	}
}

// =============================================================================
// Factory & Cleaner
// =============================================================================

func TestFactory(t *testing.T) {
	s, err := NewRecordStore(StoreConfig{Type: StoreTypeMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryRecordStore{}, s)

	l, err := NewVersionLog(StoreConfig{Type: StoreTypeFile, BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileVersionLog{}, l)

	_, err = NewRecordStore(StoreConfig{Type: StoreTypeSQL})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewRecordStore(StoreConfig{Type: "mongo"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	cfg := DefaultStoreConfig()
	cfg.Type = StoreTypeRedis
	cfg.Redis.Addr = mr.Addr()
	rs, err := NewRecordStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisRecordStore{}, rs)
	require.NoError(t, rs.Close())
}

func TestCleaner_RunOnce(t *testing.T) {
	store := NewMemoryRecordStore()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, store.Put(ctx, &Record{Kind: KindHandoff, ID: "old", UpdatedAt: old}))
	require.NoError(t, store.Put(ctx, &Record{Kind: KindDecision, ID: "old", UpdatedAt: old}))
	require.NoError(t, store.Put(ctx, &Record{Kind: KindHandoff, ID: "new"}))

	c := NewCleaner(store, CleanupConfig{Enabled: true, Interval: time.Minute, Retention: 24 * time.Hour}, zap.NewNop())
	n, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Get(ctx, KindHandoff, "new")
	assert.NoError(t, err)
}

func TestCleaner_RunDisabledReturns(t *testing.T) {
	c := NewCleaner(NewMemoryRecordStore(), CleanupConfig{Enabled: false}, nil)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return when cleanup is disabled")
	}
}
