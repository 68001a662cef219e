package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a client from config and verifies the connection.
func NewRedisClient(config RedisStoreConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func redisPrefix(p string) string {
	if p == "" {
		return "coord:"
	}
	return p
}

// RedisRecordStore is a Redis-based RecordStore. Each record is a JSON string
// and each kind keeps a sorted-set index scored by UpdatedAt.
type RedisRecordStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisRecordStore wraps an existing client
func NewRedisRecordStore(client redis.UniversalClient, keyPrefix string) *RedisRecordStore {
	return &RedisRecordStore{client: client, keyPrefix: redisPrefix(keyPrefix) + "rec:"}
}

func (s *RedisRecordStore) recordKey(kind RecordKind, id string) string {
	return s.keyPrefix + string(kind) + ":" + id
}

func (s *RedisRecordStore) indexKey(kind RecordKind) string {
	return s.keyPrefix + "index:" + string(kind)
}

func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

func (s *RedisRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisRecordStore) Put(ctx context.Context, record *Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	prev, err := s.Get(ctx, record.Kind, record.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	c := cloneRecord(record)
	stampRecord(c, prev)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.recordKey(c.Kind, c.ID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(c.Kind), redis.Z{
		Score:  float64(c.UpdatedAt.UnixMicro()),
		Member: c.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

func (s *RedisRecordStore) Get(ctx context.Context, kind RecordKind, id string) (*Record, error) {
	data, err := s.client.Get(ctx, s.recordKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

func (s *RedisRecordStore) List(ctx context.Context, kind RecordKind, opts ListOptions) ([]*Record, error) {
	lo := "-inf"
	if !opts.Since.IsZero() {
		lo = strconv.FormatInt(opts.Since.UnixMicro(), 10)
	}
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(kind), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.recordKey(kind, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	out := make([]*Record, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		if opts.match(&r) {
			out = append(out, &r)
		}
	}
	return sortAndLimit(out, opts.Limit), nil
}

func (s *RedisRecordStore) DeleteBefore(ctx context.Context, kind RecordKind, t time.Time) (int, error) {
	hi := "(" + strconv.FormatInt(t.UnixMicro(), 10)
	ids, err := s.client.ZRangeByScore(ctx, s.indexKey(kind), &redis.ZRangeBy{Min: "-inf", Max: hi}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired records: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, s.recordKey(kind, id))
		pipe.ZRem(ctx, s.indexKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	return len(ids), nil
}

// RedisVersionLog appends versions to one Redis list per context.
type RedisVersionLog struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisVersionLog wraps an existing client
func NewRedisVersionLog(client redis.UniversalClient, keyPrefix string) *RedisVersionLog {
	return &RedisVersionLog{client: client, keyPrefix: redisPrefix(keyPrefix) + "versions:"}
}

func (l *RedisVersionLog) Close() error {
	return l.client.Close()
}

func (l *RedisVersionLog) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisVersionLog) Append(ctx context.Context, rec *VersionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal version: %w", err)
	}
	if err := l.client.RPush(ctx, l.keyPrefix+rec.ContextID, data).Err(); err != nil {
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

func (l *RedisVersionLog) Load(ctx context.Context, contextID string) ([]*VersionRecord, error) {
	items, err := l.client.LRange(ctx, l.keyPrefix+contextID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load versions: %w", err)
	}
	out := make([]*VersionRecord, 0, len(items))
	for _, item := range items {
		var rec VersionRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("corrupt version log %s: %w", contextID, err)
		}
		out = append(out, &rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
