package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

// FileRecordStore 是基于文件的 RecordStore，每种记录一个 JSON 索引文件。
// 适合单节点部署。
type FileRecordStore struct {
	baseDir string
	records map[RecordKind]map[string]*Record // in-memory cache
	mu      sync.RWMutex
	closed  bool
}

// NewFileRecordStore 新建文件记录存储，并装入已存在的记录
func NewFileRecordStore(config StoreConfig) (*FileRecordStore, error) {
	baseDir := filepath.Join(config.BaseDir, "records")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create record store directory: %w", err)
	}

	s := &FileRecordStore{
		baseDir: baseDir,
		records: make(map[RecordKind]map[string]*Record),
	}
	for _, kind := range AllKinds {
		if err := s.loadKind(kind); err != nil {
			return nil, fmt.Errorf("failed to load %s records: %w", kind, err)
		}
	}
	return s, nil
}

func (s *FileRecordStore) indexPath(kind RecordKind) string {
	return filepath.Join(s.baseDir, string(kind)+".json")
}

func (s *FileRecordStore) loadKind(kind RecordKind) error {
	data, err := os.ReadFile(s.indexPath(kind))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var bucket map[string]*Record
	if err := json.Unmarshal(data, &bucket); err != nil {
		return err
	}
	if bucket != nil {
		s.records[kind] = bucket
	}
	return nil
}

// saveKind 原子写: 写入临时文件后重命名
func (s *FileRecordStore) saveKind(kind RecordKind) error {
	data, err := json.MarshalIndent(s.records[kind], "", "  ")
	if err != nil {
		return err
	}
	path := s.indexPath(kind)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileRecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for kind := range s.records {
		if err := s.saveKind(kind); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *FileRecordStore) Put(ctx context.Context, record *Record) error {
	if err := record.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	bucket, ok := s.records[record.Kind]
	if !ok {
		bucket = make(map[string]*Record)
		s.records[record.Kind] = bucket
	}
	c := cloneRecord(record)
	stampRecord(c, bucket[record.ID])
	bucket[record.ID] = c
	return s.saveKind(record.Kind)
}

func (s *FileRecordStore) Get(ctx context.Context, kind RecordKind, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	r, ok := s.records[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (s *FileRecordStore) List(ctx context.Context, kind RecordKind, opts ListOptions) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Record
	for _, r := range s.records[kind] {
		if opts.match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	return sortAndLimit(out, opts.Limit), nil
}

func (s *FileRecordStore) DeleteBefore(ctx context.Context, kind RecordKind, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for id, r := range s.records[kind] {
		if r.UpdatedAt.Before(t) {
			delete(s.records[kind], id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveKind(kind)
}

// FileVersionLog 以 JSON Lines 形式为每个上下文追加版本记录
type FileVersionLog struct {
	baseDir string
	mu      sync.Mutex
	closed  bool
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// NewFileVersionLog 新建文件版本日志
func NewFileVersionLog(config StoreConfig) (*FileVersionLog, error) {
	baseDir := filepath.Join(config.BaseDir, "versions")
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create version log directory: %w", err)
	}
	return &FileVersionLog{baseDir: baseDir}, nil
}

func (l *FileVersionLog) path(contextID string) string {
	return filepath.Join(l.baseDir, unsafePathChars.ReplaceAllString(contextID, "_")+".jsonl")
}

func (l *FileVersionLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *FileVersionLog) Ping(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStoreClosed
	}
	return nil
}

func (l *FileVersionLog) Append(ctx context.Context, rec *VersionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStoreClosed
	}
	f, err := os.OpenFile(l.path(rec.ContextID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (l *FileVersionLog) Load(ctx context.Context, contextID string) ([]*VersionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrStoreClosed
	}
	f, err := os.Open(l.path(contextID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []*VersionRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec VersionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("corrupt version log %s: %w", contextID, err)
		}
		out = append(out, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
