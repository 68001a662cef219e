package persistence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore is an in-memory RecordStore for development and testing.
type MemoryRecordStore struct {
	records map[RecordKind]map[string]*Record
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryRecordStore creates an empty in-memory record store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[RecordKind]map[string]*Record)}
}

func (s *MemoryRecordStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MemoryRecordStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryRecordStore) Put(ctx context.Context, record *Record) error {
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
	return nil
}

func (s *MemoryRecordStore) Get(ctx context.Context, kind RecordKind, id string) (*Record, error) {
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

func (s *MemoryRecordStore) List(ctx context.Context, kind RecordKind, opts ListOptions) ([]*Record, error) {
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

func (s *MemoryRecordStore) DeleteBefore(ctx context.Context, kind RecordKind, t time.Time) (int, error) {
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
	return n, nil
}

// MemoryVersionLog is an in-memory VersionLog.
type MemoryVersionLog struct {
	logs   map[string][]*VersionRecord
	mu     sync.RWMutex
	closed bool
}

// NewMemoryVersionLog creates an empty in-memory version log
func NewMemoryVersionLog() *MemoryVersionLog {
	return &MemoryVersionLog{logs: make(map[string][]*VersionRecord)}
}

func (l *MemoryVersionLog) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

func (l *MemoryVersionLog) Ping(ctx context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrStoreClosed
	}
	return nil
}

func (l *MemoryVersionLog) Append(ctx context.Context, rec *VersionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStoreClosed
	}
	c := *rec
	l.logs[rec.ContextID] = append(l.logs[rec.ContextID], &c)
	return nil
}

func (l *MemoryVersionLog) Load(ctx context.Context, contextID string) ([]*VersionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*VersionRecord, 0, len(l.logs[contextID]))
	for _, r := range l.logs[contextID] {
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
