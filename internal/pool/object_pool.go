package pool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool is a typed wrapper over sync.Pool with hit statistics.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(T)

	gets atomic.Int64
	news atomic.Int64
}

// NewPool creates a pool. reset, when set, runs before an object is returned.
func NewPool[T any](newFunc func() T, reset func(T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return newFunc()
	}
	return p
}

// Get retrieves an object from the pool.
func (p *Pool[T]) Get() T {
	p.gets.Add(1)
	return p.pool.Get().(T)
}

// Put returns obj to the pool.
func (p *Pool[T]) Put(obj T) {
	if p.reset != nil {
		p.reset(obj)
	}
	p.pool.Put(obj)
}

// HitRate is the share of Gets served without allocating.
func (p *Pool[T]) HitRate() float64 {
	gets := p.gets.Load()
	if gets == 0 {
		return 0
	}
	return float64(gets-p.news.Load()) / float64(gets)
}

// maxPooledBuffer keeps oversized buffers from pinning memory.
const maxPooledBuffer = 64 << 10

// Buffers holds scratch buffers for canonical encoding and checksumming.
var Buffers = NewPool(
	func() *bytes.Buffer { return bytes.NewBuffer(make([]byte, 0, 1024)) },
	func(b *bytes.Buffer) { b.Reset() },
)

// GetBuffer returns an empty buffer from Buffers.
func GetBuffer() *bytes.Buffer { return Buffers.Get() }

// PutBuffer returns b to Buffers unless it grew too large.
func PutBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledBuffer {
		return
	}
	Buffers.Put(b)
}
