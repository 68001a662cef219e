// Package pool provides bounded worker pools and object pools used by the
// coordination components.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers int `json:"max_workers"`
	QueueSize  int `json:"queue_size"`
	// IdleTimeout retires workers above the first one after this long without work.
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  8,
		QueueSize:   256,
		IdleTimeout: time.Minute,
	}
}

type queued struct {
	ctx  context.Context
	task Task
}

// GoroutinePool runs submitted tasks on at most MaxWorkers goroutines.
// Workers are spawned on demand and retire when idle.
type GoroutinePool struct {
	cfg   GoroutinePoolConfig
	queue chan queued

	mu     sync.RWMutex // guards closed against concurrent Submit/Close
	closed bool
	wg     sync.WaitGroup

	workers   atomic.Int32
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// NewGoroutinePool creates a pool. Non-positive sizes fall back to defaults.
func NewGoroutinePool(cfg GoroutinePoolConfig) *GoroutinePool {
	def := DefaultGoroutinePoolConfig()
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = def.MaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	return &GoroutinePool{cfg: cfg, queue: make(chan queued, cfg.QueueSize)}
}

// Submit enqueues task without waiting for it to run. A full queue returns ErrPoolFull.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	select {
	case p.queue <- queued{ctx: ctx, task: task}:
		p.spawn()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) spawn() {
	for {
		n := p.workers.Load()
		if int(n) >= p.cfg.MaxWorkers {
			return
		}
		if p.workers.CompareAndSwap(n, n+1) {
			p.wg.Add(1)
			go p.work()
			return
		}
	}
}

func (p *GoroutinePool) work() {
	defer p.wg.Done()
	defer p.workers.Add(-1)

	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case q, ok := <-p.queue:
			if !ok {
				return
			}
			p.active.Add(1)
			if err := p.run(q); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			p.active.Add(-1)
			idle.Reset(p.cfg.IdleTimeout)
		case <-idle.C:
			if p.workers.Load() > 1 {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

func (p *GoroutinePool) run(q queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	if err := q.ctx.Err(); err != nil {
		return err
	}
	return q.task(q.ctx)
}

// Close stops accepting work, drains the queue and waits for workers.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workers.Load()),
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
