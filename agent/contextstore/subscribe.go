package contextstore

import (
	"context"
	"sync"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/internal/retry"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Filter selects the changes a subscriber is interested in. Empty fields match everything.
type Filter struct {
	// Paths are prefixes; "performance" matches every performance field,
	// "performance.budget." matches everything beneath budget.
	Paths   []string
	Ops     []Op
	Authors []string
}

// Match reports whether change c written by author passes the filter.
func (f Filter) Match(c Change, author string) bool {
	if len(f.Paths) > 0 {
		ok := false
		for _, p := range f.Paths {
			if HasPrefix(c.Path, p) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Ops) > 0 {
		ok := false
		for _, op := range f.Ops {
			if op == c.Op {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Authors) > 0 {
		ok := false
		for _, a := range f.Authors {
			if a == author {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// ChangeEvent is delivered to subscribers, one per matching change.
type ChangeEvent struct {
	SubscriptionID string    `json:"subscription_id"`
	ContextID      string    `json:"context_id"`
	VersionID      string    `json:"version_id"`
	Seq            int64     `json:"seq"`
	Change         Change    `json:"change"`
	Author         string    `json:"author"`
	Timestamp      time.Time `json:"timestamp"`
}

// Handler consumes change events. A returned error triggers redelivery of
// the same event up to the configured bound.
type Handler func(ctx context.Context, ev ChangeEvent) error

type subscription struct {
	id        string
	contextID string
	filter    Filter
	handler   Handler
	retryer   retry.Retryer

	mu     sync.Mutex
	queue  []ChangeEvent
	notify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

func (sub *subscription) enqueue(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}
	sub.mu.Lock()
	sub.queue = append(sub.queue, events...)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) next() (ChangeEvent, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return ChangeEvent{}, false
	}
	ev := sub.queue[0]
	sub.queue = sub.queue[1:]
	return ev, true
}

// run delivers events one at a time in enqueue order.
func (sub *subscription) run() {
	defer close(sub.done)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.notify:
		}
		for {
			ev, ok := sub.next()
			if !ok {
				break
			}
			err := sub.retryer.Do(sub.ctx, func(int) error {
				return sub.handler(sub.ctx, ev)
			})
			if sub.ctx.Err() != nil {
				return
			}
			if err != nil {
				sub.logger.Warn("change event dropped after redelivery",
					zap.String("subscription_id", sub.id),
					zap.String("version_id", ev.VersionID),
					zap.String("path", ev.Change.Path),
					zap.Error(err),
				)
			}
		}
	}
}

// Subscribe registers handler for every future version of contextID whose
// change set matches filter. Each subscriber has its own ordered delivery
// goroutine.
func (s *Store) Subscribe(contextID string, filter Filter, handler Handler) (string, error) {
	if handler == nil {
		return "", types.NewValidationError("handler is required")
	}
	cs, err := s.state(contextID)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:        uuid.NewString(),
		contextID: contextID,
		filter:    filter,
		handler:   handler,
		retryer: retry.NewBackoffRetryer(retry.Policy{
			MaxAttempts: s.cfg.MaxRedeliveries + 1,
			BaseDelay:   s.cfg.RedeliveryDelay,
			MaxDelay:    s.cfg.RedeliveryDelay * 8,
			Multiplier:  2,
			ShouldRetry: func(error) bool { return true },
		}, s.logger),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: s.logger,
	}

	cs.mu.Lock()
	cs.subs[sub.id] = sub
	cs.mu.Unlock()
	s.subIdx.Store(sub.id, sub)

	go sub.run()

	s.emit(contextID, sub.id, "subscribed", map[string]any{"paths": filter.Paths})
	return sub.id, nil
}

// Unsubscribe stops delivery. Events still queued for the subscriber are discarded.
func (s *Store) Unsubscribe(subscriptionID string) error {
	v, ok := s.subIdx.LoadAndDelete(subscriptionID)
	if !ok {
		return types.NewNotFoundError("subscription", subscriptionID)
	}
	sub := v.(*subscription)
	if cs, err := s.state(sub.contextID); err == nil {
		cs.mu.Lock()
		delete(cs.subs, sub.id)
		cs.mu.Unlock()
	}
	sub.cancel()
	s.emit(sub.contextID, sub.id, "unsubscribed", nil)
	return nil
}

// publish hands v to subscribers strictly in sequence order, buffering
// versions whose predecessors are still in flight.
func (s *Store) publish(cs *contextState, v *Version) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.waiting[v.Seq] = v
	for {
		next, ok := cs.waiting[cs.published+1]
		if !ok {
			return
		}
		delete(cs.waiting, next.Seq)
		cs.published = next.Seq
		for _, sub := range cs.subs {
			var events []ChangeEvent
			for _, c := range next.Changes {
				if !sub.filter.Match(c, next.Author) {
					continue
				}
				events = append(events, ChangeEvent{
					SubscriptionID: sub.id,
					ContextID:      cs.id,
					VersionID:      next.ID,
					Seq:            next.Seq,
					Change:         c,
					Author:         next.Author,
					Timestamp:      next.CreatedAt,
				})
			}
			sub.enqueue(events)
		}
	}
}
