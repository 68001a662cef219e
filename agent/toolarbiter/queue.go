package toolarbiter

import (
	"container/heap"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

type outcome struct {
	grant *Grant
	err   error
}

// waiter is a queued request.
type waiter struct {
	req        Request
	seq        uint64
	enqueuedAt time.Time
	index      int
	// settledAt is set when the request left the queue without a lock.
	settledAt time.Time

	// result receives exactly one outcome.
	result chan outcome
}

func (w *waiter) settle(o outcome) {
	select {
	case w.result <- o:
	default:
	}
}

// effective returns the priority after aging: one tier per step waited, capped at critical.
func (w *waiter) effective(now time.Time, step time.Duration) types.Priority {
	rank := w.req.Priority.Rank()
	if step > 0 {
		rank += int(now.Sub(w.enqueuedAt) / step)
	}
	return types.PriorityFromRank(rank)
}

// waitQueue orders waiters by effective priority, then arrival.
type waitQueue struct {
	items []*waiter
	now   time.Time
	aging time.Duration
}

func (q *waitQueue) Len() int { return len(q.items) }

func (q *waitQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	ra, rb := a.effective(q.now, q.aging).Rank(), b.effective(q.now, q.aging).Rank()
	if ra != rb {
		return ra > rb
	}
	return a.seq < b.seq
}

func (q *waitQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(q.items)
	q.items = append(q.items, w)
}

func (q *waitQueue) Pop() any {
	old := q.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	q.items = old[:n-1]
	return w
}

// reorder re-establishes heap order after time has aged the waiters.
func (q *waitQueue) reorder(now time.Time) {
	q.now = now
	heap.Init(q)
}

func (q *waitQueue) remove(w *waiter) bool {
	if w.index < 0 || w.index >= len(q.items) || q.items[w.index] != w {
		return false
	}
	heap.Remove(q, w.index)
	return true
}

// ordered returns the waiters in grant order without disturbing the heap.
func (q *waitQueue) ordered(now time.Time) []*waiter {
	cp := &waitQueue{items: make([]*waiter, len(q.items)), now: now, aging: q.aging}
	copy(cp.items, q.items)
	heap.Init(cp)
	out := make([]*waiter, 0, len(cp.items))
	for cp.Len() > 0 {
		out = append(out, heap.Pop(cp).(*waiter))
	}
	// Swap and Pop rewrote indexes; restore the live heap's.
	for i, w := range q.items {
		w.index = i
	}
	return out
}

func (q *waitQueue) position(w *waiter, now time.Time) int {
	for i, x := range q.ordered(now) {
		if x == w {
			return i
		}
	}
	return -1
}
