package toolarbiter

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

// Under any interleaving of requests, releases, cancellations and expiry,
// a tool never has more holders than its limit and never idles a free slot
// while requests wait.
func TestProperty_LockSafety(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clock := newClock()
		a := New(DefaultConfig(), zap.NewNop(), WithClock(clock.Now))
		defer a.Close()

		limit := rapid.IntRange(1, 3).Draw(rt, "limit")
		category := CategoryPool
		if limit == 1 {
			category = CategoryExclusive
		}
		if err := a.Register(Tool{ID: "t", Category: category, ConcurrentLimit: limit, EstimatedDuration: time.Minute}); err != nil {
			rt.Fatalf("register: %v", err)
		}
		ctx := context.Background()
		priorities := []types.Priority{types.PriorityLow, types.PriorityMedium, types.PriorityHigh, types.PriorityCritical}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			st, err := a.GetStatus("t")
			if err != nil {
				rt.Fatalf("status: %v", err)
			}
			switch rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("op_%d", i)) {
			case 0:
				req := Request{
					ToolID:   "t",
					AgentID:  fmt.Sprintf("agent-%d", rapid.IntRange(0, 4).Draw(rt, fmt.Sprintf("agent_%d", i))),
					Priority: rapid.SampledFrom(priorities).Draw(rt, fmt.Sprintf("prio_%d", i)),
				}
				if _, err := a.Request(ctx, req); err != nil {
					rt.Fatalf("request: %v", err)
				}
			case 1:
				if len(st.Held) > 0 {
					l := rapid.SampledFrom(st.Held).Draw(rt, fmt.Sprintf("release_%d", i))
					if err := a.Release(l.ID); err != nil {
						rt.Fatalf("release: %v", err)
					}
				}
			case 2:
				if len(st.Queue) > 0 {
					w := rapid.SampledFrom(st.Queue).Draw(rt, fmt.Sprintf("cancel_%d", i))
					if err := a.CancelRequest(w.RequestID); err != nil {
						rt.Fatalf("cancel: %v", err)
					}
				}
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(rt, fmt.Sprintf("advance_%d", i))) * time.Second)
				a.Sweep(clock.Now())
			}

			st, err = a.GetStatus("t")
			if err != nil {
				rt.Fatalf("status: %v", err)
			}
			if len(st.Held) > limit {
				rt.Fatalf("%d holders exceed limit %d", len(st.Held), limit)
			}
			if st.Available > 0 && len(st.Queue) > 0 {
				rt.Fatalf("%d free slots while %d requests wait", st.Available, len(st.Queue))
			}
			for j := 1; j < len(st.Queue); j++ {
				if st.Queue[j].Effective.Rank() > st.Queue[j-1].Effective.Rank() {
					rt.Fatalf("queue out of priority order at %d", j)
				}
			}
		}
	})
}
