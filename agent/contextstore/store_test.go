package contextstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/monitor"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/agent/persistence"
	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"
)

type fakeReporter struct {
	mu     sync.Mutex
	clashes []Clash
}

func (r *fakeReporter) ReportContextConflict(_ context.Context, clash Clash) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clashes = append(r.clashes, clash)
	return fmt.Sprintf("conflict-%d", len(r.clashes)), nil
}

func (r *fakeReporter) reported() []Clash {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Clash(nil), r.clashes...)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RedeliveryDelay = time.Millisecond
	s := New(cfg, zaptest.NewLogger(t), opts...)
	t.Cleanup(s.Close)
	return s
}

func mustCreate(t *testing.T, s *Store, id string) *Version {
	t.Helper()
	root, err := s.Create(context.Background(), id, ChangeSet{Set("project.name", String("shop"))}, "orchestrator")
	require.NoError(t, err)
	return root
}

func write(s *Store, ctxID, base, author string, changes ...Change) (*Version, error) {
	return s.Write(context.Background(), WriteRequest{
		ContextID:     ctxID,
		BaseVersionID: base,
		Author:        author,
		Changes:       changes,
	})
}

// =============================================================================
// Create / Read
// =============================================================================

func TestStore_CreateAndRead(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	assert.Equal(t, int64(0), root.Seq)
	assert.Empty(t, root.ParentID)

	snap, err := s.Read("ctx", "")
	require.NoError(t, err)
	assert.Equal(t, root.ID, snap.VersionID)
	assert.Equal(t, StatusActive, snap.Status)
	v, ok := snap.Tree.Get("project.name")
	require.True(t, ok)
	assert.Equal(t, "shop", v.Any())

	_, err = s.Create(context.Background(), "ctx", nil, "orchestrator")
	assert.ErrorIs(t, err, ErrContextExists)

	_, err = s.Read("missing", "")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = s.Read("ctx", "nope")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	assert.True(t, s.HasVersion(root.ID))
	assert.Equal(t, []string{"ctx"}, s.Contexts())
}

func TestStore_WriteValidation(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	_, err := write(s, "ctx", root.ID, "dev")
	assert.True(t, types.IsErrorCode(err, types.ErrValidation), "empty change set")

	_, err = write(s, "ctx", "", "dev", Set("code.lang", String("go")))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))

	_, err = write(s, "ctx", root.ID, "dev", Add("project.name", String("other")))
	assert.True(t, types.IsErrorCode(err, types.ErrValidation), "add on existing path")

	require.NoError(t, s.SetStatus("ctx", StatusLocked))
	_, err = write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	assert.True(t, types.IsErrorCode(err, types.ErrPermissionDenied))
	assert.Error(t, s.SetStatus("ctx", Status("frozen")))
}

func TestStore_SequentialWrite(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	v1, err := write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)
	assert.Equal(t, root.ID, v1.ParentID)
	assert.Equal(t, int64(1), v1.Seq)
	assert.Empty(t, v1.MergedFrom)
	require.Len(t, v1.Changes, 1)
	assert.Nil(t, v1.Changes[0].Old)

	v2, err := write(s, "ctx", v1.ID, "dev", Set("code.lang", String("rust")))
	require.NoError(t, err)
	require.NotNil(t, v2.Changes[0].Old)
	assert.Equal(t, "go", v2.Changes[0].Old.Any())

	head, err := s.Head("ctx")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, head.ID)
	assert.NoError(t, s.Verify("ctx", v2.ID))
}

// =============================================================================
// Concurrent writes
// =============================================================================

func TestStore_DisjointConcurrentWritesMerge(t *testing.T) {
	rec := monitor.NewRecorder()
	s := newTestStore(t, WithSink(rec))
	root := mustCreate(t, s, "ctx")

	v1, err := write(s, "ctx", root.ID, "perf-agent", Set("performance.lcp", Number(2400)))
	require.NoError(t, err)
	v2, err := write(s, "ctx", root.ID, "a11y-agent", Set("performance.fid", Number(90)))
	require.NoError(t, err)

	assert.Equal(t, v1.ID, v2.ParentID)
	assert.Equal(t, root.ID, v2.MergedFrom)

	snap, err := s.Read("ctx", "")
	require.NoError(t, err)
	lcp, _ := snap.Tree.Get("performance.lcp")
	fid, _ := snap.Tree.Get("performance.fid")
	assert.Equal(t, 2400.0, lcp.Any())
	assert.Equal(t, 90.0, fid.Any())
	assert.Equal(t, 1, rec.Count(types.ComponentContext, "version_merged"))
	assert.NoError(t, s.Verify("ctx", v2.ID))
}

func TestStore_OverlappingWritesRaiseConflict(t *testing.T) {
	rep := &fakeReporter{}
	rec := monitor.NewRecorder()
	s := newTestStore(t, WithConflictReporter(rep), WithSink(rec))
	root := mustCreate(t, s, "ctx")

	v1, err := s.Write(context.Background(), WriteRequest{
		ContextID: "ctx", BaseVersionID: root.ID, Author: "designer",
		Changes: ChangeSet{Set("design.color", String("red"))}, Priority: types.PriorityHigh, Confidence: 0.9,
	})
	require.NoError(t, err)

	_, err = s.Write(context.Background(), WriteRequest{
		ContextID: "ctx", BaseVersionID: root.ID, Author: "a11y",
		Changes: ChangeSet{Set("design.color", String("blue")), Set("accessibility.contrast", Number(4.5))},
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))
	assert.ErrorIs(t, err, ErrWritePending)
	pe, ok := AsPending(err)
	require.True(t, ok)
	assert.Equal(t, "conflict-1", pe.ConflictID)

	clashes := rep.reported()
	require.Len(t, clashes, 1)
	require.Len(t, clashes[0].Fields, 1)
	fc := clashes[0].Fields[0]
	assert.Equal(t, "design.color", fc.Path)
	assert.Equal(t, types.DomainDesign, fc.Domain)
	assert.Equal(t, "a11y", fc.Ours.AgentID)
	assert.Equal(t, "blue", fc.Ours.Value.Any())
	assert.Equal(t, types.PriorityMedium, fc.Ours.Priority)
	assert.Equal(t, DefaultConfidence, fc.Ours.Confidence)
	assert.Equal(t, "designer", fc.Theirs.AgentID)
	assert.Equal(t, v1.ID, fc.Theirs.VersionID)
	assert.Equal(t, "red", fc.Theirs.Value.Any())
	assert.Equal(t, types.PriorityHigh, fc.Theirs.Priority)
	assert.Equal(t, 0.9, fc.Theirs.Confidence)

	// neither the clashing value nor the rest of the held write reached head
	head, _ := s.Head("ctx")
	assert.Equal(t, v1.ID, head.ID)
	_, ok = head.Tree().Get("accessibility.contrast")
	assert.False(t, ok)

	pending, err := s.Pending("ctx")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, pe.PendingID, pending[0].ID)
	assert.Equal(t, "conflict-1", pending[0].ConflictID)
	assert.Equal(t, 1, rec.Count(types.ComponentContext, "write_pending"))
}

func TestStore_ResolvePending(t *testing.T) {
	rep := &fakeReporter{}
	s := newTestStore(t, WithConflictReporter(rep))
	root := mustCreate(t, s, "ctx")

	_, err := write(s, "ctx", root.ID, "designer", Set("design.color", String("red")))
	require.NoError(t, err)
	_, err = write(s, "ctx", root.ID, "a11y",
		Set("design.color", String("blue")), Set("accessibility.contrast", Number(4.5)))
	pe, ok := AsPending(err)
	require.True(t, ok)

	blue := String("blue")
	v, err := s.ResolvePending(context.Background(), pe.PendingID, Resolution{
		Winners:  map[string]*Value{"design.color": &blue},
		Resolver: "orchestrator",
	})
	require.NoError(t, err)
	assert.Equal(t, "orchestrator", v.Author)
	assert.Equal(t, root.ID, v.MergedFrom)

	color, _ := v.Tree().Get("design.color")
	contrast, _ := v.Tree().Get("accessibility.contrast")
	assert.Equal(t, "blue", color.Any())
	assert.Equal(t, 4.5, contrast.Any())
	assert.NoError(t, s.Verify("ctx", v.ID))

	_, err = s.ResolvePending(context.Background(), pe.PendingID, Resolution{})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound), "pending writes resolve once")
	pending, _ := s.Pending("ctx")
	assert.Empty(t, pending)
}

func TestStore_ResolvePendingKeepsHeadWhenNoWinner(t *testing.T) {
	s := newTestStore(t, WithConflictReporter(&fakeReporter{}))
	root := mustCreate(t, s, "ctx")

	v1, err := write(s, "ctx", root.ID, "designer", Set("design.color", String("red")))
	require.NoError(t, err)
	_, err = write(s, "ctx", root.ID, "a11y", Set("design.color", String("blue")))
	pe, ok := AsPending(err)
	require.True(t, ok)

	v, err := s.ResolvePending(context.Background(), pe.PendingID, Resolution{})
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v.ID, "nothing to commit")
}

func TestStore_DropPending(t *testing.T) {
	rec := monitor.NewRecorder()
	s := newTestStore(t, WithSink(rec))
	root := mustCreate(t, s, "ctx")

	_, err := write(s, "ctx", root.ID, "designer", Set("design.color", String("red")))
	require.NoError(t, err)
	_, err = write(s, "ctx", root.ID, "a11y", Set("design.color", String("blue")))
	pe, ok := AsPending(err)
	require.True(t, ok)
	assert.Empty(t, pe.ConflictID, "no reporter installed")

	require.NoError(t, s.DropPending(pe.PendingID, "dismissed"))
	assert.Error(t, s.DropPending(pe.PendingID, "again"))
	assert.Equal(t, 1, rec.Count(types.ComponentContext, "pending_dropped"))
}

func TestStore_BudgetMergeKeepsStricterValue(t *testing.T) {
	rep := &fakeReporter{}
	s := newTestStore(t, WithConflictReporter(rep))
	root, err := s.Create(context.Background(), "ctx",
		ChangeSet{Set("performance.budget.lcp", Number(3000))}, "orchestrator")
	require.NoError(t, err)

	_, err = write(s, "ctx", root.ID, "perf", Set("performance.budget.lcp", Number(2500)))
	require.NoError(t, err)
	v, err := write(s, "ctx", root.ID, "dev", Set("performance.budget.lcp", Number(2000)))
	require.NoError(t, err)

	got, _ := v.Tree().Get("performance.budget.lcp")
	assert.Equal(t, 2000.0, got.Any())

	// a looser concurrent budget is absorbed without a new version
	head := v
	loose, err := write(s, "ctx", root.ID, "dev", Set("performance.budget.lcp", Number(2800)))
	require.NoError(t, err)
	assert.Equal(t, head.ID, loose.ID)
	assert.Empty(t, rep.reported())
}

func TestStore_IdenticalConcurrentWritesAbsorbed(t *testing.T) {
	rep := &fakeReporter{}
	s := newTestStore(t, WithConflictReporter(rep))
	root := mustCreate(t, s, "ctx")

	v1, err := write(s, "ctx", root.ID, "a", Set("code.lang", String("go")))
	require.NoError(t, err)
	v2, err := write(s, "ctx", root.ID, "b", Set("code.lang", String("go")))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, v2.ID)
	assert.Empty(t, rep.reported())
}

func TestStore_ManyConcurrentDisjointWriters(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := write(s, "ctx", root.ID, fmt.Sprintf("agent-%d", i),
				Set(fmt.Sprintf("code.module%d", i), Number(float64(i))))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	head, err := s.Head("ctx")
	require.NoError(t, err)
	assert.Equal(t, int64(writers), head.Seq)
	for i := 0; i < writers; i++ {
		_, ok := head.Tree().Get(fmt.Sprintf("code.module%d", i))
		assert.True(t, ok, "module%d", i)
	}
}

func TestStore_ConcurrentCreateAndRead(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("ctx-%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Create(context.Background(), id, ChangeSet{Set("project.name", String("shop"))}, "orchestrator")
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(2 * time.Second)
			for {
				snap, err := s.Read(id, "")
				if err != nil {
					assert.True(t, types.IsErrorCode(err, types.ErrNotFound), "got %v", err)
					if time.Now().After(deadline) {
						t.Errorf("context %s never became readable", id)
						return
					}
					continue
				}
				assert.NotEmpty(t, snap.VersionID)
				head, err := s.Head(id)
				if assert.NoError(t, err) && assert.NotNil(t, head) {
					assert.Equal(t, snap.VersionID, head.ID)
				}
				return
			}
		}()
	}
	wg.Wait()
}

func TestStore_HistoryHoldsOnlyCommittedVersions(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	const writers = 16
	done := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			history, err := s.History("ctx")
			if !assert.NoError(t, err) {
				return
			}
			for i := 1; i < len(history); i++ {
				assert.Less(t, history[i-1].Seq, history[i].Seq, "sequence numbers are unique")
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := write(s, "ctx", root.ID, fmt.Sprintf("agent-%d", i),
				Set(fmt.Sprintf("code.module%d", i), Number(float64(i))))
			if assert.NoError(t, err) {
				_, err = s.Read("ctx", v.ID)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	close(done)
	readers.Wait()

	history, err := s.History("ctx")
	require.NoError(t, err)
	assert.Len(t, history, writers+1)
}

// =============================================================================
// Subscriptions
// =============================================================================

func TestStore_SubscribeDeliversInOrder(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	var mu sync.Mutex
	var seqs []int64
	_, err := s.Subscribe("ctx", Filter{Paths: []string{"performance"}}, func(_ context.Context, ev ChangeEvent) error {
		mu.Lock()
		seqs = append(seqs, ev.Seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	base := root.ID
	for i := 0; i < 5; i++ {
		v, err := write(s, "ctx", base, "perf", Set("performance.lcp", Number(float64(2000+i))))
		require.NoError(t, err)
		base = v.ID
	}
	_, err = write(s, "ctx", base, "designer", Set("design.color", String("red")))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == 5
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs, "design change filtered out")
}

func TestStore_SubscribeRedelivers(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	var mu sync.Mutex
	attempts := 0
	delivered := make(chan ChangeEvent, 1)
	_, err := s.Subscribe("ctx", Filter{Authors: []string{"dev"}}, func(_ context.Context, ev ChangeEvent) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("handler busy")
		}
		delivered <- ev
		return nil
	})
	require.NoError(t, err)

	v, err := write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)

	select {
	case ev := <-delivered:
		assert.Equal(t, v.ID, ev.VersionID)
		assert.Equal(t, "code.lang", ev.Change.Path)
	case <-time.After(time.Second):
		t.Fatal("event not redelivered")
	}
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestStore_Unsubscribe(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")

	calls := make(chan struct{}, 10)
	id, err := s.Subscribe("ctx", Filter{}, func(context.Context, ChangeEvent) error {
		calls <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(id))
	assert.Error(t, s.Unsubscribe(id))

	_, err = write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, calls)

	_, err = s.Subscribe("ctx", Filter{}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestFilter_Match(t *testing.T) {
	c := Set("performance.budget.lcp", Number(1))
	assert.True(t, Filter{}.Match(c, "x"))
	assert.True(t, Filter{Paths: []string{"performance.budget."}}.Match(c, "x"))
	assert.False(t, Filter{Paths: []string{"design"}}.Match(c, "x"))
	assert.False(t, Filter{Ops: []Op{OpAdd}}.Match(c, "x"))
	assert.False(t, Filter{Authors: []string{"y"}}.Match(c, "x"))
}

// =============================================================================
// GC / Verify / Recover
// =============================================================================

func TestStore_SweepHonoursPins(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))
	root := mustCreate(t, s, "ctx")
	v1, err := write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)
	v2, err := write(s, "ctx", v1.ID, "dev", Set("code.lang", String("rust")))
	require.NoError(t, err)

	later := now.Add(48 * time.Hour)
	require.NoError(t, s.Pin(v1.ID))
	assert.Equal(t, 0, s.Sweep(later), "v1 and its ancestors are pinned")

	s.Unpin(v1.ID)
	assert.Equal(t, 0, s.Sweep(now), "within retention")
	assert.Equal(t, 2, s.Sweep(later))
	assert.False(t, s.HasVersion(root.ID))
	assert.False(t, s.HasVersion(v1.ID))
	assert.True(t, s.HasVersion(v2.ID))

	assert.Error(t, s.Pin("unknown"))
}

func TestStore_VerifyDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	root := mustCreate(t, s, "ctx")
	v1, err := write(s, "ctx", root.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)
	require.NoError(t, s.Verify("ctx", root.ID))
	require.NoError(t, s.Verify("ctx", v1.ID))

	v1.Checksum = "0000"
	err = s.Verify("ctx", v1.ID)
	assert.True(t, types.IsErrorCode(err, types.ErrInternal))
}

func TestStore_RecoverFromVersionLog(t *testing.T) {
	log := persistence.NewMemoryVersionLog()
	src := newTestStore(t, WithVersionLog(log))
	root := mustCreate(t, src, "ctx")
	_, err := write(src, "ctx", root.ID, "perf", Set("performance.lcp", Number(2400)))
	require.NoError(t, err)
	want, err := write(src, "ctx", root.ID, "a11y", Set("performance.fid", Number(90)))
	require.NoError(t, err)

	dst := newTestStore(t, WithVersionLog(log))
	head, err := dst.Recover(context.Background(), "ctx")
	require.NoError(t, err)
	assert.Equal(t, want.ID, head.ID)
	assert.Equal(t, want.Checksum, head.Checksum)
	assert.Equal(t, want.Seq, head.Seq)

	history, err := dst.History("ctx")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	// recovered contexts accept writes and publish from the recovered cursor
	next, err := write(dst, "ctx", head.ID, "dev", Set("code.lang", String("go")))
	require.NoError(t, err)
	assert.Equal(t, head.Seq+1, next.Seq)

	_, err = dst.Recover(context.Background(), "ctx")
	assert.ErrorIs(t, err, ErrContextExists)
	_, err = dst.Recover(context.Background(), "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

// =============================================================================
// Properties
// =============================================================================

// Random writes against random stale bases always leave a DAG whose every
// version replays to its checksum and whose head descends from the root.
func TestStore_VersionGraphProperty(t *testing.T) {
	paths := []string{"code.a", "code.b", "design.a", "performance.budget.lcp", "testing.x.y"}
	rapid.Check(t, func(rt *rapid.T) {
		s := New(DefaultConfig(), nil, WithConflictReporter(&fakeReporter{}))
		defer s.Close()
		root, err := s.Create(context.Background(), "ctx", nil, "orchestrator")
		if err != nil {
			rt.Fatal(err)
		}
		ids := []string{root.ID}

		n := rapid.IntRange(1, 25).Draw(rt, "writes")
		for i := 0; i < n; i++ {
			base := rapid.SampledFrom(ids).Draw(rt, "base")
			path := rapid.SampledFrom(paths).Draw(rt, "path")
			val := rapid.IntRange(0, 3).Draw(rt, "value")
			v, err := write(s, "ctx", base, fmt.Sprintf("agent-%d", i%3), Set(path, Number(float64(val))))
			if err != nil {
				if !errors.Is(err, ErrWritePending) {
					rt.Fatalf("unexpected write error: %v", err)
				}
				continue
			}
			ids = append(ids, v.ID)
		}

		history, err := s.History("ctx")
		if err != nil {
			rt.Fatal(err)
		}
		seen := make(map[int64]bool)
		for _, v := range history {
			if seen[v.Seq] {
				rt.Fatalf("duplicate seq %d", v.Seq)
			}
			seen[v.Seq] = true
			if err := s.Verify("ctx", v.ID); err != nil {
				rt.Fatalf("verify %s: %v", v.ID, err)
			}
			if v.ParentID != "" {
				p, err := s.Version(v.ParentID)
				if err != nil || p.Seq >= v.Seq {
					rt.Fatalf("parent of %d is not older", v.Seq)
				}
			}
		}
		head, _ := s.Head("ctx")
		cs, _ := s.state("ctx")
		if _, ok := ancestors(cs, head)[root.ID]; !ok {
			rt.Fatal("head does not descend from root")
		}
	})
}
