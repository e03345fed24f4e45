package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopmind/ctxcache/pkg/cache"
	"github.com/loopmind/ctxcache/pkg/collaborators/graph"
	"github.com/loopmind/ctxcache/pkg/collaborators/vector"
	"github.com/loopmind/ctxcache/pkg/model"
	"github.com/loopmind/ctxcache/pkg/tiers/immediate"
	"github.com/loopmind/ctxcache/pkg/tiers/longterm"
	"github.com/loopmind/ctxcache/pkg/tiers/session"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	clock := model.NewFixedClock(1000)
	imm := immediate.New(immediate.DefaultOptions(), clock)
	sess := session.New(session.DefaultOptions(), clock)

	ltOpts := longterm.DefaultOptions()
	ltOpts.SQLitePath = filepath.Join(t.TempDir(), "test.db")
	lt, err := longterm.New(ltOpts, vector.NewMemoryStore(), graph.NewMemoryStore(), clock)
	if err != nil {
		t.Fatalf("longterm.New: %v", err)
	}

	svc := New(DefaultConfig(), imm, sess, lt, cache.NewMemoryCache(), clock, nil)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestStore_RoutesToImmediateByDefault(t *testing.T) {
	svc := newTestService(t)
	id, err := svc.Store(context.Background(), "hello world", nil, "", model.TierHintAuto)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := svc.immediateTier.Get(id); !ok {
		t.Fatalf("expected item admitted to immediate tier")
	}
}

func TestStore_HighPriorityAlsoAdmitsLongTerm(t *testing.T) {
	svc := newTestService(t)
	meta := model.Metadata{model.MetaImportance: "critical"}
	id, err := svc.Store(context.Background(), "critical fact about the system", meta, "", model.TierHintAuto)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := svc.longTerm.Get(context.Background(), id); !ok {
		t.Fatalf("expected critical-priority item admitted to long-term tier")
	}
}

func TestStore_RejectsEmptyContent(t *testing.T) {
	svc := newTestService(t)
	if _, err := svc.Store(context.Background(), "", nil, "", model.TierHintAuto); err == nil {
		t.Fatalf("expected error for empty content")
	}
}

func TestRetrieve_FindsStoredItemByKeyword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, err := svc.Store(ctx, "the quick brown fox jumps over the lazy dog", nil, "", model.TierHintAuto)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	resp, err := svc.Retrieve(ctx, model.Request{Query: "quick fox", Strategy: model.StrategyHybrid, MaxResults: 5, MaxTokens: 4096})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Results) == 0 {
		t.Fatalf("expected at least one result")
	}
}

func TestRetrieve_CacheHitOnSecondCall(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Store(ctx, "content about caching and retrieval systems", nil, "", model.TierHintAuto)

	req := model.Request{Query: "caching retrieval", Strategy: model.StrategyHybrid, MaxResults: 5, MaxTokens: 4096}
	first, err := svc.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("Retrieve (first): %v", err)
	}
	if first.CacheHit {
		t.Fatalf("expected first call to be a cache miss")
	}

	second, err := svc.Retrieve(ctx, req)
	if err != nil {
		t.Fatalf("Retrieve (second): %v", err)
	}
	if !second.CacheHit {
		t.Fatalf("expected second identical call to be a cache hit")
	}
}

func TestRetrieve_DifferentFiltersDoNotShareCacheEntry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	factMeta := model.Metadata{model.MetaType: string(model.KindFact)}
	taskMeta := model.Metadata{model.MetaType: string(model.KindTask)}
	_, _ = svc.Store(ctx, "a fact about caching and retrieval systems", factMeta, "", model.TierHintAuto)
	_, _ = svc.Store(ctx, "a task about caching and retrieval systems", taskMeta, "", model.TierHintAuto)

	factReq := model.Request{
		Query: "caching retrieval", Strategy: model.StrategyHybrid, MaxResults: 5, MaxTokens: 4096,
		Kinds: []model.Kind{model.KindFact},
	}
	taskReq := model.Request{
		Query: "caching retrieval", Strategy: model.StrategyHybrid, MaxResults: 5, MaxTokens: 4096,
		Kinds: []model.Kind{model.KindTask},
	}

	factResp, err := svc.Retrieve(ctx, factReq)
	if err != nil {
		t.Fatalf("Retrieve (fact): %v", err)
	}
	taskResp, err := svc.Retrieve(ctx, taskReq)
	if err != nil {
		t.Fatalf("Retrieve (task): %v", err)
	}
	if taskResp.CacheHit {
		t.Fatalf("expected filtered request with different kinds to miss the cache, not reuse the fact response")
	}

	for _, r := range factResp.Results {
		if r.Item.Kind != model.KindFact {
			t.Fatalf("fact-filtered response leaked a non-fact item: %+v", r.Item)
		}
	}
	for _, r := range taskResp.Results {
		if r.Item.Kind != model.KindTask {
			t.Fatalf("task-filtered response leaked a non-task item: %+v", r.Item)
		}
	}
}

func TestDelete_RemovesFromImmediateAndLongTerm(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	meta := model.Metadata{model.MetaImportance: "high"}
	id, _ := svc.Store(ctx, "something important to remember", meta, "", model.TierHintAuto)

	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := svc.immediateTier.Get(id); ok {
		t.Fatalf("expected item removed from immediate tier")
	}
	if _, ok := svc.longTerm.Get(ctx, id); ok {
		t.Fatalf("expected item removed from long-term tier")
	}
}

func TestDelete_CascadesToSessionTier(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	id, err := svc.Store(ctx, "discussed deploy plan with the team", nil, "conv-42", model.TierHintAuto)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if _, ok := svc.sessionTier.Get("conv-42", id); !ok {
		t.Fatalf("expected item admitted to session tier before delete")
	}

	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := svc.sessionTier.Get("conv-42", id); ok {
		t.Fatalf("expected item removed from session tier")
	}
}

func TestRetrieve_RecencyStrategyOrdersByLastAccessedNotScore(t *testing.T) {
	clock := model.NewFixedClock(1000)
	imm := immediate.New(immediate.DefaultOptions(), clock)
	sess := session.New(session.DefaultOptions(), clock)
	ltOpts := longterm.DefaultOptions()
	ltOpts.SQLitePath = filepath.Join(t.TempDir(), "test.db")
	lt, err := longterm.New(ltOpts, vector.NewMemoryStore(), graph.NewMemoryStore(), clock)
	if err != nil {
		t.Fatalf("longterm.New: %v", err)
	}
	svc := New(DefaultConfig(), imm, sess, lt, cache.NewMemoryCache(), clock, nil)
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	// Admitted into the session tier only, and accessed 10s before the
	// immediate item below, so recency ordering must place it second.
	olderID, err := svc.Store(ctx, "session item stored first", nil, "conv-9", model.TierHintSession)
	if err != nil {
		t.Fatalf("Store older: %v", err)
	}
	clock.Advance(10 * time.Second)
	newerID, err := svc.Store(ctx, "immediate item stored second", nil, "", model.TierHintImmediate)
	if err != nil {
		t.Fatalf("Store newer: %v", err)
	}

	resp, err := svc.Retrieve(ctx, model.Request{Strategy: model.StrategyRecency, MaxResults: 10, MaxTokens: 4096})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(resp.Results) < 2 {
		t.Fatalf("expected at least two results, got %d", len(resp.Results))
	}
	if resp.Results[0].Item.ID != newerID {
		t.Fatalf("expected most recently accessed item %s first, got %s", newerID, resp.Results[0].Item.ID)
	}
	if resp.Results[1].Item.ID != olderID {
		t.Fatalf("expected older item %s second, got %s", olderID, resp.Results[1].Item.ID)
	}
}

func TestClear_Immediate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	_, _ = svc.Store(ctx, "item one", nil, "", model.TierHintAuto)
	_, _ = svc.Store(ctx, "item two", nil, "", model.TierHintAuto)

	n := svc.Clear(ClearScope{Immediate: true})
	if n == 0 {
		t.Fatalf("expected at least one item cleared")
	}
	if svc.immediateTier.Len() != 0 {
		t.Fatalf("expected immediate tier empty after clear")
	}
}

// S6. Concurrent store/retrieve invariants: concurrent callers must never
// crash, deadlock, or return an error; every store must produce a
// non-empty id.
func TestS6_ConcurrentStoreAndRetrieve(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := svc.Store(ctx, "concurrent payload about topic number recordvalue", nil, "conv-1", model.TierHintAuto)
			if err != nil {
				t.Errorf("Store: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	var rwg sync.WaitGroup
	for i := 0; i < n; i++ {
		rwg.Add(1)
		go func() {
			defer rwg.Done()
			_, err := svc.Retrieve(ctx, model.Request{
				Query: "concurrent payload topic", Strategy: model.StrategyHybrid,
				ConversationID: "conv-1", MaxResults: 10, MaxTokens: 4096,
			})
			if err != nil {
				t.Errorf("Retrieve: %v", err)
			}
		}()
	}
	rwg.Wait()

	for _, id := range ids {
		if id == "" {
			t.Fatalf("expected every store to produce a non-empty id")
		}
	}
}
