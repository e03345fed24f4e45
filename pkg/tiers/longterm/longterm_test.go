package longterm

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/loopmind/ctxcache/pkg/collaborators/graph"
	"github.com/loopmind/ctxcache/pkg/collaborators/vector"
	"github.com/loopmind/ctxcache/pkg/keyword"
	"github.com/loopmind/ctxcache/pkg/model"
)

func newTestTier(t *testing.T) *Tier {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SQLitePath = filepath.Join(dir, "test.db")
	tier, err := New(opts, vector.NewMemoryStore(), graph.NewMemoryStore(), model.NewFixedClock(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tier.Close() })
	return tier
}

func newItem(id, content string) *model.ContextItem {
	return &model.ContextItem{
		ID:            id,
		Content:       content,
		Kind:          model.KindDocument,
		Priority:      model.PriorityNormal,
		Metadata:      model.Metadata{},
		TokenEstimate: model.TokenEstimateFor(content),
	}
}

func TestAdd_PersistsAndIndexes(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()
	item := newItem("doc1", "python programming is fun and learning python takes practice")

	if err := tier.Add(ctx, item); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := tier.Get(ctx, "doc1")
	if !ok {
		t.Fatalf("expected item retrievable after add")
	}
	if got.Content != item.Content {
		t.Fatalf("content mismatch: got %q", got.Content)
	}

	results := tier.SearchKeyword("python learning", 10, nil)
	if len(results) != 1 || results[0].ID != "doc1" {
		t.Fatalf("expected keyword search to find doc1, got %v", results)
	}
}

func TestDelete_RemovesFromAllStores(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()
	item := newItem("doc1", "some durable content about databases")
	if err := tier.Add(ctx, item); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := tier.Delete(ctx, "doc1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := tier.Get(ctx, "doc1"); ok {
		t.Fatalf("expected item gone after delete")
	}
	results := tier.SearchKeyword("databases", 10, nil)
	if len(results) != 0 {
		t.Fatalf("expected no keyword hits after delete, got %v", results)
	}
}

func TestSearchSemantic_FindsNearestByEmbedding(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()
	_ = tier.Add(ctx, newItem("a", "the cat sat on the mat"))
	_ = tier.Add(ctx, newItem("b", "quantum mechanics and string theory"))

	out, err := tier.SearchSemantic(ctx, "the cat sat on the mat", 5, nil)
	if err != nil {
		t.Fatalf("SearchSemantic: %v", err)
	}
	if len(out) == 0 || out[0].ID != "a" {
		t.Fatalf("expected nearest neighbor 'a' first, got %v", out)
	}
}

func TestReindex_RestoresKeywordIndexFromDisk(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.SQLitePath = filepath.Join(dir, "test.db")
	ctx := context.Background()

	tier1, err := New(opts, vector.NewMemoryStore(), graph.NewMemoryStore(), model.NewFixedClock(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tier1.Add(ctx, newItem("x", "restorable content about graphs and search")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	tier1.Close()

	if _, err := os.Stat(opts.SQLitePath); err != nil {
		t.Fatalf("expected db file to exist: %v", err)
	}

	tier2, err := New(opts, vector.NewMemoryStore(), graph.NewMemoryStore(), model.NewFixedClock(0))
	if err != nil {
		t.Fatalf("New (reopen): %v", err)
	}
	defer tier2.Close()

	results := tier2.SearchKeyword("graphs search", 10, keyword.Filter{})
	if len(results) != 1 || results[0].ID != "x" {
		t.Fatalf("expected keyword index restored from disk, got %v", results)
	}
}
