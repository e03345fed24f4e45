package session

import (
	"testing"

	"github.com/loopmind/ctxcache/pkg/model"
)

func newItem(id string, priority model.Priority, accessedAt int64) *model.ContextItem {
	return &model.ContextItem{
		ID:             id,
		Content:        "content for " + id,
		Kind:           model.KindNote,
		Priority:       priority,
		Metadata:       model.Metadata{},
		CreatedAt:      accessedAt,
		LastAccessedAt: accessedAt,
		TokenEstimate:  10,
	}
}

// S5. Session eviction by importance.
func TestS5_SessionEvictionByImportance(t *testing.T) {
	clock := model.NewFixedClock(1000)
	tier := New(Options{CapacityPerConv: 3, ConsolidationThreshold: 20, HalfLifeSeconds: 1800}, clock)

	tier.Add(newItem("normal1", model.PriorityNormal, 1000), "c1")
	tier.Add(newItem("low1", model.PriorityLow, 1000), "c1")
	tier.Add(newItem("critical1", model.PriorityCritical, 1000), "c1")

	if tier.Len("c1") != 3 {
		t.Fatalf("expected 3 items before overflow, got %d", tier.Len("c1"))
	}

	tier.Add(newItem("normal2", model.PriorityNormal, 1000), "c1")

	if tier.Len("c1") != 3 {
		t.Fatalf("expected capacity to hold at 3, got %d", tier.Len("c1"))
	}
	if _, ok := tier.Get("c1", "low1"); ok {
		t.Fatalf("expected low1 to be evicted as the lowest-weight item")
	}
	for _, id := range []string{"normal1", "critical1", "normal2"} {
		if _, ok := tier.Get("c1", id); !ok {
			t.Fatalf("expected %s to survive eviction", id)
		}
	}
}

func TestInvariant_PerConversationCapacity(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(Options{CapacityPerConv: 5, ConsolidationThreshold: 1000, HalfLifeSeconds: 1800}, clock)
	for i := 0; i < 50; i++ {
		clock.Set(int64(i))
		tier.Add(newItem("id-"+string(rune('a'+i%26))+string(rune('0'+i/26)), model.PriorityNormal, int64(i)), "c1")
		if tier.Len("c1") > 5 {
			t.Fatalf("capacity exceeded: %d", tier.Len("c1"))
		}
	}
}

func TestTouch_UpdatesAccessCountAndOrder(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(DefaultOptions(), clock)
	tier.Add(newItem("a", model.PriorityNormal, 0), "c1")
	clock.Set(500)
	got, ok := tier.Touch("c1", "a")
	if !ok {
		t.Fatalf("expected touch to find item")
	}
	if got.AccessCount != 1 {
		t.Fatalf("expected access count 1, got %d", got.AccessCount)
	}
	if got.LastAccessedAt != 500 {
		t.Fatalf("expected last_accessed_at updated to 500, got %d", got.LastAccessedAt)
	}
}

func TestStateOf(t *testing.T) {
	fresh := &model.ContextItem{AccessCount: 0, Priority: model.PriorityNormal}
	if StateOf(fresh) != StateFresh {
		t.Fatalf("expected fresh")
	}
	warm := &model.ContextItem{AccessCount: 5, Priority: model.PriorityNormal}
	if StateOf(warm) != StateWarm {
		t.Fatalf("expected warm")
	}
	hot := &model.ContextItem{AccessCount: 12, Priority: model.PriorityHigh}
	if StateOf(hot) != StateHot {
		t.Fatalf("expected hot")
	}
}

func TestConsolidate_MergesAdjacentSameTopic(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(Options{CapacityPerConv: 100, ConsolidationThreshold: 3, HalfLifeSeconds: 1800}, clock)
	for i := 0; i < 5; i++ {
		item := newItem("note"+string(rune('0'+i)), model.PriorityNormal, int64(i))
		item.Kind = model.KindNote
		item.Content = "the weather today is nice and sunny"
		tier.Add(item, "c1")
	}
	changed := tier.Consolidate("c1")
	if !changed {
		t.Fatalf("expected consolidation to occur")
	}
	if tier.Len("c1") >= 5 {
		t.Fatalf("expected item count to shrink after consolidation, got %d", tier.Len("c1"))
	}
}

func TestClear_RemovesAllItems(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(DefaultOptions(), clock)
	tier.Add(newItem("a", model.PriorityNormal, 0), "c1")
	tier.Add(newItem("b", model.PriorityNormal, 0), "c2")
	tier.Clear("")
	if tier.Len("c1") != 0 || tier.Len("c2") != 0 {
		t.Fatalf("expected all conversations cleared")
	}
}
