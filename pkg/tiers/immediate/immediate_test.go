package immediate

import (
	"testing"

	"github.com/loopmind/ctxcache/pkg/model"
)

func newItem(id, content string, createdAt int64) *model.ContextItem {
	return &model.ContextItem{
		ID:             id,
		Content:        content,
		Kind:           model.KindNote,
		Priority:       model.PriorityNormal,
		Metadata:       model.Metadata{},
		CreatedAt:      createdAt,
		LastAccessedAt: createdAt,
		TokenEstimate:  model.TokenEstimateFor(content),
	}
}

// S1. FIFO eviction under TTL.
func TestS1_FIFOEvictionUnderTTL(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(Options{Capacity: 3, TTLSeconds: 1000, TokenCap: 1 << 20, HalfLife: 1800}, clock)

	tier.Add(newItem("a", "a", 0))
	clock.Set(1000)
	tier.Add(newItem("b", "b", 1000))
	clock.Set(2000)
	tier.Add(newItem("c", "c", 2000))
	clock.Set(3000)
	tier.Add(newItem("d", "d", 3000))

	clock.Set(4000)
	got := tier.List(nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 items after capacity eviction, got %d", len(got))
	}
	want := []string{"d", "c", "b"}
	for i, item := range got {
		if item.ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], item.ID)
		}
	}

	clock.Set(1200 * 1000)
	got = tier.List(nil)
	if len(got) != 0 {
		t.Fatalf("expected all items expired, got %d", len(got))
	}
}

func TestInvariant_CapacityAndTokenCap(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(Options{Capacity: 2, TTLSeconds: 3600, TokenCap: 10, HalfLife: 1800}, clock)
	for i := 0; i < 20; i++ {
		tier.Add(newItem("id"+string(rune('a'+i)), "some content here", int64(i)))
		if tier.Len() > 2 {
			t.Fatalf("capacity exceeded: %d", tier.Len())
		}
		if tier.TotalTokens() > 10 {
			t.Fatalf("token cap exceeded: %d", tier.TotalTokens())
		}
	}
}

func TestCapacityOne_EvictsOnEveryInsert(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(Options{Capacity: 1, TTLSeconds: 3600, TokenCap: 1 << 20, HalfLife: 1800}, clock)
	tier.Add(newItem("a", "a", 0))
	tier.Add(newItem("b", "b", 0))
	got := tier.List(nil)
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b to survive, got %v", got)
	}
}

func TestGetDelete(t *testing.T) {
	clock := model.NewFixedClock(0)
	tier := New(DefaultOptions(), clock)
	tier.Add(newItem("a", "hello world", 0))
	if _, ok := tier.Get("a"); !ok {
		t.Fatalf("expected to find a")
	}
	if !tier.Delete("a") {
		t.Fatalf("expected delete to report found")
	}
	if _, ok := tier.Get("a"); ok {
		t.Fatalf("expected a to be gone after delete")
	}
}
