// Package immediate implements the fixed-capacity FIFO ring with TTL and a
// token-budget cap that backs the immediate tier.
package immediate

import (
	"math"
	"sync"

	"github.com/loopmind/ctxcache/pkg/keyword"
	"github.com/loopmind/ctxcache/pkg/model"
)

// Options configures the tier.
type Options struct {
	Capacity   int
	TTLSeconds int64
	TokenCap   int
	HalfLife   int64 // seconds, for recency scoring
}

func DefaultOptions() Options {
	return Options{Capacity: 10, TTLSeconds: 3600, TokenCap: 2048, HalfLife: 1800}
}

// Tier is a single mutex-guarded FIFO ring.
type Tier struct {
	mu    sync.RWMutex
	opts  Options
	clock model.Clock

	order  []string // ids, oldest first
	items  map[string]*model.ContextItem
	tokens int
}

func New(opts Options, clock model.Clock) *Tier {
	if opts.Capacity <= 0 {
		opts = DefaultOptions()
	}
	return &Tier{opts: opts, clock: clock, items: make(map[string]*model.ContextItem)}
}

// Add appends item, evicting from the head until both caps hold.
func (t *Tier) Add(item *model.ContextItem) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()

	if old, ok := t.items[item.ID]; ok {
		t.removeLocked(item.ID)
		_ = old
	}

	clone := item.Clone()
	t.items[clone.ID] = clone
	t.order = append(t.order, clone.ID)
	t.tokens += clone.TokenEstimate

	for (len(t.order) > t.opts.Capacity || t.tokens > t.opts.TokenCap) && len(t.order) > 0 {
		headID := t.order[0]
		t.order = t.order[1:]
		if head, ok := t.items[headID]; ok {
			t.tokens -= head.TokenEstimate
			delete(t.items, headID)
		}
	}
}

func (t *Tier) removeLocked(id string) {
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if old, ok := t.items[id]; ok {
		t.tokens -= old.TokenEstimate
		delete(t.items, id)
	}
}

// Delete removes id if present.
func (t *Tier) Delete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[id]; !ok {
		return false
	}
	t.removeLocked(id)
	return true
}

// Get returns a clone of id if present and unexpired.
func (t *Tier) Get(id string) (*model.ContextItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked()
	item, ok := t.items[id]
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// List returns items newest-first, filters applied, expired items excluded.
func (t *Tier) List(kinds []model.Kind) []*model.ContextItem {
	t.mu.Lock()
	t.evictExpiredLocked()
	t.mu.Unlock()

	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*model.ContextItem, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		item := t.items[t.order[i]]
		if item == nil {
			continue
		}
		if len(kinds) > 0 && !kindMatches(item.Kind, kinds) {
			continue
		}
		out = append(out, item.Clone())
	}
	return out
}

func kindMatches(k model.Kind, kinds []model.Kind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func (t *Tier) evictExpiredLocked() {
	if t.opts.TTLSeconds <= 0 {
		return
	}
	now := t.clock.NowMillis()
	ttlMillis := t.opts.TTLSeconds * 1000
	kept := t.order[:0:0]
	for _, id := range t.order {
		item := t.items[id]
		if item == nil {
			continue
		}
		if now-item.CreatedAt > ttlMillis {
			t.tokens -= item.TokenEstimate
			delete(t.items, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

// Scored pairs an item with its recency+overlap retrieval score.
type Scored struct {
	Item  *model.ContextItem
	Score float64
}

// Search scores every live item by recency decay plus a weak keyword
// overlap bonus.
func (t *Tier) Search(queryTerms []string) []Scored {
	items := t.List(nil)
	now := t.clock.NowMillis()
	halfLifeMillis := float64(t.opts.HalfLife) * 1000
	if halfLifeMillis <= 0 {
		halfLifeMillis = 1800000
	}
	queryset := make(map[string]bool, len(queryTerms))
	for _, q := range queryTerms {
		queryset[q] = true
	}

	out := make([]Scored, 0, len(items))
	for _, item := range items {
		deltaT := float64(now - item.LastAccessedAt)
		recency := math.Exp(-deltaT / halfLifeMillis)
		bonus := 0.1 * jaccard(queryset, keyword.Tokenize(item.Content))
		out = append(out, Scored{Item: item, Score: recency + bonus})
	}
	return out
}

func jaccard(a map[string]bool, bTokens []string) float64 {
	if len(a) == 0 || len(bTokens) == 0 {
		return 0
	}
	b := make(map[string]bool, len(bTokens))
	for _, t := range bTokens {
		b[t] = true
	}
	inter := 0
	for t := range a {
		if b[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Len returns the current item count (test/metrics helper).
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// TotalTokens returns the current token sum (test/metrics helper).
func (t *Tier) TotalTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tokens
}
