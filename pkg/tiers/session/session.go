// Package session implements the per-conversation LRU store with
// importance-weighted eviction and plain-concatenation consolidation.
//
// Ordering within a conversation is tracked with hashicorp's golang-lru,
// the same library the teacher repo carries as an indirect dependency; its
// built-in capacity-based auto-eviction is disabled (each conversation's
// cache is sized far above the configured capacity) because auto-eviction
// is LRU-recency-only and this tier evicts by importance-weight instead.
// Add/Get on the underlying cache still give us move-to-front insertion and
// touch semantics for free.
package session

import (
	"math"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"

	"github.com/loopmind/ctxcache/pkg/keyword"
	"github.com/loopmind/ctxcache/pkg/model"
)

// Options configures the tier.
type Options struct {
	CapacityPerConv         int
	ConsolidationThreshold  int
	HalfLifeSeconds         int64
}

func DefaultOptions() Options {
	return Options{CapacityPerConv: 50, ConsolidationThreshold: 20, HalfLifeSeconds: 1800}
}

// unboundedFactor sizes the backing lru.Cache well above CapacityPerConv so
// its own eviction never fires; this tier's explicit weight-eviction is the
// only eviction path.
const unboundedFactor = 64

type conversation struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *model.ContextItem]
}

// Tier is a map from conversation_id to a per-conversation LRU.
type Tier struct {
	mapMu sync.RWMutex
	convs map[string]*conversation

	opts  Options
	clock model.Clock
}

func New(opts Options, clock model.Clock) *Tier {
	if opts.CapacityPerConv <= 0 {
		opts = DefaultOptions()
	}
	return &Tier{convs: make(map[string]*conversation), opts: opts, clock: clock}
}

func (t *Tier) getOrCreate(conversationID string) *conversation {
	t.mapMu.RLock()
	c, ok := t.convs[conversationID]
	t.mapMu.RUnlock()
	if ok {
		return c
	}

	t.mapMu.Lock()
	defer t.mapMu.Unlock()
	if c, ok := t.convs[conversationID]; ok {
		return c
	}
	cache, _ := lru.New[string, *model.ContextItem](t.opts.CapacityPerConv * unboundedFactor)
	c = &conversation{cache: cache}
	t.convs[conversationID] = c
	return c
}

// State is the per-entry lifecycle stage used to flag promotion candidates.
type State string

const (
	StateFresh State = "fresh"
	StateWarm  State = "warm"
	StateHot   State = "hot"
)

// StateOf derives an entry's lifecycle stage from its access count and
// priority.
func StateOf(item *model.ContextItem) State {
	switch {
	case item.AccessCount >= 10 && item.Priority.AtLeast(model.PriorityHigh):
		return StateHot
	case item.AccessCount >= 3:
		return StateWarm
	default:
		return StateFresh
	}
}

// Add inserts or move-to-fronts item under conversationID, evicting the
// lowest-weight tail item if the per-conversation count overflows capacity.
func (t *Tier) Add(item *model.ContextItem, conversationID string) {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.cache.Add(item.ID, item.Clone())

	for conv.cache.Len() > t.opts.CapacityPerConv {
		t.evictOneLocked(conv)
	}
}

func (t *Tier) evictOneLocked(conv *conversation) {
	keys := conv.cache.Keys()
	if len(keys) == 0 {
		return
	}
	now := t.clock.NowMillis()
	halfLifeMillis := float64(t.opts.HalfLifeSeconds) * 1000
	if halfLifeMillis <= 0 {
		halfLifeMillis = 1800000
	}

	var victim string
	var victimWeight float64
	var victimLastAccess int64
	first := true
	for _, k := range keys {
		item, ok := conv.cache.Peek(k)
		if !ok {
			continue
		}
		w := weight(item, now, halfLifeMillis)
		if first || w < victimWeight ||
			(w == victimWeight && item.LastAccessedAt < victimLastAccess) ||
			(w == victimWeight && item.LastAccessedAt == victimLastAccess && item.ID < victim) {
			victim = k
			victimWeight = w
			victimLastAccess = item.LastAccessedAt
			first = false
		}
	}
	if victim != "" {
		conv.cache.Remove(victim)
	}
}

func weight(item *model.ContextItem, now int64, halfLifeMillis float64) float64 {
	recencyDecay := math.Exp(-float64(now-item.LastAccessedAt) / (2 * halfLifeMillis))
	return item.Priority.Weight() * (1 + math.Log1p(float64(item.AccessCount))) * recencyDecay
}

// Touch bumps id to front, increments access_count, updates
// last_accessed_at.
func (t *Tier) Touch(conversationID, id string) (*model.ContextItem, bool) {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	item, ok := conv.cache.Get(id)
	if !ok {
		return nil, false
	}
	item.AccessCount++
	item.LastAccessedAt = t.clock.NowMillis()
	conv.cache.Add(id, item)
	return item.Clone(), true
}

// Get returns a clone of id within conversationID without affecting order.
func (t *Tier) Get(conversationID, id string) (*model.ContextItem, bool) {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	item, ok := conv.cache.Peek(id)
	if !ok {
		return nil, false
	}
	return item.Clone(), true
}

// Delete removes id from conversationID.
func (t *Tier) Delete(conversationID, id string) bool {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.cache.Remove(id)
}

// DeleteByID removes id from whichever conversation holds it, scanning every
// conversation in the same deterministic order Search and ConsolidateAll use.
// Callers that admitted an item via a conversation id but don't track it
// afterward (the orchestrator's delete(id) path) use this instead of Delete.
func (t *Tier) DeleteByID(id string) bool {
	for _, convID := range t.sortedConversationIDs() {
		t.mapMu.RLock()
		conv := t.convs[convID]
		t.mapMu.RUnlock()
		conv.mu.Lock()
		removed := conv.cache.Remove(id)
		conv.mu.Unlock()
		if removed {
			return true
		}
	}
	return false
}

// Len reports the per-conversation item count.
func (t *Tier) Len(conversationID string) int {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.cache.Len()
}

// Scored pairs an item with its retrieval relevance score.
type Scored struct {
	Item  *model.ContextItem
	Score float64
}

// Search scores every item in conversationID (or, if empty, across all
// conversations in deterministic id order) by jaccard overlap, recency, and
// priority weight.
func (t *Tier) Search(query, conversationID string) []Scored {
	queryTerms := keyword.Tokenize(query)
	queryset := make(map[string]bool, len(queryTerms))
	for _, q := range queryTerms {
		queryset[q] = true
	}

	now := t.clock.NowMillis()
	halfLifeMillis := float64(t.opts.HalfLifeSeconds) * 1000
	if halfLifeMillis <= 0 {
		halfLifeMillis = 1800000
	}

	var out []Scored
	score := func(item *model.ContextItem) Scored {
		relevance := 0.5*jaccard(queryset, keyword.Tokenize(item.Content)) +
			0.3*math.Exp(-float64(now-item.LastAccessedAt)/(2*halfLifeMillis)) +
			0.2*item.Priority.Weight()/1.5
		return Scored{Item: item.Clone(), Score: relevance}
	}

	if conversationID != "" {
		conv := t.getOrCreate(conversationID)
		conv.mu.Lock()
		for _, k := range conv.cache.Keys() {
			if item, ok := conv.cache.Peek(k); ok {
				out = append(out, score(item))
			}
		}
		conv.mu.Unlock()
		return out
	}

	for _, id := range t.sortedConversationIDs() {
		conv := t.convs[id]
		conv.mu.Lock()
		for _, k := range conv.cache.Keys() {
			if item, ok := conv.cache.Peek(k); ok {
				out = append(out, score(item))
			}
		}
		conv.mu.Unlock()
	}
	return out
}

func jaccard(a map[string]bool, bTokens []string) float64 {
	if len(a) == 0 || len(bTokens) == 0 {
		return 0
	}
	b := make(map[string]bool, len(bTokens))
	for _, tok := range bTokens {
		b[tok] = true
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

// sortedConversationIDs returns every known conversation id in deterministic
// order -- used both by global Search and to fix the lock-acquisition order
// for whole-tier operations (consolidate all, clear all) so they can never
// deadlock against per-conversation Add/Touch calls.
func (t *Tier) sortedConversationIDs() []string {
	t.mapMu.RLock()
	defer t.mapMu.RUnlock()
	ids := make([]string, 0, len(t.convs))
	for id := range t.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

const consolidationSeparator = "\n---\n"

// Consolidate folds runs of adjacent same-topic conversation/note items
// into a single synthesized item once the conversation holds at least
// ConsolidationThreshold such items. No external model is involved: the
// synthesized content is a plain concatenation with a separator.
func (t *Tier) Consolidate(conversationID string) bool {
	conv := t.getOrCreate(conversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return t.consolidateLocked(conv)
}

// ConsolidateAll runs Consolidate over every conversation, acquiring locks
// in the deterministic order sortedConversationIDs returns.
func (t *Tier) ConsolidateAll() int {
	count := 0
	for _, id := range t.sortedConversationIDs() {
		t.mapMu.RLock()
		conv := t.convs[id]
		t.mapMu.RUnlock()
		conv.mu.Lock()
		if t.consolidateLocked(conv) {
			count++
		}
		conv.mu.Unlock()
	}
	return count
}

func (t *Tier) consolidateLocked(conv *conversation) bool {
	keys := conv.cache.Keys()
	var eligible []*model.ContextItem
	for _, k := range keys {
		item, ok := conv.cache.Peek(k)
		if !ok {
			continue
		}
		if item.Kind == model.KindConversation || item.Kind == model.KindNote {
			eligible = append(eligible, item)
		}
	}
	if len(eligible) < t.opts.ConsolidationThreshold {
		return false
	}

	changed := false
	run := eligible[:0:0]
	flush := func() {
		if len(run) < 2 {
			run = run[:0]
			return
		}
		synthesized := synthesize(run)
		for _, item := range run {
			conv.cache.Remove(item.ID)
		}
		conv.cache.Add(synthesized.ID, synthesized)
		changed = true
		run = run[:0]
	}

	for i, item := range eligible {
		if i == 0 {
			run = append(run, item)
			continue
		}
		if sameTopic(eligible[i-1], item) {
			run = append(run, item)
			continue
		}
		flush()
		run = append(run, item)
	}
	flush()
	return changed
}

func sameTopic(a, b *model.ContextItem) bool {
	at, aok := a.Metadata.String(model.MetaTopic)
	bt, bok := b.Metadata.String(model.MetaTopic)
	if aok && bok {
		return at == bt
	}
	aTokens := keyword.Tokenize(a.Content)
	aSet := make(map[string]bool, len(aTokens))
	for _, tok := range aTokens {
		aSet[tok] = true
	}
	return jaccard(aSet, keyword.Tokenize(b.Content)) >= 0.3
}

func synthesize(run []*model.ContextItem) *model.ContextItem {
	var content []string
	maxPriority := model.PriorityMinimal
	var latestAccess int64
	for _, item := range run {
		content = append(content, item.Content)
		if item.Priority.Weight() > maxPriority.Weight() {
			maxPriority = item.Priority
		}
		if item.LastAccessedAt > latestAccess {
			latestAccess = item.LastAccessedAt
		}
	}
	merged := run[0].Clone()
	merged.ID = ulid.Make().String()
	merged.Content = joinWithSeparator(content)
	merged.Priority = maxPriority
	merged.LastAccessedAt = latestAccess
	merged.TokenEstimate = model.TokenEstimateFor(merged.Content)
	return merged
}

func joinWithSeparator(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += consolidationSeparator
		}
		out += p
	}
	return out
}

// Clear purges conversationID, or every conversation if conversationID is
// empty.
func (t *Tier) Clear(conversationID string) int {
	if conversationID != "" {
		conv := t.getOrCreate(conversationID)
		conv.mu.Lock()
		n := conv.cache.Len()
		conv.cache.Purge()
		conv.mu.Unlock()
		return n
	}

	total := 0
	for _, id := range t.sortedConversationIDs() {
		t.mapMu.RLock()
		conv := t.convs[id]
		t.mapMu.RUnlock()
		conv.mu.Lock()
		total += conv.cache.Len()
		conv.cache.Purge()
		conv.mu.Unlock()
	}
	return total
}
