package orchestrator

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/loopmind/ctxcache/pkg/cache"
	"github.com/loopmind/ctxcache/pkg/ctxerr"
	"github.com/loopmind/ctxcache/pkg/fusion"
	"github.com/loopmind/ctxcache/pkg/keyword"
	"github.com/loopmind/ctxcache/pkg/model"
)

// sourceResult is one fan-out goroutine's contribution. Each source writes
// into its own pre-assigned slot, so no channel fan-in is needed.
type sourceResult struct {
	name       string
	items      []model.ResultItem
	candidates []fusion.Candidate
	err        error
}

// Retrieve runs the concurrent fan-out across tiers and collaborators,
// fuses candidates, enforces the token budget, and promotes accessed items.
func (s *Service) Retrieve(ctx context.Context, req model.Request) (model.Response, error) {
	if req.Query == "" && req.Strategy != model.StrategyRecency {
		return model.Response{}, nil
	}
	if req.MaxResults <= 0 {
		req.MaxResults = s.cfg.DefaultMaxResults
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.cfg.DefaultMaxTokens
	}
	if req.Strategy == "" {
		req.Strategy = model.StrategyHybrid
	}
	if !model.ValidStrategy(req.Strategy) {
		return model.Response{}, ctxerr.New(ctxerr.KindInvalidInput, "unrecognized strategy")
	}

	deadline := s.cfg.RetrieveDeadline
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	key := cacheKeyFor(req)
	if s.responseCache != nil {
		if raw, ok, _ := s.responseCache.Get(ctx, key); ok {
			var resp model.Response
			if err := cache.Decode(raw, &resp); err == nil {
				s.mu.Lock()
				s.hits++
				s.mu.Unlock()
				resp.CacheHit = true
				return resp, nil
			}
		}
	}
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()

	wantImmediate := req.Strategy != model.StrategySemantic
	wantSession := req.Strategy != model.StrategySemantic
	wantKeyword := isIn(req.Strategy, model.StrategyKeyword, model.StrategyHybrid, model.StrategyRelevance)
	wantSemantic := isIn(req.Strategy, model.StrategySemantic, model.StrategyHybrid)
	wantGraph := isIn(req.Strategy, model.StrategyGraph, model.StrategyHybrid)

	sources := make([]func() sourceResult, 0, 5)
	if wantImmediate {
		sources = append(sources, func() sourceResult { return s.searchImmediate(req) })
	}
	if wantSession {
		sources = append(sources, func() sourceResult { return s.searchSession(req) })
	}
	if wantKeyword {
		sources = append(sources, func() sourceResult { return s.searchKeyword(req) })
	}
	if wantSemantic {
		sources = append(sources, func() sourceResult { return s.searchSemantic(ctx, req) })
	}
	if wantGraph {
		sources = append(sources, func() sourceResult { return s.searchGraph(ctx, req) })
	}

	results := make([]sourceResult, len(sources))
	var wg sync.WaitGroup
	for i, fn := range sources {
		wg.Add(1)
		go func(i int, fn func() sourceResult) {
			defer wg.Done()
			done := make(chan sourceResult, 1)
			go func() { done <- fn() }()
			select {
			case r := <-done:
				results[i] = r
			case <-ctx.Done():
				results[i] = sourceResult{err: ctx.Err()}
			}
		}(i, fn)
	}
	wg.Wait()

	select {
	case <-ctx.Done():
		if allFailedOrEmpty(results) {
			return model.Response{}, ctxerr.Wrap(ctx.Err(), ctxerr.KindDeadlineExceeded, "retrieve deadline exceeded")
		}
	default:
	}

	degraded := false
	var immediateItems, sessionItems []model.ResultItem
	var keywordCand, semanticCand, graphCand []fusion.Candidate
	perTierCounts := map[string]int{}

	for _, r := range results {
		if r.err != nil {
			if r.name != "" {
				s.log.Warn("fan-out source failed", zap.String("source", r.name), zap.Error(r.err))
			}
			degraded = true
			continue
		}
		switch r.name {
		case "immediate":
			immediateItems = r.items
			perTierCounts["immediate"] = len(r.items)
		case "session":
			sessionItems = r.items
			perTierCounts["session"] = len(r.items)
		case "keyword":
			keywordCand = r.candidates
			perTierCounts["keyword"] = len(r.candidates)
		case "semantic":
			semanticCand = r.candidates
			perTierCounts["semantic"] = len(r.candidates)
		case "graph":
			graphCand = r.candidates
			perTierCounts["graph"] = len(r.candidates)
		}
	}

	var ranked []model.ResultItem
	if req.Strategy == model.StrategyRecency {
		ranked = append(append([]model.ResultItem{}, immediateItems...), sessionItems...)
	} else {
		halfKW := s.cfg.FusionWeights.Keyword / 2
		immCand := itemsToCandidates(immediateItems)
		sessCand := itemsToCandidates(sessionItems)
		fused := fusion.Fuse(mergeCandidates(keywordCand, immCand, sessCand, halfKW), semanticCand, graphCand, s.cfg.FusionWeights, req.MinScore, req.MaxResults)
		ranked = s.hydrate(fused, immediateItems, sessionItems)
	}

	ranked = filterResults(ranked, req)
	if req.Strategy == model.StrategyRecency {
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].Item.LastAccessedAt > ranked[j].Item.LastAccessedAt
		})
	} else {
		model.SortResultItemsDeterministic(ranked)
	}
	truncated := truncateToTokenBudget(ranked, req.MaxTokens)
	s.promote(truncated, req.ConversationID)

	resp := model.Response{
		Results:        truncated,
		TotalRetrieved: len(ranked),
		Degraded:       degraded,
		PerTierCounts:  perTierCounts,
	}

	if s.responseCache != nil {
		if data, err := cache.Encode(resp); err == nil {
			_ = s.responseCache.Set(ctx, key, data, s.cfg.CacheTTL)
		}
	}

	return resp, nil
}

// filterResults narrows the fused/ranked list by the request's kind and
// time-window filters before truncation.
func filterResults(ranked []model.ResultItem, req model.Request) []model.ResultItem {
	if len(req.Kinds) == 0 && req.Since == 0 && req.Until == 0 {
		return ranked
	}
	kindSet := make(map[model.Kind]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kindSet[k] = true
	}
	out := make([]model.ResultItem, 0, len(ranked))
	for _, r := range ranked {
		if len(kindSet) > 0 && !kindSet[r.Item.Kind] {
			continue
		}
		if req.Since != 0 && r.Item.CreatedAt < req.Since {
			continue
		}
		if req.Until != 0 && r.Item.CreatedAt > req.Until {
			continue
		}
		out = append(out, r)
	}
	return out
}

func isIn(s model.Strategy, candidates ...model.Strategy) bool {
	for _, c := range candidates {
		if s == c {
			return true
		}
	}
	return false
}

func allFailedOrEmpty(results []sourceResult) bool {
	for _, r := range results {
		if r.err == nil && (len(r.items) > 0 || len(r.candidates) > 0) {
			return false
		}
	}
	return true
}

func (s *Service) searchImmediate(req model.Request) sourceResult {
	terms := keyword.Tokenize(req.Query)
	scored := s.immediateTier.Search(terms)
	items := make([]model.ResultItem, 0, len(scored))
	for _, sc := range scored {
		items = append(items, model.ResultItem{
			Item:       sc.Item,
			Score:      sc.Score,
			SourceTier: "immediate",
		})
	}
	return sourceResult{name: "immediate", items: items}
}

func (s *Service) searchSession(req model.Request) sourceResult {
	scored := s.sessionTier.Search(req.Query, req.ConversationID)
	items := make([]model.ResultItem, 0, len(scored))
	for _, sc := range scored {
		items = append(items, model.ResultItem{
			Item:       sc.Item,
			Score:      sc.Score,
			SourceTier: "session",
		})
	}
	return sourceResult{name: "session", items: items}
}

func (s *Service) searchKeyword(req model.Request) sourceResult {
	filter := keyword.Filter{}
	cand := s.longTerm.SearchKeyword(req.Query, req.MaxResults*4, filter)
	return sourceResult{name: "keyword", candidates: cand}
}

func (s *Service) searchSemantic(ctx context.Context, req model.Request) sourceResult {
	cand, err := s.longTerm.SearchSemantic(ctx, req.Query, req.MaxResults*4, nil)
	if err != nil {
		return sourceResult{name: "semantic", err: err}
	}
	return sourceResult{name: "semantic", candidates: cand}
}

func (s *Service) searchGraph(ctx context.Context, req model.Request) sourceResult {
	anchors := keyword.Tokenize(req.Query)
	cand, err := s.longTerm.SearchGraph(ctx, anchors, req.MaxResults*4)
	if err != nil {
		return sourceResult{name: "graph", err: err}
	}
	return sourceResult{name: "graph", candidates: cand}
}

func itemsToCandidates(items []model.ResultItem) []fusion.Candidate {
	out := make([]fusion.Candidate, len(items))
	for i, it := range items {
		out[i] = fusion.Candidate{ID: it.Item.ID, Score: it.Score}
	}
	return out
}

// mergeCandidates folds the Immediate/Session local-scale lists into the
// keyword candidate list before fusion normalization, treating them as an
// extra keyword-weighted source (per the spec's rule that tiers already
// carrying locally-scaled scores are merged at half the keyword weight --
// approximated here by pre-scaling their raw scores by halfWeight before
// they enter the same min-max normalization pass as the keyword list).
func mergeCandidates(keywordCand, immCand, sessCand []fusion.Candidate, halfWeight float64) []fusion.Candidate {
	if len(immCand) == 0 && len(sessCand) == 0 {
		return keywordCand
	}
	scale := func(list []fusion.Candidate, factor float64) []fusion.Candidate {
		out := make([]fusion.Candidate, len(list))
		for i, c := range list {
			out[i] = fusion.Candidate{ID: c.ID, Score: c.Score * factor}
		}
		return out
	}
	merged := append([]fusion.Candidate{}, keywordCand...)
	merged = append(merged, scale(immCand, halfWeight)...)
	merged = append(merged, scale(sessCand, halfWeight)...)
	return merged
}

func (s *Service) hydrate(fused []fusion.Fused, immediateItems, sessionItems []model.ResultItem) []model.ResultItem {
	byID := make(map[string]*model.ContextItem, len(immediateItems)+len(sessionItems))
	tierByID := make(map[string]string, len(immediateItems)+len(sessionItems))
	for _, it := range immediateItems {
		byID[it.Item.ID] = it.Item
		tierByID[it.Item.ID] = "immediate"
	}
	for _, it := range sessionItems {
		byID[it.Item.ID] = it.Item
		tierByID[it.Item.ID] = "session"
	}

	out := make([]model.ResultItem, 0, len(fused))
	for _, f := range fused {
		item, ok := byID[f.ID]
		tier := tierByID[f.ID]
		if !ok {
			resolved, found := s.longTerm.Get(context.Background(), f.ID)
			if !found {
				continue
			}
			item = resolved
			tier = "long_term"
		}
		out = append(out, model.ResultItem{
			Item:       item,
			Score:      f.Score,
			SourceTier: tier,
			ComponentScores: model.ComponentScores{
				Keyword: f.Keyword, Semantic: f.Semantic, Graph: f.Graph,
				HasKW: f.HasKeyword, HasSem: f.HasSemantic, HasGraph: f.HasGraph,
			},
		})
	}
	return out
}

// truncateToTokenBudget walks the ranked list accumulating token_estimate,
// stopping before the accumulator would exceed maxTokens; a lone item that
// alone exceeds the budget is still included.
func truncateToTokenBudget(ranked []model.ResultItem, maxTokens int) []model.ResultItem {
	if len(ranked) == 0 {
		return ranked
	}
	out := make([]model.ResultItem, 0, len(ranked))
	used := 0
	for _, r := range ranked {
		tokens := r.Item.TokenEstimate
		if used+tokens > maxTokens && len(out) > 0 {
			break
		}
		out = append(out, r)
		used += tokens
		if len(out) == 1 && tokens > maxTokens {
			break
		}
	}
	return out
}

func (s *Service) promote(results []model.ResultItem, conversationID string) {
	for _, r := range results {
		r.Item.AccessCount++
		r.Item.LastAccessedAt = s.clock.NowMillis()
		switch r.SourceTier {
		case "immediate":
			if r.Item.AccessCount >= s.cfg.PromoteImmediateToSession && conversationID != "" {
				s.sessionTier.Add(r.Item.Clone(), conversationID)
			}
		case "session":
			if r.Item.AccessCount >= s.cfg.PromoteSessionToLongTerm && r.Item.Priority.AtLeast(s.cfg.PromoteSessionMinPriority) {
				_ = s.longTerm.Add(context.Background(), r.Item.Clone())
			}
		}
	}
}
