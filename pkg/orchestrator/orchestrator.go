// Package orchestrator implements the public API (C7): routes writes to
// the appropriate tiers, fans out reads across tiers and collaborators,
// fuses and truncates results, and runs the background maintenance worker.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/loopmind/ctxcache/pkg/cache"
	"github.com/loopmind/ctxcache/pkg/ctxerr"
	"github.com/loopmind/ctxcache/pkg/fusion"
	"github.com/loopmind/ctxcache/pkg/model"
	"github.com/loopmind/ctxcache/pkg/tiers/immediate"
	"github.com/loopmind/ctxcache/pkg/tiers/longterm"
	"github.com/loopmind/ctxcache/pkg/tiers/session"
)

// Config governs promotion thresholds, fan-out deadlines, and the
// background maintenance schedule.
type Config struct {
	RetrieveDeadline            time.Duration
	CacheTTL                    time.Duration
	DefaultMaxResults           int
	DefaultMaxTokens            int
	PromoteImmediateToSession   int64
	PromoteSessionToLongTerm    int64
	PromoteSessionMinPriority   model.Priority
	SweepCron                   string
	FusionWeights               fusion.Weights
}

func DefaultConfig() Config {
	return Config{
		RetrieveDeadline:          2 * time.Second,
		CacheTTL:                  300 * time.Second,
		DefaultMaxResults:         10,
		DefaultMaxTokens:          4096,
		PromoteImmediateToSession: 3,
		PromoteSessionToLongTerm:  5,
		PromoteSessionMinPriority: model.PriorityHigh,
		SweepCron:                 "* * * * *",
		FusionWeights:             fusion.DefaultWeights(),
	}
}

// Service is the orchestrator: the sole entry point the rest of the
// process uses to talk to the cache.
type Service struct {
	cfg Config
	log *zap.Logger

	immediateTier *immediate.Tier
	sessionTier   *session.Tier
	longTerm      *longterm.Tier
	responseCache cache.Cache
	clock         model.Clock

	cron gronx.Gronx

	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	hits   int64
	misses int64
	mu     sync.Mutex
}

func New(cfg Config, imm *immediate.Tier, sess *session.Tier, lt *longterm.Tier, respCache cache.Cache, clock model.Clock, log *zap.Logger) *Service {
	if cfg.RetrieveDeadline <= 0 {
		cfg.RetrieveDeadline = 2 * time.Second
	}
	if cfg.DefaultMaxResults <= 0 {
		cfg.DefaultMaxResults = 10
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}
	if cfg.SweepCron == "" {
		cfg.SweepCron = "* * * * *"
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		cfg:           cfg,
		log:           log.With(zap.String("component", "orchestrator")),
		immediateTier: imm,
		sessionTier:   sess,
		longTerm:      lt,
		responseCache: respCache,
		clock:         clock,
		cron:          *gronx.New(),
		stopCh:        make(chan struct{}),
	}

	s.wg.Add(1)
	go s.runWorker()
	return s
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.longTerm != nil {
			s.closeErr = s.longTerm.Close()
		}
		if s.responseCache != nil {
			if err := s.responseCache.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Store admits content into one or more tiers per the routing rules and
// returns the new item's id.
func (s *Service) Store(ctx context.Context, content string, metadata model.Metadata, conversationID string, tierHint model.TierHint) (string, error) {
	if content == "" {
		return "", ctxerr.New(ctxerr.KindInvalidInput, "content must not be empty")
	}
	if metadata == nil {
		metadata = model.Metadata{}
	}

	priority := derivePriority(metadata)
	kind := deriveKind(metadata)

	id := ulid.Make().String()
	now := s.clock.NowMillis()
	item := &model.ContextItem{
		ID:             id,
		Content:        content,
		Kind:           kind,
		Priority:       priority,
		Metadata:       metadata,
		CreatedAt:      now,
		LastAccessedAt: now,
		TokenEstimate:  model.TokenEstimateFor(content),
		TierHint:       tierHint,
	}

	admitLongTerm := tierHint == model.TierHintLongTerm ||
		(tierHint == model.TierHintAuto && (priority.AtLeast(model.PriorityHigh) || kind == model.KindPreference || kind == model.KindFact))
	admitSession := tierHint == model.TierHintSession ||
		(tierHint == model.TierHintAuto && conversationID != "")
	admitImmediate := tierHint == model.TierHintAuto || tierHint == model.TierHintImmediate

	if tierHint == model.TierHintAuto {
		admitImmediate = true
	}

	if admitImmediate {
		s.immediateTier.Add(item.Clone())
	}
	if admitSession && conversationID != "" {
		s.sessionTier.Add(item.Clone(), conversationID)
	}
	if admitLongTerm {
		if err := s.longTerm.Add(ctx, item.Clone()); err != nil {
			return "", err
		}
	}

	return id, nil
}

// Delete removes id from every tier that might hold it.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return ctxerr.New(ctxerr.KindInvalidInput, "id must not be empty")
	}
	s.immediateTier.Delete(id)
	s.sessionTier.DeleteByID(id)
	_ = s.longTerm.Delete(ctx, id)
	return nil
}

// ClearScope selects what Clear purges.
type ClearScope struct {
	Immediate      bool
	Session        bool
	ConversationID string
	All            bool
}

func (s *Service) Clear(scope ClearScope) int {
	count := 0
	if scope.All || scope.Immediate {
		count += s.immediateTier.Len()
		for _, id := range s.immediateTier.List(nil) {
			s.immediateTier.Delete(id.ID)
		}
	}
	if scope.All || scope.Session {
		count += s.sessionTier.Clear(scope.ConversationID)
	}
	return count
}

// Stats is a metrics snapshot for the stats() operation.
type Stats struct {
	ImmediateCount int
	ImmediateTokens int
	LongTermDocs   int
	CacheHits      int64
	CacheMisses    int64
}

func (s *Service) StatsSnapshot() Stats {
	s.mu.Lock()
	hits, misses := s.hits, s.misses
	s.mu.Unlock()
	return Stats{
		ImmediateCount:  s.immediateTier.Len(),
		ImmediateTokens: s.immediateTier.TotalTokens(),
		LongTermDocs:    s.longTerm.Len(),
		CacheHits:       hits,
		CacheMisses:     misses,
	}
}

func derivePriority(metadata model.Metadata) model.Priority {
	if v, ok := metadata.String(model.MetaImportance); ok {
		p := model.Priority(v)
		if model.ValidPriorities[p] {
			return p
		}
	}
	return model.PriorityNormal
}

func deriveKind(metadata model.Metadata) model.Kind {
	if v, ok := metadata.String(model.MetaType); ok {
		k := model.Kind(v)
		if model.ValidKinds[k] {
			return k
		}
	}
	return model.KindNote
}

func cacheKeyFor(req model.Request) string {
	return cache.Key(req.ConversationID, req.Query, string(req.Strategy), req.MaxResults, req.MaxTokens, filterKeyFor(req))
}

// filterKeyFor folds the filter fields cacheKeyFor's fixed parameter list
// doesn't cover -- kinds, time window, min score -- into a single string so
// two requests differing only by filter never collide on the same cache
// entry.
func filterKeyFor(req model.Request) string {
	kinds := make([]string, len(req.Kinds))
	for i, k := range req.Kinds {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	return fmt.Sprintf("%s\x00%d\x00%d\x00%v", strings.Join(kinds, ","), req.Since, req.Until, req.MinScore)
}
