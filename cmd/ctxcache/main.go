package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/loopmind/ctxcache/pkg/cache"
	"github.com/loopmind/ctxcache/pkg/collaborators"
	"github.com/loopmind/ctxcache/pkg/collaborators/graph"
	"github.com/loopmind/ctxcache/pkg/collaborators/vector"
	"github.com/loopmind/ctxcache/pkg/config"
	"github.com/loopmind/ctxcache/pkg/model"
	"github.com/loopmind/ctxcache/pkg/orchestrator"
	"github.com/loopmind/ctxcache/pkg/tiers/immediate"
	"github.com/loopmind/ctxcache/pkg/tiers/longterm"
	"github.com/loopmind/ctxcache/pkg/tiers/session"
)

var (
	version   = "dev"
	gitCommit string
)

const appName = "ctxcache"

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
}

func getConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ctxcache", "config.json")
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapCfg.Level = level
	return zapCfg.Build()
}

// buildService wires every tier and collaborator named in the resolved
// config into a single orchestrator.Service, following the same
// config-to-runtime wiring shape as dotagent's gatewayCmd (provider, bus,
// agent loop) but for the cache stack instead of an LLM provider.
func buildService(cfg *config.Config, log *zap.Logger) (*orchestrator.Service, error) {
	collaborators.SetEmbedderByName(cfg.Collaborators.Embedder)

	clock := model.SystemClock{}

	immOpts := immediate.DefaultOptions()
	immOpts.Capacity = cfg.Immediate.Capacity
	immOpts.TTLSeconds = int64(cfg.Immediate.TTLSeconds)
	immOpts.TokenCap = cfg.Immediate.TokenCap
	immOpts.HalfLife = int64(cfg.Immediate.HalfLife)
	immTier := immediate.New(immOpts, clock)

	sessOpts := session.DefaultOptions()
	sessOpts.CapacityPerConv = cfg.Session.CapacityPerConv
	sessOpts.ConsolidationThreshold = cfg.Session.ConsolidationThreshold
	sessOpts.HalfLifeSeconds = int64(cfg.Session.HalfLifeSeconds)
	sessTier := session.New(sessOpts, clock)

	var vecStore vector.Store
	if cfg.Collaborators.VectorProvider == "qdrant" {
		qcfg := vector.DefaultQdrantConfig()
		qcfg.Host = cfg.Collaborators.VectorHost
		qcfg.Port = cfg.Collaborators.VectorPort
		qs, err := vector.NewQdrantStore(qcfg)
		if err != nil {
			return nil, fmt.Errorf("connect qdrant: %w", err)
		}
		if err := qs.EnsureCollection(context.Background()); err != nil {
			return nil, fmt.Errorf("ensure qdrant collection: %w", err)
		}
		vecStore = qs
	} else {
		vecStore = vector.NewMemoryStore()
	}

	graphStore := graph.NewMemoryStore()

	ltOpts := longterm.DefaultOptions()
	ltOpts.ChunkerOpts.Target = cfg.Chunker.Target
	ltOpts.ChunkerOpts.Min = cfg.Chunker.Min
	ltOpts.ChunkerOpts.Max = cfg.Chunker.Max
	ltOpts.ChunkerOpts.BaseOverlap = cfg.Chunker.BaseOverlap
	ltOpts.ChunkerOpts.Adaptive = cfg.Chunker.Adaptive
	ltOpts.KeywordOpts.K1 = cfg.Keyword.K1
	ltOpts.KeywordOpts.B = cfg.Keyword.B
	ltOpts.SQLitePath = cfg.LongTerm.SQLitePath
	ltTier, err := longterm.New(ltOpts, vecStore, graphStore, clock)
	if err != nil {
		return nil, fmt.Errorf("open longterm tier: %w", err)
	}

	var respCache cache.Cache
	if cfg.Cache.Backend == "redis" {
		ropts := cache.DefaultRedisOptions()
		ropts.Addr = cfg.Cache.RedisAddr
		rc, err := cache.NewRedisCache(ropts)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		respCache = rc
	} else {
		respCache = cache.NewMemoryCache()
	}

	occ := orchestrator.DefaultConfig()
	occ.SweepCron = cfg.Log.SweepCron
	occ.FusionWeights.Semantic = cfg.Fusion.SemanticWeight
	occ.FusionWeights.Keyword = cfg.Fusion.KeywordWeight
	occ.FusionWeights.Graph = cfg.Fusion.GraphWeight
	occ.DefaultMaxResults = cfg.Retrieve.DefaultMaxResults
	occ.DefaultMaxTokens = cfg.Retrieve.DefaultMaxTokens
	occ.RetrieveDeadline = time.Duration(cfg.Retrieve.DeadlineMS) * time.Millisecond
	occ.CacheTTL = time.Duration(cfg.Cache.TTLSeconds) * time.Second
	occ.PromoteSessionMinPriority = model.Priority(cfg.Promotion.SessionMinPriority)
	occ.PromoteImmediateToSession = int64(cfg.Promotion.ImmediateToSessionAccess)
	occ.PromoteSessionToLongTerm = int64(cfg.Promotion.SessionToLongtermAccess)

	return orchestrator.New(occ, immTier, sessTier, ltTier, respCache, clock, log), nil
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func humanizeBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

func waitForInterrupt() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan
}
