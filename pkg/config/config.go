// Package config loads the layered JSON-file-plus-environment-override
// configuration that seeds every tier, collaborator, and orchestrator
// option, grounded on dotsetgreg-dotagent/pkg/config/config.go's
// DefaultConfig -> JSON overlay -> env.Parse overlay pattern.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Immediate     ImmediateConfig     `json:"immediate"`
	Session       SessionConfig       `json:"session"`
	Keyword       KeywordConfig       `json:"keyword"`
	Chunker       ChunkerConfig       `json:"chunker"`
	Fusion        FusionConfig        `json:"fusion"`
	Retrieve      RetrieveConfig      `json:"retrieve"`
	Cache         CacheConfig         `json:"cache"`
	Promotion     PromotionConfig     `json:"promotion"`
	LongTerm      LongTermConfig      `json:"longterm"`
	Collaborators CollaboratorsConfig `json:"collaborators"`
	Log           LogConfig           `json:"log"`
	mu            sync.RWMutex
}

type ImmediateConfig struct {
	Capacity   int `json:"capacity" env:"CTXCACHE_IMMEDIATE_CAPACITY"`
	TTLSeconds int `json:"ttl_seconds" env:"CTXCACHE_IMMEDIATE_TTL_SECONDS"`
	TokenCap   int `json:"token_cap" env:"CTXCACHE_IMMEDIATE_TOKEN_CAP"`
	HalfLife   int `json:"half_life_seconds" env:"CTXCACHE_IMMEDIATE_HALF_LIFE_SECONDS"`
}

type SessionConfig struct {
	CapacityPerConv        int `json:"capacity_per_conv" env:"CTXCACHE_SESSION_CAPACITY_PER_CONV"`
	ConsolidationThreshold int `json:"consolidation_threshold" env:"CTXCACHE_SESSION_CONSOLIDATION_THRESHOLD"`
	HalfLifeSeconds        int `json:"half_life_seconds" env:"CTXCACHE_SESSION_HALF_LIFE_SECONDS"`
}

type KeywordConfig struct {
	K1 float64 `json:"k1" env:"CTXCACHE_KEYWORD_K1"`
	B  float64 `json:"b" env:"CTXCACHE_KEYWORD_B"`
}

type ChunkerConfig struct {
	Target      int  `json:"target" env:"CTXCACHE_CHUNKER_TARGET"`
	Min         int  `json:"min" env:"CTXCACHE_CHUNKER_MIN"`
	Max         int  `json:"max" env:"CTXCACHE_CHUNKER_MAX"`
	BaseOverlap int  `json:"base_overlap" env:"CTXCACHE_CHUNKER_BASE_OVERLAP"`
	Adaptive    bool `json:"adaptive" env:"CTXCACHE_CHUNKER_ADAPTIVE"`
}

type FusionConfig struct {
	SemanticWeight float64 `json:"semantic_weight" env:"CTXCACHE_FUSION_SEMANTIC_WEIGHT"`
	KeywordWeight  float64 `json:"keyword_weight" env:"CTXCACHE_FUSION_KEYWORD_WEIGHT"`
	GraphWeight    float64 `json:"graph_weight" env:"CTXCACHE_FUSION_GRAPH_WEIGHT"`
}

type RetrieveConfig struct {
	DeadlineMS             int `json:"deadline_ms" env:"CTXCACHE_RETRIEVE_DEADLINE_MS"`
	DefaultMaxResults      int `json:"default_max_results" env:"CTXCACHE_RETRIEVE_DEFAULT_MAX_RESULTS"`
	DefaultMaxTokens       int `json:"default_max_tokens" env:"CTXCACHE_RETRIEVE_DEFAULT_MAX_TOKENS"`
}

type CacheConfig struct {
	Backend   string `json:"backend" env:"CTXCACHE_CACHE_BACKEND"` // "memory" or "redis"
	RedisAddr string `json:"redis_addr" env:"CTXCACHE_CACHE_REDIS_ADDR"`
	TTLSeconds int   `json:"ttl_seconds" env:"CTXCACHE_CACHE_TTL_SECONDS"`
}

type PromotionConfig struct {
	ImmediateToSessionAccess int    `json:"immediate_to_session_access" env:"CTXCACHE_PROMOTION_IMMEDIATE_TO_SESSION_ACCESS"`
	SessionToLongtermAccess  int    `json:"session_to_longterm_access" env:"CTXCACHE_PROMOTION_SESSION_TO_LONGTERM_ACCESS"`
	SessionMinPriority       string `json:"session_min_priority" env:"CTXCACHE_PROMOTION_SESSION_MIN_PRIORITY"`
}

type LongTermConfig struct {
	SQLitePath string `json:"sqlite_path" env:"CTXCACHE_LONGTERM_SQLITE_PATH"`
}

type CollaboratorsConfig struct {
	Embedder       string `json:"embedder" env:"CTXCACHE_COLLABORATORS_EMBEDDER"` // "chargram" or "hash"
	VectorProvider string `json:"vector_provider" env:"CTXCACHE_COLLABORATORS_VECTOR_PROVIDER"` // "memory" or "qdrant"
	VectorHost     string `json:"vector_host" env:"CTXCACHE_COLLABORATORS_VECTOR_HOST"`
	VectorPort     int    `json:"vector_port" env:"CTXCACHE_COLLABORATORS_VECTOR_PORT"`
	GraphProvider  string `json:"graph_provider" env:"CTXCACHE_COLLABORATORS_GRAPH_PROVIDER"` // "memory" only, for now
}

type LogConfig struct {
	Level      string `json:"level" env:"CTXCACHE_LOG_LEVEL"`
	SweepCron  string `json:"sweep_cron" env:"CTXCACHE_SWEEP_CRON"`
}

func DefaultConfig() *Config {
	return &Config{
		Immediate: ImmediateConfig{Capacity: 10, TTLSeconds: 3600, TokenCap: 2048, HalfLife: 1800},
		Session: SessionConfig{
			CapacityPerConv: 50, ConsolidationThreshold: 20, HalfLifeSeconds: 1800,
		},
		Keyword: KeywordConfig{K1: 1.5, B: 0.75},
		Chunker: ChunkerConfig{Target: 512, Min: 100, Max: 1024, BaseOverlap: 50, Adaptive: true},
		Fusion:  FusionConfig{SemanticWeight: 0.5, KeywordWeight: 0.3, GraphWeight: 0.2},
		Retrieve: RetrieveConfig{
			DeadlineMS: 2000, DefaultMaxResults: 10, DefaultMaxTokens: 4096,
		},
		Cache: CacheConfig{Backend: "memory", RedisAddr: "localhost:6379", TTLSeconds: 300},
		Promotion: PromotionConfig{
			ImmediateToSessionAccess: 3, SessionToLongtermAccess: 5, SessionMinPriority: "high",
		},
		LongTerm: LongTermConfig{SQLitePath: "ctxcache_longterm.db"},
		Collaborators: CollaboratorsConfig{
			Embedder: "chargram", VectorProvider: "memory", VectorHost: "localhost", VectorPort: 6334,
			GraphProvider: "memory",
		},
		Log: LogConfig{Level: "info", SweepCron: "* * * * *"},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0o600)
}
