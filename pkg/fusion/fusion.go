// Package fusion implements the hybrid fusion layer: normalize, weight,
// and merge candidate lists from the keyword, semantic, and graph paths
// into a single deterministically ordered ranking.
package fusion

import "sort"

// Candidate is a raw (id, score) entry from one source list.
type Candidate struct {
	ID    string
	Score float64
}

// Weights are the per-source fusion weights before redistribution.
type Weights struct {
	Semantic float64
	Keyword  float64
	Graph    float64
}

func DefaultWeights() Weights { return Weights{Semantic: 0.5, Keyword: 0.3, Graph: 0.2} }

// Fused is one deduplicated, fused result.
type Fused struct {
	ID              string
	Score           float64
	Keyword         float64
	Semantic        float64
	Graph           float64
	HasKeyword      bool
	HasSemantic     bool
	HasGraph        bool
}

func (f Fused) componentCount() int {
	n := 0
	if f.HasKeyword {
		n++
	}
	if f.HasSemantic {
		n++
	}
	if f.HasGraph {
		n++
	}
	return n
}

// normalize performs min-max normalization to [0,1]. A list with <=1 entry,
// or whose scores are all equal, is assigned 1.0 throughout.
func normalize(list []Candidate) map[string]float64 {
	out := make(map[string]float64, len(list))
	if len(list) == 0 {
		return out
	}
	if len(list) == 1 {
		out[list[0].ID] = 1.0
		return out
	}
	min, max := list[0].Score, list[0].Score
	for _, c := range list[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}
	if max == min {
		for _, c := range list {
			out[c.ID] = 1.0
		}
		return out
	}
	span := max - min
	for _, c := range list {
		out[c.ID] = (c.Score - min) / span
	}
	return out
}

// Fuse combines keyword/semantic/graph candidate lists per the spec's
// normalize -> combine -> dedup -> filter -> sort -> truncate pipeline.
// maxResults is the caller's requested count; the provisional cap applied
// here is 2x that, leaving headroom for token-budget truncation downstream.
func Fuse(keywordList, semanticList, graphList []Candidate, weights Weights, minScore float64, maxResults int) []Fused {
	kwNorm := normalize(keywordList)
	semNorm := normalize(semanticList)
	graphNorm := normalize(graphList)

	activeWeight := 0.0
	if len(keywordList) > 0 {
		activeWeight += weights.Keyword
	}
	if len(semanticList) > 0 {
		activeWeight += weights.Semantic
	}
	if len(graphList) > 0 {
		activeWeight += weights.Graph
	}

	wk, ws, wg := weights.Keyword, weights.Semantic, weights.Graph
	if activeWeight > 0 {
		if len(keywordList) == 0 {
			wk = 0
		} else {
			wk = weights.Keyword / activeWeight
		}
		if len(semanticList) == 0 {
			ws = 0
		} else {
			ws = weights.Semantic / activeWeight
		}
		if len(graphList) == 0 {
			wg = 0
		} else {
			wg = weights.Graph / activeWeight
		}
	}

	merged := make(map[string]*Fused)
	get := func(id string) *Fused {
		f, ok := merged[id]
		if !ok {
			f = &Fused{ID: id}
			merged[id] = f
		}
		return f
	}

	for id, score := range kwNorm {
		f := get(id)
		f.Keyword = score
		f.HasKeyword = true
		f.Score += wk * score
	}
	for id, score := range semNorm {
		f := get(id)
		f.Semantic = score
		f.HasSemantic = true
		f.Score += ws * score
	}
	for id, score := range graphNorm {
		f := get(id)
		f.Graph = score
		f.HasGraph = true
		f.Score += wg * score
	}

	out := make([]Fused, 0, len(merged))
	for _, f := range merged {
		if f.Score < minScore {
			continue
		}
		out = append(out, *f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		ac, bc := a.componentCount(), b.componentCount()
		if ac != bc {
			return ac > bc
		}
		return a.ID < b.ID
	})

	provisionalCap := maxResults * 2
	if provisionalCap > 0 && len(out) > provisionalCap {
		out = out[:provisionalCap]
	}
	return out
}
