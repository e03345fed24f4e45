// Package keyword implements the probabilistic (BM25) inverted-index
// retrieval engine: tokenize, index, and rank documents against a free-text
// query.
package keyword

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/loopmind/ctxcache/pkg/model"
)

// Options configures the BM25 scoring function.
type Options struct {
	K1 float64
	B  float64
}

func DefaultOptions() Options { return Options{K1: 1.5, B: 0.75} }

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// stopwords is a fixed English stopword set; tokenization must be
// deterministic, so this set never changes at runtime.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"being": true, "to": true, "of": true, "in": true, "on": true, "at": true,
	"for": true, "with": true, "by": true, "from": true, "as": true, "it": true,
	"this": true, "that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "we": true, "they": true, "them": true, "his": true,
	"her": true, "its": true, "our": true, "your": true, "their": true,
	"do": true, "does": true, "did": true, "not": true, "no": true, "so": true,
	"if": true, "then": true, "than": true, "too": true, "very": true,
}

// Tokenize implements the index's deterministic tokenization contract:
// Unicode-aware lowercase split on non-alphanumeric runs, tokens shorter
// than 2 characters dropped, stopwords removed, no stemming.
func Tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := tokenPattern.FindAllString(lower, -1)
	out := make([]string, 0, len(raw))
	for _, tok := range raw {
		if len([]rune(tok)) < 2 {
			continue
		}
		if stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

type docEntry struct {
	docID    string
	docLen   int
	termFreq map[string]int
	metadata map[string]string
}

// Index is a monotonic mutable inverted index with BM25 ranking.
type Index struct {
	mu sync.RWMutex

	opts Options

	docs     map[string]*docEntry
	postings map[string]map[string]*model.Posting // term -> docID -> posting
	totalLen int64

	idfMu         sync.Mutex
	idfCache      map[string]float64
	idfCacheValid bool
}

func New(opts Options) *Index {
	if opts.K1 == 0 && opts.B == 0 {
		opts = DefaultOptions()
	}
	return &Index{
		opts:     opts,
		docs:     make(map[string]*docEntry),
		postings: make(map[string]map[string]*model.Posting),
	}
}

// Index tokenizes text, updates postings, doc_lengths, and avgdl for doc_id.
// Metadata values are stored as strings for filter matching.
func (idx *Index) Index(docID, text string, metadata map[string]string) {
	tokens := Tokenize(text)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.docs[docID]; ok {
		idx.removeLocked(docID, old)
	}

	entry := &docEntry{docID: docID, docLen: len(tokens), termFreq: make(map[string]int), metadata: metadata}
	for _, t := range tokens {
		entry.termFreq[t]++
	}
	idx.docs[docID] = entry
	idx.totalLen += int64(entry.docLen)

	for term, tf := range entry.termFreq {
		bucket, ok := idx.postings[term]
		if !ok {
			bucket = make(map[string]*model.Posting)
			idx.postings[term] = bucket
		}
		bucket[docID] = &model.Posting{Term: term, DocID: docID, TermFreq: tf, DocLen: entry.docLen}
	}
	idx.idfCacheValid = false
}

// Remove deletes all postings for docID.
func (idx *Index) Remove(docID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	entry, ok := idx.docs[docID]
	if !ok {
		return
	}
	idx.removeLocked(docID, entry)
	idx.idfCacheValid = false
}

func (idx *Index) removeLocked(docID string, entry *docEntry) {
	for term := range entry.termFreq {
		if bucket, ok := idx.postings[term]; ok {
			delete(bucket, docID)
			if len(bucket) == 0 {
				delete(idx.postings, term)
			}
		}
	}
	idx.totalLen -= int64(entry.docLen)
	delete(idx.docs, docID)
}

// Filter matches on metadata fields exposed at index time.
type Filter map[string]string

func (f Filter) matches(metadata map[string]string) bool {
	for k, v := range f {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Scored is a single (doc_id, score) ranking result.
type Scored struct {
	DocID string
	Score float64
}

// Search returns the top-k documents ranked by BM25 score. An empty query
// returns an empty result; unknown tokens are ignored, not errors.
func (idx *Index) Search(query string, k int, filter Filter) []Scored {
	terms := Tokenize(query)
	if len(terms) == 0 || k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.docs)
	if n == 0 {
		return nil
	}
	avgdl := idx.avgdlLocked()
	idf := idx.idfLocked(terms, n)

	type candidate struct {
		docID  string
		score  float64
		docLen int
		tfSum  int
	}
	candidates := make(map[string]*candidate)

	for _, term := range terms {
		bucket := idx.postings[term]
		if bucket == nil {
			continue
		}
		termIDF := idf[term]
		for docID, posting := range bucket {
			entry := idx.docs[docID]
			if entry == nil {
				continue
			}
			if filter != nil && !filter.matches(entry.metadata) {
				continue
			}
			tf := float64(posting.TermFreq)
			denom := tf + idx.opts.K1*(1-idx.opts.B+idx.opts.B*float64(posting.DocLen)/avgdl)
			score := termIDF * (tf * (idx.opts.K1 + 1) / denom)

			c, ok := candidates[docID]
			if !ok {
				c = &candidate{docID: docID, docLen: posting.DocLen}
				candidates[docID] = c
			}
			c.score += score
			c.tfSum += posting.TermFreq
		}
	}

	out := make([]Scored, 0, len(candidates))
	order := make([]*candidate, 0, len(candidates))
	for _, c := range candidates {
		order = append(order, c)
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if a.score != b.score {
			return a.score > b.score
		}
		aw := a.docLen * a.tfSum
		bw := b.docLen * b.tfSum
		if aw != bw {
			return aw > bw
		}
		return a.docID < b.docID
	})
	if k < len(order) {
		order = order[:k]
	}
	for _, c := range order {
		out = append(out, Scored{DocID: c.docID, Score: c.score})
	}
	return out
}

func (idx *Index) avgdlLocked() float64 {
	n := len(idx.docs)
	if n == 0 {
		return 1
	}
	avg := float64(idx.totalLen) / float64(n)
	if avg <= 0 {
		return 1
	}
	return avg
}

// idfLocked returns IDF for the given terms, served from idx.idfCache where
// possible. The cache is invalidated (idfCacheValid = false) by any index
// mutation under the index write lock; idfMu guards the cache itself so
// concurrent readers computing a miss don't race each other.
func (idx *Index) idfLocked(terms []string, n int) map[string]float64 {
	idx.idfMu.Lock()
	defer idx.idfMu.Unlock()
	if !idx.idfCacheValid {
		idx.idfCache = make(map[string]float64)
		idx.idfCacheValid = true
	}
	out := make(map[string]float64, len(terms))
	for _, t := range terms {
		if v, ok := idx.idfCache[t]; ok {
			out[t] = v
			continue
		}
		df := len(idx.postings[t])
		v := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1)
		idx.idfCache[t] = v
		out[t] = v
	}
	return out
}

// DocCount returns the current number of indexed documents.
func (idx *Index) DocCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}
