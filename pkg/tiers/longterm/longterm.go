// Package longterm implements the durable long-term tier (C5): a SQLite
// record of every stored item and its chunks, fronting the pluggable
// vector and graph collaborators and a private keyword index used for the
// keyword half of hybrid retrieval over durable content.
package longterm

import (
	"context"
	"fmt"

	"github.com/loopmind/ctxcache/pkg/chunker"
	"github.com/loopmind/ctxcache/pkg/collaborators"
	"github.com/loopmind/ctxcache/pkg/collaborators/graph"
	"github.com/loopmind/ctxcache/pkg/collaborators/vector"
	"github.com/loopmind/ctxcache/pkg/ctxerr"
	"github.com/loopmind/ctxcache/pkg/fusion"
	"github.com/loopmind/ctxcache/pkg/keyword"
	"github.com/loopmind/ctxcache/pkg/model"
)

type Options struct {
	SQLitePath    string
	ChunkerOpts   chunker.Options
	KeywordOpts   keyword.Options
	GraphMaxDepth int
}

func DefaultOptions() Options {
	return Options{
		SQLitePath:    "ctxcache_longterm.db",
		ChunkerOpts:   chunker.DefaultOptions(),
		KeywordOpts:   keyword.DefaultOptions(),
		GraphMaxDepth: 2,
	}
}

// Tier is the long-term durable tier.
type Tier struct {
	opts    Options
	records *recordStore
	idx     *keyword.Index
	vec     vector.Store
	graph   graph.Store
	clock   model.Clock
}

func New(opts Options, vec vector.Store, gr graph.Store, clock model.Clock) (*Tier, error) {
	records, err := openRecordStore(opts.SQLitePath)
	if err != nil {
		return nil, err
	}
	t := &Tier{
		opts:    opts,
		records: records,
		idx:     keyword.New(opts.KeywordOpts),
		vec:     vec,
		graph:   gr,
		clock:   clock,
	}
	if err := t.Reindex(context.Background()); err != nil {
		records.close()
		return nil, err
	}
	return t, nil
}

func (t *Tier) Close() error { return t.records.close() }

// Add persists item, its chunks, its keyword postings, its embedding, and
// a graph entity for the item with edges from its conversation and tags. The steps are ordered so the
// durable SQLite row is authoritative; any failure after it is committed
// triggers a best-effort rollback of the record so the tier never reports
// an item as stored while leaving a partially-indexed durable row behind.
func (t *Tier) Add(ctx context.Context, item *model.ContextItem) error {
	chunks := chunker.Chunk(item.ID, item.Content, t.opts.ChunkerOpts)

	if err := t.records.put(ctx, item, chunks); err != nil {
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: persist item")
	}

	metaStr := stringMetadata(item.Metadata)
	t.idx.Index(item.ID, item.Content, metaStr)

	embeddings, err := collaborators.CurrentEmbedder().Embed(ctx, []string{item.Content})
	if err != nil {
		t.idx.Remove(item.ID)
		_ = t.records.delete(ctx, item.ID)
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: embed item")
	}
	if err := t.vec.Upsert(ctx, item.ID, embeddings[0], metaStr); err != nil {
		t.idx.Remove(item.ID)
		_ = t.records.delete(ctx, item.ID)
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: upsert vector")
	}

	entity := graph.Entity{ID: item.ID, EntityType: string(item.Kind), Metadata: metaStr}
	if err := t.graph.UpsertEntity(ctx, entity); err != nil {
		t.idx.Remove(item.ID)
		_ = t.vec.Delete(ctx, item.ID)
		_ = t.records.delete(ctx, item.ID)
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: upsert graph entity")
	}
	if convID, ok := item.Metadata.String(model.MetaConversationID); ok && convID != "" {
		_ = t.graph.UpsertRelationship(ctx, graph.Relationship{FromID: convID, ToID: item.ID, Type: "contains", Weight: 1})
	}
	for _, tag := range item.Metadata.Tags() {
		_ = t.graph.UpsertRelationship(ctx, graph.Relationship{FromID: "tag:" + tag, ToID: item.ID, Type: "tagged", Weight: 1})
	}

	return nil
}

func (t *Tier) Delete(ctx context.Context, id string) error {
	t.idx.Remove(id)
	_ = t.vec.Delete(ctx, id)
	_ = t.graph.DeleteEntity(ctx, id)
	if err := t.records.delete(ctx, id); err != nil {
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: delete item")
	}
	return nil
}

func (t *Tier) Get(ctx context.Context, id string) (*model.ContextItem, bool) {
	item, err := t.records.get(ctx, id)
	if err != nil {
		return nil, false
	}
	_ = t.records.touch(ctx, id, t.clock.NowMillis())
	return item, true
}

func (t *Tier) SearchKeyword(query string, k int, filter keyword.Filter) []fusion.Candidate {
	scored := t.idx.Search(query, k, filter)
	out := make([]fusion.Candidate, len(scored))
	for i, s := range scored {
		out[i] = fusion.Candidate{ID: s.DocID, Score: s.Score}
	}
	return out
}

func (t *Tier) SearchSemantic(ctx context.Context, query string, k int, metaFilter map[string]string) ([]fusion.Candidate, error) {
	embeddings, err := collaborators.CurrentEmbedder().Embed(ctx, []string{query})
	if err != nil {
		return nil, ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: embed query")
	}
	matches, err := t.vec.Search(ctx, embeddings[0], k, metaFilter)
	if err != nil {
		return nil, ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: vector search")
	}
	out := make([]fusion.Candidate, len(matches))
	for i, m := range matches {
		out[i] = fusion.Candidate{ID: m.ID, Score: m.Score}
	}
	return out, nil
}

func (t *Tier) SearchGraph(ctx context.Context, anchorIDs []string, k int) ([]fusion.Candidate, error) {
	if len(anchorIDs) == 0 {
		return nil, nil
	}
	hits, err := t.graph.Search(ctx, anchorIDs, t.opts.GraphMaxDepth, k)
	if err != nil {
		return nil, ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: graph search")
	}
	out := make([]fusion.Candidate, len(hits))
	for i, h := range hits {
		out[i] = fusion.Candidate{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

// Reindex rebuilds the keyword index from the durable SQLite record. It is
// called on startup so the in-memory keyword index is always restorable
// from disk and never a second source of truth for item content.
func (t *Tier) Reindex(ctx context.Context) error {
	items, err := t.records.scanAll(ctx)
	if err != nil {
		return ctxerr.Wrap(err, ctxerr.KindCollaboratorFailure, "longterm: scan items for reindex")
	}
	for _, item := range items {
		t.idx.Index(item.ID, item.Content, stringMetadata(item.Metadata))
	}
	return nil
}

func (t *Tier) Len() int { return t.idx.DocCount() }

func stringMetadata(meta model.Metadata) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
