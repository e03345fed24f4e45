// Package chunker splits long text into overlapping chunks that respect
// sentence and paragraph boundaries, adapting overlap size to sentence
// density. It never fails: empty input yields an empty chunk sequence.
package chunker

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/loopmind/ctxcache/pkg/model"
)

// Options configures chunk(text, params).
type Options struct {
	Target      int  // preferred chunk size in characters
	Min         int  // minimum acceptable chunk size
	Max         int  // hard upper bound, never exceeded
	BaseOverlap int  // baseline character overlap
	Adaptive    bool // scale overlap with sentence density
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{Target: 512, Min: 100, Max: 1024, BaseOverlap: 50, Adaptive: true}
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+(\s+|$)`)

type sentence struct {
	text   string
	start  int
	end    int
	weight int // 0 for paragraph-separator tokens, 1 for real sentences
}

// splitSentences segments a paragraph into sentences using terminal
// punctuation as the approximate boundary. Abbreviation handling is
// intentionally simple (see SPEC_FULL.md's open-question resolution): this
// is a deterministic, test-fixed choice, not an attempt to match any
// reference NLP library.
func splitSentences(text string) []sentence {
	if text == "" {
		return nil
	}
	var out []sentence
	last := 0
	locs := sentenceBoundary.FindAllStringIndex(text, -1)
	for _, loc := range locs {
		end := loc[1]
		if end > len(text) {
			end = len(text)
		}
		out = append(out, sentence{text: text[last:end], start: last, end: end, weight: 1})
		last = end
	}
	if last < len(text) {
		out = append(out, sentence{text: text[last:], start: last, end: len(text), weight: 1})
	}
	return out
}

var paragraphSeparator = regexp.MustCompile(`\n\s*\n`)

// buildSentenceStream walks the whole text and returns sentences for every
// paragraph interleaved with the blank-line runs between them, carried as
// zero-weight tokens so their characters stay inside the chunk stream.
// Dropping those separators would mean concatenating chunks' non-overlap
// regions could no longer reconstruct the original text.
func buildSentenceStream(text string) []sentence {
	var out []sentence
	last := 0
	for _, loc := range paragraphSeparator.FindAllStringIndex(text, -1) {
		para := text[last:loc[0]]
		for _, s := range splitSentences(para) {
			out = append(out, sentence{text: s.text, start: last + s.start, end: last + s.end, weight: 1})
		}
		sep := text[loc[0]:loc[1]]
		out = append(out, sentence{text: sep, start: loc[0], end: loc[1], weight: 0})
		last = loc[1]
	}
	for _, s := range splitSentences(text[last:]) {
		out = append(out, sentence{text: s.text, start: last + s.start, end: last + s.end, weight: 1})
	}
	return out
}

// Chunk splits text into an ordered sequence of model.Chunk honoring
// sentence/paragraph boundaries with adaptive overlap.
func Chunk(parentID, text string, opts Options) []model.Chunk {
	if opts.Target <= 0 {
		opts = DefaultOptions()
	}
	if text == "" {
		return nil
	}
	if len(text) < opts.Min {
		return []model.Chunk{{ChunkID: chunkID(parentID, 0), ParentID: parentID, Content: text, Ordinal: 0, OverlapPrevChars: 0}}
	}

	sentences := buildSentenceStream(text)
	if len(sentences) == 0 {
		sentences = append(sentences, sentence{text: text, start: 0, end: len(text), weight: 1})
	}

	maxOverlapCap := opts.Max / 3
	if maxOverlapCap > 200 {
		maxOverlapCap = 200
	}

	var chunks []model.Chunk
	ordinal := 0
	i := 0
	pendingOverlapChars := 0 // characters the next chunk must be seeded with

	for i < len(sentences) {
		chunkStart := sentences[i].start
		// Seed with the requested overlap from the previous chunk, aligned
		// to the nearest sentence boundary inside that window.
		seedStart := chunkStart
		if pendingOverlapChars > 0 && len(chunks) > 0 {
			want := chunkStart - pendingOverlapChars
			if want < 0 {
				want = 0
			}
			seedStart = alignToSentenceStart(sentences, want, chunkStart)
		}

		var sb strings.Builder
		sb.WriteString(text[seedStart:chunkStart])
		count := 0
		j := i
		for j < len(sentences) {
			s := sentences[j]
			candidateLen := sb.Len() + len(s.text)
			if sb.Len() > 0 && candidateLen > opts.Target && count > 0 {
				break
			}
			if len(s.text) > opts.Max {
				// Hard-split an oversized sentence at a whitespace boundary
				// <= max.
				piece := hardSplitPoint(s.text, opts.Max)
				if sb.Len()+len(piece) > opts.Max && sb.Len() > 0 {
					break
				}
				sb.WriteString(piece)
				count++
				remainder := s.text[len(piece):]
				sentences[j] = sentence{text: remainder, start: s.start + len(piece), end: s.end, weight: 1}
				if remainder == "" {
					j++
				}
				break
			}
			if sb.Len()+len(s.text) > opts.Max && sb.Len() > 0 {
				break
			}
			sb.WriteString(s.text)
			count += s.weight
			j++
		}
		if j == i && count == 0 {
			// A single sentence that itself exceeds opts.Max and produced no
			// progress; force-consume it via hard split to guarantee
			// termination.
			piece := hardSplitPoint(sentences[i].text, opts.Max)
			if piece == "" {
				piece = sentences[i].text
			}
			sb.Reset()
			sb.WriteString(piece)
			remainder := sentences[i].text[len(piece):]
			if remainder == "" {
				j = i + 1
			} else {
				sentences[i] = sentence{text: remainder, start: sentences[i].start + len(piece), end: sentences[i].end, weight: 1}
				j = i
			}
			count = 1
		}

		content := sb.String()
		overlapPrev := chunkStart - seedStart
		chunks = append(chunks, model.Chunk{
			ChunkID:          chunkID(parentID, ordinal),
			ParentID:         parentID,
			Content:          content,
			Ordinal:          ordinal,
			OverlapPrevChars: overlapPrev,
		})
		ordinal++

		// Compute overlap for the NEXT chunk based on this chunk's sentence
		// density.
		overlap := opts.BaseOverlap
		if opts.Adaptive {
			switch {
			case count > 5:
				overlap = 3 * opts.BaseOverlap
			case count >= 3:
				overlap = 2 * opts.BaseOverlap
			}
		}
		if overlap > maxOverlapCap {
			overlap = maxOverlapCap
		}
		pendingOverlapChars = overlap

		i = j
	}

	chunks = mergeShortTrailingChunk(chunks, opts.Min)
	return chunks
}

// alignToSentenceStart finds the sentence start closest to (but not before)
// want, within [want, chunkStart), so overlap seeding lands on a clean
// boundary when one exists inside the window.
func alignToSentenceStart(sentences []sentence, want, chunkStart int) int {
	best := want
	for _, s := range sentences {
		if s.start >= want && s.start < chunkStart {
			best = s.start
			break
		}
	}
	return best
}

func hardSplitPoint(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		cut = max
	}
	return s[:cut]
}

// mergeShortTrailingChunk folds a final chunk shorter than min into its
// predecessor, per "chunks shorter than min are merged with the
// predecessor" -- except when the whole input produced only one chunk.
func mergeShortTrailingChunk(chunks []model.Chunk, min int) []model.Chunk {
	if len(chunks) < 2 {
		return chunks
	}
	last := chunks[len(chunks)-1]
	if len(last.Content) >= min {
		return chunks
	}
	prev := chunks[len(chunks)-2]
	merged := prev
	merged.Content = prev.Content + last.Content[overlapFloor(last.OverlapPrevChars, len(last.Content)):]
	out := append(chunks[:len(chunks)-2:len(chunks)-2], merged)
	return out
}

func overlapFloor(overlap, length int) int {
	if overlap > length {
		return length
	}
	if overlap < 0 {
		return 0
	}
	return overlap
}

func chunkID(parentID string, ordinal int) string {
	return parentID + "#" + strconv.Itoa(ordinal)
}
