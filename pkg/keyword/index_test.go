package keyword

import "testing"

func TestSearch_EmptyQuery(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("d1", "python is a language", nil)
	if got := idx.Search("", 10, nil); got != nil {
		t.Fatalf("expected nil for empty query, got %v", got)
	}
}

func TestSearch_UnknownTermsIgnored(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("d1", "python is a language", nil)
	got := idx.Search("zzzznotaterm", 10, nil)
	if len(got) != 0 {
		t.Fatalf("expected no results for unknown term, got %v", got)
	}
}

// S2. Keyword ranking scenario from the spec.
func TestSearch_S2KeywordRanking(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("d1", "python is a language", nil)
	idx.Index("d2", "python python machine learning", nil)
	idx.Index("d3", "the weather is nice", nil)

	got := idx.Search("python learning", 10, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d: %v", len(got), got)
	}
	if got[0].DocID != "d2" || got[1].DocID != "d1" {
		t.Fatalf("expected order [d2, d1], got %v", got)
	}
	if got[0].Score <= got[1].Score {
		t.Fatalf("expected d2 score strictly greater than d1: d2=%v d1=%v", got[0].Score, got[1].Score)
	}
	for _, s := range got {
		if s.DocID == "d3" {
			t.Fatalf("d3 should not match the query at all")
		}
	}
}

func TestSearch_DeterministicTieBreak(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("b", "same same words here", nil)
	idx.Index("a", "same same words here", nil)

	first := idx.Search("same words", 10, nil)
	second := idx.Search("same words", 10, nil)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic result length")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("non-deterministic ordering at %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestSearch_FilterAppliedBeforeScoring(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("d1", "python language", map[string]string{"kind": "fact"})
	idx.Index("d2", "python language", map[string]string{"kind": "note"})

	got := idx.Search("python", 10, Filter{"kind": "fact"})
	if len(got) != 1 || got[0].DocID != "d1" {
		t.Fatalf("expected only d1 to pass the filter, got %v", got)
	}
}

func TestRemove_DeletesPostings(t *testing.T) {
	idx := New(DefaultOptions())
	idx.Index("d1", "python language", nil)
	idx.Remove("d1")
	if got := idx.Search("python", 10, nil); len(got) != 0 {
		t.Fatalf("expected no results after remove, got %v", got)
	}
	if idx.DocCount() != 0 {
		t.Fatalf("expected doc count 0 after remove, got %d", idx.DocCount())
	}
}

func TestTokenize_DropsShortTokensAndStopwords(t *testing.T) {
	got := Tokenize("I am a fan of Go and it is great")
	for _, tok := range got {
		if len(tok) < 2 {
			t.Fatalf("token %q should have been dropped (too short)", tok)
		}
		if stopwords[tok] {
			t.Fatalf("token %q should have been dropped (stopword)", tok)
		}
	}
}

func TestInvariant_PostingsReflectTokenizedContent(t *testing.T) {
	idx := New(DefaultOptions())
	content := "python machine learning language"
	idx.Index("d1", content, nil)
	tokens := map[string]bool{}
	for _, tok := range Tokenize(content) {
		tokens[tok] = true
	}
	for term, bucket := range idx.postings {
		if _, ok := bucket["d1"]; !ok {
			continue
		}
		if !tokens[term] {
			t.Fatalf("posting for term %q not present in tokenized content", term)
		}
	}
}
