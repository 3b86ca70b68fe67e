// Package inmem is a trivial token-overlap ragmemory.Memory sufficient
// for tests and local development; it is not a production vector store.
package inmem

import (
	"context"
	"sort"
	"strings"

	"github.com/aegis-ops/aegis/pkg/ragmemory"
)

// Document is one entry in the in-memory corpus.
type Document struct {
	Text     string
	Citation string
}

// Store is a fixed, in-memory corpus scored by token-overlap ratio against
// the query text — a stand-in for an actual embedding similarity search.
type Store struct {
	docs []Document
}

// New constructs a Store over docs.
func New(docs []Document) *Store {
	return &Store{docs: docs}
}

// Query scores every document by the fraction of its distinct lowercase
// tokens that also appear in text, and returns the top `limit` matches
// with nonzero score.
func (s *Store) Query(_ context.Context, text string, limit int) ([]ragmemory.Snippet, error) {
	queryTokens := tokenSet(text)

	type scored struct {
		doc   Document
		score float64
	}
	var candidates []scored
	for _, d := range s.docs {
		docTokens := tokenSet(d.Text)
		if len(docTokens) == 0 {
			continue
		}
		var hits int
		for t := range docTokens {
			if queryTokens[t] {
				hits++
			}
		}
		score := float64(hits) / float64(len(docTokens))
		if score > 0 {
			candidates = append(candidates, scored{doc: d, score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]ragmemory.Snippet, len(candidates))
	for i, c := range candidates {
		out[i] = ragmemory.Snippet{Text: c.doc.Text, Citation: c.doc.Citation, Score: c.score}
	}
	return out, nil
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		out[f] = true
	}
	return out
}
