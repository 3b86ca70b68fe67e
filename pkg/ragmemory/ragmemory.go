// Package ragmemory defines the similarity-lookup boundary consumed by
// provider knowledge-query effectors (C4) and agent handlers. It is
// intentionally an interface-only package: the production vector store
// behind it is out of scope, consumed rather than implemented here.
package ragmemory

import "context"

// Snippet is one retrieved passage plus its provenance and similarity
// score, mirroring providers.KnowledgeSnippet so adapters can pass results
// straight through without a translation layer.
type Snippet struct {
	Text     string
	Citation string
	Score    float64
}

// Memory is the boundary interface every RAG backend satisfies.
type Memory interface {
	Query(ctx context.Context, text string, limit int) ([]Snippet, error)
}
