// Package retrieval answers "which guide passages are relevant to this
// question" against a pre-built embedding index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nyaysaathi/nyay-agent/embeddings"
)

// ErrIndexUnavailable marks genuine index failures. An empty result set is
// not an error; it means no guide passage cleared the score threshold.
var ErrIndexUnavailable = errors.New("embedding index unavailable")

type Retriever struct {
	store     VectorStore
	embedder  embeddings.Embedder
	topK      int
	threshold float64
}

func NewRetriever(store VectorStore, embedder embeddings.Embedder, topK int, threshold float64) *Retriever {
	if topK <= 0 {
		topK = 3
	}
	return &Retriever{
		store:     store,
		embedder:  embedder,
		topK:      topK,
		threshold: threshold,
	}
}

// Search embeds the query and returns up to topK chunks whose similarity
// score clears the threshold, best first. Each call is a fresh search.
func (r *Retriever) Search(ctx context.Context, query string) ([]Chunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if r.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if r.store == nil {
		return nil, fmt.Errorf("vector store is not configured")
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrIndexUnavailable, err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: embedder returned no vectors", ErrIndexUnavailable)
	}

	candidates, err := r.store.TopChunks(ctx, vectors[0], r.topK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	results := make([]Chunk, 0, len(candidates))
	for _, chunk := range candidates {
		if chunk.Score >= r.threshold {
			results = append(results, chunk)
		}
	}

	// Stores return best-first already; SliceStable keeps index order on ties.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return results, nil
}
