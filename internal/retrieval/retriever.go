package retrieval

import (
	"context"
)

const (
	DefaultTopK           = 5
	DefaultScoreThreshold = 0.7
)

// Retriever combines embedding and vector search to find relevant chunks.
type Retriever struct {
	embedder  *Embedder
	index     VectorIndex
	topK      int
	threshold float32
}

// NewRetriever creates a Retriever. A non-positive topK selects DefaultTopK.
func NewRetriever(embedder *Embedder, index VectorIndex, topK int, threshold float32) *Retriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Retriever{embedder: embedder, index: index, topK: topK, threshold: threshold}
}

// Retrieve embeds query and returns matches above the configured threshold.
// topK <= 0 uses the configured default; documentID optionally narrows the
// search. Errors from either step are returned unchanged.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, documentID string) ([]Match, error) {
	if topK <= 0 {
		topK = r.topK
	}
	vec, err := r.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.index.Search(ctx, vec, topK, r.threshold, documentID)
}
