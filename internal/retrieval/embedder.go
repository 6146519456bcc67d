package retrieval

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docuquery/internal/apperr"
)

// DefaultBatchSize is the largest number of texts sent in one provider call.
const DefaultBatchSize = 100

// maxConcurrentBatches bounds in-flight provider calls per EmbedBatch.
const maxConcurrentBatches = 4

// EmbeddingProvider turns a batch of texts into vectors, one per text, in
// input order.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder splits work into provider-sized batches and classifies failures
// as apperr.ErrEmbedding. It does not retry.
type Embedder struct {
	provider  EmbeddingProvider
	batchSize int
}

// NewEmbedder creates an Embedder. A non-positive batchSize selects
// DefaultBatchSize.
func NewEmbedder(p EmbeddingProvider, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{provider: p, batchSize: batchSize}
}

// Provider returns the name of the underlying provider.
func (e *Embedder) Provider() string { return e.provider.Name() }

// EmbedText returns the embedding vector for a single text.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrEmbedding, err, "Failed to generate embedding")
	}
	if len(vecs) != 1 {
		return nil, apperr.New(apperr.ErrEmbedding, "Failed to generate embedding: provider returned %d vectors", len(vecs))
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order. Sub-batches run concurrently; the first
// failure cancels the rest and no partial result is returned.
// Returns nil (not error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := e.provider.Embed(gCtx, texts[start:end])
			if err != nil {
				return apperr.Wrap(apperr.ErrEmbedding, err, "Failed to generate batch embeddings")
			}
			if len(vecs) != end-start {
				return apperr.New(apperr.ErrEmbedding, "Failed to generate batch embeddings: got %d vectors for %d texts", len(vecs), end-start)
			}
			copy(results[start:end], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// HealthCheck embeds a short probe text.
func (e *Embedder) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedText(ctx, "health check")
	return err
}
