package retrieval

import (
	"context"

	"github.com/kalambet/docuquery/internal/document"
)

// VectorIndex stores chunk embeddings and answers cosine similarity queries.
//
// Implementations initialize their collection lazily: every operation
// ensures the collection exists first, and a failed initialization is
// retried on the next call. Backend failures are reported as
// apperr.ErrVectorStore.
type VectorIndex interface {
	// Initialize creates the collection if it does not exist. Idempotent.
	Initialize(ctx context.Context) error

	// Upsert writes chunks that carry an embedding and returns how many were
	// written. Chunks without an embedding are skipped.
	Upsert(ctx context.Context, chunks []document.Chunk) (int, error)

	// Search returns up to topK matches with score >= threshold, best first.
	// A non-empty documentID restricts the search to that document.
	Search(ctx context.Context, vector []float32, topK int, threshold float32, documentID string) ([]Match, error)

	// DeleteByDocument removes every chunk of a document and returns the count.
	DeleteByDocument(ctx context.Context, documentID string) (int, error)

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Match is a single search hit. Metadata holds the stored payload minus
// the content field.
type Match struct {
	ID       string
	Score    float32
	Content  string
	Metadata map[string]any
}

// DocumentID returns the owning document recorded in the payload.
func (m Match) DocumentID() string {
	s, _ := m.Metadata[document.KeyDocumentID].(string)
	return s
}

// Filename returns the source filename recorded in the payload, if any.
func (m Match) Filename() string {
	s, _ := m.Metadata[document.KeyFilename].(string)
	return s
}

// PageNumber returns the page recorded in the payload, or 0.
func (m Match) PageNumber() int {
	switch v := m.Metadata[document.KeyPageNumber].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Stats describes the collection.
type Stats struct {
	Name         string `json:"collection_name"`
	VectorsCount int    `json:"vectors_count"`
	PointsCount  int    `json:"points_count"`
	Status       string `json:"status"`
	Dimension    int    `json:"dimension"`
	Backend      string `json:"backend"`
}

// payloadFor builds the stored payload for a chunk: its metadata plus the
// fixed document_id, content and chunk_index fields.
func payloadFor(c document.Chunk) map[string]any {
	p := make(map[string]any, len(c.Metadata)+3)
	for k, v := range c.Metadata {
		p[k] = v
	}
	p[document.KeyDocumentID] = c.DocumentID
	p[document.KeyContent] = c.Content
	p[document.KeyChunkIndex] = c.ChunkIndex
	return p
}

// matchFromPayload splits a payload into the Match content and metadata.
func matchFromPayload(id string, score float32, payload map[string]any) Match {
	content, _ := payload[document.KeyContent].(string)
	meta := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != document.KeyContent {
			meta[k] = v
		}
	}
	return Match{ID: id, Score: score, Content: content, Metadata: meta}
}
