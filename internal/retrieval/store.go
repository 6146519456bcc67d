package retrieval

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
)

var _ VectorIndex = (*SQLiteStore)(nil)

// SQLiteStore is the embedded VectorIndex: brute-force cosine similarity
// over little-endian float32 blobs in the chunk_vectors table.
//
// The tables come from the storage migrations; the store only records its
// collection and dimension in vector_collections on first use.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	dimension  int

	mu          sync.Mutex
	initialized bool
}

// NewSQLiteStore wraps an existing *sql.DB for vector operations.
func NewSQLiteStore(db *sql.DB, collection string, dimension int) *SQLiteStore {
	return &SQLiteStore{db: db, collection: collection, dimension: dimension}
}

// Initialize registers the collection, or checks that a registered one has
// the configured dimension.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dimension FROM vector_collections WHERE name = ?`, s.collection).Scan(&dim)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO vector_collections (name, dimension, distance, created_at) VALUES (?, ?, 'cosine', ?)`,
			s.collection, s.dimension, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return apperr.Wrap(apperr.ErrVectorStore, err, "Failed to initialize collection %s", s.collection)
		}
	case err != nil:
		return apperr.Wrap(apperr.ErrVectorStore, err, "Failed to initialize collection %s", s.collection)
	case dim != s.dimension:
		return apperr.New(apperr.ErrVectorStore, "collection %s has dimension %d, configured %d", s.collection, dim, s.dimension)
	}

	s.initialized = true
	return nil
}

// Upsert inserts or replaces chunk vectors in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, chunks []document.Chunk) (int, error) {
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to upsert chunks")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunk_vectors (id, collection, document_id, chunk_index, content, payload, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id, chunk_index = excluded.chunk_index, content = excluded.content,
			payload = excluded.payload, embedding = excluded.embedding`)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to upsert chunks")
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	written := 0
	for _, c := range chunks {
		if c.Embedding == nil {
			continue
		}
		if len(c.Embedding) != s.dimension {
			return 0, apperr.New(apperr.ErrVectorStore, "chunk %s has dimension %d, collection expects %d", c.ID, len(c.Embedding), s.dimension)
		}
		payload := payloadFor(c)
		delete(payload, document.KeyContent)
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, apperr.Wrap(apperr.ErrVectorStore, err, "encoding payload for chunk %s", c.ID)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, s.collection, c.DocumentID, c.ChunkIndex, c.Content, string(raw), encodeFloat32s(c.Embedding), now); err != nil {
			return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to upsert chunk %s", c.ID)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to upsert chunks")
	}
	return written, nil
}

// idScore holds only the ID and score during the scan phase of Search.
// Full rows are fetched only for the top-K winners.
type idScore struct {
	ID    string
	Score float32
}

// Search scans every vector in the collection (optionally one document) and
// keeps the best topK at or above threshold in a min-heap.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, threshold float32, documentID string) ([]Match, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query := `SELECT id, embedding FROM chunk_vectors WHERE collection = ?`
	args := []any{s.collection}
	if documentID != "" {
		query += ` AND document_id = ?`
		args = append(args, documentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to search vectors")
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reused across rows to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, apperr.Wrap(apperr.ErrVectorStore, err, "scanning row")
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrVectorStore, err, "decoding embedding for %s", id)
		}

		score := dotProduct(vector, buf, queryNorm)
		if score < threshold {
			continue
		}
		if h.Len() < topK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "iterating rows")
	}
	rows.Close()

	if h.Len() == 0 {
		return nil, nil
	}

	topIDs := make([]any, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	fullRows, err := s.db.QueryContext(ctx,
		`SELECT id, content, payload FROM chunk_vectors WHERE id IN (?`+strings.Repeat(",?", len(topIDs)-1)+`)`,
		topIDs...)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "fetching top-K records")
	}
	defer fullRows.Close()

	results := make([]Match, 0, len(topIDs))
	for fullRows.Next() {
		var id, content, raw string
		if err := fullRows.Scan(&id, &content, &raw); err != nil {
			return nil, apperr.Wrap(apperr.ErrVectorStore, err, "scanning full record")
		}
		payload := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, apperr.Wrap(apperr.ErrVectorStore, err, "decoding payload for %s", id)
		}
		payload[document.KeyContent] = content
		results = append(results, matchFromPayload(id, scores[id], payload))
	}
	if err := fullRows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ErrVectorStore, err, "iterating full records")
	}

	// IN does not preserve order.
	sortByScore(results)
	return results, nil
}

// sortByScore sorts matches by Score descending. Used for small slices (topK).
func sortByScore(results []Match) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// DeleteByDocument removes every vector of a document.
func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	if err := s.Initialize(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunk_vectors WHERE collection = ? AND document_id = ?`, s.collection, documentID)
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to delete document %s", documentID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to delete document %s", documentID)
	}
	return int(n), nil
}

// Stats counts the vectors in the collection.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.Initialize(ctx); err != nil {
		return Stats{}, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunk_vectors WHERE collection = ?`, s.collection).Scan(&count); err != nil {
		return Stats{}, apperr.Wrap(apperr.ErrVectorStore, err, "Failed to get collection stats")
	}
	return Stats{
		Name:         s.collection,
		VectorsCount: count,
		PointsCount:  count,
		Status:       "green",
		Dimension:    s.dimension,
		Backend:      "sqlite",
	}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return apperr.Wrap(apperr.ErrVectorStore, err, "vector store unreachable")
	}
	return nil
}

// Close is a no-op; the database handle belongs to storage.Store.
func (s *SQLiteStore) Close() error { return nil }

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when
// needed. A length that is not a multiple of 4 means corruption.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
