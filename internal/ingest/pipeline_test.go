package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/chunker"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/storage"
)

type mockEmbedder struct {
	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.embedFn != nil {
		return m.embedFn(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1, 0}
	}
	return out, nil
}

type mockIndexer struct {
	mu     sync.Mutex
	chunks []document.Chunk
	err    error
}

func (m *mockIndexer) Upsert(_ context.Context, chunks []document.Chunk) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunks...)
	return len(chunks), nil
}

func newTestPipeline(t *testing.T, emb Embedder, idx Indexer) (*Pipeline, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	if emb == nil {
		emb = &mockEmbedder{}
	}
	p := NewPipeline(Deps{
		Documents: store,
		Jobs:      store,
		Chunker:   chunker.New(100, 10),
		Embedder:  emb,
		Index:     idx,
	})
	return p, store
}

const sampleMarkdown = "# Guide\n\nDocuQuery answers questions about your documents.\n\nIt splits text into chunks, embeds them and stores the vectors for search."

func TestIngest_Success(t *testing.T) {
	idx := &mockIndexer{}
	p, store := newTestPipeline(t, nil, idx)

	res := p.Ingest(context.Background(), Request{
		Filename: "guide.md",
		Content:  base64.StdEncoding.EncodeToString([]byte(sampleMarkdown)),
		FileType: document.TypeMarkdown,
		Metadata: map[string]string{"team": "docs"},
	})

	if res.Status != document.StatusIndexed {
		t.Fatalf("status = %q (%s), want indexed", res.Status, res.Message)
	}
	if res.ChunkCount == 0 || res.ChunkCount != len(idx.chunks) {
		t.Fatalf("chunk count = %d, indexed %d", res.ChunkCount, len(idx.chunks))
	}
	if res.Message != "Document processed successfully" {
		t.Errorf("message = %q", res.Message)
	}

	c := idx.chunks[0]
	if c.Metadata[document.KeyDocumentID] != res.DocumentID {
		t.Errorf("document_id metadata = %v, want %s", c.Metadata[document.KeyDocumentID], res.DocumentID)
	}
	if c.Metadata[document.KeyFilename] != "guide.md" || c.Metadata[document.KeyFileType] != "markdown" {
		t.Errorf("unexpected metadata %v", c.Metadata)
	}
	if len(c.Embedding) != 3 {
		t.Errorf("embedding not attached")
	}
	if _, ok := c.Metadata[document.KeyPageNumber]; ok {
		t.Error("page_number set for a non-PDF document")
	}

	doc, err := store.GetDocument(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != document.StatusIndexed || doc.ChunkCount != res.ChunkCount {
		t.Errorf("stored status=%q chunks=%d", doc.Status, doc.ChunkCount)
	}
	if doc.Content != sampleMarkdown {
		t.Errorf("stored content was not decoded")
	}
	if doc.Metadata.Custom["team"] != "docs" {
		t.Errorf("custom metadata lost: %v", doc.Metadata.Custom)
	}
}

func TestIngest_NoContent(t *testing.T) {
	p, store := newTestPipeline(t, nil, &mockIndexer{})

	res := p.Ingest(context.Background(), Request{Filename: "blank.txt", Content: "   \n\n  ", FileType: document.TypeText})

	if res.Status != document.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Message != "Processing failed: No content to process" {
		t.Errorf("message = %q", res.Message)
	}

	doc, err := store.GetDocument(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != document.StatusFailed || doc.ErrorMessage != "No content to process" {
		t.Errorf("stored status=%q error=%q", doc.Status, doc.ErrorMessage)
	}
}

func TestIngest_InvalidPDF(t *testing.T) {
	p, _ := newTestPipeline(t, nil, &mockIndexer{})

	res := p.Ingest(context.Background(), Request{
		Filename: "broken.pdf",
		Content:  base64.StdEncoding.EncodeToString([]byte("not a pdf")),
		FileType: document.TypePDF,
	})
	if res.Status != document.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if !strings.HasPrefix(res.Message, "Processing failed: ") {
		t.Errorf("message = %q", res.Message)
	}
	if res.DocumentID != "" {
		t.Errorf("document id = %q for a document that never loaded", res.DocumentID)
	}
}

func TestIngest_EmbeddingFailure(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, apperr.New(apperr.ErrEmbedding, "provider unavailable")
	}}
	idx := &mockIndexer{}
	p, store := newTestPipeline(t, emb, idx)

	res := p.Ingest(context.Background(), Request{Filename: "a.txt", Content: sampleMarkdown, FileType: document.TypeText})

	if res.Status != document.StatusFailed {
		t.Fatalf("status = %q, want failed", res.Status)
	}
	if res.Message != "Unexpected error: provider unavailable" {
		t.Errorf("message = %q", res.Message)
	}
	if len(idx.chunks) != 0 {
		t.Error("chunks indexed after embedding failure")
	}
	doc, _ := store.GetDocument(context.Background(), res.DocumentID)
	if doc.Status != document.StatusFailed {
		t.Errorf("stored status = %q, want failed", doc.Status)
	}
}

func TestIngest_IndexFailure(t *testing.T) {
	idx := &mockIndexer{err: apperr.New(apperr.ErrVectorStore, "index down")}
	p, _ := newTestPipeline(t, nil, idx)

	res := p.Ingest(context.Background(), Request{Filename: "a.txt", Content: sampleMarkdown, FileType: document.TypeText})
	if res.Status != document.StatusFailed || res.Message != "Unexpected error: index down" {
		t.Errorf("got %+v", res)
	}
}

func TestEnqueue_ProcessedByWorker(t *testing.T) {
	idx := &mockIndexer{}
	p, store := newTestPipeline(t, nil, idx)
	ctx := context.Background()

	res := p.Enqueue(ctx, Request{Filename: "guide.md", Content: sampleMarkdown, FileType: document.TypeMarkdown})
	if res.Status != document.StatusPending {
		t.Fatalf("status = %q (%s), want pending", res.Status, res.Message)
	}

	doc, err := store.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != document.StatusPending {
		t.Errorf("stored status = %q, want pending", doc.Status)
	}

	w := NewWorker(store, p, 0, nil)
	didWork, err := w.RunOnce(ctx)
	if err != nil || !didWork {
		t.Fatalf("RunOnce = %v, %v", didWork, err)
	}

	doc, err = store.GetDocument(ctx, res.DocumentID)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Status != document.StatusIndexed || doc.ChunkCount == 0 {
		t.Errorf("after worker: status=%q chunks=%d", doc.Status, doc.ChunkCount)
	}
	if len(idx.chunks) != doc.ChunkCount {
		t.Errorf("indexed %d chunks, document records %d", len(idx.chunks), doc.ChunkCount)
	}
}

func TestEnqueue_WithoutQueue(t *testing.T) {
	p := NewPipeline(Deps{Documents: openTestStore(t), Chunker: chunker.New(0, 0), Embedder: &mockEmbedder{}, Index: &mockIndexer{}})
	res := p.Enqueue(context.Background(), Request{Filename: "a.txt", Content: "x", FileType: document.TypeText})
	if res.Status != document.StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
}

func TestProcessStored_ContentErrorIsFinal(t *testing.T) {
	p, store := newTestPipeline(t, nil, &mockIndexer{})
	ctx := context.Background()
	doc := document.Document{ID: "empty", Content: "  ", Status: document.StatusPending,
		Metadata: document.Metadata{Filename: "e.txt", FileType: document.TypeText}}
	if err := store.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := p.ProcessStored(ctx, "empty"); err != nil {
		t.Errorf("ProcessStored = %v, want nil for a content error", err)
	}
	got, _ := store.GetDocument(ctx, "empty")
	if got.Status != document.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestProcessStored_TransientErrorRetried(t *testing.T) {
	emb := &mockEmbedder{embedFn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("connection refused")
	}}
	p, store := newTestPipeline(t, emb, &mockIndexer{})
	ctx := context.Background()
	doc := document.Document{ID: "d", Content: sampleMarkdown, Status: document.StatusPending,
		Metadata: document.Metadata{Filename: "d.txt", FileType: document.TypeText}}
	if err := store.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := p.ProcessStored(ctx, "d"); err == nil {
		t.Error("ProcessStored = nil, want error so the job is retried")
	}
	if err := p.ProcessStored(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing document: err = %v, want ErrNotFound", err)
	}
}

// statusOnceFailing fails the first attempt to mark a document indexed.
type statusOnceFailing struct {
	*storage.Store
	failed bool
}

func (s *statusOnceFailing) UpdateDocumentStatus(ctx context.Context, id string, status document.Status, chunkCount int, errMsg string) error {
	if status == document.StatusIndexed && !s.failed {
		s.failed = true
		return errors.New("database is locked")
	}
	return s.Store.UpdateDocumentStatus(ctx, id, status, chunkCount, errMsg)
}

func TestProcessStored_RetryAfterStatusFailureKeepsOnePointPerChunk(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	index := retrieval.NewSQLiteStore(store.DB(), "test", 3)
	if err := index.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	docs := &statusOnceFailing{Store: store}
	p := NewPipeline(Deps{
		Documents: docs,
		Jobs:      store,
		Chunker:   chunker.New(100, 10),
		Embedder:  &mockEmbedder{},
		Index:     index,
	})

	doc := document.Document{ID: "d", Content: sampleMarkdown, Status: document.StatusPending,
		Metadata: document.Metadata{Filename: "d.md", FileType: document.TypeMarkdown}}
	if err := store.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	if err := p.ProcessStored(ctx, "d"); err == nil {
		t.Fatal("first ProcessStored = nil, want the status error so the job is retried")
	}
	if err := p.ProcessStored(ctx, "d"); err != nil {
		t.Fatalf("retried ProcessStored: %v", err)
	}

	got, err := store.GetDocument(ctx, "d")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != document.StatusIndexed || got.ChunkCount == 0 {
		t.Fatalf("stored status=%q chunks=%d", got.Status, got.ChunkCount)
	}
	stats, err := index.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.PointsCount != got.ChunkCount {
		t.Errorf("index holds %d points for %d chunks", stats.PointsCount, got.ChunkCount)
	}
}

func TestIngestLoaded_PDFPageNumbers(t *testing.T) {
	idx := &mockIndexer{}
	p, _ := newTestPipeline(t, nil, idx)

	text := "[Page 1]\n" + strings.Repeat("alpha ", 20) + "\n\n[Page 2]\n" + strings.Repeat("beta ", 20)
	doc := document.Document{ID: "pdf-1", Content: text, Status: document.StatusPending,
		Metadata: document.Metadata{Filename: "book.pdf", FileType: document.TypePDF}}

	res := p.IngestLoaded(context.Background(), doc)
	if res.Status != document.StatusIndexed {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	first := idx.chunks[0].Metadata[document.KeyPageNumber]
	last := idx.chunks[len(idx.chunks)-1].Metadata[document.KeyPageNumber]
	if first != 1 || last != 2 {
		t.Errorf("page numbers first=%v last=%v, want 1 and 2", first, last)
	}
}

func TestPageFor(t *testing.T) {
	pages := findPages("intro [Page 1]\nabc\n\n[Page 2]\ndef")
	if len(pages) != 2 {
		t.Fatalf("found %d markers, want 2", len(pages))
	}
	tests := []struct {
		start, end int
		want       int
	}{
		{0, 5, 0},
		{0, 20, 1},
		{6, 10, 1},
		{pages[1].offset, pages[1].offset + 5, 2},
		{pages[1].offset + 3, pages[1].offset + 8, 2},
	}
	for _, tt := range tests {
		got := pageFor(pages, document.Chunk{StartChar: tt.start, EndChar: tt.end})
		if got != tt.want {
			t.Errorf("pageFor(%d,%d) = %d, want %d", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestRequest_Validate(t *testing.T) {
	ok := Request{Filename: "a.md", Content: "x", FileType: document.TypeMarkdown}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid request: %v", err)
	}
	for _, r := range []Request{
		{Content: "x", FileType: document.TypeText},
		{Filename: "a", FileType: document.TypeText},
		{Filename: "a", Content: "x", FileType: "docx"},
	} {
		if err := r.Validate(); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Validate(%+v) = %v, want validation error", r, err)
		}
	}
}
