package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/config"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/query"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/storage"
)

type mockIngester struct {
	calls    int
	enqueued int
	loaded   []document.Document
}

func (m *mockIngester) IngestLoaded(_ context.Context, doc document.Document) ingest.Result {
	m.loaded = append(m.loaded, doc)
	return ingest.Result{DocumentID: doc.ID, Status: document.StatusIndexed, ChunkCount: 1}
}

func (m *mockIngester) Ingest(_ context.Context, req ingest.Request) ingest.Result {
	m.calls++
	return ingest.Result{DocumentID: "doc-1", Status: document.StatusIndexed, ChunkCount: 2}
}

func (m *mockIngester) Enqueue(_ context.Context, req ingest.Request) ingest.Result {
	m.enqueued++
	return ingest.Result{DocumentID: "doc-1", Status: document.StatusPending}
}

type mockAnswerer struct {
	resp query.Response
	err  error
}

func (m *mockAnswerer) Answer(_ context.Context, req query.Request) (query.Response, error) {
	return m.resp, m.err
}

type mockSearcher struct {
	matches []retrieval.Match
	gotTopK int
	gotDoc  string
}

func (m *mockSearcher) Retrieve(_ context.Context, _ string, topK int, documentID string) ([]retrieval.Match, error) {
	m.gotTopK = topK
	m.gotDoc = documentID
	return m.matches, nil
}

type mockIndex struct {
	deleted   []string
	deleteN   int
	deleteErr error
	pingErr   error
	stats     retrieval.Stats
}

func (m *mockIndex) DeleteByDocument(_ context.Context, id string) (int, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.deleted = append(m.deleted, id)
	return m.deleteN, nil
}

func (m *mockIndex) Stats(context.Context) (retrieval.Stats, error) { return m.stats, nil }
func (m *mockIndex) Ping(context.Context) error                     { return m.pingErr }

type mockLLM struct {
	providers map[string]bool
}

func (m *mockLLM) HealthCheck(context.Context) map[string]bool { return m.providers }
func (m *mockLLM) BreakerStates() map[string]string {
	out := map[string]string{}
	for name := range m.providers {
		out[name] = "closed"
	}
	return out
}

type mockEmbeddings struct{ err error }

func (m *mockEmbeddings) HealthCheck(context.Context) error { return m.err }

type fixture struct {
	svc      *Service
	store    *storage.Store
	ingester *mockIngester
	searcher *mockSearcher
	index    *mockIndex
	llm      *mockLLM
	embed    *mockEmbeddings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		ingester: &mockIngester{},
		searcher: &mockSearcher{},
		index:    &mockIndex{},
		llm:      &mockLLM{providers: map[string]bool{"openai": true}},
		embed:    &mockEmbeddings{},
	}
	f.svc = New(Deps{
		Ingest:     f.ingester,
		Query:      &mockAnswerer{},
		Search:     f.searcher,
		Documents:  store,
		Index:      f.index,
		LLM:        f.llm,
		Embeddings: f.embed,
		Version:    "test",
	})
	return f
}

func (f *fixture) saveDoc(t *testing.T, id string) {
	t.Helper()
	err := f.store.SaveDocument(context.Background(), document.Document{
		ID:      id,
		Content: "hello",
		Status:  document.StatusIndexed,
		Metadata: document.Metadata{
			Filename: id + ".txt",
			FileType: document.TypeText,
			FileSize: 5,
		},
		ChunkCount: 3,
	})
	if err != nil {
		t.Fatalf("saving document: %v", err)
	}
}

func TestIngestDocument_ValidationSkipsPipeline(t *testing.T) {
	f := newFixture(t)

	res := f.svc.IngestDocument(context.Background(), ingest.Request{Filename: "a.txt", FileType: document.TypeText})
	if res.Status != document.StatusFailed {
		t.Errorf("status = %q, want failed", res.Status)
	}
	if res.Message != "content is required" {
		t.Errorf("message = %q", res.Message)
	}
	if f.ingester.calls != 0 {
		t.Errorf("pipeline called %d times, want 0", f.ingester.calls)
	}

	res = f.svc.IngestDocument(context.Background(), ingest.Request{Filename: "a.txt", Content: "x", FileType: document.TypeText})
	if res.Status != document.StatusIndexed || f.ingester.calls != 1 {
		t.Errorf("valid request: status=%q calls=%d", res.Status, f.ingester.calls)
	}
}

func TestIngestFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.md")
	if err := os.WriteFile(path, []byte("# Guide\n\nSteps."), 0o644); err != nil {
		t.Fatal(err)
	}

	res := f.svc.IngestFile(context.Background(), path, map[string]string{"team": "docs"})
	if res.Status != document.StatusIndexed {
		t.Fatalf("status = %q (%s)", res.Status, res.Message)
	}
	if len(f.ingester.loaded) != 1 {
		t.Fatalf("loaded = %d, want 1", len(f.ingester.loaded))
	}
	doc := f.ingester.loaded[0]
	if doc.Metadata.Filename != "guide.md" || doc.Metadata.FileType != document.TypeMarkdown {
		t.Errorf("metadata = %+v", doc.Metadata)
	}
	if doc.Metadata.Custom["team"] != "docs" {
		t.Errorf("custom metadata = %v", doc.Metadata.Custom)
	}

	res = f.svc.IngestFile(context.Background(), filepath.Join(dir, "report.docx"), nil)
	if res.Status != document.StatusFailed || res.Message != "Processing failed: File not found: "+filepath.Join(dir, "report.docx") {
		t.Errorf("missing file: %+v", res)
	}
}

func TestEnqueueDocument(t *testing.T) {
	f := newFixture(t)
	res := f.svc.EnqueueDocument(context.Background(), ingest.Request{Filename: "a.md", Content: "# hi", FileType: document.TypeMarkdown})
	if res.Status != document.StatusPending {
		t.Errorf("status = %q, want pending", res.Status)
	}
	if f.ingester.enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", f.ingester.enqueued)
	}
}

func TestDeleteDocument_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.DeleteDocument(context.Background(), "missing")
	if !errors.Is(err, apperr.ErrDocumentNotFound) {
		t.Fatalf("err = %v, want ErrDocumentNotFound", err)
	}
	if apperr.Code(err) != "not_found" {
		t.Errorf("code = %q, want not_found", apperr.Code(err))
	}
	if len(f.index.deleted) != 0 {
		t.Errorf("index touched for unknown document: %v", f.index.deleted)
	}
}

func TestDeleteDocument_SoftDeletes(t *testing.T) {
	f := newFixture(t)
	f.saveDoc(t, "doc-1")
	f.index.deleteN = 3

	n, err := f.svc.DeleteDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
	if len(f.index.deleted) != 1 || f.index.deleted[0] != "doc-1" {
		t.Errorf("index deletes = %v", f.index.deleted)
	}

	if _, err := f.svc.GetDocument(context.Background(), "doc-1"); !errors.Is(err, apperr.ErrDocumentNotFound) {
		t.Errorf("GetDocument after delete: err = %v, want not found", err)
	}

	// The row stays in the table.
	var deletedAt *string
	row := f.store.DB().QueryRow(`SELECT deleted_at FROM documents WHERE id = ?`, "doc-1")
	if err := row.Scan(&deletedAt); err != nil {
		t.Fatalf("row removed: %v", err)
	}
	if deletedAt == nil {
		t.Error("deleted_at not set")
	}

	if _, err := f.svc.DeleteDocument(context.Background(), "doc-1"); !errors.Is(err, apperr.ErrDocumentNotFound) {
		t.Errorf("second delete: err = %v, want not found", err)
	}
}

// axisEmbeddings maps each query to a fixed 3-dimensional vector.
type axisEmbeddings map[string][]float32

func (axisEmbeddings) Name() string { return "axis" }

func (a axisEmbeddings) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = a[t]
	}
	return out, nil
}

func TestDeleteDocument_ChunksLeaveSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	index := retrieval.NewSQLiteStore(f.store.DB(), "test", 3)
	if err := index.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	chunk := func(id, docID string, vec []float32) document.Chunk {
		return document.Chunk{
			ID:         id,
			DocumentID: docID,
			Content:    "text of " + id,
			Metadata:   map[string]any{document.KeyDocumentID: docID, document.KeyFilename: docID + ".txt"},
			Embedding:  vec,
		}
	}
	if _, err := index.Upsert(ctx, []document.Chunk{
		chunk("a1", "doc-a", []float32{1, 0, 0}),
		chunk("a2", "doc-a", []float32{0, 0, 1}),
		chunk("b1", "doc-b", []float32{0, 1, 0}),
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	embeddings := axisEmbeddings{
		"x":   {1, 0, 0},
		"y":   {0, 1, 0},
		"z":   {0, 0, 1},
		"mix": {0.6, 0.2, 0.6},
	}
	retriever := retrieval.NewRetriever(retrieval.NewEmbedder(embeddings, 10), index, 5, -1)
	svc := New(Deps{
		Ingest:     f.ingester,
		Query:      &mockAnswerer{},
		Search:     retriever,
		Documents:  f.store,
		Index:      index,
		LLM:        f.llm,
		Embeddings: f.embed,
	})
	f.saveDoc(t, "doc-a")

	before, err := svc.Search(ctx, "x", query.MaxTopK, "")
	if err != nil {
		t.Fatalf("Search before delete: %v", err)
	}
	if len(before) != 3 || before[0].DocumentID != "doc-a" {
		t.Fatalf("sources before delete = %+v", before)
	}

	n, err := svc.DeleteDocument(ctx, "doc-a")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	for q := range embeddings {
		sources, err := svc.Search(ctx, q, query.MaxTopK, "")
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(sources) != 1 || sources[0].ChunkID != "b1" {
			t.Errorf("Search(%q) = %+v, want only b1", q, sources)
		}
		for _, src := range sources {
			if src.DocumentID == "doc-a" {
				t.Errorf("Search(%q) returned chunk %s of deleted document", q, src.ChunkID)
			}
		}
	}
}

func TestDeleteDocument_IndexFailureKeepsDocument(t *testing.T) {
	f := newFixture(t)
	f.saveDoc(t, "doc-1")
	f.index.deleteErr = apperr.New(apperr.ErrVectorStore, "qdrant down")

	if _, err := f.svc.DeleteDocument(context.Background(), "doc-1"); !errors.Is(err, apperr.ErrVectorStore) {
		t.Fatalf("err = %v, want ErrVectorStore", err)
	}
	if _, err := f.svc.GetDocument(context.Background(), "doc-1"); err != nil {
		t.Errorf("document should still be live: %v", err)
	}
}

func TestListDocuments(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"a", "b", "c"} {
		f.saveDoc(t, id)
	}

	page, err := f.svc.ListDocuments(context.Background(), 2, 0)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if page.Total != 3 {
		t.Errorf("total = %d, want 3", page.Total)
	}
	if len(page.Documents) != 2 {
		t.Errorf("len = %d, want 2", len(page.Documents))
	}
	if page.Documents[0].Filename == "" || page.Documents[0].ChunkCount != 3 {
		t.Errorf("unexpected document info: %+v", page.Documents[0])
	}
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.searcher.matches = []retrieval.Match{{
		ID:       "c1",
		Score:    0.9,
		Content:  "chunk text",
		Metadata: map[string]any{document.KeyDocumentID: "doc-1", document.KeyFilename: "a.pdf", document.KeyPageNumber: 2},
	}}

	got, err := f.svc.Search(context.Background(), "what", 3, "doc-1")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if f.searcher.gotTopK != 3 || f.searcher.gotDoc != "doc-1" {
		t.Errorf("retrieve args: topK=%d doc=%q", f.searcher.gotTopK, f.searcher.gotDoc)
	}
	if len(got) != 1 || got[0].DocumentName != "a.pdf" || got[0].PageNumber == nil || *got[0].PageNumber != 2 {
		t.Errorf("unexpected sources: %+v", got)
	}

	for _, tc := range []struct {
		q     string
		limit int
	}{{"  ", 3}, {"q", 21}, {"q", -1}} {
		if _, err := f.svc.Search(context.Background(), tc.q, tc.limit, ""); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Search(%q, %d): err = %v, want validation", tc.q, tc.limit, err)
		}
	}
}

func TestHealthCheck_Healthy(t *testing.T) {
	f := newFixture(t)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f.svc.now = func() time.Time { return fixed }

	h := f.svc.HealthCheck(context.Background())
	if h.Status != StatusHealthy || !h.Ready() {
		t.Errorf("status = %q, want healthy", h.Status)
	}
	if h.Version != "test" || !h.Timestamp.Equal(fixed) {
		t.Errorf("version=%q timestamp=%v", h.Version, h.Timestamp)
	}
	for _, name := range []string{"vector_store", "llm", "embeddings"} {
		if !h.Components[name].Healthy() {
			t.Errorf("component %s = %+v", name, h.Components[name])
		}
	}
	if _, ok := h.Components["llm"].Details["circuit_breakers"]; !ok {
		t.Error("llm component missing circuit_breakers")
	}
}

func TestHealthCheck_Degraded(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *fixture)
		component string
	}{
		{"vector store down", func(f *fixture) { f.index.pingErr = errors.New("refused") }, "vector_store"},
		{"all providers down", func(f *fixture) { f.llm.providers = map[string]bool{"openai": false, "anthropic": false} }, "llm"},
		{"no providers", func(f *fixture) { f.llm.providers = map[string]bool{} }, "llm"},
		{"embeddings down", func(f *fixture) { f.embed.err = errors.New("401") }, "embeddings"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.setup(f)
			h := f.svc.HealthCheck(context.Background())
			if h.Status != StatusDegraded {
				t.Errorf("status = %q, want degraded", h.Status)
			}
			if h.Components[tc.component].Status != StatusUnhealthy {
				t.Errorf("%s = %+v, want unhealthy", tc.component, h.Components[tc.component])
			}
		})
	}
}

func TestHealthCheck_OneProviderUpIsHealthy(t *testing.T) {
	f := newFixture(t)
	f.llm.providers = map[string]bool{"openai": false, "anthropic": true}

	h := f.svc.HealthCheck(context.Background())
	if !h.Components["llm"].Healthy() {
		t.Errorf("llm = %+v, want healthy", h.Components["llm"])
	}
}

func TestBuild_SQLite(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.DataDir = t.TempDir()
	cfg.OpenAI.APIKey = "sk-test"
	cfg.OpenAI.BaseURL = "http://127.0.0.1:1"
	cfg.Anthropic.APIKey = "ant-test"

	app, err := Build(context.Background(), cfg, nil, "test")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close()

	providers := app.Gateway.Providers()
	if len(providers) != 2 || providers[0] != "openai" || providers[1] != "anthropic" {
		t.Errorf("providers = %v, want [openai anthropic]", providers)
	}
	stats, err := app.Service.CollectionStats(context.Background())
	if err != nil {
		t.Fatalf("CollectionStats: %v", err)
	}
	if stats.Backend != "sqlite" || stats.Dimension != config.DefaultEmbeddingDimensions {
		t.Errorf("stats = %+v", stats)
	}
	if app.Worker == nil {
		t.Error("worker not built")
	}
}

func TestBuild_InvalidConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.DataDir = t.TempDir()

	_, err := Build(context.Background(), cfg, nil, "test")
	if !errors.Is(err, apperr.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}
