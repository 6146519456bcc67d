// Package service is the composition root of DocuQuery. It exposes the
// operations used by the HTTP API, the MCP server and the CLI.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/loader"
	"github.com/kalambet/docuquery/internal/query"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/storage"
)

// Component status values reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) ingest.Result
	IngestLoaded(ctx context.Context, doc document.Document) ingest.Result
	Enqueue(ctx context.Context, req ingest.Request) ingest.Result
}

type Answerer interface {
	Answer(ctx context.Context, req query.Request) (query.Response, error)
}

type Searcher interface {
	Retrieve(ctx context.Context, query string, topK int, documentID string) ([]retrieval.Match, error)
}

// DocumentStore is the subset of *storage.Store the service reads and
// soft-deletes through.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (document.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]document.Document, error)
	CountDocuments(ctx context.Context) (int, error)
	MarkDocumentDeleted(ctx context.Context, id string) error
}

type Index interface {
	DeleteByDocument(ctx context.Context, documentID string) (int, error)
	Stats(ctx context.Context) (retrieval.Stats, error)
	Ping(ctx context.Context) error
}

// LLMStatus reports provider reachability and breaker states.
type LLMStatus interface {
	HealthCheck(ctx context.Context) map[string]bool
	BreakerStates() map[string]string
}

type EmbeddingStatus interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires a Service. Every field except Logger and Version is required.
type Deps struct {
	Ingest     Ingester
	Query      Answerer
	Search     Searcher
	Documents  DocumentStore
	Index      Index
	LLM        LLMStatus
	Embeddings EmbeddingStatus
	Logger     *slog.Logger
	Version    string
}

type Service struct {
	ingest     Ingester
	query      Answerer
	search     Searcher
	docs       DocumentStore
	index      Index
	llm        LLMStatus
	embeddings EmbeddingStatus
	logger     *slog.Logger
	version    string
	now        func() time.Time
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	return &Service{
		ingest:     d.Ingest,
		query:      d.Query,
		search:     d.Search,
		docs:       d.Documents,
		index:      d.Index,
		llm:        d.LLM,
		embeddings: d.Embeddings,
		logger:     logger,
		version:    version,
		now:        time.Now,
	}
}

// Version is the build version reported by HealthCheck.
func (s *Service) Version() string { return s.version }

// IngestDocument validates and processes a document inline.
func (s *Service) IngestDocument(ctx context.Context, req ingest.Request) ingest.Result {
	if err := req.Validate(); err != nil {
		return ingest.Result{Status: document.StatusFailed, Message: apperr.Message(err)}
	}
	return s.ingest.Ingest(ctx, req)
}

// IngestFile loads a document from disk and processes it inline. metadata
// is attached to the document as custom fields.
func (s *Service) IngestFile(ctx context.Context, path string, metadata map[string]string) ingest.Result {
	doc, err := loader.LoadFile(path)
	if err != nil {
		return ingest.Result{Status: document.StatusFailed, Message: "Processing failed: " + apperr.Message(err)}
	}
	if len(metadata) > 0 {
		if doc.Metadata.Custom == nil {
			doc.Metadata.Custom = map[string]string{}
		}
		for k, v := range metadata {
			doc.Metadata.Custom[k] = v
		}
	}
	return s.ingest.IngestLoaded(ctx, doc)
}

// EnqueueDocument validates a document, persists it as pending and queues
// it for the worker.
func (s *Service) EnqueueDocument(ctx context.Context, req ingest.Request) ingest.Result {
	if err := req.Validate(); err != nil {
		return ingest.Result{Status: document.StatusFailed, Message: apperr.Message(err)}
	}
	return s.ingest.Enqueue(ctx, req)
}

func (s *Service) AnswerQuestion(ctx context.Context, req query.Request) (query.Response, error) {
	return s.query.Answer(ctx, req)
}

// Search returns the chunks most similar to q without calling the LLM.
func (s *Service) Search(ctx context.Context, q string, limit int, documentID string) ([]query.Source, error) {
	if strings.TrimSpace(q) == "" {
		return nil, apperr.New(apperr.ErrValidation, "query is required")
	}
	if limit < 0 || limit > query.MaxTopK {
		return nil, apperr.New(apperr.ErrValidation, "limit must be between 1 and %d", query.MaxTopK)
	}
	matches, err := s.search.Retrieve(ctx, q, limit, documentID)
	if err != nil {
		return nil, err
	}
	_, sources := query.BuildContext(matches)
	return sources, nil
}

// DocumentInfo is the stored view of a document, without its content.
type DocumentInfo struct {
	ID           string            `json:"id"`
	Filename     string            `json:"filename"`
	FileType     document.Type     `json:"file_type"`
	FileSize     int               `json:"file_size"`
	PageCount    int               `json:"page_count,omitempty"`
	Status       document.Status   `json:"status"`
	ChunkCount   int               `json:"chunk_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func infoFrom(d document.Document) DocumentInfo {
	return DocumentInfo{
		ID:           d.ID,
		Filename:     d.Metadata.Filename,
		FileType:     d.Metadata.FileType,
		FileSize:     d.Metadata.FileSize,
		PageCount:    d.Metadata.PageCount,
		Status:       d.Status,
		ChunkCount:   d.ChunkCount,
		ErrorMessage: d.ErrorMessage,
		Metadata:     d.Metadata.Custom,
		CreatedAt:    d.Metadata.CreatedAt,
		UpdatedAt:    d.Metadata.UpdatedAt,
	}
}

func (s *Service) GetDocument(ctx context.Context, id string) (DocumentInfo, error) {
	doc, err := s.docs.GetDocument(ctx, id)
	if err != nil {
		return DocumentInfo{}, notFound(err, id)
	}
	return infoFrom(doc), nil
}

// DocumentPage is one page of ListDocuments.
type DocumentPage struct {
	Documents []DocumentInfo `json:"documents"`
	Total     int            `json:"total"`
	Limit     int            `json:"limit"`
	Offset    int            `json:"offset"`
}

func (s *Service) ListDocuments(ctx context.Context, limit, offset int) (DocumentPage, error) {
	docs, err := s.docs.ListDocuments(ctx, limit, offset)
	if err != nil {
		return DocumentPage{}, err
	}
	total, err := s.docs.CountDocuments(ctx)
	if err != nil {
		return DocumentPage{}, err
	}
	page := DocumentPage{
		Documents: make([]DocumentInfo, len(docs)),
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	}
	for i, d := range docs {
		page.Documents[i] = infoFrom(d)
	}
	return page, nil
}

// DeleteDocument removes a document's chunks from the index and marks the
// stored document deleted. It returns the number of chunks removed.
func (s *Service) DeleteDocument(ctx context.Context, id string) (int, error) {
	if _, err := s.docs.GetDocument(ctx, id); err != nil {
		return 0, notFound(err, id)
	}

	n, err := s.index.DeleteByDocument(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := s.docs.MarkDocumentDeleted(ctx, id); err != nil {
		return n, notFound(err, id)
	}

	s.logger.Info("document deleted", "document_id", id, "chunks", n)
	return n, nil
}

func (s *Service) CollectionStats(ctx context.Context) (retrieval.Stats, error) {
	return s.index.Stats(ctx)
}

func notFound(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.New(apperr.ErrDocumentNotFound, "Document not found: %s", id)
	}
	return err
}

// Component is the health of one dependency.
type Component struct {
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (c Component) Healthy() bool { return c.Status == StatusHealthy }

// Health is the aggregated report served on /health.
type Health struct {
	Status     string               `json:"status"`
	Components map[string]Component `json:"components"`
	Timestamp  time.Time            `json:"timestamp"`
	Version    string               `json:"version"`
}

// Ready reports whether every component is healthy.
func (h Health) Ready() bool { return h.Status == StatusHealthy }

// HealthCheck probes the vector store, the LLM providers and the embedding
// provider. It never fails; problems are reported per component.
func (s *Service) HealthCheck(ctx context.Context) Health {
	h := Health{
		Status:     StatusHealthy,
		Components: make(map[string]Component, 3),
		Timestamp:  s.now().UTC(),
		Version:    s.version,
	}

	vs := Component{Status: StatusHealthy}
	if err := s.index.Ping(ctx); err != nil {
		vs = Component{Status: StatusUnhealthy, Error: err.Error()}
	}
	h.Components["vector_store"] = vs

	providers := s.llm.HealthCheck(ctx)
	anyUp := false
	for _, ok := range providers {
		anyUp = anyUp || ok
	}
	lc := Component{
		Status: StatusHealthy,
		Details: map[string]any{
			"providers":        providers,
			"circuit_breakers": s.llm.BreakerStates(),
		},
	}
	if !anyUp {
		lc.Status = StatusUnhealthy
	}
	h.Components["llm"] = lc

	ec := Component{Status: StatusHealthy}
	if err := s.embeddings.HealthCheck(ctx); err != nil {
		ec = Component{Status: StatusUnhealthy, Error: err.Error()}
	}
	h.Components["embeddings"] = ec

	for name, c := range h.Components {
		if !c.Healthy() {
			h.Status = StatusDegraded
			s.logger.Warn("component unhealthy", "component", name, "error", c.Error)
		}
	}
	return h
}
