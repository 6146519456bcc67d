// Package ingest turns uploaded documents into indexed chunks, either inline
// or through the SQLite job queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
	"github.com/kalambet/docuquery/internal/loader"
	"github.com/kalambet/docuquery/internal/storage"
)

// JobType is the queue job type handled by Worker.
const JobType = "ingest_document"

// DocumentStore persists documents and their processing state.
type DocumentStore interface {
	SaveDocument(ctx context.Context, doc document.Document) error
	GetDocument(ctx context.Context, id string) (document.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status document.Status, chunkCount int, errMsg string) error
}

// JobQueue accepts async ingestion jobs.
type JobQueue interface {
	EnqueueJob(job storage.Job) error
}

type Chunker interface {
	Chunk(documentID, text string) []document.Chunk
}

type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type Indexer interface {
	Upsert(ctx context.Context, chunks []document.Chunk) (int, error)
}

// Request is an uploaded document. Content may be base64 or plain text.
type Request struct {
	Filename string            `json:"filename"`
	Content  string            `json:"content"`
	FileType document.Type     `json:"file_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validate checks the required fields and the declared type.
func (r Request) Validate() error {
	if r.Filename == "" {
		return apperr.New(apperr.ErrValidation, "filename is required")
	}
	if r.Content == "" {
		return apperr.New(apperr.ErrValidation, "content is required")
	}
	if _, ok := document.ParseType(string(r.FileType)); !ok {
		return apperr.New(apperr.ErrValidation, "unsupported file_type %q", r.FileType)
	}
	return nil
}

// Result reports the outcome of an ingestion.
type Result struct {
	DocumentID string          `json:"document_id"`
	Status     document.Status `json:"status"`
	Message    string          `json:"message"`
	ChunkCount int             `json:"chunk_count"`
}

// Deps wires a Pipeline. Jobs may be nil when async ingestion is unused.
type Deps struct {
	Documents DocumentStore
	Jobs      JobQueue
	Chunker   Chunker
	Embedder  Embedder
	Index     Indexer
	Logger    *slog.Logger
}

// Pipeline loads, chunks, embeds and indexes documents.
type Pipeline struct {
	docs     DocumentStore
	jobs     JobQueue
	chunker  Chunker
	embedder Embedder
	index    Indexer
	logger   *slog.Logger
}

func NewPipeline(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		docs:     d.Documents,
		jobs:     d.Jobs,
		chunker:  d.Chunker,
		embedder: d.Embedder,
		index:    d.Index,
		logger:   logger,
	}
}

// Ingest processes a document inline. Failures are reported in the Result;
// Ingest never returns an error.
func (p *Pipeline) Ingest(ctx context.Context, req Request) Result {
	p.logger.Info("loading document", "filename", req.Filename)
	doc, err := loader.Load(req.Filename, req.Content, req.FileType)
	if err != nil {
		return failedResult("", err)
	}
	doc.Metadata.Custom = req.Metadata
	res, _ := p.process(ctx, doc)
	return res
}

// IngestLoaded processes a document that was already loaded, such as one
// read from disk with loader.LoadFile.
func (p *Pipeline) IngestLoaded(ctx context.Context, doc document.Document) Result {
	res, _ := p.process(ctx, doc)
	return res
}

type jobPayload struct {
	DocumentID string `json:"document_id"`
}

// Enqueue loads and stores the document as pending, then queues an
// ingest_document job for the Worker.
func (p *Pipeline) Enqueue(ctx context.Context, req Request) Result {
	if p.jobs == nil {
		return failedResult("", errors.New("async ingestion is not configured"))
	}
	doc, err := loader.Load(req.Filename, req.Content, req.FileType)
	if err != nil {
		return failedResult("", err)
	}
	doc.Metadata.Custom = req.Metadata

	if err := p.docs.SaveDocument(ctx, doc); err != nil {
		return failedResult(doc.ID, fmt.Errorf("saving document: %w", err))
	}
	payload, err := json.Marshal(jobPayload{DocumentID: doc.ID})
	if err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("marshaling job payload: %w", err))
	}
	if err := p.jobs.EnqueueJob(storage.Job{ID: uuid.NewString(), Type: JobType, PayloadJSON: string(payload)}); err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("enqueueing job: %w", err))
	}

	p.logger.Info("document queued", "document_id", doc.ID, "filename", doc.Metadata.Filename)
	return Result{
		DocumentID: doc.ID,
		Status:     document.StatusPending,
		Message:    "Document queued for processing",
	}
}

// ProcessStored runs the pipeline on a previously stored document. Content
// errors are final and return nil so the job is not retried; anything else
// is returned for the queue to retry.
func (p *Pipeline) ProcessStored(ctx context.Context, documentID string) error {
	doc, err := p.docs.GetDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", documentID, err)
	}
	_, err = p.process(ctx, doc)
	if err != nil && !errors.Is(err, apperr.ErrDocumentProcessing) {
		return err
	}
	return nil
}

func (p *Pipeline) process(ctx context.Context, doc document.Document) (Result, error) {
	doc.Status = document.StatusProcessing
	if err := p.docs.SaveDocument(ctx, doc); err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("saving document: %w", err)), err
	}

	p.logger.Info("chunking document", "document_id", doc.ID)
	chunks := p.chunker.Chunk(doc.ID, doc.Content)
	if len(chunks) == 0 {
		err := apperr.New(apperr.ErrDocumentProcessing, "No content to process")
		return p.fail(ctx, doc.ID, err), err
	}

	p.logger.Info("generating embeddings", "document_id", doc.ID, "chunks", len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return p.fail(ctx, doc.ID, err), err
	}
	if len(vectors) != len(chunks) {
		err := apperr.New(apperr.ErrEmbedding, "got %d embeddings for %d chunks", len(vectors), len(chunks))
		return p.fail(ctx, doc.ID, err), err
	}

	var pages []pageMarker
	if doc.Metadata.FileType == document.TypePDF {
		pages = findPages(doc.Content)
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
		chunks[i].Metadata = map[string]any{
			document.KeyDocumentID: doc.ID,
			document.KeyFilename:   doc.Metadata.Filename,
			document.KeyFileType:   string(doc.Metadata.FileType),
			document.KeyChunkIndex: chunks[i].ChunkIndex,
		}
		if page := pageFor(pages, chunks[i]); page > 0 {
			chunks[i].Metadata[document.KeyPageNumber] = page
		}
	}

	if _, err := p.index.Upsert(ctx, chunks); err != nil {
		return p.fail(ctx, doc.ID, err), err
	}
	if err := p.docs.UpdateDocumentStatus(ctx, doc.ID, document.StatusIndexed, len(chunks), ""); err != nil {
		return p.fail(ctx, doc.ID, fmt.Errorf("updating status: %w", err)), err
	}

	p.logger.Info("document indexed", "document_id", doc.ID, "chunks", len(chunks))
	return Result{
		DocumentID: doc.ID,
		Status:     document.StatusIndexed,
		Message:    "Document processed successfully",
		ChunkCount: len(chunks),
	}, nil
}

// fail records the failure on the stored document and builds the Result.
func (p *Pipeline) fail(ctx context.Context, id string, cause error) Result {
	p.logger.Error("document processing failed", "document_id", id, "error", cause)
	if err := p.docs.UpdateDocumentStatus(ctx, id, document.StatusFailed, 0, cause.Error()); err != nil && !errors.Is(err, storage.ErrNotFound) {
		p.logger.Warn("could not mark document failed", "document_id", id, "error", err)
	}
	return failedResult(id, cause)
}

func failedResult(id string, cause error) Result {
	msg := "Unexpected error: " + cause.Error()
	if errors.Is(cause, apperr.ErrDocumentProcessing) {
		msg = "Processing failed: " + apperr.Message(cause)
	}
	return Result{DocumentID: id, Status: document.StatusFailed, Message: msg}
}

var pagePattern = regexp.MustCompile(`\[Page (\d+)\]`)

type pageMarker struct {
	offset int
	page   int
}

// findPages locates the "[Page n]" markers the PDF loader writes.
func findPages(text string) []pageMarker {
	var out []pageMarker
	for _, m := range pagePattern.FindAllStringSubmatchIndex(text, -1) {
		n, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil {
			continue
		}
		out = append(out, pageMarker{offset: m[0], page: n})
	}
	return out
}

// pageFor returns the page a chunk starts on: the last marker at or before
// its start, or else the first marker inside it.
func pageFor(pages []pageMarker, c document.Chunk) int {
	page := 0
	for _, pm := range pages {
		if pm.offset > c.StartChar {
			if page == 0 && pm.offset < c.EndChar {
				return pm.page
			}
			break
		}
		page = pm.page
	}
	return page
}
