package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/docuquery/internal/document"
)

const documentColumns = `id, filename, file_type, file_size, page_count, status, chunk_count, error_message, metadata, created_at, updated_at`

// SaveDocument inserts or replaces a document row. Content is stored so
// queued ingestion can run from the database alone.
func (s *Store) SaveDocument(ctx context.Context, doc document.Document) error {
	custom, err := json.Marshal(doc.Metadata.Custom)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	created := doc.Metadata.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	updated := doc.Metadata.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, filename, file_type, file_size, page_count, status, chunk_count, error_message, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename, file_type = excluded.file_type, file_size = excluded.file_size,
			page_count = excluded.page_count, status = excluded.status, chunk_count = excluded.chunk_count,
			error_message = excluded.error_message, content = excluded.content, metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Metadata.Filename, string(doc.Metadata.FileType), doc.Metadata.FileSize, doc.Metadata.PageCount,
		string(doc.Status), doc.ChunkCount, doc.ErrorMessage, doc.Content, string(custom),
		created.UTC().Format(time.RFC3339Nano), updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", doc.ID, err)
	}
	return nil
}

// GetDocument returns a live document including its content. Deleted
// documents are reported as ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id string) (document.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, content FROM documents WHERE id = ? AND deleted_at IS NULL`, id)

	var content string
	doc, err := scanDocument(row, &content)
	if err == sql.ErrNoRows {
		return document.Document{}, ErrNotFound
	}
	if err != nil {
		return document.Document{}, err
	}
	doc.Content = content
	return doc, nil
}

// ListDocuments returns live documents, newest first, without content.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]document.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE deleted_at IS NULL
		ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := []document.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// CountDocuments returns the number of live documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

// UpdateDocumentStatus sets the processing status, chunk count and error
// message of a document.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id string, status document.Status, chunkCount int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), chunkCount, errMsg, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	return requireRow(res)
}

// MarkDocumentDeleted stamps deleted_at. The row is kept for auditing.
func (s *Store) MarkDocumentDeleted(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (document.Document, error) {
	var (
		d                  document.Document
		fileType, status   string
		custom             string
		createdAt, updated string
	)
	dest := []any{
		&d.ID, &d.Metadata.Filename, &fileType, &d.Metadata.FileSize, &d.Metadata.PageCount,
		&status, &d.ChunkCount, &d.ErrorMessage, &custom, &createdAt, &updated,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return document.Document{}, err
	}

	d.Metadata.FileType = document.Type(fileType)
	d.Status = document.Status(status)
	if custom != "" && custom != "null" {
		if err := json.Unmarshal([]byte(custom), &d.Metadata.Custom); err != nil {
			return document.Document{}, fmt.Errorf("decoding metadata for %s: %w", d.ID, err)
		}
	}

	var err error
	if d.Metadata.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return document.Document{}, fmt.Errorf("parsing created_at for %s: %w", d.ID, err)
	}
	if d.Metadata.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return document.Document{}, fmt.Errorf("parsing updated_at for %s: %w", d.ID, err)
	}
	return d, nil
}
