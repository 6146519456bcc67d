package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kalambet/docuquery/internal/document"
)

func newDoc(id string, created time.Time) document.Document {
	return document.Document{
		ID:      id,
		Content: "body of " + id,
		Metadata: document.Metadata{
			Filename:  id + ".md",
			FileType:  document.TypeMarkdown,
			FileSize:  42,
			CreatedAt: created,
			UpdatedAt: created,
			Custom:    map[string]string{"team": "docs"},
		},
		Status: document.StatusPending,
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := newDoc("doc-1", time.Now().UTC())
	if err := s.SaveDocument(ctx, doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Content != doc.Content {
		t.Errorf("Content = %q, want %q", got.Content, doc.Content)
	}
	if got.Metadata.Filename != "doc-1.md" || got.Metadata.FileType != document.TypeMarkdown {
		t.Errorf("Metadata = %+v", got.Metadata)
	}
	if got.Metadata.Custom["team"] != "docs" {
		t.Errorf("Custom = %v, want team=docs", got.Metadata.Custom)
	}
	if got.Status != document.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if !got.Metadata.CreatedAt.Equal(doc.Metadata.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.Metadata.CreatedAt, doc.Metadata.CreatedAt)
	}
}

func TestGetDocument_NotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetDocument(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDocumentStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, newDoc("doc-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := s.UpdateDocumentStatus(ctx, "doc-1", document.StatusIndexed, 7, ""); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != document.StatusIndexed || got.ChunkCount != 7 {
		t.Errorf("got status=%q chunks=%d, want indexed/7", got.Status, got.ChunkCount)
	}

	if err := s.UpdateDocumentStatus(ctx, "missing", document.StatusFailed, 0, "x"); err != ErrNotFound {
		t.Errorf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestListDocuments_NewestFirstWithPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		if err := s.SaveDocument(ctx, newDoc(fmt.Sprintf("doc-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveDocument: %v", err)
		}
	}

	page, err := s.ListDocuments(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(page) != 2 || page[0].ID != "doc-4" || page[1].ID != "doc-3" {
		t.Fatalf("first page = %v", ids(page))
	}
	if page[0].Content != "" {
		t.Errorf("list should not load content, got %q", page[0].Content)
	}

	page, err = s.ListDocuments(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(page) != 1 || page[0].ID != "doc-0" {
		t.Errorf("last page = %v", ids(page))
	}

	n, err := s.CountDocuments(ctx)
	if err != nil {
		t.Fatalf("CountDocuments: %v", err)
	}
	if n != 5 {
		t.Errorf("count = %d, want 5", n)
	}
}

func TestMarkDocumentDeleted(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocument(ctx, newDoc("doc-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}
	if err := s.MarkDocumentDeleted(ctx, "doc-1"); err != nil {
		t.Fatalf("MarkDocumentDeleted: %v", err)
	}

	if _, err := s.GetDocument(ctx, "doc-1"); err != ErrNotFound {
		t.Errorf("GetDocument after delete err = %v, want ErrNotFound", err)
	}
	if err := s.MarkDocumentDeleted(ctx, "doc-1"); err != ErrNotFound {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}

	// The row itself is kept.
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM documents WHERE id = 'doc-1' AND deleted_at IS NOT NULL`).Scan(&count); err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	if count != 1 {
		t.Errorf("deleted row count = %d, want 1", count)
	}
}

func ids(docs []document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
