package document

import (
	"path/filepath"
	"strings"
	"time"
)

// Status is the lifecycle state of a Document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusIndexed    Status = "indexed"
	StatusFailed     Status = "failed"
)

// Type is a supported source format.
type Type string

const (
	TypePDF      Type = "pdf"
	TypeMarkdown Type = "markdown"
	TypeText     Type = "text"
	TypeHTML     Type = "html"
)

var extensions = map[string]Type{
	".pdf":      TypePDF,
	".md":       TypeMarkdown,
	".markdown": TypeMarkdown,
	".txt":      TypeText,
	".html":     TypeHTML,
	".htm":      TypeHTML,
}

// ParseType validates a declared file type.
func ParseType(s string) (Type, bool) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypePDF, TypeMarkdown, TypeText, TypeHTML:
		return t, true
	}
	return "", false
}

// TypeFromFilename maps a file extension to its Type.
func TypeFromFilename(name string) (Type, bool) {
	t, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return t, ok
}

// Metadata describes where a document came from.
type Metadata struct {
	Filename  string
	FileType  Type
	FileSize  int
	PageCount int
	CreatedAt time.Time
	UpdatedAt time.Time
	Custom    map[string]string
}

// Document is an ingested source and its processing state.
type Document struct {
	ID           string
	Content      string
	Metadata     Metadata
	Status       Status
	ChunkCount   int
	ErrorMessage string
}

// Chunk is a bounded span of a document's text.
// StartChar and EndChar are byte offsets into the source text, [start, end).
// EndChar may exceed the text length when offsets are approximate.
type Chunk struct {
	ID         string
	DocumentID string
	Content    string
	ChunkIndex int
	StartChar  int
	EndChar    int
	Metadata   map[string]any
	Embedding  []float32
}

// Payload keys written alongside every indexed chunk.
const (
	KeyDocumentID = "document_id"
	KeyContent    = "content"
	KeyChunkIndex = "chunk_index"
	KeyFilename   = "filename"
	KeyFileType   = "file_type"
	KeyPageNumber = "page_number"
)
