// Package loader turns uploaded content into plain text documents.
package loader

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/document"
)

// Load builds a pending Document from uploaded content.
//
// Content is first decoded as base64. PDF payloads are parsed to text;
// other types must decode to valid UTF-8. If base64 decoding fails the
// content is taken as plain text.
func Load(filename, content string, fileType document.Type) (document.Document, error) {
	text, size, pages, err := decode(content, fileType)
	if err != nil {
		return document.Document{}, apperr.Wrap(apperr.ErrDocumentProcessing, err, "failed to process document")
	}
	return newDocument(filename, fileType, text, size, pages), nil
}

// LoadFile reads a document from disk. The type is derived from the file extension.
func LoadFile(path string) (document.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return document.Document{}, apperr.New(apperr.ErrDocumentProcessing, "File not found: %s", path)
	}
	fileType, ok := document.TypeFromFilename(path)
	if !ok {
		return document.Document{}, apperr.New(apperr.ErrDocumentProcessing, "Unsupported file type: %s", strings.ToLower(filepath.Ext(path)))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, apperr.Wrap(apperr.ErrDocumentProcessing, err, "reading %s", path)
	}

	text, pages, err := extract(raw, fileType)
	if err != nil {
		return document.Document{}, err
	}
	return newDocument(filepath.Base(path), fileType, text, int(info.Size()), pages), nil
}

func newDocument(filename string, fileType document.Type, text string, size, pages int) document.Document {
	now := time.Now().UTC()
	return document.Document{
		ID:      uuid.NewString(),
		Content: text,
		Metadata: document.Metadata{
			Filename:  filename,
			FileType:  fileType,
			FileSize:  size,
			PageCount: pages,
			CreatedAt: now,
			UpdatedAt: now,
		},
		Status: document.StatusPending,
	}
}

func decode(content string, fileType document.Type) (text string, size, pages int, err error) {
	raw, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(content))
	if decErr != nil || len(raw) == 0 {
		return content, len(content), 0, nil
	}
	if fileType != document.TypePDF && !utf8.Valid(raw) {
		return content, len(content), 0, nil
	}

	text, pages, err = extract(raw, fileType)
	if err != nil {
		if fileType == document.TypePDF {
			return "", 0, 0, err
		}
		return content, len(content), 0, nil
	}
	return text, len(raw), pages, nil
}

func extract(raw []byte, fileType document.Type) (string, int, error) {
	switch fileType {
	case document.TypePDF:
		return parsePDF(raw)
	case document.TypeHTML:
		text, err := htmlToText(raw)
		return text, 0, err
	default:
		if !utf8.Valid(raw) {
			return "", 0, apperr.New(apperr.ErrDocumentProcessing, "content is not valid UTF-8")
		}
		return string(raw), 0, nil
	}
}

// parsePDF extracts text page by page as "[Page n]\n<text>" blocks joined by
// a blank line. Pages without text are skipped.
func parsePDF(raw []byte) (text string, pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.New(apperr.ErrDocumentProcessing, "Failed to parse PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", 0, apperr.Wrap(apperr.ErrDocumentProcessing, err, "Failed to parse PDF")
	}

	n := r.NumPage()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pt, err := page.GetPlainText(nil)
		if err != nil {
			return "", 0, apperr.Wrap(apperr.ErrDocumentProcessing, err, "Failed to parse PDF page %d", i)
		}
		if strings.TrimSpace(pt) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[Page %d]\n%s", i, pt))
	}
	return strings.Join(parts, "\n\n"), n, nil
}
