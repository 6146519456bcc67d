// Package chunker splits document text into overlapping, size-bounded chunks.
//
// Splitting is recursive over an ordered separator list: text is split on the
// first separator, fragments are packed greedily into a buffer up to the
// configured size, and any packed buffer that is still too long is re-split
// with the next separator. The empty separator splits into single characters,
// which guarantees termination.
package chunker

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/docuquery/internal/document"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 50
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word, character.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Chunker is safe for concurrent use; it holds no mutable state.
type Chunker struct {
	size       int
	overlap    int
	separators []string
}

// New creates a Chunker. A non-positive size or a negative overlap selects
// the default.
func New(size, overlap int) *Chunker {
	return NewWithSeparators(size, overlap, nil)
}

// NewWithSeparators is New with a custom separator list.
func NewWithSeparators(size, overlap int, separators []string) *Chunker {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return &Chunker{size: size, overlap: overlap, separators: separators}
}

// Size returns the maximum chunk length in bytes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap budget in bytes.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into chunks owned by documentID. Empty or
// whitespace-only text yields nil.
//
// Offsets are located by searching forward from the previous chunk's start.
// When a chunk cannot be relocated the cursor position is used instead, so
// offsets may be approximate for heavily repeated text but never fail.
// StartChar always lies within text, but EndChar is StartChar+len(Content)
// and can then run past len(text): bound it before slicing text.
//
// Chunk IDs are derived from documentID and the chunk index, so chunking the
// same text again yields the same IDs and a retried upsert replaces points
// instead of duplicating them.
func (c *Chunker) Chunk(documentID, text string) []document.Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	parts := c.split(text, c.separators)
	chunks := make([]document.Chunk, 0, len(parts))
	cursor := 0

	for i, part := range parts {
		start := indexFrom(text, part, cursor)
		if start < 0 {
			start = cursor
		}
		chunks = append(chunks, document.Chunk{
			ID:         ChunkID(documentID, i),
			DocumentID: documentID,
			Content:    part,
			ChunkIndex: i,
			StartChar:  start,
			EndChar:    start + len(part),
		})
		cursor = max(cursor, start+1)
	}
	return chunks
}

// chunkNamespace scopes the name-based UUIDs returned by ChunkID.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("docuquery:chunk"))

// ChunkID returns the stable UUID of the index-th chunk of documentID.
func ChunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(index))).String()
}

func indexFrom(s, sub string, from int) int {
	if from > len(s) {
		return -1
	}
	i := strings.Index(s[from:], sub)
	if i < 0 {
		return -1
	}
	return from + i
}

func (c *Chunker) split(text string, separators []string) []string {
	var sep string
	var rest []string
	if len(separators) > 0 {
		sep = separators[0]
		rest = separators[1:]
	}

	var fragments []string
	if sep != "" {
		fragments = strings.Split(text, sep)
	} else {
		fragments = splitRunes(text)
	}

	var out []string
	var buf []string
	bufLen := 0

	emit := func() {
		joined := strings.Join(buf, sep)
		if len(joined) > c.size && len(rest) > 0 {
			out = append(out, c.split(joined, rest)...)
		} else {
			out = append(out, joined)
		}
	}

	for _, f := range fragments {
		if bufLen+len(f)+len(sep) > c.size && len(buf) > 0 {
			emit()
			buf = c.overlapTail(buf, sep)
			bufLen = 0
			for _, o := range buf {
				bufLen += len(o) + len(sep)
			}
		}
		buf = append(buf, f)
		bufLen += len(f) + len(sep)
	}
	if len(buf) > 0 {
		emit()
	}

	kept := out[:0]
	for _, s := range out {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	return kept
}

// overlapTail returns the longest run of trailing fragments whose joined
// length fits the overlap budget. The result never aliases frags.
func (c *Chunker) overlapTail(frags []string, sep string) []string {
	if c.overlap == 0 || len(frags) == 0 {
		return nil
	}
	var tail []string
	tailLen := 0
	for i := len(frags) - 1; i >= 0; i-- {
		f := frags[i]
		if tailLen+len(f)+len(sep) > c.overlap {
			break
		}
		tail = append([]string{f}, tail...)
		tailLen = len(strings.Join(tail, sep))
	}
	return tail
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
