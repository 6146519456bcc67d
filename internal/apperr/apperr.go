// Package apperr defines the error kinds shared across docuquery.
//
// Kinds form a tree rooted at ErrDocuQuery. A wrapped error matches its own
// kind and every ancestor, so errors.Is(err, ErrLLM) holds for a rate-limit
// failure as well as for the aggregate gateway failure.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a node in the error-kind tree.
type Kind struct {
	name   string
	code   string
	parent *Kind
}

func (k *Kind) Error() string { return k.name }

// Unwrap exposes the parent kind to errors.Is.
func (k *Kind) Unwrap() error {
	if k.parent == nil {
		return nil
	}
	return k.parent
}

// Code is the API error code for this kind, inherited from the nearest
// ancestor that defines one.
func (k *Kind) Code() string {
	for n := k; n != nil; n = n.parent {
		if n.code != "" {
			return n.code
		}
	}
	return "internal_error"
}

func newKind(name, code string, parent *Kind) *Kind {
	return &Kind{name: name, code: code, parent: parent}
}

var (
	ErrDocuQuery = newKind("docuquery error", "application_error", nil)

	ErrDocument           = newKind("document error", "", ErrDocuQuery)
	ErrDocumentNotFound   = newKind("document not found", "not_found", ErrDocument)
	ErrDocumentProcessing = newKind("document processing error", "", ErrDocument)

	ErrRetrieval   = newKind("retrieval error", "", ErrDocuQuery)
	ErrEmbedding   = newKind("embedding error", "", ErrRetrieval)
	ErrVectorStore = newKind("vector store error", "", ErrRetrieval)

	ErrLLM          = newKind("llm error", "", ErrDocuQuery)
	ErrLLMTimeout   = newKind("llm timeout", "", ErrLLM)
	ErrLLMRateLimit = newKind("llm rate limit", "", ErrLLM)
	ErrLLMProvider  = newKind("llm provider error", "", ErrLLM)

	ErrConfiguration = newKind("configuration error", "", ErrDocuQuery)
	ErrValidation    = newKind("validation error", "validation_error", ErrDocuQuery)
)

// Error is a classified error with a human-readable message.
type Error struct {
	Kind    *Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns both the kind and the cause so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an error of the given kind.
func New(kind *Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. The message is "<format>: <err>".
func Wrap(kind *Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: kind, Message: msg + ": " + err.Error(), Err: err}
}

// KindOf returns the most specific kind attached to err, or nil.
func KindOf(err error) *Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k *Kind
	if errors.As(err, &k) {
		return k
	}
	return nil
}

// Code returns the API error code for err. Unclassified errors map to
// "internal_error".
func Code(err error) string {
	if k := KindOf(err); k != nil {
		return k.Code()
	}
	return "internal_error"
}

// Message returns the message of a classified error without the kind prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}
