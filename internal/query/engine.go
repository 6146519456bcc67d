// Package query answers questions over the indexed documents: it retrieves
// matching chunks, renders them into the query prompt and asks the LLM
// gateway for an answer.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/llm"
	"github.com/kalambet/docuquery/internal/retrieval"
)

const (
	NoMatchAnswer = "I don't have any relevant information in the documents to answer this question."

	MaxQuestionLength = 1000
	MaxTopK           = 20

	contextSeparator = "\n\n---\n\n"
)

// Retriever finds chunks relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, documentID string) ([]retrieval.Match, error)
}

// Prompts supplies the system prompt and renders the query prompt.
type Prompts interface {
	Get(name string) (string, error)
	Render(name string, data map[string]any) (string, error)
}

// Completer generates the answer.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Completion, error)
}

// Request is a question to answer. TopK 0 means the configured default.
type Request struct {
	Question       string `json:"question"`
	TopK           int    `json:"top_k,omitempty"`
	IncludeSources bool   `json:"include_sources"`
}

// Validate checks the question length and the top_k range.
func (r Request) Validate() error {
	n := utf8.RuneCountInString(r.Question)
	if strings.TrimSpace(r.Question) == "" || n > MaxQuestionLength {
		return apperr.New(apperr.ErrValidation, "question must be between 1 and %d characters", MaxQuestionLength)
	}
	if r.TopK < 0 || r.TopK > MaxTopK {
		return apperr.New(apperr.ErrValidation, "top_k must be between 1 and %d", MaxTopK)
	}
	return nil
}

// Source is a chunk cited in an answer.
type Source struct {
	DocumentID     string  `json:"document_id"`
	DocumentName   string  `json:"document_name"`
	ChunkID        string  `json:"chunk_id"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
	PageNumber     *int    `json:"page_number"`
}

type Response struct {
	QueryID    string    `json:"query_id"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
	Sources    []Source  `json:"sources"`
	LatencyMS  int64     `json:"latency_ms"`
	TokensUsed int       `json:"tokens_used"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Options tune generation. Zero values select the gateway defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
	Logger      *slog.Logger
}

type Engine struct {
	retriever   Retriever
	prompts     Prompts
	llm         Completer
	temperature float64
	maxTokens   int
	logger      *slog.Logger
	now         func() time.Time
}

func New(retriever Retriever, prompts Prompts, completer Completer, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		retriever:   retriever,
		prompts:     prompts,
		llm:         completer,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		logger:      logger,
		now:         time.Now,
	}
}

// Answer runs retrieval and generation for one question. Retrieval and LLM
// errors are returned as they are.
func (e *Engine) Answer(ctx context.Context, req Request) (Response, error) {
	start := e.now()
	if err := req.Validate(); err != nil {
		return Response{}, err
	}

	e.logger.Info("processing query", "question", truncate(req.Question, 50))

	matches, err := e.retriever.Retrieve(ctx, req.Question, req.TopK, "")
	if err != nil {
		return Response{}, err
	}

	resp := Response{
		QueryID:  uuid.NewString(),
		Question: req.Question,
		Sources:  []Source{},
	}

	if len(matches) == 0 {
		e.logger.Warn("no relevant chunks found for query")
		resp.Answer = NoMatchAnswer
		resp.LatencyMS = e.now().Sub(start).Milliseconds()
		resp.Timestamp = e.now().UTC()
		return resp, nil
	}

	contextText, sources := BuildContext(matches)

	system, err := e.prompts.Get("system")
	if err != nil {
		return Response{}, err
	}
	user, err := e.prompts.Render("query", map[string]any{
		"context":  contextText,
		"question": req.Question,
	})
	if err != nil {
		return Response{}, err
	}

	temperature := e.temperature
	completion, err := e.llm.Complete(ctx, llm.Request{
		System:      system,
		User:        user,
		Temperature: &temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil {
		return Response{}, err
	}

	resp.Answer = completion.Content
	resp.TokensUsed = completion.TokensUsed
	resp.Provider = completion.Provider
	resp.Model = completion.Model
	if req.IncludeSources {
		resp.Sources = sources
	}
	resp.LatencyMS = e.now().Sub(start).Milliseconds()
	resp.Timestamp = e.now().UTC()

	e.logger.Info("query answered",
		"query_id", resp.QueryID,
		"sources", len(sources),
		"provider", resp.Provider,
		"tokens", resp.TokensUsed,
		"latency_ms", resp.LatencyMS,
	)
	return resp, nil
}

// BuildContext renders matches as numbered source blocks and returns the
// matching citations.
func BuildContext(matches []retrieval.Match) (string, []Source) {
	parts := make([]string, len(matches))
	sources := make([]Source, len(matches))
	for i, m := range matches {
		name := m.Filename()
		if name == "" {
			name = "Unknown"
		}
		parts[i] = fmt.Sprintf("[Source %d: %s]\n%s", i+1, name, m.Content)

		s := Source{
			DocumentID:     m.DocumentID(),
			DocumentName:   name,
			ChunkID:        m.ID,
			Content:        m.Content,
			RelevanceScore: float64(m.Score),
		}
		if p := m.PageNumber(); p > 0 {
			s.PageNumber = &p
		}
		sources[i] = s
	}
	return strings.Join(parts, contextSeparator), sources
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
