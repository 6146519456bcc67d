// Package api serves DocuQuery over HTTP (chi) and MCP (stdio).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/query"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/service"
)

// Service is the application surface the handlers call.
type Service interface {
	IngestDocument(ctx context.Context, req ingest.Request) ingest.Result
	EnqueueDocument(ctx context.Context, req ingest.Request) ingest.Result
	AnswerQuestion(ctx context.Context, req query.Request) (query.Response, error)
	Search(ctx context.Context, q string, limit int, documentID string) ([]query.Source, error)
	GetDocument(ctx context.Context, id string) (service.DocumentInfo, error)
	ListDocuments(ctx context.Context, limit, offset int) (service.DocumentPage, error)
	DeleteDocument(ctx context.Context, id string) (int, error)
	CollectionStats(ctx context.Context) (retrieval.Stats, error)
	HealthCheck(ctx context.Context) service.Health
}

// Options configures NewHandler.
type Options struct {
	Prefix string
	// Token enables bearer auth on everything except the health routes.
	Token string
	// RateLimit requests per RateWindow per client; 0 disables limiting.
	RateLimit  int
	RateWindow time.Duration
	Logger     *slog.Logger
}

type handlers struct {
	svc    Service
	logger *slog.Logger
}

// NewHandler builds the HTTP API.
func NewHandler(svc Service, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if opts.RateLimit > 0 && opts.RateWindow > 0 {
		r.Use(NewRateLimiter(opts.RateLimit, opts.RateWindow).Middleware)
	}

	prefix := opts.Prefix
	if prefix == "" || prefix == "/" {
		prefix = "/"
	}
	r.Route(prefix, func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", h.health)
			r.Get("/ready", h.ready)
			r.Get("/live", h.live)
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(opts.Token))

			r.Route("/documents", func(r chi.Router) {
				r.Post("/upload", h.uploadDocument)
				r.Get("/", h.listDocuments)
				r.Get("/stats", h.stats)
				r.Get("/{id}", h.getDocument)
				r.Delete("/{id}", h.deleteDocument)
			})
			r.Post("/query", h.query)
			r.Post("/search", h.search)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}
