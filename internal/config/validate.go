package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/docuquery/internal/apperr"
)

// Validate checks value ranges and required settings. All violations are
// reported together as one apperr.ErrConfiguration error.
//
// The OpenAI key is required unless embeddings come from Ollama; in that case
// the server starts without it and question answering depends on any
// Anthropic key that is configured.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port must be between 1 and 65535")
	check(strings.HasPrefix(c.Server.APIPrefix, "/"), "server.api_prefix must start with /")

	check(c.Chunking.Size >= 100 && c.Chunking.Size <= 2000, "chunking.size must be between 100 and 2000")
	check(c.Chunking.Overlap >= 0 && c.Chunking.Overlap <= 200, "chunking.overlap must be between 0 and 200")
	check(c.Chunking.Overlap < c.Chunking.Size, "chunking.overlap must be smaller than chunking.size")

	check(c.Retrieval.TopK >= 1 && c.Retrieval.TopK <= 20, "retrieval.top_k must be between 1 and 20")
	check(c.Retrieval.ScoreThreshold >= 0 && c.Retrieval.ScoreThreshold <= 1, "retrieval.score_threshold must be between 0 and 1")

	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 1, "llm.temperature must be between 0 and 1")
	check(c.LLM.MaxTokens > 0, "llm.max_tokens must be positive")
	check(c.LLM.TimeoutSeconds > 0, "llm.timeout_seconds must be positive")
	check(c.LLM.MaxRetries >= 1, "llm.max_retries must be at least 1")
	check(c.LLM.FailureThreshold >= 1, "llm.failure_threshold must be at least 1")
	check(c.LLM.RecoverySeconds > 0, "llm.recovery_seconds must be positive")

	check(c.Embedding.Dimensions > 0, "embedding.dimensions must be positive")
	check(c.Embedding.BatchSize > 0, "embedding.batch_size must be positive")
	switch c.Embedding.Provider {
	case "openai":
		check(c.OpenAI.APIKey != "", "missing required config: OpenAI API key. Set it via environment variable OPENAI_API_KEY or DOCUQUERY_OPENAI_API_KEY")
	case "ollama":
	default:
		check(false, "embedding.provider must be openai or ollama, got %q", c.Embedding.Provider)
	}

	switch c.VectorStore.Backend {
	case "sqlite":
	case "qdrant":
		check(c.Qdrant.Host != "", "qdrant.host is required for the qdrant backend")
		check(c.Qdrant.Collection != "", "qdrant.collection is required for the qdrant backend")
	default:
		check(false, "vector_store.backend must be sqlite or qdrant, got %q", c.VectorStore.Backend)
	}

	check(c.RateLimit.Requests > 0, "rate_limit.requests must be positive")
	check(c.RateLimit.WindowSeconds > 0, "rate_limit.window_seconds must be positive")

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		check(false, "log.level must be one of debug, info, warn, error")
	}
	check(c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	if len(errs) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.ErrConfiguration, errors.Join(errs...), "invalid configuration")
}
