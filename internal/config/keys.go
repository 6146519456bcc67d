package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	secret  bool
	aliases []string // extra environment variables, checked after the primary one
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

// env is the primary environment variable: DOCUQUERY_ plus the key in upper
// case with dots replaced by underscores.
func (s keySpec) env() string {
	return "DOCUQUERY_" + strings.ToUpper(strings.ReplaceAll(s.key, ".", "_"))
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_prefix", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Server.APIPrefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIPrefix },
	},
	{
		key: "server.api_token", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "openai.api_key", typ: kString, secret: true, aliases: []string{"OPENAI_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "anthropic.api_key", typ: kString, secret: true, aliases: []string{"ANTHROPIC_API_KEY"},
		apply:   func(cfg *Config, v any) { cfg.Anthropic.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.APIKey },
	},
	{
		key: "anthropic.base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.BaseURL },
	},
	{
		key: "anthropic.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Anthropic.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Anthropic.Model },
	},
	{
		key: "llm.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.temperature", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.LLM.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.LLM.Temperature },
	},
	{
		key: "llm.max_tokens", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxTokens },
	},
	{
		key: "llm.timeout_seconds", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.TimeoutSeconds },
	},
	{
		key: "llm.max_retries", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.MaxRetries },
	},
	{
		key: "llm.failure_threshold", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.FailureThreshold = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.FailureThreshold },
	},
	{
		key: "llm.recovery_seconds", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.LLM.RecoverySeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.LLM.RecoverySeconds },
	},
	{
		key: "embedding.provider", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.model", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "embedding.dimensions", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Embedding.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.Dimensions },
	},
	{
		key: "embedding.batch_size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Embedding.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Embedding.BatchSize },
	},
	{
		key: "embedding.ollama_base_url", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Embedding.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.OllamaBaseURL },
	},
	{
		key: "vector_store.backend", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.VectorStore.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.VectorStore.Backend },
	},
	{
		key: "qdrant.host", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Host },
	},
	{
		key: "qdrant.port", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Qdrant.Port },
	},
	{
		key: "qdrant.api_key", typ: kString, secret: true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "qdrant.use_tls", typ: kBool,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.UseTLS = v.(bool) },
		extract: func(cfg Config) any { return cfg.Qdrant.UseTLS },
	},
	{
		key: "qdrant.collection", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "chunking.size", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Chunking.Size = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Size },
	},
	{
		key: "chunking.overlap", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.score_threshold", typ: kFloat,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.ScoreThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.ScoreThreshold },
	},
	{
		key: "rate_limit.requests", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Requests = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Requests },
	},
	{
		key: "rate_limit.window_seconds", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.RateLimit.WindowSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.WindowSeconds },
	},
	{
		key: "prompts.dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Prompts.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.Dir },
	},
	{
		key: "prompts.version", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Prompts.Version = v.(string) },
		extract: func(cfg Config) any { return cfg.Prompts.Version },
	},
	{
		key: "storage.data_dir", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "log.file", typ: kString,
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "log.max_size_mb", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Log.MaxSizeMB = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxSizeMB },
	},
	{
		key: "log.max_backups", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Log.MaxBackups = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxBackups },
	},
	{
		key: "log.max_age_days", typ: kInt,
		apply:   func(cfg *Config, v any) { cfg.Log.MaxAgeDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Log.MaxAgeDays },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup lookupFunc) {
	for _, s := range specs {
		name, raw := s.env(), ""
		for _, candidate := range append([]string{name}, s.aliases...) {
			if v, ok := lookup(candidate); ok && v != "" {
				name, raw = candidate, v
				break
			}
		}
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
