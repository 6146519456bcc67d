package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultEmbeddingModel      = "text-embedding-3-large"
	DefaultEmbeddingDimensions = 3072

	defaultOllamaEmbeddingModel = "nomic-embed-text"
	defaultOllamaDimensions     = 768
)

type Config struct {
	Server      ServerConfig
	OpenAI      OpenAIConfig
	Anthropic   AnthropicConfig
	LLM         LLMConfig
	Embedding   EmbeddingConfig
	VectorStore VectorStoreConfig
	Qdrant      QdrantConfig
	Chunking    ChunkingConfig
	Retrieval   RetrievalConfig
	RateLimit   RateLimitConfig
	Prompts     PromptsConfig
	Storage     StorageConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host      string
	Port      int
	APIPrefix string
	APIToken  string
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type LLMConfig struct {
	Model            string
	Temperature      float64
	MaxTokens        int
	TimeoutSeconds   int
	MaxRetries       int
	FailureThreshold int
	RecoverySeconds  int
}

type EmbeddingConfig struct {
	Provider      string
	Model         string
	Dimensions    int
	BatchSize     int
	OllamaBaseURL string
}

type VectorStoreConfig struct {
	Backend string
}

type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type RetrievalConfig struct {
	TopK           int
	ScoreThreshold float64
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

type PromptsConfig struct {
	Dir     string
	Version string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Defaults returns the built-in configuration before any file or
// environment overrides.
func Defaults() Config { return defaults() }

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8000,
			APIPrefix: "/api/v1",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Anthropic: AnthropicConfig{
			BaseURL: "https://api.anthropic.com",
			Model:   "claude-3-5-sonnet-20241022",
		},
		LLM: LLMConfig{
			Model:            "gpt-4o",
			Temperature:      0,
			MaxTokens:        1024,
			TimeoutSeconds:   30,
			MaxRetries:       2,
			FailureThreshold: 3,
			RecoverySeconds:  60,
		},
		Embedding: EmbeddingConfig{
			Provider:      "openai",
			Model:         DefaultEmbeddingModel,
			Dimensions:    DefaultEmbeddingDimensions,
			BatchSize:     100,
			OllamaBaseURL: "http://localhost:11434",
		},
		VectorStore: VectorStoreConfig{
			Backend: "sqlite",
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "docuquery",
		},
		Chunking: ChunkingConfig{
			Size:    500,
			Overlap: 50,
		},
		Retrieval: RetrievalConfig{
			TopK:           5,
			ScoreThreshold: 0.7,
		},
		RateLimit: RateLimitConfig{
			Requests:      100,
			WindowSeconds: 60,
		},
		Prompts: PromptsConfig{
			Version: "v1",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from, lowest precedence first: defaults,
// the YAML file at $XDG_CONFIG_HOME/docuquery/config.yaml, a .env file in
// the working directory and DOCUQUERY_* environment variables.
//
// Secrets (API keys and the API token) are only read from the environment
// or .env, never from the YAML file.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), envLookup(".env"))
}

// lookupFunc resolves an environment variable.
type lookupFunc func(key string) (string, bool)

// envLookup resolves variables from the process environment first and then
// from the dotenv file at path, so real variables always win.
func envLookup(path string) lookupFunc {
	dotenv, err := godotenv.Read(path)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] could not read %s: %v. Ignoring it.\n", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
}

func loadWith(b ConfigBackend, lookup lookupFunc) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg, lookup)

	if cfg.Embedding.Provider == "ollama" && cfg.Embedding.Model == DefaultEmbeddingModel {
		cfg.Embedding.Model = defaultOllamaEmbeddingModel
		if cfg.Embedding.Dimensions == DefaultEmbeddingDimensions {
			cfg.Embedding.Dimensions = defaultOllamaDimensions
		}
	}

	return cfg, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c LLMConfig) Recovery() time.Duration {
	return time.Duration(c.RecoverySeconds) * time.Second
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}
