package retrieval

import (
	"context"

	"github.com/kalambet/docuquery/internal/ollama"
)

// OllamaEmbeddings embeds through a local Ollama instance.
type OllamaEmbeddings struct {
	client *ollama.Client
	model  string
}

func NewOllamaEmbeddings(c *ollama.Client, model string) *OllamaEmbeddings {
	return &OllamaEmbeddings{client: c, model: model}
}

func (p *OllamaEmbeddings) Name() string { return "ollama" }

func (p *OllamaEmbeddings) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.client.Embed(ctx, p.model, texts)
}
