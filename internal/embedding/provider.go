// Package embedding implements the asynchronous embedding worker
// (component E): it turns observation text into vectors via a pluggable
// OpenAI-compatible provider, stores them as packed float32 blobs, and
// answers semantic similarity queries over them.
package embedding

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// MaxInputChars bounds the text sent to the embedding endpoint: the
// combined title+text is truncated to at most 8000 characters.
const MaxInputChars = 8000

// Provider computes an embedding for a single piece of text. The worker
// treats the provider as non-authoritative: its failures never block
// ingestion or lexical search.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// OpenAICompatibleProvider talks to any OpenAI-compatible embeddings
// endpoint (the real OpenAI API, or a local LM Studio / Ollama server
// with BaseURL overridden) via go-openai's client.
type OpenAICompatibleProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAICompatibleProvider builds a provider. If baseURL is non-empty it
// overrides the client's default endpoint, which is how this same type
// serves a local LM Studio/Ollama server instead of OpenAI's API.
func NewOpenAICompatibleProvider(apiKey, baseURL, model string) *OpenAICompatibleProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 3 * time.Second}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAICompatibleProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Model returns the configured embedding model name.
func (p *OpenAICompatibleProvider) Model() string {
	return p.model
}

// Embed calls the embeddings endpoint for a single input string.
func (p *OpenAICompatibleProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > MaxInputChars {
		text = text[:MaxInputChars]
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding: provider returned no data")
	}
	return resp.Data[0].Embedding, nil
}
