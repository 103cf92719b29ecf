package openai

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = "text-embedding-3-small"

// EmbeddingClient embeds text through the OpenAI embeddings API or any
// server that mirrors it
type EmbeddingClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewEmbeddingClient creates a client. baseURL may be empty for api.openai.com.
func NewEmbeddingClient(apiKey, baseURL, model string, timeout time.Duration) *EmbeddingClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = defaultModel
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &EmbeddingClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Embed generates embeddings in input order
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w: %v", memory.ErrProviderUnavailable, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d: %w", len(texts), len(resp.Data), memory.ErrMalformedResponse)
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}

	log.Debug().
		Str("model", c.model).
		Int("text_count", len(texts)).
		Int("total_tokens", resp.Usage.TotalTokens).
		Msg("embedding response")

	return out, nil
}

// EmbedSingle generates an embedding for a single text
func (c *EmbeddingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	out, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
