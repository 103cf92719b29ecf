package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/rs/zerolog/log"
)

// EmbeddingClient is an HTTP client for a text-embeddings-inference server
// hosting BGE-M3 or a compatible model
type EmbeddingClient struct {
	baseURL       string
	apiKey        string
	expectedModel string
	expectedDim   int
	httpClient    *http.Client
}

// EmbedRequest represents a request to the embedding service
type EmbedRequest struct {
	Inputs    []string `json:"inputs"`
	Normalize bool     `json:"normalize"`
	Truncate  bool     `json:"truncate"`
}

// EmbedResponse represents the response from the embedding service
type EmbedResponse [][]float32

// ModelInfo represents model information
type ModelInfo struct {
	ModelID        string `json:"model_id"`
	MaxInputLength int    `json:"max_input_length"`
}

// EmbeddingClientConfig configures the TEI client. ExpectedDimension 0 skips
// the dimension probe in ValidateServer.
type EmbeddingClientConfig struct {
	BaseURL           string
	APIKey            string
	ExpectedModel     string
	ExpectedDimension int
	Timeout           time.Duration
}

// NewEmbeddingClient creates a new embedding HTTP client
func NewEmbeddingClient(config EmbeddingClientConfig) *EmbeddingClient {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &EmbeddingClient{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		apiKey:        config.APIKey,
		expectedModel: config.ExpectedModel,
		expectedDim:   config.ExpectedDimension,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Embed generates embeddings for the given texts
func (c *EmbeddingClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(EmbedRequest{
		Inputs:    texts,
		Normalize: true,
		Truncate:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %v", memory.ErrProviderUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", c.baseURL+"/embed").
			Msg("embedding request failed")
		return nil, fmt.Errorf("embedding service returned status %d: %w", resp.StatusCode, memory.ErrProviderUnavailable)
	}

	var embeddings EmbedResponse
	if err := json.Unmarshal(bodyBytes, &embeddings); err != nil {
		return nil, fmt.Errorf("decode response: %w: %v", memory.ErrMalformedResponse, err)
	}

	log.Debug().
		Int("text_count", len(texts)).
		Int("embeddings", len(embeddings)).
		Msg("embedding response")

	return embeddings, nil
}

// EmbedSingle generates an embedding for a single text
func (c *EmbeddingClient) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned: %w", memory.ErrMalformedResponse)
	}

	return embeddings[0], nil
}

// Health checks the health of the embedding service
func (c *EmbeddingClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d: %w", resp.StatusCode, memory.ErrProviderUnavailable)
	}

	return nil
}

// Info retrieves model information
func (c *EmbeddingClient) Info(ctx context.Context) (*ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/info", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("info request failed with status %d", resp.StatusCode)
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &info, nil
}

// ValidateServer probes health, model info and one test embedding
func (c *EmbeddingClient) ValidateServer(ctx context.Context) error {
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	info, err := c.Info(ctx)
	if err != nil {
		return fmt.Errorf("info check failed: %w", err)
	}

	if c.expectedModel != "" && info.ModelID != c.expectedModel {
		log.Warn().
			Str("model", info.ModelID).
			Str("expected", c.expectedModel).
			Msg("Embedding server reports a different model")
	}

	vec, err := c.EmbedSingle(ctx, "test")
	if err != nil {
		return fmt.Errorf("test embedding failed: %w", err)
	}

	if c.expectedDim > 0 && len(vec) != c.expectedDim {
		return fmt.Errorf("expected %d dimensions, got %d", c.expectedDim, len(vec))
	}

	log.Info().
		Str("model", info.ModelID).
		Int("max_input_length", info.MaxInputLength).
		Int("dimension", len(vec)).
		Msg("Embedding server validated")

	return nil
}
