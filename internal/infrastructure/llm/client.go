package llm

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

// Client calls an OpenAI-compatible chat completions endpoint
type Client struct {
	baseURL      string
	apiKey       string
	defaultModel string
	httpClient   *http.Client
}

// ChatCompletionRequest represents a request to the LLM API
type ChatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float32         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// Message represents a chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat specifies the response format
type ResponseFormat struct {
	Type string `json:"type"` // "json_object" or "text"
}

// ChatCompletionResponse represents the LLM API response
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewClient creates a new LLM client. baseURL may carry a trailing /v1.
func NewClient(baseURL, apiKey, defaultModel string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v1"),
		apiKey:       apiKey,
		defaultModel: defaultModel,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Complete implements memory.LLMClient. Transport and status failures wrap
// memory.ErrProviderUnavailable; undecodable bodies wrap memory.ErrMalformedResponse.
func (c *Client) Complete(ctx context.Context, prompt string, options memory.LLMOptions) (string, error) {
	model := options.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]Message, 0, 2)
	if options.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	req := ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	if options.ResponseFormat == "json" {
		req.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug().
		Str("model", model).
		Str("endpoint", c.baseURL).
		Msg("Calling LLM API")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute request: %w: %v", memory.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w: %v", memory.ErrProviderUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("LLM API returned status %d: %w", resp.StatusCode, memory.ErrProviderUnavailable)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w: %v", memory.ErrMalformedResponse, err)
	}

	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response: %w", memory.ErrMalformedResponse)
	}

	content := chatResp.Choices[0].Message.Content

	log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Msg("LLM completion successful")

	return content, nil
}
