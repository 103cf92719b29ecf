package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/janhq/companion-memory/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the extractor
type Config struct {
	Model              string
	Temperature        float32
	MaxTokens          int
	MinMessageRunes    int
	SummaryTemperature float32
	SummaryMaxTokens   int
	SummaryMinMessages int
	SummaryWindow      int
}

// Extractor turns a conversation exchange into candidate memories, using the
// LLM first and the keyword tables when the LLM fails.
type Extractor struct {
	llm        memory.LLMClient
	config     Config
	summarizer *Summarizer
}

// llmExtractionResponse is the JSON document the extraction prompt asks for.
// Memories is a pointer so a missing key can be told apart from an empty list.
type llmExtractionResponse struct {
	Memories *[]llmMemoryItem `json:"memories"`
}

type llmMemoryItem struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	Importance     any    `json:"importance"`
	EmotionValence any    `json:"emotion_valence"`
}

// NewExtractor creates a new extractor. llm may be nil, in which case every
// turn uses the keyword tables.
func NewExtractor(llm memory.LLMClient, config Config) *Extractor {
	if config.Temperature == 0 {
		config.Temperature = 0.3
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 512
	}
	if config.MinMessageRunes == 0 {
		config.MinMessageRunes = 10
	}

	return &Extractor{
		llm:    llm,
		config: config,
		summarizer: NewSummarizer(llm, SummarizerConfig{
			Model:       config.Model,
			Temperature: config.SummaryTemperature,
			MaxTokens:   config.SummaryMaxTokens,
			MinMessages: config.SummaryMinMessages,
			Window:      config.SummaryWindow,
		}),
	}
}

// ExtractFromConversation never fails: provider and parse errors switch to
// the keyword fallback.
func (e *Extractor) ExtractFromConversation(ctx context.Context, userID, userMessage, assistantMessage string) []memory.AddMemoryRequest {
	if utf8.RuneCountInString(userMessage) < e.config.MinMessageRunes {
		metrics.RecordExtraction("skipped")
		return []memory.AddMemoryRequest{}
	}

	if e.llm != nil {
		requests, err := e.extractWithLLM(ctx, userID, userMessage, assistantMessage)
		if err == nil {
			metrics.RecordExtraction("llm")
			return requests
		}

		log.Warn().Err(err).Msg("LLM-based extraction failed, falling back to keyword tables")
	}

	metrics.RecordExtraction("fallback")
	return FallbackExtract(userID, userMessage)
}

// GenerateSessionSummary delegates to the summarizer.
func (e *Extractor) GenerateSessionSummary(ctx context.Context, messages []memory.Message) (string, error) {
	return e.summarizer.Summarize(ctx, messages)
}

func (e *Extractor) extractWithLLM(ctx context.Context, userID, userMessage, assistantMessage string) ([]memory.AddMemoryRequest, error) {
	prompt := fmt.Sprintf(extractionPromptTemplate, userMessage, assistantMessage)

	response, err := e.llm.Complete(ctx, prompt, memory.LLMOptions{
		Model:          e.config.Model,
		SystemPrompt:   extractionSystemPrompt,
		Temperature:    e.config.Temperature,
		MaxTokens:      e.config.MaxTokens,
		ResponseFormat: "json",
	})
	if err != nil {
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}

	requests, err := ParseExtractionResponse(response, userID)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Int("memories", len(requests)).
		Msg("Memories extracted with LLM")
	return requests, nil
}

// ParseExtractionResponse decodes the LLM output into add requests. Items
// with an unsupported type or empty content are dropped. A response that is
// not JSON or lacks the memories list is a malformed response.
func ParseExtractionResponse(content, userID string) ([]memory.AddMemoryRequest, error) {
	var resp llmExtractionResponse
	if err := json.Unmarshal([]byte(stripCodeFence(content)), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w: %v", memory.ErrMalformedResponse, err)
	}
	if resp.Memories == nil {
		return nil, fmt.Errorf("extraction response has no memories list: %w", memory.ErrMalformedResponse)
	}

	requests := make([]memory.AddMemoryRequest, 0, len(*resp.Memories))
	for _, item := range *resp.Memories {
		memoryType, ok := extractableType(item.Type)
		if !ok {
			continue
		}
		text := strings.TrimSpace(item.Content)
		if text == "" {
			continue
		}

		importance, ok := coerceFloat(item.Importance)
		if !ok {
			importance = 0.5
		}

		req := memory.AddMemoryRequest{
			UserID:     userID,
			MemoryType: memoryType,
			Content:    text,
			Importance: math.Max(0, math.Min(1, importance)),
		}
		if valence, ok := coerceFloat(item.EmotionValence); ok {
			valence = math.Max(-1, math.Min(1, valence))
			req.EmotionValence = &valence
		}
		requests = append(requests, req)
	}

	return requests, nil
}

// extractableType accepts the types the extraction prompt offers. Profile
// and summary records are produced elsewhere.
func extractableType(raw string) (memory.MemoryType, bool) {
	t, err := memory.ParseMemoryType(strings.ToLower(strings.TrimSpace(raw)))
	if err != nil {
		return "", false
	}

	switch t {
	case memory.MemoryTypeEmotion, memory.MemoryTypeEvent, memory.MemoryTypeConcern,
		memory.MemoryTypeRelationship, memory.MemoryTypeCoping, memory.MemoryTypeGoal,
		memory.MemoryTypeInsight:
		return t, true
	case memory.MemoryTypeProfile, memory.MemoryTypeSummary:
		return "", false
	}
	return "", false
}

// stripCodeFence removes a markdown fence and an optional json language tag.
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}

	parts := strings.Split(content, "```")
	if len(parts) > 1 {
		content = parts[1]
	}
	content = strings.TrimPrefix(content, "json")
	return strings.TrimSpace(content)
}

func coerceFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
