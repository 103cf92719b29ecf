package extraction

import (
	"context"
	"fmt"
	"strings"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/rs/zerolog/log"
)

// SummarizerConfig holds configuration for session summarization
type SummarizerConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
	MinMessages int // Sessions shorter than this are not summarized
	Window      int // Only the most recent messages are sent
}

// Summarizer produces a third-person synopsis of a finished session
type Summarizer struct {
	config SummarizerConfig
	llm    memory.LLMClient
}

// NewSummarizer creates a new session summarizer
func NewSummarizer(llm memory.LLMClient, config SummarizerConfig) *Summarizer {
	if config.Temperature == 0 {
		config.Temperature = 0.3
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 200
	}
	if config.MinMessages == 0 {
		config.MinMessages = 4
	}
	if config.Window == 0 {
		config.Window = 10
	}

	return &Summarizer{
		config: config,
		llm:    llm,
	}
}

// ShouldSummarize reports whether a session is long enough to summarize
func (s *Summarizer) ShouldSummarize(messageCount int) bool {
	return messageCount >= s.config.MinMessages
}

// Summarize returns "" with a nil error when the session is too short.
func (s *Summarizer) Summarize(ctx context.Context, messages []memory.Message) (string, error) {
	if !s.ShouldSummarize(len(messages)) {
		return "", nil
	}
	if s.llm == nil {
		return "", fmt.Errorf("no llm configured for summaries: %w", memory.ErrProviderUnavailable)
	}

	if len(messages) > s.config.Window {
		messages = messages[len(messages)-s.config.Window:]
	}

	log.Debug().
		Int("message_count", len(messages)).
		Msg("Generating session summary")

	response, err := s.llm.Complete(ctx, s.buildPrompt(messages), memory.LLMOptions{
		Model:          s.config.Model,
		Temperature:    s.config.Temperature,
		MaxTokens:      s.config.MaxTokens,
		ResponseFormat: "text",
	})
	if err != nil {
		return "", fmt.Errorf("llm completion failed: %w", err)
	}

	summary := strings.TrimSpace(response)
	if summary == "" {
		return "", fmt.Errorf("empty session summary: %w", memory.ErrMalformedResponse)
	}
	return summary, nil
}

func (s *Summarizer) buildPrompt(messages []memory.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", roleLabel(msg.Role), msg.Content))
	}
	return fmt.Sprintf(summaryPromptTemplate, strings.Join(lines, "\n"))
}

func roleLabel(role string) string {
	if role == "user" {
		return "用户"
	}
	return "咨询师"
}
