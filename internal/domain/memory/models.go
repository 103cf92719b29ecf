package memory

import (
	"context"
	"fmt"
	"time"
)

// MemoryType classifies a remembered fact about a user.
type MemoryType string

const (
	MemoryTypeProfile      MemoryType = "profile"
	MemoryTypeEmotion      MemoryType = "emotion"
	MemoryTypeEvent        MemoryType = "event"
	MemoryTypeConcern      MemoryType = "concern"
	MemoryTypeRelationship MemoryType = "relationship"
	MemoryTypeCoping       MemoryType = "coping"
	MemoryTypeGoal         MemoryType = "goal"
	MemoryTypeInsight      MemoryType = "insight"
	MemoryTypeSummary      MemoryType = "summary"
)

// AllMemoryTypes lists every memory type in declaration order.
func AllMemoryTypes() []MemoryType {
	return []MemoryType{
		MemoryTypeProfile,
		MemoryTypeEmotion,
		MemoryTypeEvent,
		MemoryTypeConcern,
		MemoryTypeRelationship,
		MemoryTypeCoping,
		MemoryTypeGoal,
		MemoryTypeInsight,
		MemoryTypeSummary,
	}
}

// IsValid reports whether t is one of the declared memory types.
func (t MemoryType) IsValid() bool {
	switch t {
	case MemoryTypeProfile, MemoryTypeEmotion, MemoryTypeEvent, MemoryTypeConcern,
		MemoryTypeRelationship, MemoryTypeCoping, MemoryTypeGoal, MemoryTypeInsight,
		MemoryTypeSummary:
		return true
	default:
		return false
	}
}

// ParseMemoryType converts a raw string into a MemoryType.
func ParseMemoryType(raw string) (MemoryType, error) {
	t := MemoryType(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("memory type %q: %w", raw, ErrValidationRejected)
	}
	return t, nil
}

// MemoryRecord is a single stored fact about a user.
type MemoryRecord struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	MemoryType     MemoryType `json:"memory_type"`
	Content        string     `json:"content"`
	Importance     float64    `json:"importance"`
	EmotionValence *float64   `json:"emotion_valence,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessed   time.Time  `json:"last_accessed"`
	AccessCount    int        `json:"access_count"`
	Embedding      []float32  `json:"-"`
}

// clone returns a copy that callers may hold without the owning lock.
func (m *MemoryRecord) clone() *MemoryRecord {
	if m == nil {
		return nil
	}
	c := *m
	if m.EmotionValence != nil {
		v := *m.EmotionValence
		c.EmotionValence = &v
	}
	if m.Embedding != nil {
		c.Embedding = append([]float32(nil), m.Embedding...)
	}
	return &c
}

// AddMemoryRequest is a candidate memory before it is embedded and stored.
type AddMemoryRequest struct {
	UserID         string     `json:"user_id"`
	MemoryType     MemoryType `json:"memory_type"`
	Content        string     `json:"content"`
	Importance     float64    `json:"importance"`
	EmotionValence *float64   `json:"emotion_valence,omitempty"`
}

// MemorySearchResult pairs a record with the score it was ranked by.
type MemorySearchResult struct {
	Memory         *MemoryRecord `json:"memory"`
	RelevanceScore float64       `json:"relevance_score"`
}

// SearchOptions narrows a memory search.
type SearchOptions struct {
	Types         []MemoryType
	TopK          int
	MinImportance float64
}

// MemoryStats aggregates a user's collection.
type MemoryStats struct {
	TotalMemories int                `json:"total_memories"`
	ByType        map[MemoryType]int `json:"by_type"`
	AvgImportance float64            `json:"avg_importance"`
	RecentTopics  []string           `json:"recent_topics"`
}

// ConversationMemoryContext is the prompt-ready view of a user's memories.
type ConversationMemoryContext struct {
	ProfileSummary   string   `json:"user_profile_summary"`
	RelevantMemories []string `json:"relevant_memories"`
	EmotionalContext string   `json:"emotional_context"`
	KeyReminders     []string `json:"key_reminders"`
}

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient is the completion backend used for extraction and summaries.
type LLMClient interface {
	Complete(ctx context.Context, prompt string, options LLMOptions) (string, error)
}

// LLMOptions configures a single completion call.
type LLMOptions struct {
	Model          string
	SystemPrompt   string
	Temperature    float32
	MaxTokens      int
	ResponseFormat string // "json" or "text"
}

// Extractor turns conversation turns into candidate memories.
type Extractor interface {
	ExtractFromConversation(ctx context.Context, userID, userMessage, assistantMessage string) []AddMemoryRequest
	GenerateSessionSummary(ctx context.Context, messages []Message) (string, error)
}

// CrisisDetector flags messages that indicate self-harm or violence risk.
type CrisisDetector interface {
	Detect(message string) (isCrisis bool, intent string)
}

func float64Ptr(v float64) *float64 {
	return &v
}
