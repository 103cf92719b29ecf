package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/janhq/companion-memory/internal/metrics"
	"github.com/janhq/companion-memory/internal/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	newUserProfile       = "这是一位新用户，尚无历史记录。"
	unclearProfile       = "用户有一些历史对话，但尚未形成清晰的档案。"
	unknownEmotion       = "情绪状态：未知"
	emotionRecordPrefix  = "近期情绪记录："
	crisisImportance     = 1.0
	crisisEmotionValence = -0.9
)

// ServiceConfig holds the context-building knobs.
type ServiceConfig struct {
	RelevantTopK          int
	RelevantMinImportance float64
	ProfileWindow         int
	EmotionWindow         int
	KeyReminderThreshold  float64
	KeyReminderLimit      int
}

// Service assembles prompt context from a user's memories and records new
// memories after each turn.
type Service struct {
	store     *Store
	extractor Extractor
	detector  CrisisDetector
	redactor  *telemetry.Redactor
	config    ServiceConfig
}

// NewService creates the memory service. detector may be nil, in which case
// every turn goes through normal extraction.
func NewService(store *Store, extractor Extractor, detector CrisisDetector, redactor *telemetry.Redactor, config ServiceConfig) *Service {
	if config.RelevantTopK == 0 {
		config.RelevantTopK = 5
	}
	if config.RelevantMinImportance == 0 {
		config.RelevantMinImportance = 0.3
	}
	if config.ProfileWindow == 0 {
		config.ProfileWindow = 20
	}
	if config.EmotionWindow == 0 {
		config.EmotionWindow = 5
	}
	if config.KeyReminderThreshold == 0 {
		config.KeyReminderThreshold = 0.7
	}
	if config.KeyReminderLimit == 0 {
		config.KeyReminderLimit = 3
	}

	return &Service{
		store:     store,
		extractor: extractor,
		detector:  detector,
		redactor:  redactor,
		config:    config,
	}
}

// Store exposes the underlying store for list, search and delete endpoints.
func (s *Service) Store() *Store {
	return s.store
}

// GetConversationContext builds the memory context for the current message.
// Retrieval failures degrade to an empty relevant-memory list.
func (s *Service) GetConversationContext(ctx context.Context, userID, message string) *ConversationMemoryContext {
	results, err := s.store.Search(ctx, userID, message, SearchOptions{
		TopK:          s.config.RelevantTopK,
		MinImportance: s.config.RelevantMinImportance,
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", s.redactor.UserID(userID)).
			Msg("Memory search failed, continuing without relevant memories")
		results = nil
	}

	relevant := make([]string, 0, len(results))
	for _, r := range results {
		relevant = append(relevant, fmt.Sprintf("[%s] %s", r.Memory.MemoryType, r.Memory.Content))
	}

	return &ConversationMemoryContext{
		ProfileSummary:   s.buildProfileSummary(ctx, userID),
		RelevantMemories: relevant,
		EmotionalContext: s.buildEmotionalContext(ctx, userID),
		KeyReminders:     s.buildKeyReminders(ctx, userID),
	}
}

func (s *Service) buildProfileSummary(ctx context.Context, userID string) string {
	memories := s.store.GetUserMemories(ctx, userID, nil)
	if len(memories) == 0 {
		return newUserProfile
	}
	if len(memories) > s.config.ProfileWindow {
		memories = memories[:s.config.ProfileWindow]
	}

	var concerns, relationships, goals, coping []string
	for _, m := range memories {
		switch m.MemoryType {
		case MemoryTypeConcern:
			concerns = append(concerns, m.Content)
		case MemoryTypeRelationship:
			relationships = append(relationships, m.Content)
		case MemoryTypeGoal:
			goals = append(goals, m.Content)
		case MemoryTypeCoping:
			coping = append(coping, m.Content)
		case MemoryTypeProfile, MemoryTypeEmotion, MemoryTypeEvent, MemoryTypeInsight, MemoryTypeSummary:
		}
	}

	var parts []string
	if len(concerns) > 0 {
		parts = append(parts, "主要关注点："+joinFirst(concerns, 3))
	}
	if len(relationships) > 0 {
		parts = append(parts, "重要关系："+joinFirst(relationships, 3))
	}
	if len(goals) > 0 {
		parts = append(parts, "目标："+joinFirst(goals, 2))
	}
	if len(coping) > 0 {
		parts = append(parts, "应对方式："+joinFirst(coping, 2))
	}

	if len(parts) == 0 {
		return unclearProfile
	}
	return strings.Join(parts, " | ")
}

func (s *Service) buildEmotionalContext(ctx context.Context, userID string) string {
	emotions := s.store.GetUserMemories(ctx, userID, []MemoryType{MemoryTypeEmotion})
	if len(emotions) == 0 {
		return unknownEmotion
	}
	if len(emotions) > s.config.EmotionWindow {
		emotions = emotions[:s.config.EmotionWindow]
	}

	var sum float64
	var n int
	for _, m := range emotions {
		if m.EmotionValence != nil {
			sum += *m.EmotionValence
			n++
		}
	}
	if n == 0 {
		return emotionRecordPrefix + emotions[0].Content
	}

	recent := make([]string, 0, 3)
	for i, m := range emotions {
		if i >= 3 {
			break
		}
		recent = append(recent, m.Content)
	}

	return emotionTrend(sum/float64(n)) + "。" + strings.Join(recent, " ")
}

// emotionTrend bands an average valence.
func emotionTrend(avg float64) string {
	switch {
	case avg < -0.5:
		return "近期情绪较为低落"
	case avg < 0:
		return "近期情绪有些波动"
	case avg < 0.5:
		return "近期情绪相对平稳"
	default:
		return "近期情绪较为积极"
	}
}

func (s *Service) buildKeyReminders(ctx context.Context, userID string) []string {
	memories := s.store.GetUserMemories(ctx, userID, nil)

	reminders := make([]string, 0, s.config.KeyReminderLimit)
	for _, m := range memories {
		if len(reminders) >= s.config.KeyReminderLimit {
			break
		}
		if m.Importance >= s.config.KeyReminderThreshold {
			reminders = append(reminders, m.Content)
		}
	}
	return reminders
}

// ProcessConversationForMemories extracts memories from one exchange and
// stores them. A crisis message bypasses extraction and records a single
// maximum-importance event instead.
func (s *Service) ProcessConversationForMemories(ctx context.Context, userID, userMessage, assistantMessage string) ([]*MemoryRecord, error) {
	if s.detector != nil {
		if isCrisis, intent := s.detector.Detect(userMessage); isCrisis {
			metrics.RecordExtraction("crisis")
			return s.recordCrisis(ctx, userID, intent)
		}
	}

	requests := s.extractor.ExtractFromConversation(ctx, userID, userMessage, assistantMessage)

	created := make([]*MemoryRecord, 0, len(requests))
	var errs []error
	for _, req := range requests {
		rec, err := s.store.Add(ctx, req)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		created = append(created, rec)
	}

	log.Info().
		Str("user_id", s.redactor.UserID(userID)).
		Int("extracted", len(requests)).
		Int("stored", len(created)).
		Msg("Processed conversation for memories")

	if len(errs) > 0 {
		log.Warn().
			Err(errors.Join(errs...)).
			Int("failed", len(errs)).
			Msg("Some extracted memories could not be stored")
	}
	return created, nil
}

func (s *Service) recordCrisis(ctx context.Context, userID, intent string) ([]*MemoryRecord, error) {
	rec, err := s.store.AddEscalated(ctx, AddMemoryRequest{
		UserID:         userID,
		MemoryType:     MemoryTypeEvent,
		Content:        crisisContent(intent),
		Importance:     crisisImportance,
		EmotionValence: float64Ptr(crisisEmotionValence),
	})
	if err != nil {
		return nil, fmt.Errorf("store crisis event: %w", err)
	}

	log.Warn().
		Str("user_id", s.redactor.UserID(userID)).
		Str("intent", intent).
		Str("memory_id", rec.ID).
		Msg("Crisis signal recorded")
	return []*MemoryRecord{rec}, nil
}

func crisisContent(intent string) string {
	if intent == "" || intent == "crisis" {
		return "用户在对话中表达了危机信号，需要优先关注其安全"
	}
	return fmt.Sprintf("用户在对话中表达了危机信号（%s），需要优先关注其安全", intent)
}

// EndSession summarises a finished session and stores the summary. It
// returns nil when no summary was produced.
func (s *Service) EndSession(ctx context.Context, userID string, messages []Message) (*MemoryRecord, error) {
	summary, err := s.extractor.GenerateSessionSummary(ctx, messages)
	if err != nil {
		metrics.RecordSummary("failed")
		log.Warn().Err(err).Str("user_id", s.redactor.UserID(userID)).Msg("Session summary skipped")
		return nil, nil
	}
	if summary == "" {
		metrics.RecordSummary("skipped")
		return nil, nil
	}

	rec, err := s.store.Add(ctx, AddMemoryRequest{
		UserID:     userID,
		MemoryType: MemoryTypeSummary,
		Content:    summary,
		Importance: 0.6,
	})
	if err != nil {
		metrics.RecordSummary("failed")
		return nil, fmt.Errorf("store session summary: %w", err)
	}

	metrics.RecordSummary("stored")
	log.Info().Str("user_id", s.redactor.UserID(userID)).Msg("Session summary stored")
	return rec, nil
}

// GetMemoryStats returns aggregate statistics for a user.
func (s *Service) GetMemoryStats(ctx context.Context, userID string) MemoryStats {
	return s.store.GetMemorySummary(ctx, userID)
}

// ClearMemories deletes every memory of a user and returns the count.
func (s *Service) ClearMemories(ctx context.Context, userID string) int {
	count := s.store.ClearUserMemories(ctx, userID)
	log.Info().
		Str("user_id", s.redactor.UserID(userID)).
		Int("deleted", count).
		Msg("Cleared user memories")
	return count
}

// FormatContextForPrompt renders the context as labelled sections, skipping
// empty ones.
func FormatContextForPrompt(mc *ConversationMemoryContext) string {
	if mc == nil {
		return ""
	}

	var parts []string
	if mc.ProfileSummary != "" {
		parts = append(parts, "## 用户档案\n"+mc.ProfileSummary)
	}
	if mc.EmotionalContext != "" {
		parts = append(parts, "## 情绪背景\n"+mc.EmotionalContext)
	}
	if len(mc.RelevantMemories) > 0 {
		var b strings.Builder
		b.WriteString("## 相关记忆")
		for _, m := range mc.RelevantMemories {
			b.WriteString("\n- ")
			b.WriteString(m)
		}
		parts = append(parts, b.String())
	}
	if len(mc.KeyReminders) > 0 {
		var b strings.Builder
		b.WriteString("## 重要提醒")
		for _, r := range mc.KeyReminders {
			b.WriteString("\n⚠️ ")
			b.WriteString(r)
		}
		parts = append(parts, b.String())
	}

	return strings.Join(parts, "\n\n")
}

func joinFirst(items []string, n int) string {
	if len(items) > n {
		items = items[:n]
	}
	return strings.Join(items, "; ")
}
