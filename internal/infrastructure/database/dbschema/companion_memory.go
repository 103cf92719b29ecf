package dbschema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/janhq/companion-memory/internal/domain/memory"
)

// CompanionMemoryTable is the mirror table created by migrations/001.
const CompanionMemoryTable = "companion_memories"

// CompanionMemory is one mirrored row. Embedding holds the pgvector text form.
type CompanionMemory struct {
	ID             string    `gorm:"column:id"`
	UserID         string    `gorm:"column:user_id"`
	MemoryType     string    `gorm:"column:memory_type"`
	Content        string    `gorm:"column:content"`
	Importance     float64   `gorm:"column:importance"`
	EmotionValence *float64  `gorm:"column:emotion_valence"`
	AccessCount    int       `gorm:"column:access_count"`
	Embedding      string    `gorm:"column:embedding"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	LastAccessed   time.Time `gorm:"column:last_accessed"`
}

func (CompanionMemory) TableName() string {
	return CompanionMemoryTable
}

func NewSchemaCompanionMemory(d *memory.MemoryRecord) *CompanionMemory {
	if d == nil {
		return nil
	}

	return &CompanionMemory{
		ID:             d.ID,
		UserID:         d.UserID,
		MemoryType:     string(d.MemoryType),
		Content:        d.Content,
		Importance:     d.Importance,
		EmotionValence: d.EmotionValence,
		AccessCount:    d.AccessCount,
		Embedding:      EmbeddingToString(d.Embedding),
		CreatedAt:      d.CreatedAt,
		LastAccessed:   d.LastAccessed,
	}
}

// EtoD converts a row back into a domain record. Rows with an unknown type
// or an unreadable vector are rejected.
func (s *CompanionMemory) EtoD() (*memory.MemoryRecord, error) {
	if s == nil {
		return nil, nil
	}

	memoryType, err := memory.ParseMemoryType(s.MemoryType)
	if err != nil {
		return nil, err
	}
	vec, err := ParseEmbedding(s.Embedding)
	if err != nil {
		return nil, fmt.Errorf("memory %s: %w", s.ID, err)
	}

	return &memory.MemoryRecord{
		ID:             s.ID,
		UserID:         s.UserID,
		MemoryType:     memoryType,
		Content:        s.Content,
		Importance:     s.Importance,
		EmotionValence: s.EmotionValence,
		AccessCount:    s.AccessCount,
		Embedding:      vec,
		CreatedAt:      s.CreatedAt.UTC(),
		LastAccessed:   s.LastAccessed.UTC(),
	}, nil
}

// EmbeddingToString converts a vector to a pgvector literal.
func EmbeddingToString(embedding []float32) string {
	if len(embedding) == 0 {
		return "[]"
	}

	parts := make([]string, len(embedding))
	for i, val := range embedding {
		parts[i] = strconv.FormatFloat(float64(val), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ParseEmbedding reads a pgvector literal such as "[0.1,-2,3e-05]".
func ParseEmbedding(raw string) ([]float32, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return nil, fmt.Errorf("invalid vector literal %q", raw)
	}

	body := strings.TrimSpace(raw[1 : len(raw)-1])
	if body == "" {
		return []float32{}, nil
	}

	parts := strings.Split(body, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
