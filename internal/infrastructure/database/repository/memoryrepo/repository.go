package memoryrepo

import (
	"context"
	"fmt"

	"github.com/janhq/companion-memory/internal/domain/memory"
	"github.com/janhq/companion-memory/internal/infrastructure/database/dbschema"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	listByUserSQL = `SELECT id, user_id, memory_type, content, importance, emotion_valence,
		access_count, embedding::text AS embedding, created_at, last_accessed
		FROM companion_memories WHERE user_id = ? ORDER BY created_at ASC`

	upsertSQL = `INSERT INTO companion_memories
		(id, user_id, memory_type, content, importance, emotion_valence, access_count, embedding, created_at, last_accessed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?::vector, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			importance = EXCLUDED.importance,
			access_count = EXCLUDED.access_count,
			last_accessed = EXCLUDED.last_accessed`

	deleteSQL       = `DELETE FROM companion_memories WHERE user_id = ? AND id = ?`
	deleteByUserSQL = `DELETE FROM companion_memories WHERE user_id = ?`
)

// Repository mirrors memory records into Postgres
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Durable is always true: records survive a restart and are hydrated on demand.
func (r *Repository) Durable() bool { return true }

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*memory.MemoryRecord, error) {
	var rows []dbschema.CompanionMemory
	if err := r.db.WithContext(ctx).Raw(listByUserSQL, userID).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}

	records := make([]*memory.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].EtoD()
		if err != nil {
			log.Warn().Err(err).Str("memory_id", rows[i].ID).Msg("Skipping unreadable mirrored memory")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Save inserts a record or refreshes the mutable fields of an existing one.
func (r *Repository) Save(ctx context.Context, record *memory.MemoryRecord) error {
	row := dbschema.NewSchemaCompanionMemory(record)
	if err := r.db.WithContext(ctx).Exec(upsertSQL,
		row.ID,
		row.UserID,
		row.MemoryType,
		row.Content,
		row.Importance,
		row.EmotionValence,
		row.AccessCount,
		row.Embedding,
		row.CreatedAt,
		row.LastAccessed,
	).Error; err != nil {
		return fmt.Errorf("upsert memory: %w", err)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, userID, memoryID string) error {
	result := r.db.WithContext(ctx).Exec(deleteSQL, userID, memoryID)
	if result.Error != nil {
		return fmt.Errorf("delete memory: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("memory %s: %w", memoryID, memory.ErrNotFound)
	}
	return nil
}

func (r *Repository) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Exec(deleteByUserSQL, userID)
	if result.Error != nil {
		return 0, fmt.Errorf("delete user memories: %w", result.Error)
	}
	return result.RowsAffected, nil
}

var _ memory.Repository = (*Repository)(nil)
