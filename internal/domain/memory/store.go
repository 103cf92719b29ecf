package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/janhq/companion-memory/internal/domain/embedding"
	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/janhq/companion-memory/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultDedupThreshold = 0.9
	mergeImportanceBump   = 0.1
	recentTopicsLimit     = 5
	recentTopicRunes      = 100
)

// StoreConfig holds configuration for the memory store
type StoreConfig struct {
	DedupThreshold float64
}

// Store owns every user's memory collection. Each user has its own lock, so
// the compare-then-merge-or-append step is atomic per user while different
// users never contend.
type Store struct {
	embedder embedding.Client
	ranker   *search.Ranker
	repo     Repository
	config   StoreConfig
	now      func() time.Time

	mu      sync.Mutex
	buckets map[string]*userBucket
}

type userBucket struct {
	mu       sync.Mutex
	records  []*MemoryRecord
	hydrated bool

	// writeMu orders repository writes for the bucket once mu is released.
	writeMu sync.Mutex
}

// NewStore creates a memory store. repo may be nil for a purely in-process store.
func NewStore(embedder embedding.Client, ranker *search.Ranker, repo Repository, config StoreConfig) *Store {
	if config.DedupThreshold == 0 {
		config.DedupThreshold = defaultDedupThreshold
	}
	if repo == nil {
		repo = NopRepository{}
	}

	return &Store{
		embedder: embedder,
		ranker:   ranker,
		repo:     repo,
		config:   config,
		now:      func() time.Time { return time.Now().UTC() },
		buckets:  make(map[string]*userBucket),
	}
}

// Add embeds the request content and either merges it into an equivalent
// record or appends a new one. The returned record is a snapshot.
func (s *Store) Add(ctx context.Context, req AddMemoryRequest) (*MemoryRecord, error) {
	return s.add(ctx, req, false)
}

// AddEscalated behaves like Add, except that a merge also lifts the matched
// record to the request's type, importance and valence. Crisis turns use it so
// the stored record always carries the crisis markers.
func (s *Store) AddEscalated(ctx context.Context, req AddMemoryRequest) (*MemoryRecord, error) {
	return s.add(ctx, req, true)
}

func (s *Store) add(ctx context.Context, req AddMemoryRequest, escalate bool) (*MemoryRecord, error) {
	if err := validateAddRequest(&req); err != nil {
		metrics.RecordAdd("failed")
		return nil, err
	}

	vec, err := s.embedder.EmbedSingle(ctx, req.Content)
	if err != nil {
		metrics.RecordAdd("failed")
		return nil, fmt.Errorf("embed memory content: %w", err)
	}
	if err := ctx.Err(); err != nil {
		metrics.RecordAdd("failed")
		return nil, err
	}

	bucket := s.lockUser(ctx, req.UserID, true)

	now := s.now()
	if existing := s.findSimilar(bucket, vec); existing != nil {
		existing.AccessCount++
		existing.Importance = math.Min(1.0, existing.Importance+mergeImportanceBump)
		existing.LastAccessed = now
		if escalate {
			existing.MemoryType = req.MemoryType
			existing.Importance = math.Max(existing.Importance, req.Importance)
			if req.EmotionValence != nil {
				existing.EmotionValence = float64Ptr(*req.EmotionValence)
			}
		}
		snapshot := existing.clone()
		s.mirror(ctx, bucket, snapshot)

		metrics.RecordAdd("merged")
		log.Debug().
			Str("memory_id", snapshot.ID).
			Str("memory_type", string(snapshot.MemoryType)).
			Float64("importance", snapshot.Importance).
			Bool("escalated", escalate).
			Msg("Merged memory into existing record")
		return snapshot, nil
	}

	record := &MemoryRecord{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		MemoryType:     req.MemoryType,
		Content:        req.Content,
		Importance:     req.Importance,
		EmotionValence: req.EmotionValence,
		CreatedAt:      now,
		LastAccessed:   now,
		Embedding:      vec,
	}
	bucket.records = append(bucket.records, record)
	snapshot := record.clone()
	s.mirror(ctx, bucket, snapshot)

	metrics.RecordAdd("created")
	log.Debug().
		Str("memory_id", snapshot.ID).
		Str("memory_type", string(snapshot.MemoryType)).
		Float64("importance", snapshot.Importance).
		Msg("Stored new memory")
	return snapshot, nil
}

// Search ranks a user's memories against query. Every returned record has
// its access count and last access time refreshed.
func (s *Store) Search(ctx context.Context, userID, query string, opts SearchOptions) ([]MemorySearchResult, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	if !s.hasUser(userID) {
		return []MemorySearchResult{}, nil
	}

	queryEmbedding, err := s.embedder.EmbedSingle(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	start := time.Now()
	defer func() { metrics.RecordSearch(time.Since(start).Seconds()) }()

	bucket := s.lockUser(ctx, userID, false)
	if bucket == nil {
		return []MemorySearchResult{}, nil
	}

	allowed := typeSet(opts.Types)
	pool := make([]*MemoryRecord, 0, len(bucket.records))
	candidates := make([]search.Candidate, 0, len(bucket.records))
	for _, rec := range bucket.records {
		if allowed != nil && !allowed[rec.MemoryType] {
			continue
		}
		if rec.Importance < opts.MinImportance {
			continue
		}
		pool = append(pool, rec)
		candidates = append(candidates, search.Candidate{
			Embedding:    rec.Embedding,
			Importance:   rec.Importance,
			LastAccessed: rec.LastAccessed,
		})
	}

	ranked := s.ranker.RankMemories(queryEmbedding, candidates, opts.TopK)

	now := s.now()
	results := make([]MemorySearchResult, 0, len(ranked))
	touched := make([]*MemoryRecord, 0, len(ranked))
	for _, r := range ranked {
		rec := pool[r.Index]
		rec.LastAccessed = now
		rec.AccessCount++
		snapshot := rec.clone()
		touched = append(touched, snapshot)
		results = append(results, MemorySearchResult{
			Memory:         snapshot.clone(),
			RelevanceScore: r.Score,
		})
	}
	s.mirror(ctx, bucket, touched...)

	return results, nil
}

// GetUserMemories returns the user's memories, most important and most
// recently accessed first.
func (s *Store) GetUserMemories(ctx context.Context, userID string, types []MemoryType) []*MemoryRecord {
	bucket := s.lockUser(ctx, userID, false)
	if bucket == nil {
		return []*MemoryRecord{}
	}
	defer bucket.mu.Unlock()

	allowed := typeSet(types)
	out := make([]*MemoryRecord, 0, len(bucket.records))
	for _, rec := range bucket.records {
		if allowed != nil && !allowed[rec.MemoryType] {
			continue
		}
		out = append(out, rec.clone())
	}

	sortByImportanceRecency(out)
	return out
}

// GetMemorySummary aggregates a user's collection.
func (s *Store) GetMemorySummary(ctx context.Context, userID string) MemoryStats {
	stats := MemoryStats{
		ByType:       map[MemoryType]int{},
		RecentTopics: []string{},
	}

	bucket := s.lockUser(ctx, userID, false)
	if bucket == nil {
		return stats
	}
	records := make([]*MemoryRecord, len(bucket.records))
	for i, rec := range bucket.records {
		records[i] = rec.clone()
	}
	bucket.mu.Unlock()

	if len(records) == 0 {
		return stats
	}

	var total float64
	for _, rec := range records {
		stats.ByType[rec.MemoryType]++
		total += rec.Importance
	}
	stats.TotalMemories = len(records)
	stats.AvgImportance = total / float64(len(records))

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	for i, rec := range records {
		if i >= recentTopicsLimit {
			break
		}
		stats.RecentTopics = append(stats.RecentTopics, truncateRunes(rec.Content, recentTopicRunes))
	}

	return stats
}

// DeleteMemory removes one record. It reports false when the user or id is unknown.
func (s *Store) DeleteMemory(ctx context.Context, userID, memoryID string) bool {
	bucket := s.lockUser(ctx, userID, false)
	if bucket == nil {
		return false
	}
	defer bucket.mu.Unlock()

	for i, rec := range bucket.records {
		if rec.ID != memoryID {
			continue
		}
		bucket.records = append(bucket.records[:i], bucket.records[i+1:]...)
		if err := s.repo.Delete(ctx, userID, memoryID); err != nil {
			log.Warn().Err(err).Str("memory_id", memoryID).Msg("Failed to mirror memory deletion")
		}
		return true
	}
	return false
}

// ClearUserMemories drops every record for the user and returns how many there were.
func (s *Store) ClearUserMemories(ctx context.Context, userID string) int {
	bucket := s.lockUser(ctx, userID, false)
	if bucket == nil {
		return 0
	}
	defer bucket.mu.Unlock()

	count := len(bucket.records)
	bucket.records = nil
	if _, err := s.repo.DeleteByUser(ctx, userID); err != nil {
		log.Warn().Err(err).Msg("Failed to mirror memory clear")
	}
	return count
}

// lockUser returns the user's bucket with its lock held, hydrating it from
// the repository on first touch. When create is false and the user has never
// been seen, it returns nil with no lock held.
func (s *Store) lockUser(ctx context.Context, userID string, create bool) *userBucket {
	s.mu.Lock()
	bucket, ok := s.buckets[userID]
	if !ok {
		if !create && !s.repo.Durable() {
			s.mu.Unlock()
			return nil
		}
		bucket = &userBucket{}
		s.buckets[userID] = bucket
	}
	s.mu.Unlock()

	bucket.mu.Lock()
	if !bucket.hydrated {
		s.hydrate(ctx, userID, bucket)
	}
	return bucket
}

func (s *Store) hasUser(userID string) bool {
	if s.repo.Durable() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[userID]
	return ok
}

// hydrate loads mirrored records not yet in memory. Caller holds bucket.mu.
func (s *Store) hydrate(ctx context.Context, userID string, bucket *userBucket) {
	if !s.repo.Durable() {
		bucket.hydrated = true
		return
	}

	stored, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to hydrate memories from repository, continuing in-process")
		return
	}

	known := make(map[string]bool, len(bucket.records))
	for _, rec := range bucket.records {
		known[rec.ID] = true
	}
	for _, rec := range stored {
		if !known[rec.ID] {
			bucket.records = append(bucket.records, rec)
		}
	}
	bucket.hydrated = true
}

// findSimilar returns the first record at or above the dedup threshold. Caller holds bucket.mu.
func (s *Store) findSimilar(bucket *userBucket, vec []float32) *MemoryRecord {
	for _, rec := range bucket.records {
		if search.CosineSimilarity(vec, rec.Embedding) >= s.config.DedupThreshold {
			return rec
		}
	}
	return nil
}

// mirror releases bucket.mu and writes the snapshots to the repository.
// writeMu is taken before mu is dropped, so writes land in the order the
// in-memory changes were made without holding the user lock across I/O.
func (s *Store) mirror(ctx context.Context, bucket *userBucket, snapshots ...*MemoryRecord) {
	bucket.writeMu.Lock()
	bucket.mu.Unlock()
	defer bucket.writeMu.Unlock()

	for _, rec := range snapshots {
		if err := s.repo.Save(ctx, rec); err != nil {
			log.Warn().Err(err).Str("memory_id", rec.ID).Msg("Failed to mirror memory")
		}
	}
}

func validateAddRequest(req *AddMemoryRequest) error {
	if req.UserID == "" {
		return fmt.Errorf("user_id is required: %w", ErrValidationRejected)
	}
	if !req.MemoryType.IsValid() {
		return fmt.Errorf("memory type %q: %w", req.MemoryType, ErrValidationRejected)
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return fmt.Errorf("content is required: %w", ErrValidationRejected)
	}

	req.Importance = clamp(req.Importance, 0, 1)
	if req.EmotionValence != nil {
		req.EmotionValence = float64Ptr(clamp(*req.EmotionValence, -1, 1))
	}
	return nil
}

func typeSet(types []MemoryType) map[MemoryType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[MemoryType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func sortByImportanceRecency(records []*MemoryRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Importance != records[j].Importance {
			return records[i].Importance > records[j].Importance
		}
		return records[i].LastAccessed.After(records[j].LastAccessed)
	})
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
