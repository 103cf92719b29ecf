package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janhq/companion-memory/internal/domain/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 64

// fakeEmbedder returns a fixed vector for known texts and a fresh one-hot
// vector for every other distinct text.
type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	next  int
	err   error
	calls int
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: map[string][]float32{}}
}

func (e *fakeEmbedder) set(text string, vec ...float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	padded := make([]float32, testDim)
	copy(padded, vec)
	e.vecs[text] = padded
}

func (e *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := e.vecs[text]
		if !ok {
			vec = make([]float32, testDim)
			vec[testDim-1-e.next%testDim] = 1
			e.next++
			e.vecs[text] = vec
		}
		out[i] = vec
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	out, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

type fakeRepo struct {
	mu      sync.Mutex
	durable bool
	stored  map[string][]*MemoryRecord
	saved   []string
	deleted []string
	listErr error
	saveErr error
	onSave  func(record *MemoryRecord)
}

func (r *fakeRepo) Durable() bool { return r.durable }

func (r *fakeRepo) ListByUser(ctx context.Context, userID string) ([]*MemoryRecord, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.stored[userID], nil
}

func (r *fakeRepo) Save(ctx context.Context, record *MemoryRecord) error {
	if r.onSave != nil {
		r.onSave(record)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, record.ID)
	return r.saveErr
}

func (r *fakeRepo) Delete(ctx context.Context, userID, memoryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, memoryID)
	return nil
}

func (r *fakeRepo) DeleteByUser(ctx context.Context, userID string) (int64, error) {
	return int64(len(r.stored[userID])), nil
}

func newTestStore(embedder *fakeEmbedder, repo Repository) *Store {
	return NewStore(embedder, search.NewRanker(search.RankerConfig{}), repo, StoreConfig{})
}

func TestStore_AddMergesNearDuplicates(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.set("我最近睡不好", 1, 0)
	embedder.set("最近睡眠很差", 0.99, 0.1)
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	first, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeConcern, Content: "我最近睡不好", Importance: 0.5})
	require.NoError(t, err)

	merged, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeConcern, Content: "最近睡眠很差", Importance: 0.9})
	require.NoError(t, err)

	assert.Equal(t, first.ID, merged.ID)
	assert.Equal(t, "我最近睡不好", merged.Content)
	assert.InDelta(t, 0.6, merged.Importance, 1e-9)
	assert.Equal(t, 1, merged.AccessCount)

	all := store.GetUserMemories(ctx, "u1", nil)
	assert.Len(t, all, 1)
}

func TestStore_AddImportanceCapsAtOne(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.set("same", 1)
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "same", Importance: 0.95})
		require.NoError(t, err)
	}

	all := store.GetUserMemories(ctx, "u1", nil)
	require.Len(t, all, 1)
	assert.Equal(t, 1.0, all[0].Importance)
	assert.Equal(t, 2, all[0].AccessCount)
}

func TestStore_AddDistinctAndPerUser(t *testing.T) {
	store := newTestStore(newFakeEmbedder(), nil)
	ctx := context.Background()

	_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeGoal, Content: "想换工作", Importance: 0.5})
	require.NoError(t, err)
	_, err = store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeRelationship, Content: "和妈妈关系紧张", Importance: 0.5})
	require.NoError(t, err)
	_, err = store.Add(ctx, AddMemoryRequest{UserID: "u2", MemoryType: MemoryTypeGoal, Content: "想换工作", Importance: 0.5})
	require.NoError(t, err)

	assert.Len(t, store.GetUserMemories(ctx, "u1", nil), 2)
	assert.Len(t, store.GetUserMemories(ctx, "u2", nil), 1)
}

func TestStore_AddValidation(t *testing.T) {
	store := newTestStore(newFakeEmbedder(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AddMemoryRequest
	}{
		{"missing user", AddMemoryRequest{MemoryType: MemoryTypeEvent, Content: "x"}},
		{"unknown type", AddMemoryRequest{UserID: "u1", MemoryType: "hobby", Content: "x"}},
		{"blank content", AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "   "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Add(ctx, tt.req)
			assert.ErrorIs(t, err, ErrValidationRejected)
		})
	}
}

func TestStore_AddClampsValues(t *testing.T) {
	store := newTestStore(newFakeEmbedder(), nil)

	rec, err := store.Add(context.Background(), AddMemoryRequest{
		UserID:         "u1",
		MemoryType:     MemoryTypeEmotion,
		Content:        "开心",
		Importance:     3,
		EmotionValence: float64Ptr(-4),
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Importance)
	require.NotNil(t, rec.EmotionValence)
	assert.Equal(t, -1.0, *rec.EmotionValence)
}

func TestStore_AddEmbedFailureCreatesNothing(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.err = errors.New("connection refused")
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "考试没过", Importance: 0.7})
	require.Error(t, err)

	assert.Empty(t, store.GetUserMemories(ctx, "u1", nil))
	assert.Equal(t, 0, store.GetMemorySummary(ctx, "u1").TotalMemories)
}

func TestStore_ConcurrentAddsDedup(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.set("同一件事", 1, 1)
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "同一件事", Importance: 0.1})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all := store.GetUserMemories(ctx, "u1", nil)
	require.Len(t, all, 1)
	assert.Equal(t, n-1, all[0].AccessCount)
}

func TestStore_SearchFiltersAndOrders(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.set("工作压力大", 1, 0)
	embedder.set("老板总是批评我", 0.8, 0.6)
	embedder.set("周末去爬山", 0, 1)
	embedder.set("工作", 1, 0)
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	add := func(content string, typ MemoryType, importance float64) {
		_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: typ, Content: content, Importance: importance})
		require.NoError(t, err)
	}
	add("工作压力大", MemoryTypeConcern, 0.8)
	add("老板总是批评我", MemoryTypeEvent, 0.6)
	add("周末去爬山", MemoryTypeEvent, 0.2)

	results, err := store.Search(ctx, "u1", "工作", SearchOptions{MinImportance: 0.3})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "工作压力大", results[0].Memory.Content)
	assert.Equal(t, "老板总是批评我", results[1].Memory.Content)
	assert.Greater(t, results[0].RelevanceScore, results[1].RelevanceScore)
	assert.Equal(t, 1, results[0].Memory.AccessCount)

	results, err = store.Search(ctx, "u1", "工作", SearchOptions{Types: []MemoryType{MemoryTypeEvent}, TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "老板总是批评我", results[0].Memory.Content)
	assert.Equal(t, 2, results[0].Memory.AccessCount)
}

func TestStore_SearchUnknownUserSkipsEmbedding(t *testing.T) {
	embedder := newFakeEmbedder()
	store := newTestStore(embedder, nil)

	results, err := store.Search(context.Background(), "ghost", "hello", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, embedder.calls)
}

func TestStore_SearchEmbedFailure(t *testing.T) {
	embedder := newFakeEmbedder()
	store := newTestStore(embedder, nil)
	ctx := context.Background()

	_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "x", Importance: 0.5})
	require.NoError(t, err)

	embedder.err = errors.New("timeout")
	_, err = store.Search(ctx, "u1", "x", SearchOptions{})
	assert.Error(t, err)
}

func TestStore_GetUserMemoriesOrdering(t *testing.T) {
	store := newTestStore(newFakeEmbedder(), nil)
	ctx := context.Background()

	for _, c := range []struct {
		content    string
		importance float64
	}{{"low", 0.2}, {"high", 0.9}, {"mid", 0.5}} {
		_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: c.content, Importance: c.importance})
		require.NoError(t, err)
	}

	all := store.GetUserMemories(ctx, "u1", nil)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"high", "mid", "low"}, []string{all[0].Content, all[1].Content, all[2].Content})

	assert.Empty(t, store.GetUserMemories(ctx, "u1", []MemoryType{MemoryTypeGoal}))
	assert.Empty(t, store.GetUserMemories(ctx, "nobody", nil))
}

func TestStore_GetMemorySummary(t *testing.T) {
	store := newTestStore(newFakeEmbedder(), nil)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	long := strings.Repeat("长", 150)
	contents := []string{"a", "b", "c", "d", "e", long}
	for i, c := range contents {
		typ := MemoryTypeEvent
		if i%2 == 0 {
			typ = MemoryTypeEmotion
		}
		_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: typ, Content: c, Importance: 0.5})
		require.NoError(t, err)
	}

	stats := store.GetMemorySummary(ctx, "u1")
	assert.Equal(t, 6, stats.TotalMemories)
	assert.Equal(t, 3, stats.ByType[MemoryTypeEmotion])
	assert.Equal(t, 3, stats.ByType[MemoryTypeEvent])
	assert.InDelta(t, 0.5, stats.AvgImportance, 1e-9)
	require.Len(t, stats.RecentTopics, 5)
	assert.Equal(t, strings.Repeat("长", 100), stats.RecentTopics[0])
	assert.Equal(t, "b", stats.RecentTopics[4])

	empty := store.GetMemorySummary(ctx, "nobody")
	assert.Equal(t, 0, empty.TotalMemories)
	assert.NotNil(t, empty.ByType)
	assert.NotNil(t, empty.RecentTopics)
}

func TestStore_DeleteAndClear(t *testing.T) {
	repo := &fakeRepo{}
	store := newTestStore(newFakeEmbedder(), repo)
	ctx := context.Background()

	rec, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "one", Importance: 0.5})
	require.NoError(t, err)
	_, err = store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "two", Importance: 0.5})
	require.NoError(t, err)

	assert.False(t, store.DeleteMemory(ctx, "u1", "missing"))
	assert.False(t, store.DeleteMemory(ctx, "nobody", rec.ID))
	assert.True(t, store.DeleteMemory(ctx, "u1", rec.ID))
	assert.Equal(t, []string{rec.ID}, repo.deleted)

	assert.Equal(t, 1, store.ClearUserMemories(ctx, "u1"))
	assert.Equal(t, 0, store.ClearUserMemories(ctx, "nobody"))

	results, err := store.Search(ctx, "u1", "one", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_HydratesFromDurableRepository(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.set("旧的记忆", 1, 0)
	vec, err := embedder.EmbedSingle(context.Background(), "旧的记忆")
	require.NoError(t, err)

	now := time.Now().UTC()
	repo := &fakeRepo{
		durable: true,
		stored: map[string][]*MemoryRecord{
			"u1": {{
				ID:           "mem-1",
				UserID:       "u1",
				MemoryType:   MemoryTypeConcern,
				Content:      "旧的记忆",
				Importance:   0.5,
				CreatedAt:    now,
				LastAccessed: now,
				Embedding:    vec,
			}},
		},
	}
	store := newTestStore(embedder, repo)
	ctx := context.Background()

	all := store.GetUserMemories(ctx, "u1", nil)
	require.Len(t, all, 1)
	assert.Equal(t, "mem-1", all[0].ID)

	merged, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeConcern, Content: "旧的记忆", Importance: 0.5})
	require.NoError(t, err)
	assert.Equal(t, "mem-1", merged.ID)
	assert.Contains(t, repo.saved, "mem-1")
}

func TestStore_RepositoryErrorsAreNotFatal(t *testing.T) {
	repo := &fakeRepo{durable: true, listErr: errors.New("db down"), saveErr: errors.New("db down")}
	store := newTestStore(newFakeEmbedder(), repo)

	rec, err := store.Add(context.Background(), AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "x", Importance: 0.5})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Len(t, store.GetUserMemories(context.Background(), "u1", nil), 1)
}

func TestStore_MirrorsOutsideUserLock(t *testing.T) {
	embedder := newFakeEmbedder()
	repo := &fakeRepo{}
	store := newTestStore(embedder, repo)
	ctx := context.Background()

	var seen []int
	repo.onSave = func(record *MemoryRecord) {
		// Reading the same user while a write is in flight must not block.
		seen = append(seen, len(store.GetUserMemories(ctx, record.UserID, nil)))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := store.Add(ctx, AddMemoryRequest{UserID: "u1", MemoryType: MemoryTypeEvent, Content: "养了一只猫", Importance: 0.6})
		assert.NoError(t, err)
		_, err = store.Search(ctx, "u1", "养了一只猫", SearchOptions{TopK: 1})
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("repository write held the user lock")
	}
	assert.Equal(t, []int{1, 1}, seen)
	assert.Len(t, repo.saved, 2)
}
