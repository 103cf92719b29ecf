package search

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 1}, []float32{-1, -1}, -1},
		{"zero norm", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestKeywordScore(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		keywords []string
		want     float64
	}{
		{"no keywords", "我很焦虑", nil, 0},
		{"no match", "今天天气不错", []string{"焦虑", "紧张"}, 0},
		{"one of five", "我很焦虑", []string{"焦虑", "紧张", "担心", "害怕", "恐惧"}, 0.4},
		{"capped at one", "焦虑又紧张", []string{"焦虑", "紧张", "担心"}, 1},
		{"case insensitive", "I feel STRESSED", []string{"stressed", "tired"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, KeywordScore(tt.query, tt.keywords), 1e-9)
		})
	}
}

func TestRecencyBoost_Bands(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	tests := []struct {
		name    string
		elapsed time.Duration
		want    float64
	}{
		{"just now", 0, 0.1},
		{"one day", day, 0.1},
		{"almost two days", 2*day - time.Minute, 0.1},
		{"two days", 2 * day, 0.05},
		{"seven days", 7 * day, 0.05},
		{"eight days", 8 * day, 0.02},
		{"thirty days", 30 * day, 0.02},
		{"thirty one days", 31 * day, 0},
		{"a year", 365 * day, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RecencyBoost(now, now.Add(-tt.elapsed)))
		})
	}
}

func TestRecencyBoost_MonotonicallyNonIncreasing(t *testing.T) {
	now := time.Now()
	prev := math.Inf(1)
	for hours := 0; hours <= 24*40; hours += 6 {
		boost := RecencyBoost(now, now.Add(-time.Duration(hours)*time.Hour))
		require.LessOrEqual(t, boost, prev, "boost increased at %d hours", hours)
		prev = boost
	}
}

func TestRanker_RankKnowledge_ForcedInclusionAndOrder(t *testing.T) {
	ranker := NewRanker(RankerConfig{})
	query := []float32{1, 0}

	candidates := []Candidate{
		// semantic 0, keyword hit
		{Embedding: []float32{0, 1}, Keywords: []string{"睡不着"}},
		// semantic 1
		{Embedding: []float32{1, 0}, Keywords: []string{"other"}},
		// dropped
		{Embedding: []float32{0, 1}, Keywords: []string{"nothing"}},
		// semantic ~0.995
		{Embedding: []float32{1, 0.1}, Keywords: []string{"other2"}},
	}

	results := ranker.RankKnowledge("我最近睡不着", query, candidates, 5)
	require.Len(t, results, 3)

	assert.Equal(t, 1, results[0].Index)
	assert.Equal(t, 3, results[1].Index)
	assert.Equal(t, 0, results[2].Index)
	assert.InDelta(t, 0.3, results[2].Score, 1e-9, "keyword-only hit scores keyword*boost")

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestRanker_RankKnowledge_StableTieBreak(t *testing.T) {
	ranker := NewRanker(RankerConfig{})
	vec := []float32{1, 1}
	candidates := []Candidate{{Embedding: vec}, {Embedding: vec}, {Embedding: vec}}

	results := ranker.RankKnowledge("q", vec, candidates, 0)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
	}
}

func TestRanker_RankMemories(t *testing.T) {
	ranker := NewRanker(RankerConfig{})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	ranker.now = func() time.Time { return now }

	query := []float32{1, 0}
	candidates := []Candidate{
		{Embedding: []float32{1, 0}, Importance: 0.1, LastAccessed: now.AddDate(0, 0, -60)}, // 1 + 0 + 0.02
		{Embedding: []float32{1, 0}, Importance: 0.5, LastAccessed: now},                    // 1 + 0.1 + 0.1
		{Embedding: []float32{0, 1}, Importance: 1.0, LastAccessed: now},                    // 0 + 0.1 + 0.2
	}

	results := ranker.RankMemories(query, candidates, 2)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Index)
	assert.InDelta(t, 1.2, results[0].Score, 1e-9)
	assert.Equal(t, 0, results[1].Index)
	assert.InDelta(t, 1.02, results[1].Score, 1e-9)
}

func TestGetTopK(t *testing.T) {
	results := []RankedResult{{Index: 0}, {Index: 1}, {Index: 2}}

	assert.Len(t, GetTopK(results, 2), 2)
	assert.Len(t, GetTopK(results, 10), 3)
	assert.Len(t, GetTopK(results, 0), 3)
}
