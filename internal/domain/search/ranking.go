package search

import (
	"sort"
	"time"
)

// Candidate is one item offered to the ranker. Knowledge items carry
// keywords; memories carry importance and last access time.
type Candidate struct {
	Embedding    []float32
	Keywords     []string
	Importance   float64
	LastAccessed time.Time
}

// RankedResult points back into the candidate slice by index.
type RankedResult struct {
	Index    int
	Semantic float64
	Keyword  float64
	Score    float64
}

// RankerConfig tunes hybrid scoring.
type RankerConfig struct {
	KeywordBoost        float64
	SimilarityThreshold float64
	ImportanceWeight    float64
}

// Ranker scores candidates against a query embedding.
type Ranker struct {
	config RankerConfig
	now    func() time.Time
}

// NewRanker creates a new ranker, filling zero-valued weights with defaults.
func NewRanker(config RankerConfig) *Ranker {
	if config.KeywordBoost == 0 {
		config.KeywordBoost = 0.3
	}
	if config.SimilarityThreshold == 0 {
		config.SimilarityThreshold = 0.5
	}
	if config.ImportanceWeight == 0 {
		config.ImportanceWeight = 0.2
	}
	return &Ranker{config: config, now: time.Now}
}

// Config returns the effective configuration.
func (r *Ranker) Config() RankerConfig {
	return r.config
}

// RankKnowledge applies semantic similarity plus keyword boost. A candidate is
// kept when it clears the similarity threshold or any of its keywords appear in
// the query.
func (r *Ranker) RankKnowledge(query string, queryEmbedding []float32, candidates []Candidate, topK int) []RankedResult {
	results := make([]RankedResult, 0, len(candidates))
	for i, c := range candidates {
		semantic := CosineSimilarity(queryEmbedding, c.Embedding)
		keyword := KeywordScore(query, c.Keywords)
		score := semantic + keyword*r.config.KeywordBoost

		if score >= r.config.SimilarityThreshold || keyword > 0 {
			results = append(results, RankedResult{
				Index:    i,
				Semantic: semantic,
				Keyword:  keyword,
				Score:    score,
			})
		}
	}

	sortByScore(results)
	return GetTopK(results, topK)
}

// RankMemories applies semantic similarity plus recency and importance boosts.
// Callers pre-filter by type and minimum importance.
func (r *Ranker) RankMemories(queryEmbedding []float32, candidates []Candidate, topK int) []RankedResult {
	now := r.now()
	results := make([]RankedResult, 0, len(candidates))
	for i, c := range candidates {
		semantic := CosineSimilarity(queryEmbedding, c.Embedding)
		score := semantic + RecencyBoost(now, c.LastAccessed) + c.Importance*r.config.ImportanceWeight
		results = append(results, RankedResult{
			Index:    i,
			Semantic: semantic,
			Score:    score,
		})
	}

	sortByScore(results)
	return GetTopK(results, topK)
}

// sortByScore orders descending; equal scores keep candidate order.
func sortByScore(results []RankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
}

// GetTopK returns the top K results
func GetTopK(results []RankedResult, k int) []RankedResult {
	if k <= 0 || k > len(results) {
		k = len(results)
	}
	return results[:k]
}
