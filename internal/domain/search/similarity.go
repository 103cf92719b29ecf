package search

import (
	"math"
	"strings"
	"time"
)

// CosineSimilarity returns dot(a,b)/(|a||b|), or 0 when either norm is zero
// or the vectors differ in length.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// KeywordScore is min(matches/len(keywords)*2, 1), where a match is a keyword
// occurring as a substring of the lower-cased query.
func KeywordScore(query string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}

	lowered := strings.ToLower(query)
	matches := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lowered, strings.ToLower(kw)) {
			matches++
		}
	}

	return math.Min(float64(matches)/float64(len(keywords))*2, 1.0)
}

// RecencyBoost rewards memories by whole days since they were last accessed.
func RecencyBoost(now, lastAccessed time.Time) float64 {
	days := int(now.Sub(lastAccessed).Hours() / 24)
	switch {
	case days <= 1:
		return 0.1
	case days <= 7:
		return 0.05
	case days <= 30:
		return 0.02
	default:
		return 0
	}
}
