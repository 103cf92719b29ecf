package search

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"

	"github.com/janhq/companion-memory/internal/domain/embedding"
	"github.com/janhq/companion-memory/internal/metrics"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed knowledge.yaml
var defaultKnowledge []byte

// KnowledgeItem is one static entry of the psychology knowledge base.
type KnowledgeItem struct {
	Topic     string    `yaml:"topic" json:"topic"`
	Content   string    `yaml:"content" json:"content"`
	Keywords  []string  `yaml:"keywords" json:"keywords"`
	Embedding []float32 `yaml:"-" json:"-"`
}

type knowledgeDocument struct {
	Items []KnowledgeItem `yaml:"items"`
}

// KnowledgeMatch is a ranked knowledge base hit.
type KnowledgeMatch struct {
	Topic    string  `json:"topic"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	Semantic float64 `json:"semantic_score"`
	Keyword  float64 `json:"keyword_score"`
}

// ParseKnowledge decodes a YAML knowledge document.
func ParseKnowledge(data []byte) ([]KnowledgeItem, error) {
	var doc knowledgeDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode knowledge document: %w", err)
	}

	seen := make(map[string]bool, len(doc.Items))
	for i, item := range doc.Items {
		if item.Topic == "" || item.Content == "" {
			return nil, fmt.Errorf("knowledge item %d: topic and content are required", i)
		}
		if seen[item.Topic] {
			return nil, fmt.Errorf("knowledge item %d: duplicate topic %q", i, item.Topic)
		}
		seen[item.Topic] = true
	}

	return doc.Items, nil
}

// LoadKnowledge reads the document at path, or the built-in one when path is empty.
func LoadKnowledge(path string) ([]KnowledgeItem, error) {
	if path == "" {
		return ParseKnowledge(defaultKnowledge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file %s: %w", path, err)
	}
	return ParseKnowledge(data)
}

// KnowledgeBase ranks static knowledge items against user messages.
type KnowledgeBase struct {
	embedder embedding.Client
	ranker   *Ranker
	topK     int

	warmMu sync.Mutex

	mu    sync.RWMutex
	items []KnowledgeItem
	ready bool
}

func NewKnowledgeBase(items []KnowledgeItem, embedder embedding.Client, ranker *Ranker, topK int) *KnowledgeBase {
	if topK <= 0 {
		topK = 5
	}
	copied := make([]KnowledgeItem, len(items))
	copy(copied, items)

	return &KnowledgeBase{
		embedder: embedder,
		ranker:   ranker,
		topK:     topK,
		items:    copied,
	}
}

// Topics lists the loaded topics in document order.
func (kb *KnowledgeBase) Topics() []string {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	topics := make([]string, len(kb.items))
	for i, item := range kb.items {
		topics[i] = item.Topic
	}
	return topics
}

// Ready reports whether item embeddings have been computed.
func (kb *KnowledgeBase) Ready() bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.ready
}

// Warm embeds every item with one batch call. It is a no-op once it has succeeded.
func (kb *KnowledgeBase) Warm(ctx context.Context) error {
	kb.warmMu.Lock()
	defer kb.warmMu.Unlock()

	if kb.Ready() {
		return nil
	}

	kb.mu.RLock()
	texts := make([]string, len(kb.items))
	for i, item := range kb.items {
		texts[i] = item.Topic + ": " + item.Content
	}
	kb.mu.RUnlock()

	vectors, err := kb.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed knowledge base: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embed knowledge base: expected %d vectors, got %d", len(texts), len(vectors))
	}

	kb.mu.Lock()
	for i := range kb.items {
		kb.items[i].Embedding = vectors[i]
	}
	kb.ready = true
	kb.mu.Unlock()

	log.Info().Int("items", len(texts)).Msg("Knowledge base embeddings ready")
	return nil
}

// Retrieve ranks the knowledge base against query.
func (kb *KnowledgeBase) Retrieve(ctx context.Context, query string, topK int) ([]KnowledgeMatch, error) {
	if topK <= 0 {
		topK = kb.topK
	}

	if err := kb.Warm(ctx); err != nil {
		metrics.RecordKnowledgeRetrieval("error")
		return nil, err
	}

	queryEmbedding, err := kb.embedder.EmbedSingle(ctx, query)
	if err != nil {
		metrics.RecordKnowledgeRetrieval("error")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	kb.mu.RLock()
	candidates := make([]Candidate, len(kb.items))
	for i, item := range kb.items {
		candidates[i] = Candidate{Embedding: item.Embedding, Keywords: item.Keywords}
	}
	items := kb.items
	kb.mu.RUnlock()

	ranked := kb.ranker.RankKnowledge(query, queryEmbedding, candidates, topK)

	matches := make([]KnowledgeMatch, len(ranked))
	for i, r := range ranked {
		item := items[r.Index]
		matches[i] = KnowledgeMatch{
			Topic:    item.Topic,
			Content:  item.Content,
			Score:    r.Score,
			Semantic: r.Semantic,
			Keyword:  r.Keyword,
		}
	}

	metrics.RecordKnowledgeRetrieval("ok")
	return matches, nil
}

// Contexts returns the content of the best matches, or nil if retrieval fails.
func (kb *KnowledgeBase) Contexts(ctx context.Context, query string) []string {
	matches, err := kb.Retrieve(ctx, query, 0)
	if err != nil {
		log.Warn().Err(err).Msg("Knowledge retrieval failed, continuing without knowledge context")
		return nil
	}

	contents := make([]string, len(matches))
	for i, m := range matches {
		contents[i] = m.Content
	}
	return contents
}
