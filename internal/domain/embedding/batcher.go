package embedding

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Batcher coalesces concurrent EmbedSingle calls into one provider request.
type Batcher struct {
	client       Client
	batchSize    int
	maxWait      time.Duration
	flushTimeout time.Duration

	mu      sync.Mutex
	queue   []batchItem
	timer   *time.Timer
	stopped bool
}

type batchItem struct {
	text     string
	resultCh chan<- batchResult
}

type batchResult struct {
	embedding []float32
	err       error
}

// NewBatcher creates a new embedding batcher
func NewBatcher(client Client, batchSize int, maxWait time.Duration) *Batcher {
	if batchSize <= 0 {
		batchSize = 16
	}
	if maxWait <= 0 {
		maxWait = 20 * time.Millisecond
	}
	return &Batcher{
		client:       client,
		batchSize:    batchSize,
		maxWait:      maxWait,
		flushTimeout: 30 * time.Second,
		queue:        make([]batchItem, 0, batchSize),
	}
}

// Embed passes explicit batches straight through.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return b.client.Embed(ctx, texts)
}

// EmbedSingle queues text and waits for the batch it lands in.
func (b *Batcher) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	resultCh := make(chan batchResult, 1)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return b.client.EmbedSingle(ctx, text)
	}
	b.queue = append(b.queue, batchItem{text: text, resultCh: resultCh})

	if len(b.queue) == 1 {
		b.timer = time.AfterFunc(b.maxWait, b.flush)
	}

	if len(b.queue) >= b.batchSize {
		if b.timer != nil {
			b.timer.Stop()
		}
		b.mu.Unlock()
		go b.flush()
	} else {
		b.mu.Unlock()
	}

	select {
	case result := <-resultCh:
		return result.embedding, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}

	items := b.queue
	b.queue = make([]batchItem, 0, b.batchSize)
	b.mu.Unlock()

	texts := make([]string, len(items))
	for i, item := range items {
		texts[i] = item.text
	}

	log.Debug().
		Int("batch_size", len(texts)).
		Msg("Processing embedding batch")

	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout)
	defer cancel()

	embeddings, err := b.client.Embed(ctx, texts)

	for i, item := range items {
		result := batchResult{err: err}
		if err == nil {
			if i < len(embeddings) {
				result.embedding = embeddings[i]
			} else {
				result.err = ErrEmptyEmbedding
			}
		}
		item.resultCh <- result
	}
}

// Stop flushes pending work; later calls bypass batching.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
	b.flush()
}
