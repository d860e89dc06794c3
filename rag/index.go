package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/promptlab/promptlab/core"
	"github.com/promptlab/promptlab/pkg/logging"
)

const defaultCacheSize = 2048

// Retrieved is one chunk returned by a query, with its similarity score
// and provenance for citation.
type Retrieved struct {
	Text          string  `json:"text"`
	Score         float64 `json:"score"`
	Source        string  `json:"source"`
	KnowledgeBase string  `json:"knowledge_base"`
}

// Indexer embeds document chunks into a vector store and answers top-K
// similarity queries. Embeddings are cached by content hash so repeated
// passes over the same corpus hit the provider once.
type Indexer struct {
	embedder core.Embedder
	store    VectorStore
	cache    *lru.Cache[string, []float32]
	logger   *logging.Logger
	seq      int
}

// NewIndexer creates an indexer over the given embedder and store.
func NewIndexer(embedder core.Embedder, store VectorStore, logger *logging.Logger) (*Indexer, error) {
	cache, err := lru.New[string, []float32](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Indexer{
		embedder: embedder,
		store:    store,
		cache:    cache,
		logger:   logger,
	}, nil
}

// AddDocument chunks a document and indexes every chunk once.
func (i *Indexer) AddDocument(ctx context.Context, kb, source, text, model string, opts ChunkOptions) (int, error) {
	chunks := ChunkText(text, source, opts)
	for _, chunk := range chunks {
		vec, err := i.embed(ctx, chunk.Text, model)
		if err != nil {
			return 0, fmt.Errorf("failed to embed chunk of %s: %w", source, err)
		}

		i.seq++
		id := fmt.Sprintf("%s/%s#%d", kb, source, i.seq)
		meta := map[string]string{
			"kb":     kb,
			"source": source,
			"text":   chunk.Text,
			"start":  fmt.Sprintf("%d", chunk.Start),
			"end":    fmt.Sprintf("%d", chunk.End),
		}
		if err := i.store.Upsert(ctx, id, vec, meta); err != nil {
			return 0, fmt.Errorf("failed to store chunk of %s: %w", source, err)
		}
	}
	if i.logger != nil {
		i.logger.Debug("indexed document", "kb", kb, "source", source, "chunks", len(chunks))
	}
	return len(chunks), nil
}

// Retrieve embeds the query once, ranks all chunks by similarity, drops
// those below minScore and returns the top K.
func (i *Indexer) Retrieve(ctx context.Context, query, model string, topK int, minScore float64) ([]Retrieved, error) {
	vec, err := i.embed(ctx, query, model)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := i.store.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var results []Retrieved
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		results = append(results, Retrieved{
			Text:          hit.Meta["text"],
			Score:         hit.Score,
			Source:        hit.Meta["source"],
			KnowledgeBase: hit.Meta["kb"],
		})
	}
	return results, nil
}

func (i *Indexer) embed(ctx context.Context, text, model string) ([]float32, error) {
	key := cacheKey(model, text)
	if vec, ok := i.cache.Get(key); ok {
		return vec, nil
	}

	vectors, err := i.embedder.Embed(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected 1 vector, got %d", len(vectors))
	}

	i.cache.Add(key, vectors[0])
	return vectors[0], nil
}

func cacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// FormatResults renders retrieved chunks into the context block injected
// ahead of a test input.
func FormatResults(results []Retrieved) string {
	var b strings.Builder
	for n, r := range results {
		fmt.Fprintf(&b, "[%d] (%s/%s, similarity %.2f)\n%s\n\n", n+1, r.KnowledgeBase, r.Source, r.Score, r.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
