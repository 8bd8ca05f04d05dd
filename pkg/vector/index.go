package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Corpus names a searchable document collection.
type Corpus string

const (
	CorpusIncidents Corpus = "incidents"
	CorpusRunbooks  Corpus = "runbooks"
	CorpusLogs      Corpus = "logs"
)

// Document is one indexed item. Payload carries corpus-specific fields
// (incident summary, runbook section, log line metadata).
type Document struct {
	ID      string
	Text    string
	Payload map[string]any
}

// SearchResult pairs a document with its similarity to the query.
type SearchResult struct {
	Document   Document
	Similarity float64
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index is the similarity-search interface the RAG and log agents
// consume. Implementations must be safe for concurrent use.
type Index interface {
	Add(ctx context.Context, corpus Corpus, docs ...Document) error
	Search(ctx context.Context, corpus Corpus, query string, k int, minSimilarity float64) ([]SearchResult, error)
	Len(corpus Corpus) int
}

type indexedDoc struct {
	doc Document
	vec []float32
}

// InMemoryIndex is a cosine-similarity index over normalized embeddings.
type InMemoryIndex struct {
	embedder Embedder

	mu      sync.RWMutex
	corpora map[Corpus][]indexedDoc
}

// NewInMemoryIndex builds an empty index backed by the given embedder.
func NewInMemoryIndex(embedder Embedder) *InMemoryIndex {
	return &InMemoryIndex{
		embedder: embedder,
		corpora:  make(map[Corpus][]indexedDoc),
	}
}

// Add embeds and stores documents in a corpus.
func (idx *InMemoryIndex) Add(ctx context.Context, corpus Corpus, docs ...Document) error {
	entries := make([]indexedDoc, 0, len(docs))
	for _, doc := range docs {
		vec, err := idx.embedder.Embed(ctx, doc.Text)
		if err != nil {
			return fmt.Errorf("embedding document %s: %w", doc.ID, err)
		}
		entries = append(entries, indexedDoc{doc: doc, vec: normalize(vec)})
	}

	idx.mu.Lock()
	idx.corpora[corpus] = append(idx.corpora[corpus], entries...)
	idx.mu.Unlock()
	return nil
}

// Search returns the k nearest documents above minSimilarity, best first.
func (idx *InMemoryIndex) Search(ctx context.Context, corpus Corpus, query string, k int, minSimilarity float64) ([]SearchResult, error) {
	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	queryVec = normalize(queryVec)

	idx.mu.RLock()
	entries := idx.corpora[corpus]
	results := make([]SearchResult, 0, len(entries))
	for _, entry := range entries {
		sim := dot(queryVec, entry.vec)
		if sim >= minSimilarity {
			results = append(results, SearchResult{Document: entry.doc, Similarity: sim})
		}
	}
	idx.mu.RUnlock()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Len reports the number of documents in a corpus.
func (idx *InMemoryIndex) Len(corpus Corpus) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.corpora[corpus])
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
