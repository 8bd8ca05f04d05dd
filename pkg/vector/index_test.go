package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T) *InMemoryIndex {
	t.Helper()
	idx := NewInMemoryIndex(NewHashingEmbedder())
	err := idx.Add(context.Background(), CorpusIncidents,
		Document{
			ID:   "inc-1",
			Text: "api gateway returning 500 errors after deployment, rolled back to recover",
			Payload: map[string]any{
				"root_cause": "bad deployment",
			},
		},
		Document{
			ID:   "inc-2",
			Text: "database connection pool exhausted under traffic spike",
		},
		Document{
			ID:   "inc-3",
			Text: "certificate expired causing tls handshake failures",
		},
	)
	require.NoError(t, err)
	return idx
}

func TestSearchRanksBySimilarity(t *testing.T) {
	idx := seedIndex(t)

	results, err := idx.Search(context.Background(), CorpusIncidents,
		"api gateway 500 errors after a deployment", 3, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "inc-1", results[0].Document.ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Similarity, results[i].Similarity)
	}
}

func TestSearchMinSimilarityFloor(t *testing.T) {
	idx := seedIndex(t)

	results, err := idx.Search(context.Background(), CorpusIncidents,
		"completely unrelated kubernetes ingress question", 5, 0.9)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRespectsK(t *testing.T) {
	idx := seedIndex(t)

	results, err := idx.Search(context.Background(), CorpusIncidents, "errors", 1, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 1)
}

func TestSearchEmptyCorpus(t *testing.T) {
	idx := NewInMemoryIndex(NewHashingEmbedder())
	results, err := idx.Search(context.Background(), CorpusRunbooks, "anything", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 0, idx.Len(CorpusRunbooks))
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := NewHashingEmbedder()
	a, err := e.Embed(context.Background(), "connection pool exhausted")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "connection pool exhausted")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
