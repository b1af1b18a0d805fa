package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagebot/internal/domain"
	"sagebot/internal/embedding"
	"sagebot/internal/vectorstore/memory"
)

// tableEmbedder returns fixed vectors for known texts.
type tableEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (e *tableEmbedder) Name() string    { return "table" }
func (e *tableEmbedder) Model() string   { return "table" }
func (e *tableEmbedder) Dimensions() int { return 3 }

func (e *tableEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := e.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

var _ embedding.Embedder = (*tableEmbedder)(nil)

func fixture(t *testing.T) (*tableEmbedder, *memory.Index) {
	t.Helper()
	emb := &tableEmbedder{vectors: map[string][]float32{
		"question":  {1, 0, 0},
		"alpha":     {0.9, 0.436, 0},
		"alpha bis": {0.85, 0.5, 0.1},
		"beta":      {0.8, -0.6, 0},
		"unrelated": {0, 0, 1},
	}}
	idx := memory.New("table", 3)
	texts := []string{"alpha", "alpha bis", "beta", "unrelated"}
	chunks := make([]domain.Chunk, len(texts))
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		chunks[i] = domain.Chunk{Text: text, Index: i}
		vecs[i] = emb.vectors[text]
	}
	require.NoError(t, idx.Add(chunks, vecs))
	return emb, idx
}

func texts(results []domain.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Chunk.Text
	}
	return out
}

func TestMMRPrefersDiverseChunks(t *testing.T) {
	emb, idx := fixture(t)
	r := NewComposer(emb, Options{}).New(idx, 2, false)

	results, err := r.Query(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, texts(results))
	assert.InDelta(t, 0.9, results[0].Score, 1e-3)

	// Plain similarity search would have returned the near duplicate.
	q := emb.vectors["question"]
	hits := idx.Candidates(q, 2)
	require.Len(t, hits, 2)
	assert.Equal(t, "alpha", hits[0].Chunk.Text)
	assert.Equal(t, "alpha bis", hits[1].Chunk.Text)
}

func TestMMRAppliesScoreThreshold(t *testing.T) {
	emb, idx := fixture(t)
	r := NewComposer(emb, Options{}).New(idx, 10, false)

	results, err := r.Query(context.Background(), "question")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "alpha bis", "beta"}, texts(results))
}

func TestMMRLambdaOneIsPlainRanking(t *testing.T) {
	emb, idx := fixture(t)
	r := NewComposer(emb, Options{Lambda: 1}).New(idx, 3, false)

	results, err := r.Query(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpha bis", "beta"}, texts(results))
}

func TestCompressedFiltersBySimilarity(t *testing.T) {
	emb, idx := fixture(t)
	r := NewComposer(emb, Options{SimilarityThreshold: 0.85}).New(idx, 3, true)

	results, err := r.Query(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "alpha bis"}, texts(results))
	assert.Equal(t, 2, emb.calls, "question embedded once for search and once with the candidates")
}

func TestCompressedDefaultThresholdKeepsRelevant(t *testing.T) {
	emb, idx := fixture(t)
	r := NewComposer(emb, Options{}).New(idx, 2, true)

	results, err := r.Query(context.Background(), "question")
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, texts(results))
}

func TestPlaceholderIndexYieldsNoContext(t *testing.T) {
	emb, _ := fixture(t)
	idx := memory.New("table", 3)
	require.NoError(t, idx.Add([]domain.Chunk{{}}, [][]float32{nil}))

	for _, compressed := range []bool{false, true} {
		results, err := NewComposer(emb, Options{}).New(idx, 4, compressed).Query(context.Background(), "question")
		require.NoError(t, err)
		assert.Empty(t, results)
	}
}

func TestBlankQuestion(t *testing.T) {
	emb, idx := fixture(t)
	results, err := NewComposer(emb, Options{}).New(idx, 4, true).Query(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, emb.calls)
}

func TestEmbeddingErrorKeepsKind(t *testing.T) {
	emb, idx := fixture(t)
	emb.err = &embedding.Error{Kind: embedding.KindRateLimit, Err: errors.New("429")}
	_, err := NewComposer(emb, Options{}).New(idx, 4, false).Query(context.Background(), "question")
	require.Error(t, err)
	assert.Equal(t, embedding.KindRateLimit, embedding.KindOf(err))
}

func TestComposerDefaults(t *testing.T) {
	c := NewComposer(&tableEmbedder{}, Options{})
	assert.Equal(t, Options{
		K:                   DefaultK,
		FetchK:              DefaultFetchK,
		Lambda:              DefaultLambda,
		ScoreThreshold:      DefaultScoreThreshold,
		SimilarityThreshold: DefaultSimilarityThreshold,
	}, c.Options())
}
