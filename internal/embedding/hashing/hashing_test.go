package hashing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagebot/internal/embedding"
)

func TestEmbedShapeAndNorm(t *testing.T) {
	e := NewEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"Lambda calculus is a formal system", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	for _, v := range vecs {
		assert.Len(t, v, 64)
	}
	assert.InDelta(t, 1.0, embedding.Cosine(vecs[0], vecs[0]), 1e-6)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)

	for _, x := range vecs[1] {
		assert.Zero(t, x)
	}
}

func TestEmbedIsDeterministic(t *testing.T) {
	a, err := NewEmbedder(0).Embed(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)
	b, err := NewEmbedder(0).Embed(context.Background(), []string{"the quick brown fox"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a[0], DefaultDimensions)
}

func TestRelatedTextsScoreHigher(t *testing.T) {
	e := NewEmbedder(512)
	vecs, err := e.Embed(context.Background(), []string{
		"lambda calculus abstraction application",
		"what is lambda calculus",
		"tomato soup recipe with basil",
	})
	require.NoError(t, err)
	related := embedding.Cosine(vecs[0], vecs[1])
	unrelated := embedding.Cosine(vecs[0], vecs[2])
	assert.Greater(t, related, unrelated)
	assert.Greater(t, related, 0.3)
}

func TestStopwordsIgnored(t *testing.T) {
	e := NewEmbedder(128)
	vecs, err := e.Embed(context.Background(), []string{"the of and", "o de que"})
	require.NoError(t, err)
	for _, v := range vecs {
		for _, x := range v {
			assert.Zero(t, x)
		}
	}
}

func TestEmbedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEmbedder(8).Embed(ctx, []string{"x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImplementsEmbedder(t *testing.T) {
	var e embedding.Embedder = NewEmbedder(16)
	assert.Equal(t, "hashing", e.Name())
	assert.Equal(t, 16, e.Dimensions())
}

func TestQuestionWordsAreStopwords(t *testing.T) {
	e := NewEmbedder(0)
	assert.Equal(t, []string{"lambda"}, e.tokenize("What is Lambda?"))
	assert.Equal(t, []string{"lambda"}, e.tokenize("O que é Lambda?"))
	assert.Equal(t, []string{"aws", "lambda", "run", "code", "without", "provisioning", "servers"},
		e.tokenize("AWS Lambda lets you run code without provisioning servers."))
}

func TestShortQuestionClearsThresholds(t *testing.T) {
	vecs, err := NewEmbedder(0).Embed(context.Background(), []string{
		"what is Lambda?",
		"AWS Lambda lets you run code without provisioning servers.",
	})
	require.NoError(t, err)
	cos := embedding.Cosine(vecs[0], vecs[1])
	assert.GreaterOrEqual(t, cos, ScoreThreshold)
	assert.GreaterOrEqual(t, cos, SimilarityThreshold)
}
