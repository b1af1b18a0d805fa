package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagebot/internal/domain"
)

func chunk(i int, text string) domain.Chunk {
	return domain.Chunk{Text: text, Index: i}
}

func TestAddFixesDimension(t *testing.T) {
	idx := New("m", 0)
	assert.Zero(t, idx.Dimension())
	require.NoError(t, idx.Add([]domain.Chunk{chunk(0, "a")}, [][]float32{{1, 0, 0}}))
	assert.Equal(t, 3, idx.Dimension())

	err := idx.Add([]domain.Chunk{chunk(1, "b")}, [][]float32{{1, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, idx.Len())

	err = idx.Add([]domain.Chunk{chunk(1, "b")}, nil)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestAddRejectsWholeBatch(t *testing.T) {
	idx := New("m", 0)
	err := idx.Add(
		[]domain.Chunk{chunk(0, "a"), chunk(1, "b")},
		[][]float32{{1, 0}, {1, 0, 0}},
	)
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, idx.Len())
	assert.Zero(t, idx.Dimension())
}

func TestPlaceholderIsNeverReturned(t *testing.T) {
	idx := New("m", 0)
	require.NoError(t, idx.Add([]domain.Chunk{{}}, [][]float32{nil}))
	assert.Equal(t, 1, idx.Len())
	assert.Empty(t, idx.Candidates([]float32{1, 0}, 4))

	err := idx.Add([]domain.Chunk{chunk(0, "text")}, [][]float32{nil})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCandidatesOrdering(t *testing.T) {
	idx := New("m", 2)
	require.NoError(t, idx.Add(
		[]domain.Chunk{chunk(0, "east"), chunk(1, "north"), chunk(2, "northeast"), chunk(3, "east again")},
		[][]float32{{1, 0}, {0, 1}, {1, 1}, {2, 0}},
	))

	hits := idx.Candidates([]float32{1, 0}, 10)
	require.Len(t, hits, 4)
	assert.Equal(t, "east", hits[0].Chunk.Text)
	assert.Equal(t, "east again", hits[1].Chunk.Text)
	assert.Equal(t, "northeast", hits[2].Chunk.Text)
	assert.Equal(t, "north", hits[3].Chunk.Text)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, []float32{1, 0}, hits[0].Vector)

	res := idx.Candidates([]float32{0, 1}, 1)
	require.Len(t, res, 1)
	assert.Equal(t, "north", res[0].Chunk.Text)

	assert.Nil(t, idx.Candidates(nil, 3))
	assert.Nil(t, idx.Candidates([]float32{1, 0}, 0))
}

func TestSnapshotRoundTrip(t *testing.T) {
	idx := New("text-embedding-3-small", 2)
	require.NoError(t, idx.Add(
		[]domain.Chunk{{}, chunk(0, "x"), chunk(1, "y")},
		[][]float32{nil, {1, 0}, {0, 1}},
	))

	restored, err := FromSnapshot(idx.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, idx.Model(), restored.Model())
	assert.Equal(t, idx.Dims(), restored.Dims())
	assert.Equal(t, idx.Len(), restored.Len())
	assert.Equal(t, idx.Candidates([]float32{1, 1}, 2), restored.Candidates([]float32{1, 1}, 2))
}

func TestConcurrentReadsDuringAdd(t *testing.T) {
	idx := New("m", 0)
	require.NoError(t, idx.Add([]domain.Chunk{chunk(0, "seed")}, [][]float32{{1, 0}}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NotEmpty(t, idx.Candidates([]float32{1, 0}, 3))
			}
		}()
	}
	for i := 1; i <= 100; i++ {
		require.NoError(t, idx.Add([]domain.Chunk{chunk(i, "more")}, [][]float32{{0, 1}}))
	}
	wg.Wait()
	assert.Equal(t, 101, idx.Len())
}

func TestCloneIsIndependent(t *testing.T) {
	idx := New("m", 2)
	require.NoError(t, idx.Add([]domain.Chunk{chunk(0, "x")}, [][]float32{{1, 0}}))

	c := idx.Clone()
	require.NoError(t, c.Add([]domain.Chunk{chunk(1, "y")}, [][]float32{{0, 1}}))
	assert.Equal(t, 1, idx.Len())
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, idx.Model(), c.Model())
	assert.Equal(t, 2, c.Dimension())

	err := c.Add([]domain.Chunk{chunk(2, "z")}, [][]float32{{1, 0, 0}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
