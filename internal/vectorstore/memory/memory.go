package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"sagebot/internal/domain"
	"sagebot/internal/embedding"
)

var (
	ErrLengthMismatch    = errors.New("memory: chunks and vectors length mismatch")
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")
)

// Index is an in-memory vector index using brute-force cosine similarity.
// Entries are append-only. An entry may lack a vector only when its chunk is
// empty; such placeholder entries are never returned by a search.
type Index struct {
	mu        sync.RWMutex
	model     string
	dims      int
	dimension int
	chunks    []domain.Chunk
	vectors   [][]float32
}

// Hit is a search candidate together with its stored vector, which callers
// must treat as read-only.
type Hit struct {
	Chunk  domain.Chunk
	Vector []float32
	Score  float64
}

// Snapshot is the serialisable form of an Index.
type Snapshot struct {
	Model   string
	Dims    int
	Chunks  []domain.Chunk
	Vectors [][]float32
}

// New returns an empty index for vectors produced by model. dims is the
// requested dimensionality, 0 meaning the model's native size.
func New(model string, dims int) *Index {
	return &Index{model: model, dims: dims}
}

// FromSnapshot rebuilds an index from its serialised form.
func FromSnapshot(s Snapshot) (*Index, error) {
	idx := New(s.Model, s.Dims)
	if err := idx.Add(s.Chunks, s.Vectors); err != nil {
		return nil, fmt.Errorf("memory: restore snapshot: %w", err)
	}
	return idx, nil
}

func (s *Index) Model() string { return s.model }

// Dims is the requested dimensionality the index was built with.
func (s *Index) Dims() int { return s.dims }

// Dimension is the length of the stored vectors, 0 until the first vector is
// added.
func (s *Index) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Len counts entries, placeholders included.
func (s *Index) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Add appends chunks with their vectors. The first non-empty vector fixes the
// index dimensionality; the batch is rejected as a whole on any mismatch.
func (s *Index) Add(chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return ErrLengthMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	dim := s.dimension
	for i, v := range vectors {
		if len(v) == 0 {
			if !chunks[i].Empty() {
				return fmt.Errorf("%w: chunk %d has no vector", ErrDimensionMismatch, chunks[i].Index)
			}
			continue
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
		}
	}
	s.dimension = dim
	s.chunks = append(s.chunks, chunks...)
	s.vectors = append(s.vectors, vectors...)
	return nil
}

// Chunks returns a copy of the indexed chunks in insertion order.
func (s *Index) Chunks() []domain.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Candidates returns up to n entries ordered by descending cosine similarity
// to query. Ties keep insertion order.
func (s *Index) Candidates(query []float32, n int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || len(query) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(s.vectors))
	for i, v := range s.vectors {
		if len(v) == 0 {
			continue
		}
		hits = append(hits, Hit{Chunk: s.chunks[i], Vector: v, Score: embedding.Cosine(query, v)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if n < len(hits) {
		hits = hits[:n]
	}
	return hits
}

// Clone returns an independent index holding the same entries. Stored
// vectors are shared since entries are never modified after Add.
func (s *Index) Clone() *Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := New(s.model, s.dims)
	c.dimension = s.dimension
	c.chunks = append([]domain.Chunk(nil), s.chunks...)
	c.vectors = append([][]float32(nil), s.vectors...)
	return c
}

// Snapshot copies the index contents for persistence.
func (s *Index) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Model:   s.model,
		Dims:    s.dims,
		Chunks:  make([]domain.Chunk, len(s.chunks)),
		Vectors: make([][]float32, len(s.vectors)),
	}
	copy(snap.Chunks, s.chunks)
	copy(snap.Vectors, s.vectors)
	return snap
}
