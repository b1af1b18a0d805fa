package retrieval

import (
	"context"
	"fmt"
	"strings"

	"sagebot/internal/domain"
	"sagebot/internal/embedding"
	"sagebot/internal/vectorstore/memory"
)

const (
	DefaultK                   = 4
	DefaultFetchK              = 30
	DefaultLambda              = 0.5
	DefaultScoreThreshold      = 0.3
	DefaultSimilarityThreshold = 0.35
)

// Retriever answers a question with the most relevant chunks. An empty
// result means no context was found and is not an error.
type Retriever interface {
	Query(ctx context.Context, question string) ([]domain.SearchResult, error)
}

// Options tunes retrieval. Zero fields take the defaults.
type Options struct {
	K                   int
	FetchK              int
	Lambda              float64
	ScoreThreshold      float64
	SimilarityThreshold float64
}

func (o Options) withDefaults() Options {
	if o.K <= 0 {
		o.K = DefaultK
	}
	if o.FetchK <= 0 {
		o.FetchK = DefaultFetchK
	}
	if o.Lambda <= 0 || o.Lambda > 1 {
		o.Lambda = DefaultLambda
	}
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = DefaultScoreThreshold
	}
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return o
}

// Composer derives retrievers over an index.
type Composer struct {
	embedder embedding.Embedder
	opts     Options
}

func NewComposer(embedder embedding.Embedder, opts Options) *Composer {
	return &Composer{embedder: embedder, opts: opts.withDefaults()}
}

// Options returns the effective options.
func (c *Composer) Options() Options { return c.opts }

// New returns an MMR retriever over idx returning up to k chunks, wrapped in
// an embedding-similarity filter when compressed is set. k <= 0 uses the
// configured K.
func (c *Composer) New(idx *memory.Index, k int, compressed bool) Retriever {
	opts := c.opts
	if k > 0 {
		opts.K = k
	}
	base := &MMR{index: idx, embedder: c.embedder, opts: opts}
	if !compressed {
		return base
	}
	return &Compressed{base: base, embedder: c.embedder, threshold: opts.SimilarityThreshold}
}

// MMR selects chunks by maximal marginal relevance among the candidates that
// clear the score threshold.
type MMR struct {
	index    *memory.Index
	embedder embedding.Embedder
	opts     Options
}

func (r *MMR) Query(ctx context.Context, question string) ([]domain.SearchResult, error) {
	if strings.TrimSpace(question) == "" {
		return nil, nil
	}
	q, err := embedding.EmbedOne(ctx, r.embedder, question)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed question: %w", err)
	}
	hits := r.index.Candidates(q, max(r.opts.FetchK, r.opts.K))
	kept := hits[:0]
	for _, h := range hits {
		if h.Chunk.Empty() || h.Score < r.opts.ScoreThreshold {
			continue
		}
		kept = append(kept, h)
	}
	return selectMMR(kept, r.opts.K, r.opts.Lambda), nil
}

// selectMMR greedily picks k hits maximising
// lambda*sim(q, d) - (1-lambda)*max sim(d, selected).
func selectMMR(hits []memory.Hit, k int, lambda float64) []domain.SearchResult {
	if len(hits) == 0 || k <= 0 {
		return nil
	}
	k = min(k, len(hits))
	chosen := make([]bool, len(hits))
	// redundancy[i] is the highest similarity of hit i to any selected hit.
	redundancy := make([]float64, len(hits))
	out := make([]domain.SearchResult, 0, k)
	for len(out) < k {
		best, bestScore := -1, 0.0
		for i, h := range hits {
			if chosen[i] {
				continue
			}
			score := lambda * h.Score
			if len(out) > 0 {
				score -= (1 - lambda) * redundancy[i]
			}
			if best < 0 || score > bestScore {
				best, bestScore = i, score
			}
		}
		chosen[best] = true
		out = append(out, domain.SearchResult{Chunk: hits[best].Chunk, Score: hits[best].Score})
		for i, h := range hits {
			if chosen[i] {
				continue
			}
			if sim := embedding.Cosine(h.Vector, hits[best].Vector); len(out) == 1 || sim > redundancy[i] {
				redundancy[i] = sim
			}
		}
	}
	return out
}

// Compressed filters the base retriever's results, keeping those whose text
// embeds close enough to the question.
type Compressed struct {
	base      Retriever
	embedder  embedding.Embedder
	threshold float64
}

func (r *Compressed) Query(ctx context.Context, question string) ([]domain.SearchResult, error) {
	results, err := r.base.Query(ctx, question)
	if err != nil || len(results) == 0 {
		return results, err
	}
	texts := make([]string, 0, len(results)+1)
	texts = append(texts, question)
	for _, res := range results {
		texts = append(texts, res.Chunk.Text)
	}
	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("retrieval: compress: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("retrieval: compress: got %d vectors for %d texts", len(vecs), len(texts))
	}
	kept := results[:0]
	for i, res := range results {
		if embedding.Cosine(vecs[0], vecs[i+1]) >= r.threshold {
			kept = append(kept, res)
		}
	}
	return kept, nil
}
