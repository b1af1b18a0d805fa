package hashing

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultDimensions is the vector size used when none is configured.
const DefaultDimensions = 256

// Retrieval thresholds for hashed vectors. A one-word question against a
// sentence of n content words scores about 1/sqrt(n).
const (
	ScoreThreshold      = 0.15
	SimilarityThreshold = 0.2
)

// Embedder is an offline feature-hashing vectorizer. Each token is hashed
// into one of a fixed number of signed buckets and weighted by its term
// frequency; the result is L2 normalized. It needs no vocabulary, so vectors
// of texts embedded at different times are directly comparable.
type Embedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewEmbedder creates a hashing embedder producing vectors of dims entries.
func NewEmbedder(dims int) *Embedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &Embedder{
		dimension:    dims,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}
}

// Name returns the identifier of this embedder implementation.
func (e *Embedder) Name() string { return "hashing" }

func (e *Embedder) Model() string { return "hashing" }

func (e *Embedder) Dimensions() int { return e.dimension }

// Embed never fails apart from context cancellation.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *Embedder) vector(text string) []float32 {
	acc := make([]float64, e.dimension)
	tokens := e.tokenize(text)
	if len(tokens) == 0 {
		return make([]float32, e.dimension)
	}
	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}
	total := float64(len(tokens))
	for tok, count := range tf {
		h := xxhash.Sum64String(tok)
		bucket := int(h % uint64(e.dimension))
		sign := 1.0
		if h>>63 == 1 {
			sign = -1.0
		}
		acc[bucket] += sign * float64(count) / total
	}
	norm := 0.0
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make([]float32, e.dimension)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (e *Embedder) tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := e.tokenPattern.FindAllString(lower, -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		// English
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
		"what", "which", "who", "whom", "whose", "how", "why", "when", "where", "do", "does", "did", "has", "have", "had", "not", "no",
		"i", "me", "my", "you", "your", "we", "our", "they", "them", "their", "he", "she", "his", "her", "its", "let", "lets", "let's", "tell", "about",
		// Portuguese
		"o", "os", "as", "um", "uma", "uns", "umas", "de", "do", "da", "dos", "das", "em", "no", "na", "nos", "nas", "por", "para", "com", "sem", "que", "e", "ou", "se", "ao", "aos", "à", "às", "é", "são", "foi", "ser", "como", "mais", "mas", "seu", "sua", "qual", "quais",
		"quem", "onde", "quando", "porque", "quê", "eu", "você", "vocês", "ele", "ela", "eles", "elas", "nós", "isso", "isto", "esse", "essa", "este", "esta", "não", "há", "sobre",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
