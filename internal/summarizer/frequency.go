package summarizer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"sagebot/internal/domain"
)

// DefaultMaxSentences bounds a digest when no size is given.
const DefaultMaxSentences = 3

// questionBoost is added to the weight of terms that occur in the question.
const questionBoost = 1.0

var sentencePattern = regexp.MustCompile(`[^.!?\n]+(?:[.!?]+|$)`)

// FrequencySummarizer ranks sentences by word frequency (stopwords filtered).
type FrequencySummarizer struct {
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

func NewFrequencySummarizer() *FrequencySummarizer {
	return &FrequencySummarizer{
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}
}

// Summarize returns the maxSentences highest ranked sentences of text in
// their original order.
func (s *FrequencySummarizer) Summarize(text string, maxSentences int) string {
	return strings.Join(s.rank(splitSentences(text), nil, maxSentences), " ")
}

// Digest condenses retrieved context into the sentences most relevant to
// question. Terms of the question weigh more than plain frequency. Empty
// results yield an empty digest.
func (s *FrequencySummarizer) Digest(question string, results []domain.SearchResult, maxSentences int) string {
	var sentences []string
	seen := make(map[string]struct{})
	for _, r := range results {
		for _, sent := range splitSentences(r.Chunk.Text) {
			if _, dup := seen[sent]; dup {
				continue
			}
			seen[sent] = struct{}{}
			sentences = append(sentences, sent)
		}
	}
	query := make(map[string]struct{})
	for _, tok := range s.terms(question) {
		query[tok] = struct{}{}
	}
	return strings.Join(s.rank(sentences, query, maxSentences), " ")
}

func (s *FrequencySummarizer) rank(sentences []string, query map[string]struct{}, maxSentences int) []string {
	if len(sentences) == 0 {
		return nil
	}
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}

	freq := map[string]float64{}
	tokens := make([][]string, len(sentences))
	for i, sent := range sentences {
		tokens[i] = s.terms(sent)
		for _, tok := range tokens[i] {
			freq[tok]++
		}
	}
	maxF := 0.0
	for _, v := range freq {
		maxF = math.Max(maxF, v)
	}
	for k, v := range freq {
		if maxF > 0 {
			freq[k] = v / maxF
		}
		if _, ok := query[k]; ok {
			freq[k] += questionBoost
		}
	}

	type pair struct {
		idx   int
		score float64
	}
	scores := make([]pair, len(sentences))
	for i := range sentences {
		score := 0.0
		for _, tok := range tokens[i] {
			score += freq[tok]
		}
		// Dampen the advantage of long sentences.
		if n := len(tokens[i]); n > 0 {
			score /= math.Sqrt(float64(n))
		}
		scores[i] = pair{i, score}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	n := min(maxSentences, len(scores))
	selected := make([]int, n)
	for i := 0; i < n; i++ {
		selected[i] = scores[i].idx
	}
	sort.Ints(selected)
	out := make([]string, n)
	for i, idx := range selected {
		out[i] = sentences[idx]
	}
	return out
}

func (s *FrequencySummarizer) terms(text string) []string {
	raw := s.tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := raw[:0]
	for _, t := range raw {
		if _, stop := s.stopwords[t]; !stop {
			out = append(out, t)
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	for _, m := range sentencePattern.FindAllString(text, -1) {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now", "what", "how", "does", "do",
		"o", "os", "as", "um", "uma", "de", "do", "da", "dos", "das", "em", "no", "na", "nos", "nas", "por", "para", "com", "que", "e", "ou", "se", "é", "são", "como", "mais", "qual", "quais",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
