package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"sagebot/internal/domain"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 100
)

// DefaultSeparators are tried in order: paragraph, line, sentence, word, rune.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "? ", " ", ""}

// RecursiveChunker splits text on the first separator that occurs in it,
// merges the pieces into chunks of at most chunkSize runes with chunkOverlap
// runes of shared context, and recurses with finer separators into pieces
// that are still too long.
type RecursiveChunker struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// span is a half-open byte range of the text being split.
type span struct{ start, end int }

func NewRecursiveChunker(chunkSize, chunkOverlap int, separators ...string) *RecursiveChunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	return &RecursiveChunker{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   separators,
	}
}

// Chunk splits a document and stamps its source metadata on every chunk.
func (c *RecursiveChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	chunks := c.Split(document.Content)
	for i := range chunks {
		chunks[i].Source = document.Source
		chunks[i].Page = document.Page
	}
	return chunks, nil
}

// Split returns the chunks of text in order. Blank input yields no chunks.
func (c *RecursiveChunker) Split(text string) []domain.Chunk {
	spans := c.split(text, span{0, len(text)}, c.separators)
	chunks := make([]domain.Chunk, 0, len(spans))
	runeOffset, byteOffset := 0, 0
	for i, s := range spans {
		runeOffset += utf8.RuneCountInString(text[byteOffset:s.start])
		byteOffset = s.start
		chunks = append(chunks, domain.Chunk{
			Text:   text[s.start:s.end],
			Index:  i,
			Offset: runeOffset,
		})
	}
	return chunks
}

func (c *RecursiveChunker) split(text string, within span, separators []string) []span {
	segment := text[within.start:within.end]
	sep := separators[len(separators)-1]
	var finer []string
	for i, s := range separators {
		if s == "" {
			sep = s
			break
		}
		if strings.Contains(segment, s) {
			sep = s
			finer = separators[i+1:]
			break
		}
	}

	var out, small []span
	for _, piece := range splitKeep(text, within, sep) {
		if c.length(text, piece) < c.chunkSize {
			small = append(small, piece)
			continue
		}
		if len(small) > 0 {
			out = append(out, c.merge(text, small)...)
			small = nil
		}
		if len(finer) == 0 {
			out = appendTrimmed(out, text, piece)
			continue
		}
		out = append(out, c.split(text, piece, finer)...)
	}
	if len(small) > 0 {
		out = append(out, c.merge(text, small)...)
	}
	return out
}

// merge greedily packs consecutive pieces into chunks, carrying the tail of
// the previous chunk (up to chunkOverlap runes) into the next one.
func (c *RecursiveChunker) merge(text string, pieces []span) []span {
	var docs, current []span
	total := 0
	for _, p := range pieces {
		n := c.length(text, p)
		if total+n > c.chunkSize && len(current) > 0 {
			docs = appendTrimmed(docs, text, join(current))
			for total > c.chunkOverlap || (total+n > c.chunkSize && total > 0) {
				total -= c.length(text, current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if len(current) > 0 {
		docs = appendTrimmed(docs, text, join(current))
	}
	return docs
}

func (c *RecursiveChunker) length(text string, s span) int {
	return utf8.RuneCountInString(text[s.start:s.end])
}

// join covers consecutive pieces, which are always adjacent in the text.
func join(pieces []span) span {
	return span{pieces[0].start, pieces[len(pieces)-1].end}
}

func appendTrimmed(out []span, text string, s span) []span {
	seg := text[s.start:s.end]
	left := strings.TrimLeftFunc(seg, unicode.IsSpace)
	if left == "" {
		return out
	}
	start := s.start + len(seg) - len(left)
	end := start + len(strings.TrimRightFunc(left, unicode.IsSpace))
	return append(out, span{start, end})
}

// splitKeep splits within after every occurrence of sep, keeping sep at the
// end of the preceding piece. An empty sep splits into runes.
func splitKeep(text string, within span, sep string) []span {
	var out []span
	if sep == "" {
		for i := within.start; i < within.end; {
			_, size := utf8.DecodeRuneInString(text[i:within.end])
			out = append(out, span{i, i + size})
			i += size
		}
		return out
	}
	pos := within.start
	for {
		i := strings.Index(text[pos:within.end], sep)
		if i < 0 {
			break
		}
		end := pos + i + len(sep)
		out = append(out, span{pos, end})
		pos = end
	}
	if pos < within.end {
		out = append(out, span{pos, within.end})
	}
	return out
}
