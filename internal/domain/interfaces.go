package domain

// Document is the raw text extracted from one or more sources.
type Document struct {
	ID      string
	Source  string
	Content string
	Page    int
}

// Chunk is a contiguous span of a document prepared for embedding.
// Offset is measured in runes from the start of the source text.
type Chunk struct {
	Text   string
	Index  int
	Offset int
	Source string
	Page   int
}

// Empty reports whether the chunk carries no text (the placeholder entry of a
// degenerate index).
func (c Chunk) Empty() bool { return c.Text == "" }

// SearchResult represents a matching chunk with a relevance score.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Chunker splits documents into chunks suitable for retrieval indexing.
type Chunker interface {
	Chunk(document Document) ([]Chunk, error)
}
