package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"sagebot/internal/domain"
)

const DefaultUserAgent = "SageBot/1.0"

// maxBody caps the size of fetched pages.
const maxBody = 16 << 20

var (
	ErrUnsupported = errors.New("extract: unsupported source type")
	ErrEmpty       = errors.New("extract: no text extracted")
)

// Loader turns sources (URLs or local files) into plain-text documents.
type Loader struct {
	client    *http.Client
	userAgent string
}

// NewLoader returns a Loader whose HTTP requests time out after timeout.
// The User-Agent is taken from $USER_AGENT when set.
func NewLoader(timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := os.Getenv("USER_AGENT")
	if ua == "" {
		ua = DefaultUserAgent
	}
	return &Loader{client: &http.Client{Timeout: timeout}, userAgent: ua}
}

// Load extracts the text of a single source.
func (l *Loader) Load(ctx context.Context, source string) (domain.Document, error) {
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return l.loadURL(ctx, source)
	case strings.HasSuffix(lower, ".md"), strings.HasSuffix(lower, ".markdown"), strings.HasSuffix(lower, ".txt"):
		return loadFile(source)
	case strings.HasSuffix(lower, ".pdf"):
		return domain.Document{}, fmt.Errorf("%w: %s (PDF)", ErrUnsupported, source)
	default:
		return domain.Document{}, fmt.Errorf("%w: %s", ErrUnsupported, source)
	}
}

// LoadAll extracts every source and joins their texts with a blank line.
func (l *Loader) LoadAll(ctx context.Context, sources []string) (domain.Document, error) {
	parts := make([]string, 0, len(sources))
	for _, src := range sources {
		doc, err := l.Load(ctx, src)
		if err != nil {
			return domain.Document{}, err
		}
		parts = append(parts, doc.Content)
	}
	doc := domain.Document{Content: strings.Join(parts, "\n\n")}
	if len(sources) == 1 {
		doc.Source = sources[0]
	}
	return doc, nil
}

func loadFile(path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, fmt.Errorf("extract: read %s: %w", path, err)
	}
	if !utf8.Valid(data) {
		return domain.Document{}, fmt.Errorf("extract: %s is not valid UTF-8", path)
	}
	return domain.Document{
		ID:      filepath.Base(path),
		Source:  path,
		Content: string(data),
	}, nil
}

func (l *Loader) loadURL(ctx context.Context, url string) (domain.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Document{}, fmt.Errorf("extract: %s: %w", url, err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	resp, err := l.client.Do(req)
	if err != nil {
		return domain.Document{}, fmt.Errorf("extract: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Document{}, fmt.Errorf("extract: fetch %s: status %d", url, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBody)
	var text string
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		data, err := io.ReadAll(body)
		if err != nil {
			return domain.Document{}, fmt.Errorf("extract: read %s: %w", url, err)
		}
		text = string(data)
	} else {
		text, err = VisibleText(body)
		if err != nil {
			return domain.Document{}, fmt.Errorf("extract: parse %s: %w", url, err)
		}
	}
	if strings.TrimSpace(text) == "" {
		return domain.Document{}, fmt.Errorf("%w: %s", ErrEmpty, url)
	}
	return domain.Document{ID: url, Source: url, Content: text}, nil
}

// VisibleText parses an HTML document and returns its human-visible text.
// Block-level elements start new lines; scripts and styles are dropped.
func VisibleText(r io.Reader) (string, error) {
	root, err := html.Parse(r)
	if err != nil {
		return "", err
	}
	var (
		lines []string
		cur   strings.Builder
	)
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Svg, atom.Iframe, atom.Head:
				return
			}
		}
		block := n.Type == html.ElementNode && isBlock(n.DataAtom)
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(root)
	flush()
	return strings.Join(lines, "\n"), nil
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Ul, atom.Ol, atom.Tr, atom.Table,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Section, atom.Article, atom.Header, atom.Footer, atom.Nav, atom.Main,
		atom.Blockquote, atom.Pre, atom.Title, atom.Body, atom.Dd, atom.Dt, atom.Hr:
		return true
	}
	return false
}
