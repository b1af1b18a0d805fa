package tui

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"sagebot/internal/domain"
	"sagebot/internal/status"
	"sagebot/internal/vectorstore"
)

const (
	logTail        = 5
	commandTimeout = 2 * time.Minute
)

// SessionPort is the TUI-facing subset of the RAG session.
type SessionPort interface {
	StartBuild(text string) bool
	LoadExisting(ctx context.Context, key string) error
	AddDocument(ctx context.Context, doc domain.Document) error
	ListIndices(ctx context.Context) ([]vectorstore.IndexInfo, error)
	DeleteIndex(ctx context.Context, key string) error
	Query(ctx context.Context, question string) ([]domain.SearchResult, error)
	SetCompressed(on bool)
	Compressed() bool
	Key() string
	Status() status.Snapshot
	Updates() <-chan status.Snapshot
	Reset()
}

// SourceLoader extracts text from file paths or URLs.
type SourceLoader interface {
	Load(ctx context.Context, source string) (domain.Document, error)
	LoadAll(ctx context.Context, sources []string) (domain.Document, error)
}

// Digester condenses retrieved chunks into a short extract.
type Digester interface {
	Digest(question string, results []domain.SearchResult, maxSentences int) string
}

type (
	statusMsg status.Snapshot

	queryMsg struct {
		question string
		results  []domain.SearchResult
		err      error
	}

	commandMsg struct {
		text string
		err  error
	}
)

// Model is the Bubble Tea model for the TUI application.
type Model struct {
	session  SessionPort
	loader   SourceLoader
	digester Digester
	digestN  int

	input    textinput.Model
	viewport viewport.Model
	spinner  spinner.Model
	progress progress.Model

	snapshot  status.Snapshot
	results   []domain.SearchResult
	digest    string
	message   string
	cursor    int
	ready     bool
	lastQuery string
}

// New creates a new TUI model instance.
func New(session SessionPort, loader SourceLoader, digester Digester, digestSentences int) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Pergunte algo ou digite :help"
	ti.Focus()
	ti.CharLimit = 0

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		session:  session,
		loader:   loader,
		digester: digester,
		digestN:  digestSentences,
		input:    ti,
		viewport: viewport.New(0, 0),
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
		snapshot: session.Status(),
		message:  "Digite :help para ver os comandos.",
	}
}

// Init starts the cursor blink, the spinner and the status subscription.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitForStatus(m.session.Updates()))
}

func waitForStatus(updates <-chan status.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return statusMsg(snap)
	}
}

// Update handles key, window, status and command events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, rh := resultBoxStyle.GetFrameSize()
		_, qh := queryBoxStyle.GetFrameSize()
		reserved := 3 + logTail + qh + 2 // header, progress, state, logs, input, message
		m.viewport.Width = max(20, msg.Width)
		m.viewport.Height = max(3, msg.Height-reserved-rh)
		m.progress.Width = max(10, min(60, msg.Width-20))
		m.viewport.SetContent(m.renderResults())
		return m, nil

	case statusMsg:
		m.snapshot = status.Snapshot(msg)
		return m, waitForStatus(m.session.Updates())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case queryMsg:
		if msg.err != nil {
			m.message = "Erro: " + msg.err.Error()
			m.results, m.digest = nil, ""
		} else {
			m.lastQuery = msg.question
			m.results = msg.results
			m.cursor = 0
			m.digest = m.digester.Digest(msg.question, msg.results, m.digestN)
			if len(msg.results) == 0 {
				m.message = "Nenhum contexto relevante encontrado."
			} else {
				m.message = fmt.Sprintf("%d trechos para %q", len(msg.results), msg.question)
			}
		}
		m.viewport.SetContent(m.renderResults())
		return m, nil

	case commandMsg:
		if msg.err != nil {
			m.message = "Erro: " + msg.err.Error()
		} else {
			m.message = msg.text
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyCtrlD {
			return m, tea.Quit
		}
		switch msg.String() {
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")
			if strings.HasPrefix(line, ":") {
				return m.runCommand(line)
			}
			m.message = "Buscando contexto..."
			return m, m.query(line)
		case "down":
			if len(m.results) > 0 {
				m.cursor = (m.cursor + 1) % len(m.results)
				m.viewport.SetContent(m.renderResults())
				return m, nil
			}
		case "up":
			if len(m.results) > 0 {
				m.cursor = (m.cursor - 1 + len(m.results)) % len(m.results)
				m.viewport.SetContent(m.renderResults())
				return m, nil
			}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) query(question string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		res, err := session.Query(ctx, question)
		return queryMsg{question: question, results: res, err: err}
	}
}

func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	session, loader := m.session, m.loader

	switch name {
	case ":q", ":quit":
		return m, tea.Quit

	case ":help":
		m.message = ":index <arquivo|url>... | :load <chave> | :list | :add <arquivo|url> | :delete <chave> | :reset | :compressed on|off | :quit"
		return m, nil

	case ":index":
		if len(args) == 0 {
			m.message = "Uso: :index <arquivo|url>..."
			return m, nil
		}
		return m, background(func(ctx context.Context) (string, error) {
			doc, err := loader.LoadAll(ctx, args)
			if err != nil {
				return "", err
			}
			if !session.StartBuild(doc.Content) {
				return "Indexação já em andamento.", nil
			}
			return "Indexação iniciada.", nil
		})

	case ":reset":
		if session.Status().State == status.StateBuilding {
			m.message = "Indexação já em andamento."
			return m, nil
		}
		session.Reset()
		m.results, m.digest, m.cursor = nil, "", 0
		m.viewport.SetContent("")
		m.message = "Status limpo."
		return m, nil

	case ":delete":
		if len(args) != 1 {
			m.message = "Uso: :delete <chave>"
			return m, nil
		}
		key := args[0]
		return m, background(func(ctx context.Context) (string, error) {
			if err := session.DeleteIndex(ctx, key); err != nil {
				return "", err
			}
			return fmt.Sprintf("Índice %s removido.", key), nil
		})

	case ":compressed":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			m.message = "Uso: :compressed on|off"
			return m, nil
		}
		session.SetCompressed(args[0] == "on")
		m.message = "Compressão " + args[0] + "."
		return m, nil

	case ":load":
		if len(args) != 1 {
			m.message = "Uso: :load <chave>"
			return m, nil
		}
		key := args[0]
		return m, background(func(ctx context.Context) (string, error) {
			if err := session.LoadExisting(ctx, key); err != nil {
				return "", err
			}
			return fmt.Sprintf("Índice %s ativo.", key), nil
		})

	case ":list":
		return m, background(func(ctx context.Context) (string, error) {
			infos, err := session.ListIndices(ctx)
			if err != nil {
				return "", err
			}
			return formatIndices(infos, session.Key()), nil
		})

	case ":add":
		if len(args) != 1 {
			m.message = "Uso: :add <arquivo|url>"
			return m, nil
		}
		source := args[0]
		return m, background(func(ctx context.Context) (string, error) {
			doc, err := loader.Load(ctx, source)
			if err != nil {
				return "", err
			}
			if err := session.AddDocument(ctx, doc); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s adicionado ao índice.", source), nil
		})
	}
	m.message = fmt.Sprintf("Comando desconhecido: %s", name)
	return m, nil
}

func background(fn func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		text, err := fn(ctx)
		return commandMsg{text: text, err: err}
	}
}

func formatIndices(infos []vectorstore.IndexInfo, active string) string {
	if len(infos) == 0 {
		return "Nenhum índice salvo."
	}
	parts := make([]string, len(infos))
	for i, info := range infos {
		mark := ""
		if info.Key == active {
			mark = "*"
		}
		parts[i] = fmt.Sprintf("%s%s (%d trechos, %s)", mark, shortKey(info.Key), info.Chunks, info.ModTime.Format("2006-01-02 15:04"))
	}
	return strings.Join(parts, " | ")
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// View renders the TUI layout and current result.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("SageBot")
	if key := m.session.Key(); key != "" {
		header += dimStyle.Render("  índice " + shortKey(key))
	}
	if m.session.Compressed() {
		header += dimStyle.Render("  [compressed]")
	}

	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(m.renderStatus() + "\n")
	b.WriteString(dimStyle.Render(strings.Join(tail(m.snapshot.Logs, logTail), "\n")) + "\n")
	b.WriteString(resultBoxStyle.Render(m.viewport.View()) + "\n")
	b.WriteString(queryBoxStyle.Render(m.input.View()) + "\n")
	b.WriteString(messageStyle.Render(m.message))
	return b.String()
}

func (m Model) renderStatus() string {
	s := m.snapshot
	switch s.State {
	case status.StateBuilding:
		return fmt.Sprintf("%s %s %s", m.spinner.View(), m.progress.ViewAs(s.Percent), s.Step)
	case status.StateReady:
		return readyStyle.Render("● pronto")
	case status.StateError:
		return errorStyle.Render("● erro: " + s.Err)
	default:
		return dimStyle.Render("● ocioso")
	}
}

func (m Model) renderResults() string {
	if len(m.results) == 0 {
		if m.lastQuery != "" {
			return "Nenhum contexto relevante encontrado."
		}
		return "No results yet."
	}
	r := m.results[m.cursor]
	var b strings.Builder
	if m.digest != "" {
		b.WriteString(digestStyle.Render(m.digest) + "\n\n")
	}
	title := fmt.Sprintf("Trecho %d/%d  score=%.3f", m.cursor+1, len(m.results), r.Score)
	if r.Chunk.Source != "" {
		title += "  " + r.Chunk.Source
	}
	b.WriteString(title + "\n\n")
	b.WriteString(highlightBestSentence(r.Chunk.Text, m.lastQuery))
	return b.String()
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

var (
	resultBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	queryBoxStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	headerStyle    = lipgloss.NewStyle().Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	messageStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	readyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	digestStyle    = lipgloss.NewStyle().Italic(true)
	highlightStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	unicodeWordRe  = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`)
	sentenceRe     = regexp.MustCompile(`[^.!?]+[.!?]+`)
)

// highlightBestSentence emphasises the sentence sharing the most words with
// the query.
func highlightBestSentence(text, query string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	sentences := sentenceRe.FindAllString(text, -1)
	if len(sentences) == 0 {
		sentences = []string{strings.TrimSpace(text)}
	}
	qTokens := toTokenSet(query)
	for i := range sentences {
		sentences[i] = strings.TrimSpace(sentences[i])
	}
	if len(qTokens) == 0 {
		return strings.Join(sentences, " ")
	}
	bestIdx, bestScore := 0, -1
	for i, s := range sentences {
		if score := tokenOverlapScore(qTokens, s); score > bestScore {
			bestIdx, bestScore = i, score
		}
	}
	sentences[bestIdx] = highlightStyle.Render(sentences[bestIdx])
	return strings.Join(sentences, " ")
}

func toTokenSet(s string) map[string]struct{} {
	tokens := unicodeWordRe.FindAllString(strings.ToLower(s), -1)
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[t] = struct{}{}
	}
	return m
}

func tokenOverlapScore(queryTokens map[string]struct{}, sentence string) int {
	score := 0
	seen := make(map[string]struct{})
	for _, t := range unicodeWordRe.FindAllString(strings.ToLower(sentence), -1) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := queryTokens[t]; ok {
			score++
		}
	}
	return score
}
