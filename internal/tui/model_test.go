package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagebot/internal/domain"
	"sagebot/internal/status"
	"sagebot/internal/vectorstore"
)

type fakeSession struct {
	updates    chan status.Snapshot
	results    []domain.SearchResult
	queryErr   error
	loaded     string
	loadErr    error
	added      []domain.Document
	compressed bool
	key        string
	infos      []vectorstore.IndexInfo
	state      status.State
	built      []string
	busy       bool
	deleted    []string
	resets     int
}

func newFakeSession() *fakeSession {
	return &fakeSession{updates: make(chan status.Snapshot, 1), state: status.StateIdle}
}

func (f *fakeSession) StartBuild(text string) bool {
	if f.busy {
		return false
	}
	f.built = append(f.built, text)
	return true
}

func (f *fakeSession) DeleteIndex(_ context.Context, key string) error {
	if key == f.key {
		return errors.New("index is active")
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeSession) LoadExisting(_ context.Context, key string) error {
	f.loaded = key
	if f.loadErr == nil {
		f.key = key
	}
	return f.loadErr
}

func (f *fakeSession) AddDocument(_ context.Context, doc domain.Document) error {
	f.added = append(f.added, doc)
	return nil
}

func (f *fakeSession) ListIndices(context.Context) ([]vectorstore.IndexInfo, error) {
	return f.infos, nil
}

func (f *fakeSession) Query(context.Context, string) ([]domain.SearchResult, error) {
	return f.results, f.queryErr
}

func (f *fakeSession) SetCompressed(on bool) { f.compressed = on }
func (f *fakeSession) Compressed() bool { return f.compressed }
func (f *fakeSession) Key() string { return f.key }
func (f *fakeSession) Status() status.Snapshot { return status.Snapshot{State: f.state} }
func (f *fakeSession) Updates() <-chan status.Snapshot { return f.updates }
func (f *fakeSession) Reset() { f.resets++ }

type fakeLoader struct{ err error }

func (l fakeLoader) Load(_ context.Context, source string) (domain.Document, error) {
	if l.err != nil {
		return domain.Document{}, l.err
	}
	return domain.Document{Source: source, Content: "new text"}, nil
}

func (l fakeLoader) LoadAll(_ context.Context, sources []string) (domain.Document, error) {
	if l.err != nil {
		return domain.Document{}, l.err
	}
	return domain.Document{Content: strings.Join(sources, "|")}, nil
}

type fakeDigester struct{}

func (fakeDigester) Digest(question string, results []domain.SearchResult, _ int) string {
	if len(results) == 0 {
		return ""
	}
	return "digest of " + question
}

func newModel(s *fakeSession, l SourceLoader) Model {
	m := New(s, l, fakeDigester{}, 3)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

// submit types line into the input and presses enter.
func submit(t *testing.T, m Model, line string) (Model, tea.Cmd) {
	t.Helper()
	m.input.SetValue(line)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

// settle runs cmd and feeds its message back into the model.
func settle(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	return next.(Model)
}

func TestQueryShowsResultsAndDigest(t *testing.T) {
	s := newFakeSession()
	s.results = []domain.SearchResult{
		{Chunk: domain.Chunk{Text: "Lambda runs code. It is serverless.", Source: "aws.md"}, Score: 0.9},
		{Chunk: domain.Chunk{Text: "Kubernetes runs containers."}, Score: 0.5},
	}
	m, cmd := submit(t, newModel(s, fakeLoader{}), "what is lambda")
	assert.Empty(t, m.input.Value())
	m = settle(t, m, cmd)

	assert.Len(t, m.results, 2)
	assert.Equal(t, "digest of what is lambda", m.digest)
	assert.Contains(t, m.message, "2 trechos")
	assert.Contains(t, m.renderResults(), "Trecho 1/2")
	assert.Contains(t, m.renderResults(), "aws.md")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	assert.Equal(t, 1, m.cursor)
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 0, next.(Model).cursor)
}

func TestQueryWithoutContext(t *testing.T) {
	s := newFakeSession()
	m, cmd := submit(t, newModel(s, fakeLoader{}), "anything")
	m = settle(t, m, cmd)
	assert.Equal(t, "Nenhum contexto relevante encontrado.", m.message)
	assert.Empty(t, m.digest)
	assert.Equal(t, "Nenhum contexto relevante encontrado.", m.renderResults())
}

func TestQueryError(t *testing.T) {
	s := newFakeSession()
	s.queryErr = errors.New("boom")
	m, cmd := submit(t, newModel(s, fakeLoader{}), "anything")
	m = settle(t, m, cmd)
	assert.Equal(t, "Erro: boom", m.message)
	assert.Nil(t, m.results)
}

func TestStatusUpdatesAreApplied(t *testing.T) {
	s := newFakeSession()
	m := newModel(s, fakeLoader{})
	s.updates <- status.Snapshot{State: status.StateBuilding, Step: "embed", Percent: 0.5, Logs: []string{"Gerando embeddings..."}}

	cmd := waitForStatus(s.Updates())
	next, again := m.Update(cmd())
	m = next.(Model)
	assert.Equal(t, status.StateBuilding, m.snapshot.State)
	assert.Equal(t, "embed", m.snapshot.Step)
	assert.NotNil(t, again)
	assert.Contains(t, m.View(), "Gerando embeddings...")
}

func TestCommands(t *testing.T) {
	s := newFakeSession()
	m := newModel(s, fakeLoader{})

	m, cmd := submit(t, m, ":compressed on")
	assert.Nil(t, cmd)
	assert.True(t, s.compressed)

	m, cmd = submit(t, m, ":load abc123")
	m = settle(t, m, cmd)
	assert.Equal(t, "abc123", s.loaded)
	assert.Equal(t, "Índice abc123 ativo.", m.message)

	m, cmd = submit(t, m, ":add notes.md")
	m = settle(t, m, cmd)
	require.Len(t, s.added, 1)
	assert.Equal(t, "notes.md", s.added[0].Source)
	assert.Equal(t, "notes.md adicionado ao índice.", m.message)

	s.infos = []vectorstore.IndexInfo{{Key: "abc123", Chunks: 4, ModTime: time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)}}
	m, cmd = submit(t, m, ":list")
	m = settle(t, m, cmd)
	assert.Equal(t, "*abc123 (4 trechos, 2026-01-02 03:04)", m.message)

	m, cmd = submit(t, m, ":nope")
	assert.Nil(t, cmd)
	assert.Equal(t, "Comando desconhecido: :nope", m.message)

	_, cmd = submit(t, m, ":quit")
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestCommandErrors(t *testing.T) {
	s := newFakeSession()
	s.loadErr = errors.New("Índice x não encontrado.")
	m := newModel(s, fakeLoader{err: errors.New("unsupported")})

	m, cmd := submit(t, m, ":load x")
	m = settle(t, m, cmd)
	assert.Equal(t, "Erro: Índice x não encontrado.", m.message)

	m, cmd = submit(t, m, ":add doc.pdf")
	m = settle(t, m, cmd)
	assert.Equal(t, "Erro: unsupported", m.message)
	assert.Empty(t, s.added)

	m, _ = submit(t, m, ":compressed maybe")
	assert.Equal(t, "Uso: :compressed on|off", m.message)
}

func TestIndexCommandStartsBuild(t *testing.T) {
	s := newFakeSession()
	m := newModel(s, fakeLoader{})

	m, cmd := submit(t, m, ":index a.md https://example.com")
	m = settle(t, m, cmd)
	assert.Equal(t, []string{"a.md|https://example.com"}, s.built)
	assert.Equal(t, "Indexação iniciada.", m.message)

	s.busy = true
	m, cmd = submit(t, m, ":index b.md")
	m = settle(t, m, cmd)
	assert.Len(t, s.built, 1)
	assert.Equal(t, "Indexação já em andamento.", m.message)

	m, cmd = submit(t, m, ":index")
	assert.Nil(t, cmd)
	assert.Equal(t, "Uso: :index <arquivo|url>...", m.message)

	m = newModel(s, fakeLoader{err: errors.New("unsupported")})
	m, cmd = submit(t, m, ":index doc.pdf")
	m = settle(t, m, cmd)
	assert.Equal(t, "Erro: unsupported", m.message)
}

func TestResetCommandClearsStatusAndResults(t *testing.T) {
	s := newFakeSession()
	s.results = []domain.SearchResult{{Chunk: domain.Chunk{Text: "Lambda runs code."}, Score: 0.9}}
	m, cmd := submit(t, newModel(s, fakeLoader{}), "lambda")
	m = settle(t, m, cmd)
	require.Len(t, m.results, 1)

	m, cmd = submit(t, m, ":reset")
	assert.Nil(t, cmd)
	assert.Equal(t, 1, s.resets)
	assert.Empty(t, m.results)
	assert.Empty(t, m.digest)
	assert.Equal(t, "Status limpo.", m.message)

	s.state = status.StateBuilding
	m, _ = submit(t, m, ":reset")
	assert.Equal(t, 1, s.resets)
	assert.Equal(t, "Indexação já em andamento.", m.message)
}

func TestDeleteCommand(t *testing.T) {
	s := newFakeSession()
	s.key = "active"
	m := newModel(s, fakeLoader{})

	m, cmd := submit(t, m, ":delete old")
	m = settle(t, m, cmd)
	assert.Equal(t, []string{"old"}, s.deleted)
	assert.Equal(t, "Índice old removido.", m.message)

	m, cmd = submit(t, m, ":delete active")
	m = settle(t, m, cmd)
	assert.Equal(t, "Erro: index is active", m.message)

	m, cmd = submit(t, m, ":delete")
	assert.Nil(t, cmd)
	assert.Equal(t, "Uso: :delete <chave>", m.message)
}

func TestHighlightBestSentence(t *testing.T) {
	text := "Clusters run containers. Lambda runs functions."
	out := highlightBestSentence(text, "lambda functions")
	assert.True(t, strings.HasPrefix(out, "Clusters run containers. "))
	assert.Contains(t, out, "Lambda runs functions.")
	assert.Equal(t, "plain", highlightBestSentence("plain", ""))
}
