package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sagebot/internal/domain"
	"sagebot/internal/embedding"
	"sagebot/internal/index"
	"sagebot/internal/retrieval"
	"sagebot/internal/status"
	"sagebot/internal/vectorstore"
	"sagebot/internal/vectorstore/memory"
)

const (
	DefaultBuildTimeout = 10 * time.Minute

	readyLine = "Índice RAG pronto ok"
)

var (
	ErrIndexNotFound   = errors.New("service: index not found")
	ErrNoIndexLoaded   = errors.New("service: no index loaded")
	ErrBuildInProgress = errors.New("service: index build in progress")
	ErrIndexActive     = errors.New("service: index is active")
)

type Config struct {
	K            int
	Compressed   bool
	BuildTimeout time.Duration
}

// Session owns one user's active index and retriever. Index builds run on a
// background goroutine; the session's status reports their progress.
type Session struct {
	manager      *index.Manager
	composer     *retrieval.Composer
	tracker      *status.Tracker
	logger       *zap.Logger
	k            int
	buildTimeout time.Duration

	mu         sync.RWMutex
	retriever  retrieval.Retriever
	idx        *memory.Index
	key        string
	compressed bool

	wg sync.WaitGroup
}

func NewSession(manager *index.Manager, composer *retrieval.Composer, cfg Config, logger *zap.Logger) *Session {
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = DefaultBuildTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		manager:      manager,
		composer:     composer,
		tracker:      status.NewTracker(),
		logger:       logger,
		k:            cfg.K,
		buildTimeout: cfg.BuildTimeout,
		compressed:   cfg.Compressed,
	}
}

// StartBuild indexes text in the background and returns immediately. It
// returns false without doing anything when a build is already running.
func (s *Session) StartBuild(text string) bool {
	if !s.tracker.Begin() {
		return false
	}
	s.tracker.Update(string(index.StepInit), 0, "Iniciando indexação...")
	s.wg.Add(1)
	go s.build(text)
	return true
}

func (s *Session) build(text string) {
	defer s.wg.Done()
	defer s.recoverInto("build")

	ctx, cancel := context.WithTimeout(context.Background(), s.buildTimeout)
	defer cancel()

	res, err := s.manager.GetOrBuild(ctx, text, s.progress)
	if err != nil {
		s.fail("build", err)
		return
	}
	s.publish(res.Index, res.Key)
	if res.FromCache {
		s.tracker.Update(string(index.StepDone), 1, "Índice carregado do cache.")
	} else {
		s.tracker.Update(string(index.StepDone), 1, "Indexação concluída.")
	}
	s.logger.Info("index ready", zap.String("key", res.Key), zap.Bool("from_cache", res.FromCache))
	s.tracker.Ready(readyLine)
}

// LoadExisting activates a persisted index by key.
func (s *Session) LoadExisting(ctx context.Context, key string) error {
	if !s.tracker.Begin() {
		return ErrBuildInProgress
	}
	s.tracker.Update(string(index.StepLoad), 0.10, fmt.Sprintf("Carregando índice: %s", key))

	idx, ok, err := s.manager.Load(ctx, key)
	if err != nil {
		s.logger.Error("index load failed", zap.String("key", key), zap.Error(err))
		s.tracker.Fail(fmt.Sprintf("Erro ao carregar índice %s: %v", key, err))
		return err
	}
	if !ok {
		s.tracker.Fail(fmt.Sprintf("Índice %s não encontrado.", key))
		return fmt.Errorf("%w: %s", ErrIndexNotFound, key)
	}
	s.publish(idx, key)
	s.tracker.Update(string(index.StepDone), 1, fmt.Sprintf("Índice %s carregado.", key))
	s.tracker.Ready(readyLine)
	return nil
}

// AddDocuments embeds chunks into a copy of the active index, persists the
// copy under the active key and only then makes it active. On failure the
// previous index stays in use.
func (s *Session) AddDocuments(ctx context.Context, chunks []domain.Chunk) (err error) {
	s.mu.RLock()
	idx, key := s.idx, s.key
	s.mu.RUnlock()
	if idx == nil {
		return ErrNoIndexLoaded
	}
	if !s.tracker.Begin() {
		return ErrBuildInProgress
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service: add documents: panic: %v", r)
			s.fail("add", err)
		}
	}()

	next := idx.Clone()
	if err := s.manager.Add(ctx, next, chunks, s.progress); err != nil {
		s.fail("add", err)
		return err
	}

	s.tracker.Update(string(index.StepIndex), 0.80, "Atualizando índice em disco...")
	if err := s.manager.Save(ctx, key, next); err != nil {
		s.fail("add", err)
		return err
	}
	s.publish(next, key)
	s.logger.Info("index updated", zap.String("key", key), zap.Int("added", len(chunks)))
	s.tracker.Ready("Índice atualizado com novos documentos.")
	return nil
}

// AddDocument splits doc and adds its chunks to the active index.
func (s *Session) AddDocument(ctx context.Context, doc domain.Document) error {
	chunks, err := s.manager.Chunk(doc)
	if err != nil {
		return err
	}
	return s.AddDocuments(ctx, chunks)
}

// Retriever returns the active retriever, or nil when no index is loaded.
func (s *Session) Retriever() retrieval.Retriever {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retriever
}

// Query retrieves context for question. Without an active index it returns
// no results and no error.
func (s *Session) Query(ctx context.Context, question string) ([]domain.SearchResult, error) {
	r := s.Retriever()
	if r == nil {
		return nil, nil
	}
	return r.Query(ctx, question)
}

// Key returns the storage key of the active index.
func (s *Session) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key
}

func (s *Session) Compressed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compressed
}

// SetCompressed switches the embedding-similarity filter on or off.
func (s *Session) SetCompressed(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compressed = on
	if s.idx != nil {
		s.retriever = s.composer.New(s.idx, s.k, on)
	}
}

func (s *Session) ListIndices(ctx context.Context) ([]vectorstore.IndexInfo, error) {
	return s.manager.ListIndices(ctx)
}

// DeleteIndex removes a persisted index. The active index cannot be deleted.
func (s *Session) DeleteIndex(ctx context.Context, key string) error {
	if active := s.Key(); active != "" && key == active {
		return fmt.Errorf("%w: %s", ErrIndexActive, key)
	}
	return s.manager.Delete(ctx, key)
}

func (s *Session) Status() status.Snapshot { return s.tracker.Snapshot() }

// Updates delivers coalesced status snapshots.
func (s *Session) Updates() <-chan status.Snapshot { return s.tracker.Updates() }

// Reset returns the status to idle unless a build is running.
func (s *Session) Reset() {
	if s.tracker.Snapshot().State == status.StateBuilding {
		return
	}
	s.tracker.Reset()
}

// Wait blocks until the background build, if any, has finished.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) progress(e index.Event) {
	s.tracker.Update(string(e.Step), e.Percent, e.Message)
}

func (s *Session) publish(idx *memory.Index, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = idx
	s.key = key
	s.retriever = s.composer.New(idx, s.k, s.compressed)
}

// fail records err in the status. The active retriever is left untouched.
func (s *Session) fail(op string, err error) {
	s.logger.Error("index "+op+" failed", zap.Error(err), zap.String("kind", embedding.KindOf(err).String()))
	detail := embedding.Describe(err)
	if embedding.KindOf(err) == embedding.KindGeneric {
		detail = "Erro: " + detail
	}
	s.tracker.Fail(detail)
}

func (s *Session) recoverInto(op string) {
	if r := recover(); r != nil {
		s.fail(op, fmt.Errorf("service: %s: panic: %v", op, r))
	}
}
