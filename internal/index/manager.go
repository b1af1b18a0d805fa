package index

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sagebot/internal/domain"
	"sagebot/internal/embedding"
	"sagebot/internal/fingerprint"
	"sagebot/internal/vectorstore"
	"sagebot/internal/vectorstore/memory"
)

const (
	DefaultBatchSize = 128
	DefaultCacheTTL  = 30 * time.Minute
)

// Step names a phase of index construction.
type Step string

const (
	StepInit  Step = "init"
	StepSplit Step = "split"
	StepLoad  Step = "load"
	StepEmbed Step = "embed"
	StepIndex Step = "index"
	StepDone  Step = "done"
	StepError Step = "error"
)

// Event reports progress. Percent is a fraction in [0, 1].
type Event struct {
	Step    Step
	Percent float64
	Message string
}

// ProgressFunc receives progress events; it may be nil.
type ProgressFunc func(Event)

func (f ProgressFunc) emit(step Step, pct float64, msg string) {
	if f != nil {
		f(Event{Step: step, Percent: pct, Message: msg})
	}
}

// Result is the outcome of GetOrBuild.
type Result struct {
	Index     *memory.Index
	Key       string
	FromCache bool
}

type Options struct {
	BatchSize int
	CacheTTL  time.Duration
}

// Manager resolves documents to vector indices, reusing persisted indices
// whose fingerprint matches and building the rest.
type Manager struct {
	store     vectorstore.Store
	chunker   domain.Chunker
	embedder  embedding.Embedder
	batchSize int
	cache     *gocache.Cache
	builds    singleflight.Group
	logger    *zap.Logger
}

func NewManager(store vectorstore.Store, chunker domain.Chunker, embedder embedding.Embedder, opts Options, logger *zap.Logger) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		chunker:   chunker,
		embedder:  embedder,
		batchSize: opts.BatchSize,
		cache:     gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		logger:    logger,
	}
}

// Embedder returns the embedder indices are built with.
func (m *Manager) Embedder() embedding.Embedder { return m.embedder }

// Fingerprint is the storage key of text under the current embedding settings.
func (m *Manager) Fingerprint(text string) string {
	return fingerprint.Document(text, m.embedder.Model(), m.embedder.Dimensions())
}

// Chunk splits doc with the manager's chunker.
func (m *Manager) Chunk(doc domain.Document) ([]domain.Chunk, error) {
	chunks, err := m.chunker.Chunk(doc)
	if err != nil {
		return nil, fmt.Errorf("index: split %s: %w", doc.Source, err)
	}
	return chunks, nil
}


// GetOrBuild returns the index for text, loading it when an index with the
// same fingerprint exists and building and persisting it otherwise.
// Concurrent calls for the same fingerprint share one build; only the caller
// that starts it receives progress events.
func (m *Manager) GetOrBuild(ctx context.Context, text string, progress ProgressFunc) (Result, error) {
	key := m.Fingerprint(text)
	v, err, shared := m.builds.Do(key, func() (any, error) {
		return m.getOrBuild(ctx, key, text, progress)
	})
	if err != nil {
		return Result{}, err
	}
	if shared {
		m.logger.Debug("joined in-flight build", zap.String("key", key))
	}
	return v.(Result), nil
}

func (m *Manager) getOrBuild(ctx context.Context, key, text string, progress ProgressFunc) (Result, error) {
	idx, ok, err := m.Load(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if ok {
		m.logger.Info("index cache hit", zap.String("key", key))
		return Result{Index: idx, Key: key, FromCache: true}, nil
	}

	progress.emit(StepSplit, 0.10, "Preparando splitter...")
	chunks, err := m.chunker.Chunk(domain.Document{ID: key, Content: text})
	if err != nil {
		return Result{}, fmt.Errorf("index: split: %w", err)
	}

	start := time.Now()
	idx, err = m.Build(ctx, chunks, progress)
	if err != nil {
		return Result{}, err
	}
	m.logger.Info("index built",
		zap.String("key", key),
		zap.Int("chunks", len(chunks)),
		zap.Duration("elapsed", time.Since(start)),
	)

	progress.emit(StepIndex, 0.80, "Salvando índice no disco...")
	if err := m.Save(ctx, key, idx); err != nil {
		return Result{}, err
	}
	return Result{Index: idx, Key: key}, nil
}

// Load returns the index stored under key, consulting the in-process cache
// first. A missing key yields (nil, false, nil).
func (m *Manager) Load(ctx context.Context, key string) (*memory.Index, bool, error) {
	if v, ok := m.cache.Get(key); ok {
		return v.(*memory.Index), true, nil
	}
	idx, ok, err := m.store.Load(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("index: load %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	m.cache.SetDefault(key, idx)
	return idx, true, nil
}

// Save persists idx under key and caches it. A failed save evicts key from
// the cache so the next lookup goes back to the store.
func (m *Manager) Save(ctx context.Context, key string, idx *memory.Index) error {
	if err := m.store.Save(ctx, key, idx); err != nil {
		m.cache.Delete(key)
		return fmt.Errorf("index: save %s: %w", key, err)
	}
	m.cache.SetDefault(key, idx)
	return nil
}

// Delete removes the index stored under key from the cache and the store.
func (m *Manager) Delete(ctx context.Context, key string) error {
	m.cache.Delete(key)
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("index: delete %s: %w", key, err)
	}
	m.logger.Info("index deleted", zap.String("key", key))
	return nil
}

// ListIndices lists persisted indices, newest first.
func (m *Manager) ListIndices(ctx context.Context) ([]vectorstore.IndexInfo, error) {
	infos, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	return infos, nil
}

// Build embeds chunks in batches into a new index. An empty chunk list
// yields an index holding a single empty placeholder entry without a vector.
func (m *Manager) Build(ctx context.Context, chunks []domain.Chunk, progress ProgressFunc) (*memory.Index, error) {
	idx := memory.New(m.embedder.Model(), m.embedder.Dimensions())
	if len(chunks) == 0 {
		if err := idx.Add([]domain.Chunk{{}}, [][]float32{nil}); err != nil {
			return nil, fmt.Errorf("index: build placeholder: %w", err)
		}
		return idx, nil
	}

	progress.emit(StepEmbed, 0.40, "Gerando embeddings...")
	err := m.embedBatches(ctx, chunks, func(batch []domain.Chunk, vecs [][]float32, done int) error {
		if err := idx.Add(batch, vecs); err != nil {
			return fmt.Errorf("index: build: %w", err)
		}
		progress.emit(StepEmbed, embedPercent(done, len(chunks)), fmt.Sprintf("Embeddings %d/%d", done, len(chunks)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// Add embeds chunks and appends them to idx. idx is only modified when every
// batch succeeds. Persisting the result is left to the caller.
func (m *Manager) Add(ctx context.Context, idx *memory.Index, chunks []domain.Chunk, progress ProgressFunc) error {
	if len(chunks) == 0 {
		return nil
	}
	progress.emit(StepEmbed, 0.40, "Gerando embeddings para novos documentos...")
	var (
		all  = make([]domain.Chunk, 0, len(chunks))
		vecs = make([][]float32, 0, len(chunks))
	)
	err := m.embedBatches(ctx, chunks, func(batch []domain.Chunk, v [][]float32, done int) error {
		all = append(all, batch...)
		vecs = append(vecs, v...)
		progress.emit(StepEmbed, embedPercent(done, len(chunks)), fmt.Sprintf("Embeddings %d/%d", done, len(chunks)))
		return nil
	})
	if err != nil {
		return err
	}
	if err := idx.Add(all, vecs); err != nil {
		return fmt.Errorf("index: add: %w", err)
	}
	return nil
}

func (m *Manager) embedBatches(ctx context.Context, chunks []domain.Chunk, fn func(batch []domain.Chunk, vecs [][]float32, done int) error) error {
	for start := 0; start < len(chunks); start += m.batchSize {
		end := min(start+m.batchSize, len(chunks))
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("index: embed chunks %d-%d: %w", start, end, err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("index: embed chunks %d-%d: got %d vectors", start, end, len(vecs))
		}
		m.logger.Debug("batch embedded", zap.Int("from", start), zap.Int("to", end))
		if err := fn(batch, vecs, end); err != nil {
			return err
		}
	}
	return nil
}

// embedPercent maps embedding progress onto the 0.40..0.80 band.
func embedPercent(done, total int) float64 {
	if total == 0 {
		return 0.80
	}
	return 0.40 + 0.40*float64(done)/float64(total)
}
