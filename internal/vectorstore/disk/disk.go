package disk

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sagebot/internal/fingerprint"
	"sagebot/internal/vectorstore"
	"sagebot/internal/vectorstore/memory"
)

const (
	DefaultDir = "data/index"

	indexFile = "index.gob"
	metaFile  = "meta.yaml"
)

// ErrChecksum reports an index file whose chunks do not match its metadata.
var ErrChecksum = errors.New("disk: index checksum mismatch")

// Meta is the human-readable summary written next to each index.
type Meta struct {
	Model     string    `yaml:"model"`
	Dims      int       `yaml:"dims"`
	Dimension int       `yaml:"dimension"`
	Chunks    int       `yaml:"chunks"`
	Checksum  string    `yaml:"checksum,omitempty"`
	SavedAt   time.Time `yaml:"saved_at"`
}

func checksum(snap memory.Snapshot) string {
	return fingerprint.Corpus(snap.Chunks, snap.Model, snap.Dims)
}

// Store keeps one directory per index key under a base directory.
type Store struct {
	dir    string
	logger *zap.Logger
	// swap serialises the final rename step of concurrent saves.
	swap sync.Mutex
}

var _ vectorstore.Store = (*Store)(nil)

func NewStore(dir string, logger *zap.Logger) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger}
}

// Dir returns the base directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the index into a temporary sibling directory and renames it
// into place, replacing any previous index under the same key.
func (s *Store) Save(ctx context.Context, key string, idx *memory.Index) error {
	if err := vectorstore.ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("disk: save %s: %w", key, err)
	}
	tmp, err := os.MkdirTemp(s.dir, "."+key+".tmp-")
	if err != nil {
		return fmt.Errorf("disk: save %s: %w", key, err)
	}
	defer os.RemoveAll(tmp)

	snap := idx.Snapshot()
	if err := writeGob(filepath.Join(tmp, indexFile), snap); err != nil {
		return fmt.Errorf("disk: save %s: %w", key, err)
	}
	meta := Meta{
		Model:     snap.Model,
		Dims:      snap.Dims,
		Dimension: idx.Dimension(),
		Chunks:    len(snap.Chunks),
		Checksum:  checksum(snap),
		SavedAt:   time.Now().UTC(),
	}
	if err := writeYAML(filepath.Join(tmp, metaFile), meta); err != nil {
		return fmt.Errorf("disk: save %s: %w", key, err)
	}

	if err := s.replace(key, tmp); err != nil {
		return fmt.Errorf("disk: save %s: %w", key, err)
	}
	s.logger.Debug("index saved", zap.String("key", key), zap.Int("chunks", meta.Chunks))
	return nil
}

func (s *Store) replace(key, tmp string) error {
	s.swap.Lock()
	defer s.swap.Unlock()
	final := filepath.Join(s.dir, key)
	old := ""
	if _, err := os.Stat(final); err == nil {
		old = filepath.Join(s.dir, fmt.Sprintf(".%s.old-%d", key, time.Now().UnixNano()))
		if err := os.Rename(final, old); err != nil {
			return err
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return err
	}
	if old != "" {
		return os.RemoveAll(old)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, key string) (*memory.Index, bool, error) {
	if err := vectorstore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	f, err := os.Open(filepath.Join(s.dir, key, indexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("disk: load %s: %w", key, err)
	}
	defer f.Close()

	var snap memory.Snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, false, fmt.Errorf("disk: load %s: decode: %w", key, err)
	}
	// Indices written without a checksum are accepted as is.
	if meta, err := readMeta(filepath.Join(s.dir, key, metaFile)); err == nil && meta.Checksum != "" && meta.Checksum != checksum(snap) {
		return nil, false, fmt.Errorf("%w: %s", ErrChecksum, key)
	}
	idx, err := memory.FromSnapshot(snap)
	if err != nil {
		return nil, false, fmt.Errorf("disk: load %s: %w", key, err)
	}
	return idx, true, nil
}

// List returns the stored indices, most recently written first.
func (s *Store) List(ctx context.Context) ([]vectorstore.IndexInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("disk: list: %w", err)
	}
	infos := make([]vectorstore.IndexInfo, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info := vectorstore.IndexInfo{Key: e.Name(), ModTime: fi.ModTime()}
		if meta, err := readMeta(filepath.Join(s.dir, e.Name(), metaFile)); err == nil {
			info.Chunks = meta.Chunks
		}
		infos = append(infos, info)
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].ModTime.Equal(infos[j].ModTime) {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].ModTime.After(infos[j].ModTime)
	})
	return infos, nil
}

// Delete removes the index stored under key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := vectorstore.ValidateKey(key); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.dir, key)); err != nil {
		return fmt.Errorf("disk: delete %s: %w", key, err)
	}
	return nil
}

func writeGob(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readMeta(path string) (Meta, error) {
	var meta Meta
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}
	err = yaml.Unmarshal(data, &meta)
	return meta, err
}
