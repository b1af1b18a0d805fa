package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sagebot/internal/vectorstore/memory"
)

// ErrInvalidKey is returned for keys that cannot name a stored index.
var ErrInvalidKey = errors.New("vectorstore: invalid index key")

// IndexInfo describes a persisted index.
type IndexInfo struct {
	Key     string
	ModTime time.Time
	Chunks  int
}

// Store persists whole indices under a key. Load reports a missing key as
// (nil, false, nil). List returns the newest index first.
type Store interface {
	Save(ctx context.Context, key string, idx *memory.Index) error
	Load(ctx context.Context, key string) (*memory.Index, bool, error)
	List(ctx context.Context) ([]IndexInfo, error)
	Delete(ctx context.Context, key string) error
}

// ValidateKey rejects keys that are empty, contain path separators or start
// with a dot.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\:`) || strings.TrimSpace(key) != key {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
