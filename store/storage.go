package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"privaterag/config"
	"privaterag/types"
	"sort"
	"sync"
)

// VectorStorer keeps chunk embeddings partitioned by collection.
//
// Upsert appends; ingesting the same text twice stores it twice. Search
// returns ErrCollectionNotFound for a collection that was never written or
// holds no chunks. Search returns at most k results, or DefaultSearchK
// when k <= 0.
type VectorStorer interface {
	Upsert(ctx context.Context, collection string, chunks []types.Chunk) error
	Search(ctx context.Context, collection string, query []float32, k int) ([]types.ScoredChunk, error)
	Persist(ctx context.Context, collection string) error
	Count(ctx context.Context, collection string) (int, error)
	Collections(ctx context.Context) ([]string, error)
	Close() error
}

// NewVectorStore opens the backend named by cfg.Backend.
func NewVectorStore(ctx context.Context, cfg config.StoreConfig, l *slog.Logger) (VectorStorer, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalStore(cfg.PersistDirectory, l)
	case "pgvector":
		s, err := NewPostgresStore(ctx, cfg.PostgresDSN, cfg.MaxConns, l)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("init pgvector schema: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}
}

func checkCollection(name string) error {
	if !types.ValidCollectionName(name) {
		return fmt.Errorf("%w: %q", types.ErrInvalidCollection, name)
	}
	return nil
}

// checkDimensions verifies that every chunk carries a vector of the same
// length and returns it.
func checkDimensions(chunks []types.Chunk) (int, error) {
	dim := len(chunks[0].Embedding)
	if dim == 0 {
		return 0, fmt.Errorf("chunk %s has no embedding", chunks[0].ID)
	}
	for _, c := range chunks[1:] {
		if len(c.Embedding) != dim {
			return 0, fmt.Errorf("%w: chunk %s has %d dimensions, want %d",
				types.ErrDimensionMismatch, c.ID, len(c.Embedding), dim)
		}
	}
	return dim, nil
}

// KeyedMutex hands out one mutex per key. Keys are collection names, a
// small set, so entries are never evicted.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock blocks until key is free and returns the matching unlock.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// DefaultSearchK is the result count Search uses when k <= 0.
const DefaultSearchK = 4

func searchLimit(k int) int {
	if k <= 0 {
		return DefaultSearchK
	}
	return k
}

// topK sorts by descending score, keeping insertion order for ties, and
// truncates to k.
func topK(scored []types.ScoredChunk, k int) []types.ScoredChunk {
	k = searchLimit(k)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
