package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"privaterag/config"
	"privaterag/types"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func axis(dim, i int) []float32 {
	v := make([]float32, dim)
	v[i%dim] = 1
	return v
}

func testChunks(n, dim int, label string) []types.Chunk {
	doc := uuid.New()
	chunks := make([]types.Chunk, n)
	for i := range chunks {
		chunks[i] = types.Chunk{
			ID:        uuid.New(),
			DocID:     doc,
			Index:     i,
			Content:   fmt.Sprintf("%s chunk %d", label, i),
			Metadata:  map[string]string{"source": label + ".txt", "chunk_index": fmt.Sprint(i)},
			Embedding: axis(dim, i),
		}
	}
	return chunks
}

// runStoreContract exercises the behaviour every backend shares.
func runStoreContract(t *testing.T, s VectorStorer) {
	ctx := context.Background()

	t.Run("search unknown collection", func(t *testing.T) {
		_, err := s.Search(ctx, "never-ingested", axis(4, 0), 3)
		assert.ErrorIs(t, err, types.ErrCollectionNotFound)
	})

	t.Run("upsert and search", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "docs", testChunks(4, 4, "docs")))
		require.NoError(t, s.Persist(ctx, "docs"))

		results, err := s.Search(ctx, "docs", axis(4, 2), 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "docs chunk 2", results[0].Content)
		assert.InDelta(t, 1.0, results[0].Score, 1e-5)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
		assert.Equal(t, "docs.txt", results[0].Metadata["source"])
		assert.Equal(t, 2, results[0].Index)
	})

	t.Run("upsert appends", func(t *testing.T) {
		before, err := s.Count(ctx, "appended")
		require.NoError(t, err)
		assert.Zero(t, before)

		require.NoError(t, s.Upsert(ctx, "appended", testChunks(3, 4, "a")))
		require.NoError(t, s.Upsert(ctx, "appended", testChunks(3, 4, "a")))

		n, err := s.Count(ctx, "appended")
		require.NoError(t, err)
		assert.Equal(t, 6, n)
	})

	t.Run("collections are isolated", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "left", testChunks(2, 4, "left")))
		require.NoError(t, s.Upsert(ctx, "right", testChunks(2, 4, "right")))

		results, err := s.Search(ctx, "left", axis(4, 0), 10)
		require.NoError(t, err)
		for _, r := range results {
			assert.Equal(t, "left.txt", r.Metadata["source"])
		}

		names, err := s.Collections(ctx)
		require.NoError(t, err)
		assert.Subset(t, names, []string{"docs", "appended", "left", "right"})
	})

	t.Run("dimension is fixed at first upsert", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "fixed", testChunks(1, 4, "fixed")))
		err := s.Upsert(ctx, "fixed", testChunks(1, 8, "fixed"))
		assert.ErrorIs(t, err, types.ErrDimensionMismatch)

		_, err = s.Search(ctx, "fixed", axis(8, 0), 1)
		assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	})

	t.Run("invalid collection name", func(t *testing.T) {
		err := s.Upsert(ctx, "../escape", testChunks(1, 4, "x"))
		assert.ErrorIs(t, err, types.ErrInvalidCollection)

		_, err = s.Count(ctx, "../escape")
		assert.ErrorIs(t, err, types.ErrInvalidCollection)

		_, err = s.Search(ctx, "../escape", axis(4, 0), 1)
		assert.ErrorIs(t, err, types.ErrInvalidCollection)
	})

	t.Run("zero k uses the default limit", func(t *testing.T) {
		require.NoError(t, s.Upsert(ctx, "many", testChunks(DefaultSearchK+3, 8, "many")))

		results, err := s.Search(ctx, "many", axis(8, 0), 0)
		require.NoError(t, err)
		assert.Len(t, results, DefaultSearchK)
		assert.Equal(t, "many chunk 0", results[0].Content)

		results, err = s.Search(ctx, "many", axis(8, 0), -1)
		require.NoError(t, err)
		assert.Len(t, results, DefaultSearchK)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.Upsert(ctx, "busy", testChunks(5, 4, "busy")))
			}()
		}
		wg.Wait()

		n, err := s.Count(ctx, "busy")
		require.NoError(t, err)
		assert.Equal(t, 40, n)
	})
}

func TestLocalStore(t *testing.T) {
	s, err := NewLocalStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

func TestLocalStore_SearchDoesNotCreateCollection(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Search(context.Background(), "ghost", axis(4, 0), 1)
	require.ErrorIs(t, err, types.ErrCollectionNotFound)

	_, err = os.Stat(filepath.Join(root, "ghost"))
	assert.True(t, os.IsNotExist(err))
}

func TestLocalStore_EmptyUpsertCreatesNothing(t *testing.T) {
	root := t.TempDir()
	s, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Upsert(context.Background(), "empty", nil))
	_, err = s.Search(context.Background(), "empty", axis(4, 0), 1)
	assert.ErrorIs(t, err, types.ErrCollectionNotFound)

	names, err := s.Collections(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_ReopenKeepsChunks(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	s, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, "durable", testChunks(3, 4, "durable")))
	require.NoError(t, s.Persist(ctx, "durable"))
	require.NoError(t, s.Close())

	reopened, err := NewLocalStore(root, nil)
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, "durable", axis(4, 1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "durable chunk 1", results[0].Content)
}

func TestVectorCodec(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.4028235e38}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
	assert.Nil(t, decodeVector([]byte{1, 2, 3}))
}

func TestKeyedMutex_SerialisesPerKey(t *testing.T) {
	var (
		km      KeyedMutex
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  = map[string]int{}
		maxSeen = map[string]int{}
	)
	for i := 0; i < 20; i++ {
		key := []string{"a", "b"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()

			mu.Lock()
			active[key]++
			maxSeen[key] = max(maxSeen[key], active[key])
			mu.Unlock()

			mu.Lock()
			active[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen["a"])
	assert.Equal(t, 1, maxSeen["b"])
}

func TestNewVectorStore_UnknownBackend(t *testing.T) {
	_, err := NewVectorStore(context.Background(), config.StoreConfig{Backend: "faiss"}, nil)
	assert.Error(t, err)
}
