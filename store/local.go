package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"privaterag/logger"
	"privaterag/types"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const indexFile = "index.db"

const localSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	offset_runes INTEGER NOT NULL,
	overlap_runes INTEGER NOT NULL,
	content TEXT NOT NULL,
	metadata TEXT NOT NULL,
	embedding BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
`

// LocalStore keeps one SQLite database per collection under root:
// root/<collection>/index.db. Search is a brute-force cosine scan.
type LocalStore struct {
	root   string
	logger *slog.Logger
	writes KeyedMutex

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewLocalStore(root string, l *slog.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("persist directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating persist directory: %w", err)
	}
	return &LocalStore{
		root:   root,
		logger: logger.OrDefault(l),
		dbs:    make(map[string]*sql.DB),
	}, nil
}

func (s *LocalStore) indexPath(collection string) string {
	return filepath.Join(s.root, collection, indexFile)
}

// open returns the database of collection. Without create a missing
// collection is ErrCollectionNotFound and nothing is written to disk.
func (s *LocalStore) open(collection string, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[collection]; ok {
		return db, nil
	}

	path := s.indexPath(collection)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, collection)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating collection directory: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(localSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	s.dbs[collection] = db
	return db, nil
}

func (s *LocalStore) Upsert(ctx context.Context, collection string, chunks []types.Chunk) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}
	dim, err := checkDimensions(chunks)
	if err != nil {
		return err
	}

	unlock := s.writes.Lock(collection)
	defer unlock()

	db, err := s.open(collection, true)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'dimension'").Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES ('dimension', ?)", strconv.Itoa(dim)); err != nil {
			return fmt.Errorf("record dimension: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read dimension: %w", err)
	case stored != strconv.Itoa(dim):
		return fmt.Errorf("%w: collection %s has %s dimensions, got %d", types.ErrDimensionMismatch, collection, stored, dim)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
		(id, doc_id, position, offset_runes, overlap_runes, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID.String(), c.DocID.String(), c.Index, c.Offset, c.Overlap,
			c.Content, string(meta), encodeVector(c.Embedding)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("chunks stored", "collection", collection, "chunks", len(chunks))
	return nil
}

func (s *LocalStore) Search(ctx context.Context, collection string, query []float32, k int) ([]types.ScoredChunk, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	db, err := s.open(collection, false)
	if err != nil {
		return nil, err
	}

	var stored string
	err = db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'dimension'").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrCollectionNotFound, collection)
	}
	if err != nil {
		return nil, fmt.Errorf("read dimension: %w", err)
	}
	if stored != strconv.Itoa(len(query)) {
		return nil, fmt.Errorf("%w: collection %s has %s dimensions, query has %d",
			types.ErrDimensionMismatch, collection, stored, len(query))
	}

	rows, err := db.QueryContext(ctx, `SELECT id, doc_id, position, offset_runes, overlap_runes, content, metadata, embedding
		FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var scored []types.ScoredChunk
	for rows.Next() {
		var (
			c             types.Chunk
			id, docID     string
			meta          string
			embeddingBlob []byte
		)
		if err := rows.Scan(&id, &docID, &c.Index, &c.Offset, &c.Overlap, &c.Content, &meta, &embeddingBlob); err != nil {
			return nil, err
		}
		c.ID, _ = uuid.Parse(id)
		c.DocID, _ = uuid.Parse(docID)
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
		c.Embedding = decodeVector(embeddingBlob)
		if len(c.Embedding) != len(query) {
			continue
		}
		scored = append(scored, types.ScoredChunk{Chunk: c, Score: cosine(query, c.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrCollectionNotFound, collection)
	}
	return topK(scored, k), nil
}

// Persist checkpoints the write-ahead log into the main database file.
func (s *LocalStore) Persist(ctx context.Context, collection string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	unlock := s.writes.Lock(collection)
	defer unlock()

	db, err := s.open(collection, false)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of stored chunks; a missing collection has none.
func (s *LocalStore) Count(ctx context.Context, collection string) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	db, err := s.open(collection, false)
	if errors.Is(err, types.ErrCollectionNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *LocalStore) Collections(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !types.ValidCollectionName(e.Name()) {
			continue
		}
		if _, err := os.Stat(s.indexPath(e.Name())); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(s.dbs, name)
	}
	return errors.Join(errs...)
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data)%4 != 0 {
		return nil
	}
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}
