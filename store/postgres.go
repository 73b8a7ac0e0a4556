package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"privaterag/logger"
	"privaterag/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps every collection in one chunks table, partitioned
// by the collection column and registered in the collections table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	writes KeyedMutex
}

func NewPostgresStore(ctx context.Context, connStr string, maxConns int32, l *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{
		pool:   pool,
		logger: logger.OrDefault(l),
	}, nil
}

func (p *PostgresStore) createRagTables(ctx context.Context) error {
	query := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dimension INT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS chunks (
		seq BIGSERIAL PRIMARY KEY,
		id UUID NOT NULL,
		collection TEXT NOT NULL REFERENCES collections(name) ON DELETE CASCADE,
		doc_id UUID NOT NULL,
		position INT NOT NULL,
		offset_runes INT NOT NULL,
		overlap_runes INT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		embedding vector NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_collection ON chunks(collection);
	CREATE INDEX IF NOT EXISTS idx_chunks_doc_id ON chunks(doc_id);
	`
	_, err := p.pool.Exec(ctx, query)
	return err
}

func (p *PostgresStore) Init(ctx context.Context) error {
	return p.createRagTables(ctx)
}

// Upsert writes all chunks in one transaction. The first write fixes the
// collection's dimension.
func (p *PostgresStore) Upsert(ctx context.Context, collection string, chunks []types.Chunk) error {
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

	unlock := p.writes.Lock(collection)
	defer unlock()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO collections (name, dimension) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		collection, dim); err != nil {
		return fmt.Errorf("register collection: %w", err)
	}
	var stored int
	if err := tx.QueryRow(ctx,
		`SELECT dimension FROM collections WHERE name = $1 FOR UPDATE`, collection).Scan(&stored); err != nil {
		return fmt.Errorf("read dimension: %w", err)
	}
	if stored != dim {
		return fmt.Errorf("%w: collection %s has %d dimensions, got %d", types.ErrDimensionMismatch, collection, stored, dim)
	}

	query := `
	INSERT INTO chunks (id, collection, doc_id, position, offset_runes, overlap_runes, content, metadata, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta := c.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		batch.Queue(query, c.ID, collection, c.DocID, c.Index, c.Offset, c.Overlap,
			c.Content, meta, pgvector.NewVector(c.Embedding))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	p.logger.Debug("chunks stored", "collection", collection, "chunks", len(chunks))
	return nil
}

func (p *PostgresStore) Search(ctx context.Context, collection string, queryVec []float32, k int) ([]types.ScoredChunk, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if len(queryVec) == 0 {
		return nil, errors.New("empty query vector")
	}

	var dim int
	err := p.pool.QueryRow(ctx, `SELECT dimension FROM collections WHERE name = $1`, collection).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", types.ErrCollectionNotFound, collection)
	}
	if err != nil {
		return nil, err
	}
	if dim != len(queryVec) {
		return nil, fmt.Errorf("%w: collection %s has %d dimensions, query has %d",
			types.ErrDimensionMismatch, collection, dim, len(queryVec))
	}
	k = searchLimit(k)

	query := `
		SELECT id, doc_id, position, offset_runes, overlap_runes, content, metadata,
		       1 - (embedding <=> $2) AS score
		FROM chunks
		WHERE collection = $1
		ORDER BY embedding <=> $2, seq
		LIMIT $3
	`
	rows, err := p.pool.Query(ctx, query, collection, pgvector.NewVector(queryVec), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []types.ScoredChunk
	for rows.Next() {
		var sc types.ScoredChunk
		if err := rows.Scan(
			&sc.ID,
			&sc.DocID,
			&sc.Index,
			&sc.Offset,
			&sc.Overlap,
			&sc.Content,
			&sc.Metadata,
			&sc.Score); err != nil {
			return nil, err
		}
		chunks = append(chunks, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", types.ErrCollectionNotFound, collection)
	}
	return chunks, nil
}

// Persist is a no-op: Upsert commits before returning.
func (p *PostgresStore) Persist(ctx context.Context, collection string) error {
	return checkCollection(collection)
}

func (p *PostgresStore) Count(ctx context.Context, collection string) (int, error) {
	if err := checkCollection(collection); err != nil {
		return 0, err
	}
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE collection = $1`, collection).Scan(&n)
	return n, err
}

func (p *PostgresStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM collections ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.logger.Info("postgres connection pool is closed")
	}
	return nil
}
