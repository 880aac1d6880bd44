package retrieval

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

type VectorStore interface {
	TopChunks(ctx context.Context, embedding []float32, limit int) ([]Chunk, error)
}

// PostgresVectorStore reads the pre-built guide index. No write path exists
// here; ingest happens out of band.
type PostgresVectorStore struct {
	pool *pgxpool.Pool
}

func NewPostgresVectorStore(pool *pgxpool.Pool) *PostgresVectorStore {
	return &PostgresVectorStore{pool: pool}
}

func (s *PostgresVectorStore) TopChunks(ctx context.Context, embedding []float32, limit int) ([]Chunk, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = 3
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
        SELECT
            gc.content,
            gd.source_path,
            (gc.embedding <-> $1::vector) AS distance
        FROM guide_chunks gc
        JOIN guide_documents gd ON gd.id = gc.document_id
        ORDER BY gc.embedding <-> $1::vector
        LIMIT $2
    `, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query guide chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Chunk, 0, limit)
	for rows.Next() {
		var chunk Chunk
		var distance float64
		if scanErr := rows.Scan(&chunk.Content, &chunk.Source, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan guide chunk: %w", scanErr)
		}
		chunk.Score = 1 / (1 + distance)
		results = append(results, chunk)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return results, nil
}

var _ VectorStore = (*PostgresVectorStore)(nil)
