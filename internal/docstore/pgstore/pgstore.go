// Package pgstore implements the durable docstore backend on PostgreSQL.
// Documents live in a single JSONB table keyed by (collection, id); equality
// filters are pushed down as JSONB containment so the GIN index is used.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	// Register the postgres driver.
	_ "github.com/lib/pq"

	"github.com/lumenchat/lumen/internal/docstore"
)

// Backend is the PostgreSQL persistence layer.
type Backend struct {
	db *sql.DB
}

// New creates a backend over an open database handle.
func New(db *sql.DB) *Backend {
	return &Backend{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return db, nil
}

// Put upserts a document. The stored created_at always reflects the value
// the realtime layer assigned.
func (b *Backend) Put(ctx context.Context, collection string, doc docstore.Doc) error {
	const query = `
		INSERT INTO documents (collection, id, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, id)
		DO UPDATE SET data = EXCLUDED.data, created_at = EXCLUDED.created_at`

	if _, err := b.db.ExecContext(ctx, query, collection, doc.ID, []byte(doc.Data), doc.CreatedAt); err != nil {
		return fmt.Errorf("pgstore: put: %w", err)
	}
	return nil
}

// Fetch returns a document by id.
func (b *Backend) Fetch(ctx context.Context, collection, id string) (docstore.Doc, bool, error) {
	const query = `
		SELECT data, created_at FROM documents
		WHERE collection = $1 AND id = $2`

	doc := docstore.Doc{ID: id}
	var data []byte
	err := b.db.QueryRowContext(ctx, query, collection, id).Scan(&data, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Doc{}, false, nil
	}
	if err != nil {
		return docstore.Doc{}, false, fmt.Errorf("pgstore: fetch: %w", err)
	}
	doc.Data = data
	return doc, true, nil
}

// Select returns documents matching the query's equality filters, using
// JSONB containment. Final ordering is applied by the realtime layer; the
// ORDER BY here only keeps large scans deterministic.
func (b *Backend) Select(ctx context.Context, collection string, q docstore.Query) ([]docstore.Doc, error) {
	query := `SELECT id, data, created_at FROM documents WHERE collection = $1`
	args := []interface{}{collection}

	if len(q.Filters) > 0 {
		contains := make(map[string]interface{}, len(q.Filters))
		for _, f := range q.Filters {
			contains[f.Field] = f.Equals
		}
		probe, err := json.Marshal(contains)
		if err != nil {
			return nil, fmt.Errorf("pgstore: marshal filter: %w", err)
		}
		query += ` AND data @> $2::jsonb`
		args = append(args, probe)
	}
	query += ` ORDER BY created_at, id`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: select: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Doc
	for rows.Next() {
		var doc docstore.Doc
		var data []byte
		if err := rows.Scan(&doc.ID, &data, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan: %w", err)
		}
		doc.Data = data
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: rows: %w", err)
	}
	return docs, nil
}

// Remove deletes a document by id.
func (b *Backend) Remove(ctx context.Context, collection, id string) (bool, error) {
	const query = `DELETE FROM documents WHERE collection = $1 AND id = $2`

	res, err := b.db.ExecContext(ctx, query, collection, id)
	if err != nil {
		return false, fmt.Errorf("pgstore: remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pgstore: remove: %w", err)
	}
	return n > 0, nil
}
