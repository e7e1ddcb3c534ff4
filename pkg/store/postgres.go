package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const documentsDDL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, key)
)`

// Postgres is the durable Store backend. Every record lives as one JSONB row
// keyed by (collection, key); Create relies on the primary key for its
// first-writer-wins semantics.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool for the given DSN, verifies it with a ping and
// ensures the documents table exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parsing postgres config: %w", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, documentsDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating documents table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Put(ctx context.Context, collection, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding record %s/%s: %w", collection, key, err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO documents (collection, key, doc) VALUES ($1, $2, $3)
		ON CONFLICT (collection, key)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()
	`, collection, key, doc)
	if err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", ErrUnavailable, collection, key, err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, collection, key string, record any) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encoding record %s/%s: %w", collection, key, err)
	}

	ct, err := p.pool.Exec(ctx, `
		INSERT INTO documents (collection, key, doc) VALUES ($1, $2, $3)
		ON CONFLICT (collection, key) DO NOTHING
	`, collection, key, doc)
	if err != nil {
		return fmt.Errorf("%w: create %s/%s: %v", ErrUnavailable, collection, key, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrConflict, collection, key)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, collection, key string, out any) error {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT doc FROM documents WHERE collection = $1 AND key = $2`,
		collection, key,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
	}
	if err != nil {
		return fmt.Errorf("%w: get %s/%s: %v", ErrUnavailable, collection, key, err)
	}
	return json.Unmarshal(doc, out)
}

func (p *Postgres) Update(ctx context.Context, collection, key string, partial map[string]any) error {
	patch, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("store: encoding patch for %s/%s: %w", collection, key, err)
	}

	// Per-key atomicity: read-merge-write under a row lock.
	err = p.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx,
			`SELECT doc FROM documents WHERE collection = $1 AND key = $2 FOR UPDATE`,
			collection, key,
		).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, key)
		}
		if err != nil {
			return err
		}

		merged, err := jsonpatch.MergePatch(doc, patch)
		if err != nil {
			return fmt.Errorf("store: merging patch into %s/%s: %w", collection, key, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE documents SET doc = $3, updated_at = now()
			WHERE collection = $1 AND key = $2
		`, collection, key, merged)
		return err
	})
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: update %s/%s: %v", ErrUnavailable, collection, key, err)
}

func (p *Postgres) Delete(ctx context.Context, collection, key string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND key = $2`,
		collection, key)
	if err != nil {
		return fmt.Errorf("%w: delete %s/%s: %v", ErrUnavailable, collection, key, err)
	}
	return nil
}

type documentRow struct {
	Doc []byte `db:"doc"`
}

func (p *Postgres) Query(ctx context.Context, collection string, filter Filter, less Less) ([]json.RawMessage, error) {
	var rows []documentRow
	err := pgxscan.Select(ctx, p.pool, &rows,
		`SELECT doc FROM documents WHERE collection = $1`, collection)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrUnavailable, collection, err)
	}

	var docs []json.RawMessage
	for _, row := range rows {
		doc := json.RawMessage(row.Doc)
		if filter == nil || filter(doc) {
			docs = append(docs, doc)
		}
	}
	if less != nil {
		sort.SliceStable(docs, func(i, j int) bool { return less(docs[i], docs[j]) })
	}
	return docs, nil
}
