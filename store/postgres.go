package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"freelancehub/collab/ot"
)

// Postgres is a Store backed by a documents table and an append-only
// operations log. Appends run in a transaction guarded by the version
// column, so concurrent writers on the same document serialize through
// the optimistic check.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Schema creates the tables if missing.
func (p *Postgres) Schema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			runs       JSONB NOT NULL DEFAULT '[]',
			version    BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS document_ops (
			doc_id    TEXT NOT NULL REFERENCES documents(id),
			version   BIGINT NOT NULL,
			client_id TEXT NOT NULL,
			op        JSONB NOT NULL,
			PRIMARY KEY (doc_id, version)
		);`)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, id, content string) error {
	runs, err := json.Marshal(ot.NewText(content).Runs())
	if err != nil {
		return fmt.Errorf("store: marshal runs: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO documents (id, content, runs) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, content, runs)
	if err != nil {
		return fmt.Errorf("store: create document %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	return nil
}

func (p *Postgres) Fetch(ctx context.Context, id string) (Document, error) {
	var doc Document
	var runsRaw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT id, content, runs, version, updated_at FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.Content, &runsRaw, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("store: fetch document %s: %w", id, err)
	}
	if err := json.Unmarshal(runsRaw, &doc.Runs); err != nil {
		return Document{}, fmt.Errorf("store: decode runs for %s: %w", id, err)
	}
	rows, err := p.pool.Query(ctx,
		`SELECT DISTINCT client_id FROM document_ops WHERE doc_id = $1`, id)
	if err != nil {
		return Document{}, fmt.Errorf("store: fetch collaborators for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return Document{}, fmt.Errorf("store: scan collaborator: %w", err)
		}
		doc.Collaborators = append(doc.Collaborators, c)
	}
	return doc, rows.Err()
}

func (p *Postgres) Append(ctx context.Context, id string, op ot.Operation, clientID string, expectedVersion int64) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	var content string
	var runsRaw []byte
	var version int64
	err = tx.QueryRow(ctx,
		`SELECT content, runs, version FROM documents WHERE id = $1 FOR UPDATE`, id).
		Scan(&content, &runsRaw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("store: lock document %s: %w", id, err)
	}
	if version != expectedVersion {
		return 0, ErrVersionConflict
	}

	var runs []ot.Run
	if err := json.Unmarshal(runsRaw, &runs); err != nil {
		return 0, fmt.Errorf("store: decode runs for %s: %w", id, err)
	}
	next, err := ot.Apply(ot.FromRuns(runs), op)
	if err != nil {
		return 0, fmt.Errorf("store: apply op to %s at v%d: %w", id, version, err)
	}
	nextRuns, err := json.Marshal(next.Runs())
	if err != nil {
		return 0, fmt.Errorf("store: marshal runs: %w", err)
	}
	opRaw, err := json.Marshal(op)
	if err != nil {
		return 0, fmt.Errorf("store: marshal op: %w", err)
	}

	newVersion := version + 1
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET content = $1, runs = $2, version = $3, updated_at = now() WHERE id = $4`,
		next.String(), nextRuns, newVersion, id); err != nil {
		return 0, fmt.Errorf("store: update document %s: %w", id, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO document_ops (doc_id, version, client_id, op) VALUES ($1, $2, $3, $4)`,
		id, newVersion, clientID, opRaw); err != nil {
		return 0, fmt.Errorf("store: insert op for %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("store: commit append: %w", err)
	}
	return newVersion, nil
}

func (p *Postgres) OpsSince(ctx context.Context, id string, since int64) ([]SequencedOp, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT version, client_id, op FROM document_ops WHERE doc_id = $1 AND version > $2 ORDER BY version`,
		id, since)
	if err != nil {
		return nil, fmt.Errorf("store: ops since v%d for %s: %w", since, id, err)
	}
	defer rows.Close()
	var out []SequencedOp
	for rows.Next() {
		var s SequencedOp
		var raw []byte
		if err := rows.Scan(&s.Version, &s.ClientID, &raw); err != nil {
			return nil, fmt.Errorf("store: scan op: %w", err)
		}
		if err := json.Unmarshal(raw, &s.Op); err != nil {
			return nil, fmt.Errorf("store: decode op at v%d: %w", s.Version, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ Store = (*Postgres)(nil)
