package asset

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"smara/backend/internal/worker"
)

const uniqueViolation = "23505"

const assetColumns = `id, owner_id, container_id, storage_key, mime, modality, byte_size, content_hash, source, source_url, status, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) FindByHash(ctx context.Context, ownerID, hash string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE owner_id = $1 AND content_hash = $2`
	return scanAsset(r.db.QueryRowContext(ctx, query, ownerID, hash))
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	return scanAsset(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) Save(ctx context.Context, a *Asset) error {
	query := `INSERT INTO assets (id, owner_id, container_id, storage_key, mime, modality, byte_size, content_hash, source, source_url, status) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		a.ID, a.OwnerID, nullString(a.ContainerID), a.StorageKey, a.MIME, a.Modality,
		a.ByteSize, a.ContentHash, a.Source, nullString(a.SourceURL), a.Status,
	).Scan(&a.CreatedAt, &a.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

// Status updates only ever move forward: pending to processing, and either
// of those to a terminal state. Updates against a terminal row are no-ops.

func (r *PostgresRepo) MarkProcessing(ctx context.Context, id string) error {
	query := `UPDATE assets SET status = 'processing', updated_at = NOW() WHERE id = $1 AND status = 'pending'`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) MarkReady(ctx context.Context, id string) error {
	query := `UPDATE assets SET status = 'ready', updated_at = NOW() WHERE id = $1 AND status IN ('pending', 'processing')`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) MarkError(ctx context.Context, id string) error {
	query := `UPDATE assets SET status = 'error', updated_at = NOW() WHERE id = $1 AND status IN ('pending', 'processing')`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) RecordError(ctx context.Context, id, stage, message string) error {
	query := `INSERT INTO asset_errors (asset_id, stage, message) VALUES ($1, $2, $3)`
	_, err := r.db.ExecContext(ctx, query, id, stage, message)
	return err
}

func (r *PostgresRepo) UpsertChunk(ctx context.Context, c worker.ChunkRecord) error {
	query := `INSERT INTO text_chunks (asset_id, chunk_id, kind, lang, start_ms, end_ms, text) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (asset_id, chunk_id) DO UPDATE SET kind = EXCLUDED.kind, lang = EXCLUDED.lang, start_ms = EXCLUDED.start_ms, end_ms = EXCLUDED.end_ms, text = EXCLUDED.text, updated_at = NOW()`
	_, err := r.db.ExecContext(ctx, query,
		c.AssetID, c.ChunkID, string(c.Kind), nullString(c.Lang), nullInt64(c.StartMs), nullInt64(c.EndMs), c.Text,
	)
	return err
}

// Delete hard-deletes the asset row and everything recorded against it.
func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM text_chunks WHERE asset_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM asset_errors WHERE asset_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (r *PostgresRepo) CountChunks(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM text_chunks`).Scan(&n)
	return n, err
}

// CountByStatus returns the number of assets per status. Statuses without
// assets are omitted.
func (r *PostgresRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM assets GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanAsset(row *sql.Row) (*Asset, error) {
	var a Asset
	var container, sourceURL sql.NullString
	err := row.Scan(
		&a.ID, &a.OwnerID, &container, &a.StorageKey, &a.MIME, &a.Modality, &a.ByteSize,
		&a.ContentHash, &a.Source, &sourceURL, &a.Status, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ContainerID = container.String
	a.SourceURL = sourceURL.String
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
