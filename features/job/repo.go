package job

import (
	"context"
	"database/sql"
	"encoding/json"
)

type Repository interface {
	Save(ctx context.Context, job *Job) error
	List(ctx context.Context) ([]Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, job *Job) error {
	query := `INSERT INTO failed_jobs (asset_id, topic, handler, payload, error, retries) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`
	return r.db.QueryRowContext(ctx, query, nullable(job.AssetID), job.Topic, job.Handler, []byte(job.Payload), job.Error, job.Retries).Scan(&job.ID, &job.CreatedAt)
}

func (r *PostgresRepo) List(ctx context.Context) ([]Job, error) {
	query := `SELECT id, asset_id, topic, handler, payload, error, retries, created_at FROM failed_jobs ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Job, error) {
	query := `SELECT id, asset_id, topic, handler, payload, error, retries, created_at FROM failed_jobs WHERE id = $1`
	return scanJob(r.db.QueryRowContext(ctx, query, id))
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM failed_jobs WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	return err
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM failed_jobs`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var assetID sql.NullString
	var payload []byte
	if err := row.Scan(&j.ID, &assetID, &j.Topic, &j.Handler, &payload, &j.Error, &j.Retries, &j.CreatedAt); err != nil {
		return nil, err
	}
	j.AssetID = assetID.String
	j.Payload = json.RawMessage(payload)
	return &j, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
