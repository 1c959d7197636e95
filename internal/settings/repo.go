package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, search_top_k, search_min_score FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.SearchTopK, &s.SearchMinScore)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `UPDATE settings SET search_top_k = $1, search_min_score = $2, updated_at = NOW() WHERE id = 1`
	_, err := r.db.ExecContext(ctx, query, s.SearchTopK, s.SearchMinScore)
	return err
}
