package settings

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")

// Settings are the runtime search defaults, editable without a restart.
type Settings struct {
	ID             int     `json:"-"`
	SearchTopK     int     `json:"search_top_k"`
	SearchMinScore float64 `json:"search_min_score"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.SearchTopK < 1 || set.SearchTopK > 100 {
		return fmt.Errorf("%w: search_top_k must be between 1 and 100", ErrInvalidSettings)
	}
	if set.SearchMinScore < 0 || set.SearchMinScore > 1 {
		return fmt.Errorf("%w: search_min_score must be between 0 and 1", ErrInvalidSettings)
	}
	return s.repo.Update(ctx, set)
}
