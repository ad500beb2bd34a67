package domain

import "context"

// SportConfigStore persists raw sport configurations.
type SportConfigStore interface {
	ListAll(ctx context.Context) ([]SportConfig, error)
	GetBySport(ctx context.Context, sport string) (SportConfig, error)
	GetByID(ctx context.Context, id string) (SportConfig, error)
	Insert(ctx context.Context, cfg SportConfig) (SportConfig, error)
	Update(ctx context.Context, id string, cfg SportConfig) (SportConfig, error)
	Delete(ctx context.Context, id string) error
}
