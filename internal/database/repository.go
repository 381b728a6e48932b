package database

import (
	"context"

	"pumpwatch/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	Migrate(ctx context.Context) error
	LogEvent(ctx context.Context, ev model.Event) error
	SavePosition(ctx context.Context, pos model.Position) error
	LoadOpenPositions(ctx context.Context) ([]model.Position, error)
	SavePair(ctx context.Context, pair model.ResidentOrderPair) error
	LoadOpenPairs(ctx context.Context) ([]model.ResidentOrderPair, error)
}
