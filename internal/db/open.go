package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/field-outbox/internal/config"
	"github.com/Guizzs26/field-outbox/internal/models"
)

// Store is implemented by every queue backend
type Store interface {
	Add(ctx context.Context, rec models.EventRecord) (string, error)
	List(ctx context.Context) ([]models.EventRecord, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Claim(ctx context.Context, id string) (bool, error)
	SetState(ctx context.Context, id string, state models.SyncState) error
	ResetInFlight(ctx context.Context) (int, error)
	Close() error
}

// Open builds the queue backend selected by STORE_DRIVER
func Open(ctx context.Context, cfg *config.Config, l *slog.Logger) (Store, error) {
	switch cfg.StoreDriver {
	case config.StoreBadger:
		return NewBadgerQueueStore(cfg.StorePath, l)
	case config.StorePostgres:
		return NewPostgresQueueStore(ctx, cfg.DatabaseURL, cfg.StaleAfter, l)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
