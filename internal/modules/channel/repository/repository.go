package repository

import (
	"context"
	"time"

	"github.com/carscout/carscout/internal/modules/channel/domain"
)

// Repository persists monitored channels and their counters. The pipeline
// never deletes channels; entries that disappear from the configuration
// source are deactivated instead.
type Repository interface {
	// Upsert inserts or updates a channel's configuration fields
	// (active flag, keywords). Counters are untouched.
	Upsert(ctx context.Context, ch *domain.Channel) error

	// SetResolved records the resolved numeric id, handle and title for a
	// configured identifier.
	SetResolved(ctx context.Context, identifier string, tgID int64, handle, title string) error

	// MarkSubscribed updates subscription bookkeeping after a successful
	// subscribe or re-subscribe.
	MarkSubscribed(ctx context.Context, identifier string, at time.Time) error

	// DeactivateMissing deactivates every channel whose identifier is not
	// in keep.
	DeactivateMissing(ctx context.Context, keep []string) error

	// IncrementMessagesSeen bumps the per-channel message counter and
	// refreshes last_seen_at.
	IncrementMessagesSeen(ctx context.Context, tgID int64, at time.Time) error

	GetByTGID(ctx context.Context, tgID int64) (*domain.Channel, error)
	GetAllActive(ctx context.Context) ([]*domain.Channel, error)
	GetAll(ctx context.Context) ([]*domain.Channel, error)
}
