package repository

import (
	"context"
	"time"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
)

// Repository is the system of record for discovered candidates and the
// durable dedup marks protecting against replays.
type Repository interface {
	// Commit atomically persists a candidate, the dedup marks for every
	// message id it was assembled from, and the owning channel's counters.
	// If any of the message ids is already marked seen the whole commit is
	// rolled back and ErrDuplicate is returned. On success the candidate's
	// ID is filled in.
	Commit(ctx context.Context, c *domain.Candidate) error

	// Seen reports whether a message id carries a durable dedup mark.
	Seen(ctx context.Context, channelID, messageID int64) (bool, error)

	// MarkEnqueued records a successful downstream handoff.
	MarkEnqueued(ctx context.Context, id int64, at time.Time) error

	// ListUnenqueued returns committed candidates that never made it onto
	// the downstream queue, oldest first.
	ListUnenqueued(ctx context.Context, limit int) ([]*domain.Candidate, error)

	// Recent returns the latest discovered candidates, newest first.
	Recent(ctx context.Context, limit int) ([]*domain.Candidate, error)
}
