package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/modules/channel/domain"
	apperrors "github.com/carscout/carscout/internal/shared/errors"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ Repository = (*SQLiteRepository)(nil)

const channelColumns = `identifier, tg_id, handle, title, is_active, keywords,
	messages_seen, candidates_found, last_seen_at, subscribed_at`

func (r *SQLiteRepository) Upsert(ctx context.Context, ch *domain.Channel) error {
	keywords, err := json.Marshal(ch.Keywords)
	if err != nil {
		return oops.With("identifier", ch.Identifier).Wrap(err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channels (identifier, handle, title, is_active, keywords)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (identifier) DO UPDATE SET
			is_active  = excluded.is_active,
			keywords   = excluded.keywords,
			updated_at = CURRENT_TIMESTAMP
	`, ch.Identifier, ch.Handle, ch.Title, ch.IsActive, string(keywords))
	if err != nil {
		return oops.With("identifier", ch.Identifier, "context", "upserting channel").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) SetResolved(ctx context.Context, identifier string, tgID int64, handle, title string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channels
		SET tg_id = ?, handle = ?, title = ?, updated_at = CURRENT_TIMESTAMP
		WHERE identifier = ?
	`, tgID, handle, title, identifier)
	if err != nil {
		return oops.With("identifier", identifier, "tg_id", tgID, "context", "recording resolved channel").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) MarkSubscribed(ctx context.Context, identifier string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channels
		SET subscribed_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE identifier = ?
	`, at, identifier)
	if err != nil {
		return oops.With("identifier", identifier, "context", "marking channel subscribed").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) DeactivateMissing(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := r.db.ExecContext(ctx, `UPDATE channels SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE is_active = 1`)
		if err != nil {
			return oops.With("context", "deactivating all channels").Wrap(err)
		}
		return nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE channels
		SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE is_active = 1 AND identifier NOT IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return oops.With("context", "deactivating missing channels").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) IncrementMessagesSeen(ctx context.Context, tgID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channels
		SET messages_seen = messages_seen + 1, last_seen_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE tg_id = ?
	`, at, tgID)
	if err != nil {
		return oops.With("tg_id", tgID, "context", "incrementing message counter").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) GetByTGID(ctx context.Context, tgID int64) (*domain.Channel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE tg_id = ?`, tgID)
	ch, err := scanChannel(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrChannelNotFound
	}
	if err != nil {
		return nil, oops.With("tg_id", tgID, "context", "loading channel").Wrap(err)
	}
	return ch, nil
}

func (r *SQLiteRepository) GetAllActive(ctx context.Context) ([]*domain.Channel, error) {
	return r.query(ctx, `SELECT `+channelColumns+` FROM channels WHERE is_active = 1 ORDER BY identifier`)
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]*domain.Channel, error) {
	return r.query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY identifier`)
}

func (r *SQLiteRepository) query(ctx context.Context, q string) ([]*domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, oops.With("context", "querying channels").Wrap(err)
	}
	defer rows.Close()

	var channels []*domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, oops.With("context", "scanning channel row").Wrap(err)
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("context", "iterating channel rows").Wrap(err)
	}
	return channels, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var (
		ch       domain.Channel
		keywords string
	)
	err := row.Scan(&ch.Identifier, &ch.TGID, &ch.Handle, &ch.Title, &ch.IsActive,
		&keywords, &ch.MessagesSeen, &ch.CandidatesFound, &ch.LastSeenAt, &ch.SubscribedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywords), &ch.Keywords); err != nil {
		return nil, err
	}
	return &ch, nil
}
