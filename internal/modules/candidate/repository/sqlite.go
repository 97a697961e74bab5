package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
	apperrors "github.com/carscout/carscout/internal/shared/errors"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

var _ Repository = (*SQLiteRepository)(nil)

const candidateColumns = `id, channel_id, first_message_id, message_ids, text, media,
	contact_username, contact_user_id, contact_phone, contact_other, link,
	discovered_at, enqueued_at`

func (r *SQLiteRepository) Commit(ctx context.Context, c *domain.Candidate) error {
	errCtx := oops.With("channel_id", c.ChannelID, "first_message_id", c.FirstMessageID)

	messageIDs, err := json.Marshal(c.MessageIDs)
	if err != nil {
		return errCtx.Wrap(err)
	}
	media, err := json.Marshal(c.Media)
	if err != nil {
		return errCtx.Wrap(err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errCtx.With("context", "opening commit transaction").Wrap(err)
	}
	defer tx.Rollback()

	// The dedup marks inside the transaction are authoritative; the
	// in-memory cache in front of this repository is only an optimization.
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(c.MessageIDs)), ",")
	args := make([]interface{}, 0, len(c.MessageIDs)+1)
	args = append(args, c.ChannelID)
	for _, id := range c.MessageIDs {
		args = append(args, id)
	}
	var seen int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM seen_messages
		WHERE channel_id = ? AND message_id IN (`+placeholders+`)
	`, args...).Scan(&seen)
	if err != nil {
		return errCtx.With("context", "checking dedup marks").Wrap(err)
	}
	if seen > 0 {
		return apperrors.ErrDuplicate
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO candidates (channel_id, first_message_id, message_ids, text, media,
			contact_username, contact_user_id, contact_phone, contact_other, link, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ChannelID, c.FirstMessageID, string(messageIDs), c.Text, string(media),
		nullString(c.Contact.Username), nullInt64(c.Contact.UserID),
		nullString(c.Contact.Phone), nullString(c.Contact.Other),
		c.Link, c.DiscoveredAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.ErrDuplicate
		}
		return errCtx.With("context", "inserting candidate").Wrap(err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return errCtx.Wrap(err)
	}

	for _, messageID := range c.MessageIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO seen_messages (channel_id, message_id, candidate_id) VALUES (?, ?, ?)
		`, c.ChannelID, messageID, id); err != nil {
			if isUniqueViolation(err) {
				return apperrors.ErrDuplicate
			}
			return errCtx.With("message_id", messageID, "context", "writing dedup mark").Wrap(err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE channels
		SET candidates_found = candidates_found + 1,
		    last_seen_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE tg_id = ?
	`, c.DiscoveredAt, c.ChannelID); err != nil {
		return errCtx.With("context", "bumping channel counters").Wrap(err)
	}

	if err := tx.Commit(); err != nil {
		return errCtx.With("context", "committing candidate").Wrap(err)
	}

	c.ID = id
	return nil
}

func (r *SQLiteRepository) Seen(ctx context.Context, channelID, messageID int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM seen_messages WHERE channel_id = ? AND message_id = ?
	`, channelID, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, oops.With("channel_id", channelID, "message_id", messageID).Wrap(err)
	}
	return true, nil
}

func (r *SQLiteRepository) MarkEnqueued(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE candidates SET enqueued_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return oops.With("candidate_id", id, "context", "marking candidate enqueued").Wrap(err)
	}
	return nil
}

func (r *SQLiteRepository) ListUnenqueued(ctx context.Context, limit int) ([]*domain.Candidate, error) {
	return r.query(ctx, `
		SELECT `+candidateColumns+` FROM candidates
		WHERE enqueued_at IS NULL
		ORDER BY discovered_at ASC
		LIMIT ?
	`, limit)
}

func (r *SQLiteRepository) Recent(ctx context.Context, limit int) ([]*domain.Candidate, error) {
	return r.query(ctx, `
		SELECT `+candidateColumns+` FROM candidates
		ORDER BY discovered_at DESC
		LIMIT ?
	`, limit)
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...interface{}) ([]*domain.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, oops.With("context", "querying candidates").Wrap(err)
	}
	defer rows.Close()

	var candidates []*domain.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, oops.With("context", "scanning candidate row").Wrap(err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("context", "iterating candidate rows").Wrap(err)
	}
	return candidates, nil
}

func scanCandidate(rows *sql.Rows) (*domain.Candidate, error) {
	var (
		c          domain.Candidate
		messageIDs string
		media      string
		username   sql.NullString
		userID     sql.NullInt64
		phone      sql.NullString
		other      sql.NullString
	)
	err := rows.Scan(&c.ID, &c.ChannelID, &c.FirstMessageID, &messageIDs, &c.Text, &media,
		&username, &userID, &phone, &other, &c.Link, &c.DiscoveredAt, &c.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messageIDs), &c.MessageIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(media), &c.Media); err != nil {
		return nil, err
	}
	c.Contact = domain.Contact{
		Username: username.String,
		UserID:   userID.Int64,
		Phone:    phone.String,
		Other:    other.String,
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
