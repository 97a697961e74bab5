package errors

import "errors"

var (
	// ErrMissingSessionToken is returned when no Telegram token is configured.
	ErrMissingSessionToken = errors.New("TELEGRAM_SESSION_TOKEN environment variable is required")

	// ErrAuthRevoked marks a fatal authentication failure: the session token
	// was rejected by Telegram. Never retried; surfaced to the operator.
	ErrAuthRevoked = errors.New("session token rejected by upstream")

	// ErrDuplicate marks a benign duplicate: at least one message of a group
	// has already been folded into a committed candidate.
	ErrDuplicate = errors.New("message already seen")

	ErrChannelNotFound = errors.New("channel not found")
)
