package domain

import (
	"time"
)

//go:generate go run github.com/abice/go-enum --file=$GOFILE --names --nocase

// MediaType classifies an attachment carried by a channel message.
// ENUM(photo,video,document)
type MediaType string

// RawEvent is one channel message as received from the upstream session,
// stripped down to what the pipeline needs. A non-empty GroupID marks the
// event as part of a media group (album).
type RawEvent struct {
	ChannelID int64
	MessageID int64
	GroupID   string
	Text      string
	Media     []MediaRef

	// ContactHints are structured contact mentions lifted from message
	// entities at the transport boundary. They outrank anything the
	// extractor can find in the raw text.
	ContactHints []ContactHint

	// ForwardAuthor is the original author's handle when the message was
	// forwarded from a user, empty otherwise.
	ForwardAuthor string

	Timestamp time.Time
}

// MediaRef points at one attachment without downloading it.
type MediaRef struct {
	Type   MediaType `json:"type"`
	FileID string    `json:"file_id"`
}

// ContactHint is a contact mention carried by message entities.
type ContactHint struct {
	Username string
	UserID   int64
	Phone    string
	Email    string
	URL      string
}

// Contact is the best contact method found for a candidate. At most one of
// the fields is expected to be the primary channel; Other holds emails,
// bot links and similar fallbacks.
type Contact struct {
	Username string `json:"username,omitempty"`
	UserID   int64  `json:"user_id,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Other    string `json:"other,omitempty"`
}

// IsEmpty reports whether no contact method was found at all.
func (c Contact) IsEmpty() bool {
	return c.Username == "" && c.UserID == 0 && c.Phone == "" && c.Other == ""
}

// Candidate is one prospective listing assembled from a message group.
type Candidate struct {
	ID             int64      `json:"id"`
	ChannelID      int64      `json:"channel_id"`
	FirstMessageID int64      `json:"first_message_id"`
	MessageIDs     []int64    `json:"message_ids"`
	Text           string     `json:"text"`
	Media          []MediaRef `json:"media"`
	Contact        Contact    `json:"contact"`
	Link           string     `json:"link"`
	DiscoveredAt   time.Time  `json:"discovered_at"`
	EnqueuedAt     *time.Time `json:"enqueued_at,omitempty"`
}
