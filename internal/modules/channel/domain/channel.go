package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Channel represents a monitored Telegram channel.
type Channel struct {
	// TGID is the numeric channel id, zero until the channel is resolved.
	TGID int64 `json:"tg_id"`

	// Identifier is the addressing form supplied by the configuration
	// source: a public @handle, a numeric id, or a private invite link.
	Identifier string `json:"identifier"`

	Handle          string     `json:"handle"`
	Title           string     `json:"title"`
	IsActive        bool       `json:"is_active"`
	Keywords        []string   `json:"keywords"`
	MessagesSeen    int64      `json:"messages_seen"`
	CandidatesFound int64      `json:"candidates_found"`
	LastSeenAt      *time.Time `json:"last_seen_at"`
	SubscribedAt    *time.Time `json:"subscribed_at"`
}

// Resolved carries the upstream's answer to a channel resolution call.
type Resolved struct {
	TGID   int64
	Handle string
	Title  string
}

// MatchesKeywords reports whether text passes the channel's keyword filter.
// An empty keyword list passes everything; otherwise at least one keyword
// must occur in the text, case-insensitively (OR semantics).
func (c *Channel) MatchesKeywords(text string) bool {
	if len(c.Keywords) == 0 {
		return true
	}
	lower := strings.ToLower(text)
	return lo.ContainsBy(c.Keywords, func(keyword string) bool {
		return keyword != "" && strings.Contains(lower, strings.ToLower(keyword))
	})
}

// MessageLink builds a permalink to a message in this channel. Public
// channels link by handle, private ones by the t.me/c/ numeric form.
func (c *Channel) MessageLink(messageID int64) string {
	if c.Handle != "" {
		return fmt.Sprintf("https://t.me/%s/%d", c.Handle, messageID)
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", stripChannelPrefix(c.TGID), messageID)
}

// Telegram prefixes supergroup/channel ids with -100 on the Bot API surface.
func stripChannelPrefix(id int64) int64 {
	if id < 0 {
		s := strconv.FormatInt(-id, 10)
		if trimmed, ok := strings.CutPrefix(s, "100"); ok {
			if v, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
				return v
			}
		}
		return -id
	}
	return id
}

var (
	inviteLinkRe = regexp.MustCompile(`(t\.me/\+|t\.me/joinchat/|telegram\.me/joinchat/)`)
	invitePlusRe = regexp.MustCompile(`t\.me/\+([A-Za-z0-9_-]+)`)
	inviteJoinRe = regexp.MustCompile(`(?:t\.me|telegram\.me)/joinchat/([A-Za-z0-9_-]+)`)
	channelURLRe = regexp.MustCompile(`^https?://(t\.me|telegram\.me)/`)
)

// IsInviteLink reports whether identifier addresses a private channel
// through an invite link.
func IsInviteLink(identifier string) bool {
	return inviteLinkRe.MatchString(identifier) || strings.HasPrefix(identifier, "+")
}

// ExtractInviteHash pulls the invite token out of an invite link.
func ExtractInviteHash(identifier string) string {
	if m := invitePlusRe.FindStringSubmatch(identifier); m != nil {
		return m[1]
	}
	if m := inviteJoinRe.FindStringSubmatch(identifier); m != nil {
		return m[1]
	}
	if rest, ok := strings.CutPrefix(identifier, "+"); ok {
		return rest
	}
	return ""
}

// IsNumericID reports whether identifier is a raw numeric channel id.
func IsNumericID(identifier string) bool {
	_, err := strconv.ParseInt(identifier, 10, 64)
	return err == nil
}

// NormalizeHandle reduces a public channel reference (@handle, t.me URL or
// bare name) to a lowercase handle without prefix. Invite links are returned
// as +hash so the two addressing forms stay distinguishable.
func NormalizeHandle(identifier string) string {
	if IsInviteLink(identifier) {
		if hash := ExtractInviteHash(identifier); hash != "" {
			return "+" + hash
		}
		return identifier
	}

	handle := channelURLRe.ReplaceAllString(identifier, "")
	handle = strings.TrimPrefix(handle, "@")
	handle = strings.SplitN(handle, "?", 2)[0]
	handle = strings.Trim(handle, "/")
	return strings.ToLower(handle)
}
