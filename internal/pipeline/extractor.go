package pipeline

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
	channeldomain "github.com/carscout/carscout/internal/modules/channel/domain"
)

// DiscardReason explains why a message group produced no candidate.
type DiscardReason string

const (
	DiscardNone     DiscardReason = ""
	DiscardEmpty    DiscardReason = "empty"
	DiscardFiltered DiscardReason = "filtered"
)

var (
	usernameRe = regexp.MustCompile(`@([a-zA-Z0-9_]{5,32})`)
	phoneRe    = regexp.MustCompile(`(?:\+?\d[\d\-\s()]{8,}\d)`)
	emailRe    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	spaceRe    = regexp.MustCompile(`[ \t]+`)
)

// Extractor turns a completed message group into at most one candidate.
type Extractor struct {
	minTextLength int
}

func NewExtractor(minTextLength int) *Extractor {
	if minTextLength < 1 {
		minTextLength = 1
	}
	return &Extractor{minTextLength: minTextLength}
}

// Extract assembles a candidate from events (arrival order) belonging to
// ch. A nil candidate comes with the reason the group was discarded.
func (e *Extractor) Extract(events []domain.RawEvent, ch *channeldomain.Channel) (*domain.Candidate, DiscardReason) {
	if len(events) == 0 {
		return nil, DiscardEmpty
	}

	text := firstText(events)
	if utf8.RuneCountInString(text) < e.minTextLength {
		return nil, DiscardEmpty
	}
	if !ch.MatchesKeywords(text) {
		return nil, DiscardFiltered
	}

	first := events[0]
	c := &domain.Candidate{
		ChannelID:      first.ChannelID,
		FirstMessageID: first.MessageID,
		MessageIDs: lo.Map(events, func(ev domain.RawEvent, _ int) int64 {
			return ev.MessageID
		}),
		Text:         text,
		Media:        collectMedia(events),
		Contact:      extractContact(events, text),
		Link:         ch.MessageLink(first.MessageID),
		DiscoveredAt: time.Now().UTC(),
	}
	return c, DiscardNone
}

// firstText returns the first non-empty text in the group, whitespace
// normalized: runs of spaces and tabs collapse, blank lines drop.
func firstText(events []domain.RawEvent) string {
	for _, ev := range events {
		if strings.TrimSpace(ev.Text) != "" {
			return normalizeWhitespace(ev.Text)
		}
	}
	return ""
}

func normalizeWhitespace(text string) string {
	lines := strings.Split(text, "\n")
	cleaned := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func collectMedia(events []domain.RawEvent) []domain.MediaRef {
	var media []domain.MediaRef
	for _, ev := range events {
		for _, ref := range ev.Media {
			if len(media) == maxGroupSize {
				return media
			}
			media = append(media, ref)
		}
	}
	return media
}

// extractContact applies the contact heuristic in priority order:
// structured entity hints, then regexes over the text, then the forwarded
// message's original author. No contact at all is acceptable.
func extractContact(events []domain.RawEvent, text string) domain.Contact {
	for _, ev := range events {
		for _, hint := range ev.ContactHints {
			switch {
			case hint.Username != "":
				return domain.Contact{Username: hint.Username, UserID: hint.UserID}
			case hint.UserID != 0:
				return domain.Contact{UserID: hint.UserID}
			case hint.Phone != "":
				return domain.Contact{Phone: NormalizePhone(hint.Phone)}
			case hint.Email != "":
				return domain.Contact{Other: hint.Email}
			case hint.URL != "":
				return domain.Contact{Other: hint.URL}
			}
		}
	}

	if m := usernameRe.FindStringSubmatch(text); m != nil {
		return domain.Contact{Username: m[1]}
	}
	if m := phoneRe.FindString(text); m != "" {
		if phone := NormalizePhone(m); phone != "" {
			return domain.Contact{Phone: phone}
		}
	}
	if m := emailRe.FindString(text); m != "" {
		return domain.Contact{Other: m}
	}

	for _, ev := range events {
		if ev.ForwardAuthor != "" {
			return domain.Contact{Username: ev.ForwardAuthor}
		}
	}
	return domain.Contact{}
}

// NormalizePhone reduces a free-form phone string to +digits. Numbers in
// the Russian national format (leading 8 or bare 7, eleven digits) become
// +7 numbers. Anything under ten digits is rejected as noise.
func NormalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if len(d) < 10 {
		return ""
	}

	switch {
	case len(d) == 11 && d[0] == '8':
		return "+7" + d[1:]
	case len(d) == 11 && d[0] == '7':
		return "+" + d
	case len(d) == 10:
		return "+7" + d
	default:
		return "+" + d
	}
}
