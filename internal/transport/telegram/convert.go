package telegram

import (
	"time"
	"unicode/utf16"

	"github.com/go-telegram/bot/models"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
)

// toRawEvent converts a channel message to a pipeline event. The second
// return value is false for messages the pipeline has no use for: service
// messages and posts with neither text nor media.
func toRawEvent(msg *models.Message) (domain.RawEvent, bool) {
	if msg == nil {
		return domain.RawEvent{}, false
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" && msg.Caption != "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	media := extractMedia(msg)
	if text == "" && len(media) == 0 {
		return domain.RawEvent{}, false
	}

	return domain.RawEvent{
		ChannelID:     msg.Chat.ID,
		MessageID:     int64(msg.ID),
		GroupID:       msg.MediaGroupID,
		Text:          text,
		Media:         media,
		ContactHints:  extractHints(text, entities),
		ForwardAuthor: forwardAuthor(msg),
		Timestamp:     time.Unix(int64(msg.Date), 0).UTC(),
	}, true
}

func extractMedia(msg *models.Message) []domain.MediaRef {
	var media []domain.MediaRef

	if len(msg.Photo) > 0 {
		// Telegram sends several sizes of the same photo; the last one is
		// the largest.
		photo := msg.Photo[len(msg.Photo)-1]
		media = append(media, domain.MediaRef{
			Type:   domain.MediaTypePhoto,
			FileID: photo.FileID,
		})
	}

	if msg.Video != nil {
		media = append(media, domain.MediaRef{
			Type:   domain.MediaTypeVideo,
			FileID: msg.Video.FileID,
		})
	}

	if msg.Document != nil {
		media = append(media, domain.MediaRef{
			Type:   domain.MediaTypeDocument,
			FileID: msg.Document.FileID,
		})
	}

	return media
}

// extractHints lifts contact mentions out of message entities. Entity
// offsets count UTF-16 code units, so the text is sliced in that encoding.
func extractHints(text string, entities []models.MessageEntity) []domain.ContactHint {
	var hints []domain.ContactHint
	encoded := utf16.Encode([]rune(text))

	for _, entity := range entities {
		switch entity.Type {
		case models.MessageEntityTypeMention:
			if v := entitySlice(encoded, entity.Offset, entity.Length); v != "" {
				hints = append(hints, domain.ContactHint{Username: trimMention(v)})
			}
		case models.MessageEntityTypeTextMention:
			if entity.User != nil {
				hints = append(hints, domain.ContactHint{
					Username: entity.User.Username,
					UserID:   entity.User.ID,
				})
			}
		case models.MessageEntityTypePhoneNumber:
			if v := entitySlice(encoded, entity.Offset, entity.Length); v != "" {
				hints = append(hints, domain.ContactHint{Phone: v})
			}
		case models.MessageEntityTypeEmail:
			if v := entitySlice(encoded, entity.Offset, entity.Length); v != "" {
				hints = append(hints, domain.ContactHint{Email: v})
			}
		case models.MessageEntityTypeTextLink:
			if entity.URL != "" {
				hints = append(hints, domain.ContactHint{URL: entity.URL})
			}
		}
	}
	return hints
}

func entitySlice(encoded []uint16, offset, length int) string {
	if offset < 0 || length <= 0 || offset+length > len(encoded) {
		return ""
	}
	return string(utf16.Decode(encoded[offset : offset+length]))
}

func trimMention(v string) string {
	if len(v) > 0 && v[0] == '@' {
		return v[1:]
	}
	return v
}

// forwardAuthor returns the original author's username for messages
// forwarded from a user account, the last-resort contact source.
func forwardAuthor(msg *models.Message) string {
	origin := msg.ForwardOrigin
	if origin == nil {
		return ""
	}

	switch origin.Type {
	case models.MessageOriginTypeUser:
		if origin.MessageOriginUser != nil {
			return origin.MessageOriginUser.SenderUser.Username
		}
	case models.MessageOriginTypeHiddenUser:
		if origin.MessageOriginHiddenUser != nil {
			return origin.MessageOriginHiddenUser.SenderUserName
		}
	}
	return ""
}
