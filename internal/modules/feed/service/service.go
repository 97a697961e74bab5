package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/feeds"
	"github.com/samber/oops"

	candidateDomain "github.com/carscout/carscout/internal/modules/candidate/domain"
	candidateRepo "github.com/carscout/carscout/internal/modules/candidate/repository"
)

const feedSize = 50

// Service renders recently discovered candidates as an RSS feed, the
// operator-facing view of what the pipeline has found.
type Service struct {
	candidateRepo candidateRepo.Repository
}

func New(candidateRepo candidateRepo.Repository) *Service {
	return &Service{candidateRepo: candidateRepo}
}

// GenerateFeed builds the RSS feed of the latest candidates.
func (s *Service) GenerateFeed(ctx context.Context, baseURL string) (*feeds.Feed, error) {
	candidates, err := s.candidateRepo.Recent(ctx, feedSize)
	if err != nil {
		return nil, oops.With("context", "loading recent candidates").Wrap(err)
	}

	feed := &feeds.Feed{
		Title:       "Carscout - Discovered Listings",
		Link:        &feeds.Link{Href: baseURL + "/feed.xml"},
		Description: "Car sale candidates discovered in monitored Telegram channels",
		Created:     time.Now(),
	}
	if len(candidates) > 0 {
		feed.Updated = candidates[0].DiscoveredAt
	}

	for _, c := range candidates {
		feed.Items = append(feed.Items, candidateToFeedItem(c))
	}
	return feed, nil
}

func candidateToFeedItem(c *candidateDomain.Candidate) *feeds.Item {
	description := c.Text
	if contact := contactLine(c.Contact); contact != "" {
		description += "\n\nContact: " + contact
	}
	if len(c.Media) > 0 {
		description += fmt.Sprintf("\n\nAttachments: %d", len(c.Media))
	}

	return &feeds.Item{
		Title:       truncate(c.Text, 100),
		Link:        &feeds.Link{Href: c.Link},
		Description: description,
		Created:     c.DiscoveredAt,
		Id:          fmt.Sprintf("%d-%d", c.ChannelID, c.FirstMessageID),
	}
}

func contactLine(contact candidateDomain.Contact) string {
	switch {
	case contact.Username != "":
		return "@" + contact.Username
	case contact.Phone != "":
		return contact.Phone
	case contact.UserID != 0:
		return fmt.Sprintf("user id %d", contact.UserID)
	case contact.Other != "":
		return contact.Other
	}
	return ""
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
