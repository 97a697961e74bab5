package handoff

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
)

// Topic carries discovered candidate ids to the downstream consumer.
const Topic = "candidates.discovered"

const publishAttempts = 3

// EnqueueStore is the slice of the candidate repository the publisher
// needs to record handoffs and find committed-but-unenqueued candidates.
type EnqueueStore interface {
	MarkEnqueued(ctx context.Context, id int64, at time.Time) error
	ListUnenqueued(ctx context.Context, limit int) ([]*domain.Candidate, error)
}

// Publisher hands committed candidates to the downstream queue. The
// message payload is the candidate id; consumers load the full record from
// the store, so the queue never carries state the database does not
// already hold.
type Publisher struct {
	pub   message.Publisher
	store EnqueueStore
}

func NewPublisher(pub message.Publisher, store EnqueueStore) *Publisher {
	return &Publisher{pub: pub, store: store}
}

// Enqueue publishes the candidate id and records the handoff. Publishing
// is retried a few times with a short pause; a terminal failure leaves the
// candidate committed with no enqueue mark for the sweep to pick up.
func (p *Publisher) Enqueue(ctx context.Context, c *domain.Candidate) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(strconv.FormatInt(c.ID, 10)))
	msg.Metadata.Set("channel_id", strconv.FormatInt(c.ChannelID, 10))

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), publishAttempts-1),
		ctx)
	err := backoff.Retry(func() error {
		return p.pub.Publish(Topic, msg)
	}, policy)
	if err != nil {
		return oops.With("candidate_id", c.ID, "topic", Topic).Wrap(err)
	}

	if err := p.store.MarkEnqueued(ctx, c.ID, time.Now().UTC()); err != nil {
		// The publish went through; the sweep may republish this one,
		// which the at-least-once contract allows.
		return err
	}
	return nil
}

// RunSweep periodically republishes committed candidates that never made
// it onto the queue, preserving at-least-once delivery across enqueue
// failures and crashes between commit and enqueue.
func (p *Publisher) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Publisher) sweep(ctx context.Context) {
	candidates, err := p.store.ListUnenqueued(ctx, 100)
	if err != nil {
		slog.Error("Requeue sweep failed to list candidates", "error", err)
		return
	}
	if len(candidates) == 0 {
		return
	}

	slog.Info("Requeue sweep found unenqueued candidates", "count", len(candidates))
	for _, c := range candidates {
		if err := p.Enqueue(ctx, c); err != nil {
			slog.Error("Requeue sweep failed to enqueue candidate", "candidate_id", c.ID, "error", err)
		}
	}
}
