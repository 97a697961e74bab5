package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
	channeldomain "github.com/carscout/carscout/internal/modules/channel/domain"
	apperrors "github.com/carscout/carscout/internal/shared/errors"
)

// ChannelLookup resolves a numeric channel id to its subscribed channel;
// satisfied by the channel registry.
type ChannelLookup interface {
	Lookup(tgID int64) *channeldomain.Channel
}

// CounterStore is the slice of the channel repository the hot path needs.
type CounterStore interface {
	IncrementMessagesSeen(ctx context.Context, tgID int64, at time.Time) error
}

// Committer persists an assembled candidate atomically with its dedup
// marks.
type Committer interface {
	Commit(ctx context.Context, c *domain.Candidate) error
}

// Enqueuer hands a committed candidate to the downstream queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, c *domain.Candidate) error
}

// Pipeline is the single consumer of the session's event stream. Intake is
// sequential; flushes triggered by aggregator timers run concurrently, with
// the commit transaction as the serialization point.
type Pipeline struct {
	lookup    ChannelLookup
	counters  CounterStore
	dedup     *Dedup
	extractor *Extractor
	committer Committer
	enqueuer  Enqueuer

	aggregator *Aggregator

	ctx context.Context
}

func New(lookup ChannelLookup, counters CounterStore, dedup *Dedup, extractor *Extractor,
	committer Committer, enqueuer Enqueuer, quiet, maxAge time.Duration) *Pipeline {
	p := &Pipeline{
		lookup:    lookup,
		counters:  counters,
		dedup:     dedup,
		extractor: extractor,
		committer: committer,
		enqueuer:  enqueuer,
		ctx:       context.Background(),
	}
	p.aggregator = NewAggregator(quiet, maxAge, p.flushGroup)
	return p
}

// Run consumes events until the channel closes or ctx is cancelled, then
// force-flushes buffered groups and waits for in-flight commits.
func (p *Pipeline) Run(ctx context.Context, events <-chan domain.RawEvent) {
	// Flushes fired by timers after ctx cancellation still need to commit;
	// they use the background context captured here.
	p.ctx = context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case event, ok := <-events:
			if !ok {
				p.drain()
				return
			}
			p.handle(ctx, event)
		}
	}
}

// drain force-flushes buffered groups; FlushAll also waits out timer
// flushes already past the point of no return, so every started commit
// finishes before the caller tears down shared resources.
func (p *Pipeline) drain() {
	p.aggregator.FlushAll()
}

func (p *Pipeline) handle(ctx context.Context, event domain.RawEvent) {
	ch := p.lookup.Lookup(event.ChannelID)
	if ch == nil {
		slog.Debug("Dropping event from unsubscribed channel", "channel_id", event.ChannelID)
		return
	}

	if err := p.counters.IncrementMessagesSeen(ctx, event.ChannelID, event.Timestamp); err != nil {
		slog.Error("Failed to bump message counter", "channel_id", event.ChannelID, "error", err)
	}

	seen, err := p.dedup.Seen(ctx, event.ChannelID, event.MessageID)
	if err != nil {
		slog.Error("Dedup check failed, processing anyway",
			"channel_id", event.ChannelID, "message_id", event.MessageID, "error", err)
	}
	if seen {
		slog.Debug("Discarding duplicate message",
			"channel_id", event.ChannelID, "message_id", event.MessageID)
		return
	}

	p.aggregator.Add(event)
}

// flushGroup runs the extract → commit → enqueue path for one completed
// group. Called by the aggregator, possibly from a timer goroutine.
func (p *Pipeline) flushGroup(events []domain.RawEvent) {
	if len(events) == 0 {
		return
	}
	ctx := p.ctx

	ch := p.lookup.Lookup(events[0].ChannelID)
	if ch == nil {
		slog.Debug("Discarding group from unsubscribed channel",
			"channel_id", events[0].ChannelID,
			"first_message_id", events[0].MessageID,
			"size", len(events))
		return
	}

	candidate, reason := p.extractor.Extract(events, ch)
	if candidate == nil {
		slog.Info("Discarding message group",
			"channel_id", events[0].ChannelID,
			"first_message_id", events[0].MessageID,
			"size", len(events),
			"reason", string(reason))
		return
	}

	if err := p.committer.Commit(ctx, candidate); err != nil {
		if errors.Is(err, apperrors.ErrDuplicate) {
			slog.Debug("Candidate already committed",
				"channel_id", candidate.ChannelID, "first_message_id", candidate.FirstMessageID)
			p.dedup.Remember(candidate.ChannelID, candidate.MessageIDs...)
			return
		}
		slog.Error("Failed to commit candidate",
			"channel_id", candidate.ChannelID, "first_message_id", candidate.FirstMessageID, "error", err)
		return
	}
	p.dedup.Remember(candidate.ChannelID, candidate.MessageIDs...)

	slog.Info("Candidate committed",
		"candidate_id", candidate.ID,
		"channel_id", candidate.ChannelID,
		"messages", len(candidate.MessageIDs),
		"media", len(candidate.Media))

	// Enqueue strictly after commit. A failure here leaves the candidate
	// committed with no enqueue mark; the sweep picks it up later.
	if err := p.enqueuer.Enqueue(ctx, candidate); err != nil {
		slog.Error("Failed to enqueue candidate, leaving for sweep",
			"candidate_id", candidate.ID, "error", err)
	}
}

// PendingGroups exposes the aggregator's buffer depth for the admin API.
func (p *Pipeline) PendingGroups() int {
	return p.aggregator.PendingGroups()
}
