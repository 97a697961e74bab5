package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
	channeldomain "github.com/carscout/carscout/internal/modules/channel/domain"
	apperrors "github.com/carscout/carscout/internal/shared/errors"
)

type staticLookup struct {
	channels map[int64]*channeldomain.Channel
}

func (l *staticLookup) Lookup(tgID int64) *channeldomain.Channel {
	return l.channels[tgID]
}

type countingStore struct {
	mu    sync.Mutex
	bumps int
}

func (s *countingStore) IncrementMessagesSeen(context.Context, int64, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bumps++
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	order     []string
	committed []*domain.Candidate
	enqueued  []*domain.Candidate
	commitErr error
	enqErr    error
	nextID    int64
}

func (s *recordingSink) Commit(_ context.Context, c *domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	s.nextID++
	c.ID = s.nextID
	s.order = append(s.order, "commit")
	s.committed = append(s.committed, c)
	return nil
}

func (s *recordingSink) Enqueue(_ context.Context, c *domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqErr != nil {
		return s.enqErr
	}
	s.order = append(s.order, "enqueue")
	s.enqueued = append(s.enqueued, c)
	return nil
}

func newTestPipeline(t *testing.T, sink *recordingSink, store *stubSeenStore) *Pipeline {
	t.Helper()
	dedup, err := NewDedup(64, store)
	if err != nil {
		t.Fatal(err)
	}
	lookup := &staticLookup{channels: map[int64]*channeldomain.Channel{
		-100: {TGID: -100, Handle: "cars"},
	}}
	return New(lookup, &countingStore{}, dedup, NewExtractor(10), sink, sink,
		20*time.Millisecond, 200*time.Millisecond)
}

func runPipeline(p *Pipeline, events ...domain.RawEvent) {
	ch := make(chan domain.RawEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	p.Run(context.Background(), ch)
}

func TestCommitHappensBeforeEnqueue(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.order) != 2 || sink.order[0] != "commit" || sink.order[1] != "enqueue" {
		t.Fatalf("order = %v, want [commit enqueue]", sink.order)
	}
	if sink.enqueued[0].ID != sink.committed[0].ID {
		t.Error("enqueued candidate id differs from committed id")
	}
}

func TestEnqueueFailureKeepsCandidateCommitted(t *testing.T) {
	sink := &recordingSink{enqErr: errors.New("queue down")}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.committed) != 1 {
		t.Fatalf("committed = %d, want 1 (enqueue failure must not undo commit)", len(sink.committed))
	}
	if len(sink.enqueued) != 0 {
		t.Fatalf("enqueued = %d, want 0", len(sink.enqueued))
	}
}

func TestDuplicateEventsProduceOneCandidate(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	ev := domain.RawEvent{
		ChannelID: -100, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	}
	runPipeline(p, ev, ev, ev)

	if len(sink.committed) != 1 {
		t.Fatalf("committed = %d, want 1 (replays must be dropped)", len(sink.committed))
	}
	if len(sink.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(sink.enqueued))
	}
}

func TestDurableDuplicateSkipsCommit(t *testing.T) {
	// The durable store already knows the message: a fresh process (empty
	// cache) must still drop the replay.
	store := &stubSeenStore{seen: map[string]bool{dedupKey(-100, 1): true}}
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, store)

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.committed) != 0 {
		t.Fatalf("committed = %d, want 0", len(sink.committed))
	}
}

func TestBenignDuplicateCommitIsSwallowed(t *testing.T) {
	sink := &recordingSink{commitErr: apperrors.ErrDuplicate}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.enqueued) != 0 {
		t.Fatalf("enqueued = %d, want 0 (duplicate commit must not enqueue)", len(sink.enqueued))
	}
}

func TestUnsubscribedChannelDropped(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	runPipeline(p, domain.RawEvent{
		ChannelID: -999, MessageID: 1,
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.committed) != 0 {
		t.Fatalf("committed = %d, want 0 (unknown channel)", len(sink.committed))
	}
}

func TestAlbumCommitsAsSingleCandidate(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPipeline(t, sink, &stubSeenStore{seen: map[string]bool{}})

	events := []domain.RawEvent{
		{ChannelID: -100, MessageID: 1, GroupID: "g1",
			Media: []domain.MediaRef{{Type: domain.MediaTypePhoto, FileID: "a"}}, Timestamp: time.Now()},
		{ChannelID: -100, MessageID: 2, GroupID: "g1",
			Text: "Selling BMW 320i, album inside",
			Media: []domain.MediaRef{{Type: domain.MediaTypePhoto, FileID: "b"}}, Timestamp: time.Now()},
		{ChannelID: -100, MessageID: 3, GroupID: "g1",
			Media: []domain.MediaRef{{Type: domain.MediaTypeVideo, FileID: "c"}}, Timestamp: time.Now()},
	}
	runPipeline(p, events...)

	if len(sink.committed) != 1 {
		t.Fatalf("committed = %d, want 1 (one candidate per album)", len(sink.committed))
	}
	c := sink.committed[0]
	if len(c.MessageIDs) != 3 {
		t.Errorf("MessageIDs = %v, want all three parts", c.MessageIDs)
	}
	if c.FirstMessageID != 1 {
		t.Errorf("FirstMessageID = %d, want 1", c.FirstMessageID)
	}
	if len(c.Media) != 3 {
		t.Errorf("media = %d, want 3", len(c.Media))
	}
}

// vanishingLookup serves the channel on intake and nothing afterwards,
// mimicking an unsubscribe between buffering and flush.
type vanishingLookup struct {
	mu    sync.Mutex
	calls int
	ch    *channeldomain.Channel
}

func (l *vanishingLookup) Lookup(int64) *channeldomain.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls == 1 {
		return l.ch
	}
	return nil
}

func TestUnsubscribedAtFlushLogsDiscard(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(prev)

	sink := &recordingSink{}
	dedup, err := NewDedup(64, &stubSeenStore{seen: map[string]bool{}})
	if err != nil {
		t.Fatal(err)
	}
	lookup := &vanishingLookup{ch: &channeldomain.Channel{TGID: -100, Handle: "cars"}}
	p := New(lookup, &countingStore{}, dedup, NewExtractor(10), sink, sink,
		20*time.Millisecond, 200*time.Millisecond)

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1, GroupID: "g1",
		Text: "Selling BMW 320i, low mileage", Timestamp: time.Now(),
	})

	if len(sink.committed) != 0 {
		t.Fatalf("committed = %d, want 0 (channel gone at flush)", len(sink.committed))
	}
	if !strings.Contains(buf.String(), "unsubscribed channel") {
		t.Errorf("discard not logged, log output:\n%s", buf.String())
	}
}

func TestShutdownFlushesBufferedGroups(t *testing.T) {
	sink := &recordingSink{}
	dedup, err := NewDedup(64, &stubSeenStore{seen: map[string]bool{}})
	if err != nil {
		t.Fatal(err)
	}
	lookup := &staticLookup{channels: map[int64]*channeldomain.Channel{
		-100: {TGID: -100, Handle: "cars"},
	}}
	// Hour-long quiet period: only the shutdown drain can flush.
	p := New(lookup, &countingStore{}, dedup, NewExtractor(10), sink, sink,
		time.Hour, 2*time.Hour)

	runPipeline(p, domain.RawEvent{
		ChannelID: -100, MessageID: 1, GroupID: "g1",
		Text: "Selling BMW 320i, album inside", Timestamp: time.Now(),
	})

	if len(sink.committed) != 1 {
		t.Fatalf("committed = %d, want 1 (drain on shutdown)", len(sink.committed))
	}
}
