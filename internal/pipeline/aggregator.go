package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
)

// Telegram albums carry at most ten items; a full group can flush without
// waiting out the quiet period.
const maxGroupSize = 10

// FlushFunc receives a completed message group in arrival order.
type FlushFunc func(events []domain.RawEvent)

// Aggregator buffers media-group messages until the group goes quiet, then
// hands the whole group downstream as one unit. Ungrouped messages pass
// through immediately as single-element groups.
type Aggregator struct {
	quiet  time.Duration
	maxAge time.Duration
	flush  FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingGroup

	// flushes counts timer flushes from removal to completion. The counter
	// is incremented while the group is removed under mu, so FlushAll can
	// never observe an empty pending map while a timer flush is still
	// running its commit.
	flushes sync.WaitGroup
}

type pendingGroup struct {
	events    []domain.RawEvent
	firstSeen time.Time

	// generation invalidates a scheduled timer when the deadline is
	// rescheduled or the group is flushed by another path. A fired timer
	// whose generation no longer matches does nothing.
	generation uint64
	timer      *time.Timer
}

func NewAggregator(quiet, maxAge time.Duration, flush FlushFunc) *Aggregator {
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	if maxAge < quiet {
		maxAge = 5 * quiet
	}
	return &Aggregator{
		quiet:   quiet,
		maxAge:  maxAge,
		flush:   flush,
		pending: make(map[string]*pendingGroup),
	}
}

// Add routes one event. Grouped events join or open a pending group and
// reset its quiet-period deadline; ungrouped events flush synchronously.
func (a *Aggregator) Add(event domain.RawEvent) {
	if event.GroupID == "" {
		a.flush([]domain.RawEvent{event})
		return
	}

	key := groupKey(event.ChannelID, event.GroupID)

	a.mu.Lock()
	group, ok := a.pending[key]
	if !ok {
		group = &pendingGroup{firstSeen: time.Now()}
		a.pending[key] = group
	}
	group.events = append(group.events, event)

	if len(group.events) >= maxGroupSize {
		events := a.removeLocked(key, group)
		a.mu.Unlock()
		a.flush(events)
		return
	}

	a.scheduleLocked(key, group)
	a.mu.Unlock()
}

// scheduleLocked arms the group's flush timer for the quiet period, clamped
// so the group never outlives maxAge from its first event.
func (a *Aggregator) scheduleLocked(key string, group *pendingGroup) {
	deadline := a.quiet
	if remaining := a.maxAge - time.Since(group.firstSeen); remaining < deadline {
		deadline = remaining
		if deadline < 0 {
			deadline = 0
		}
	}

	group.generation++
	generation := group.generation
	if group.timer != nil {
		group.timer.Stop()
	}
	group.timer = time.AfterFunc(deadline, func() {
		a.fire(key, generation)
	})
}

func (a *Aggregator) fire(key string, generation uint64) {
	a.mu.Lock()
	group, ok := a.pending[key]
	if !ok || group.generation != generation {
		// Rescheduled or already flushed; this timer lost the race.
		a.mu.Unlock()
		return
	}
	events := a.removeLocked(key, group)
	a.flushes.Add(1)
	a.mu.Unlock()

	a.flush(events)
	a.flushes.Done()
}

func (a *Aggregator) removeLocked(key string, group *pendingGroup) []domain.RawEvent {
	group.generation++
	if group.timer != nil {
		group.timer.Stop()
	}
	delete(a.pending, key)
	return group.events
}

// FlushAll force-flushes every pending group and waits for timer flushes
// already in progress, used on shutdown so buffered albums are not lost and
// in-flight commits finish before the process tears down.
func (a *Aggregator) FlushAll() {
	a.mu.Lock()
	var flushed [][]domain.RawEvent
	for key, group := range a.pending {
		flushed = append(flushed, a.removeLocked(key, group))
	}
	a.mu.Unlock()

	for _, events := range flushed {
		a.flush(events)
	}
	a.flushes.Wait()
}

// PendingGroups reports how many groups are currently buffered.
func (a *Aggregator) PendingGroups() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func groupKey(channelID int64, groupID string) string {
	return fmt.Sprintf("%d:%s", channelID, groupID)
}
