package service

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/modules/channel/domain"
	"github.com/carscout/carscout/internal/modules/channel/repository"
	"github.com/carscout/carscout/internal/ratelimit"
)

// Upstream is the slice of the network session the registry needs: one
// resolution call per addressing form, plus the ability to trigger a
// catch-up pass after the subscribed set grows.
type Upstream interface {
	// ResolveHandle resolves a public @handle to channel metadata.
	ResolveHandle(ctx context.Context, handle string) (*domain.Resolved, error)

	// ResolveID resolves an already-known numeric channel id.
	ResolveID(ctx context.Context, tgID int64) (*domain.Resolved, error)

	// JoinInvite joins a private channel through its invite hash and
	// returns the joined channel's metadata.
	JoinInvite(ctx context.Context, hash string) (*domain.Resolved, error)

	// CatchUp asks the upstream to replay anything missed since the last
	// received update.
	CatchUp(ctx context.Context) error

	// Ready is closed once the upstream is connected and can serve
	// resolution calls.
	Ready() <-chan struct{}
}

// Registry keeps the set of subscribed channels in sync with the external
// configuration source. A periodic refresh loads the desired list, persists
// it, diffs it against what is currently subscribed, resolves and subscribes
// additions, and deactivates removals. Lookups by numeric id serve the
// message pipeline on its hot path.
type Registry struct {
	source   Source
	repo     repository.Repository
	upstream Upstream
	limiter  *ratelimit.Limiter
	interval time.Duration

	mu         sync.RWMutex
	byTGID     map[int64]*domain.Channel
	subscribed map[string]*domain.Channel

	stop chan struct{}
	done chan struct{}
}

func NewRegistry(source Source, repo repository.Repository, upstream Upstream, limiter *ratelimit.Limiter, interval time.Duration) *Registry {
	return &Registry{
		source:     source,
		repo:       repo,
		upstream:   upstream,
		limiter:    limiter,
		interval:   interval,
		byTGID:     make(map[int64]*domain.Channel),
		subscribed: make(map[string]*domain.Channel),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs an immediate refresh and then refreshes on every tick until
// Stop is called. Refresh failures are logged and retried on the next tick;
// they never terminate the loop.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		defer close(r.done)

		// The first refresh resolves channels over the network; hold it
		// until the upstream session has connected, otherwise every
		// resolution fails and events are dropped until the next tick.
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-r.upstream.Ready():
		}

		if err := r.Refresh(ctx); err != nil {
			slog.Error("Initial channel refresh failed", "error", err)
		}

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					slog.Error("Channel refresh failed", "error", err)
				}
			}
		}
	}()
}

func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

// Refresh performs one synchronization cycle: load the desired set, sync it
// into the store, resolve and subscribe additions, drop removals, and run a
// catch-up when the subscribed set grew. Per-channel failures are contained;
// the cycle continues with the remaining channels.
func (r *Registry) Refresh(ctx context.Context) error {
	entries, err := r.source.Desired()
	if err != nil {
		return oops.With("context", "loading desired channel list").Wrap(err)
	}

	desired := lo.Filter(entries, func(e Entry, _ int) bool { return e.Active && e.Identifier != "" })

	keep := make([]string, 0, len(desired))
	for _, e := range desired {
		ch := &domain.Channel{
			Identifier: e.Identifier,
			Handle:     publicHandle(e.Identifier),
			IsActive:   true,
			Keywords:   e.Keywords,
		}
		if err := r.repo.Upsert(ctx, ch); err != nil {
			slog.Error("Failed to persist channel entry", "identifier", e.Identifier, "error", err)
			continue
		}
		keep = append(keep, e.Identifier)
	}
	if err := r.repo.DeactivateMissing(ctx, keep); err != nil {
		return err
	}

	r.mu.RLock()
	current := lo.Keys(r.subscribed)
	r.mu.RUnlock()

	added, removed := lo.Difference(keep, current)

	for _, identifier := range removed {
		r.unsubscribe(identifier)
	}

	subscribedNew := 0
	for _, e := range desired {
		if !lo.Contains(added, e.Identifier) {
			continue
		}
		if err := r.subscribe(ctx, e); err != nil {
			slog.Error("Failed to subscribe channel", "identifier", e.Identifier, "error", err)
			continue
		}
		subscribedNew++
	}

	// Keyword changes on already-subscribed channels take effect without a
	// re-subscribe.
	r.reloadKeywords(desired)

	if subscribedNew > 0 {
		slog.Info("Subscribed new channels, requesting catch-up", "count", subscribedNew)
		if err := r.upstream.CatchUp(ctx); err != nil {
			slog.Error("Catch-up after subscription failed", "error", err)
		}
	}

	return nil
}

// Resubscribe replays every active subscription against the upstream, used
// after a reconnect when the session's server-side state may be gone.
func (r *Registry) Resubscribe(ctx context.Context) error {
	r.mu.RLock()
	channels := lo.Values(r.subscribed)
	r.mu.RUnlock()

	var failed int
	for _, ch := range channels {
		if ch.TGID == 0 {
			continue
		}
		if err := r.limiter.Acquire(ctx); err != nil {
			return err
		}
		if _, err := r.upstream.ResolveID(ctx, ch.TGID); err != nil {
			slog.Error("Failed to re-subscribe channel", "identifier", ch.Identifier, "error", err)
			failed++
		}
	}

	if failed > 0 {
		slog.Warn("Re-subscription completed with failures", "failed", failed, "total", len(channels))
	}
	return nil
}

// Lookup returns the subscribed channel with the given numeric id, or nil.
func (r *Registry) Lookup(tgID int64) *domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byTGID[tgID]
}

// Subscribed returns a snapshot of the currently subscribed channels.
func (r *Registry) Subscribed() []*domain.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.subscribed)
}

func (r *Registry) subscribe(ctx context.Context, e Entry) error {
	resolved, err := r.resolve(ctx, e.Identifier)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := r.repo.SetResolved(ctx, e.Identifier, resolved.TGID, resolved.Handle, resolved.Title); err != nil {
		return err
	}
	if err := r.repo.MarkSubscribed(ctx, e.Identifier, now); err != nil {
		return err
	}

	ch := &domain.Channel{
		TGID:         resolved.TGID,
		Identifier:   e.Identifier,
		Handle:       resolved.Handle,
		Title:        resolved.Title,
		IsActive:     true,
		Keywords:     e.Keywords,
		SubscribedAt: &now,
	}

	r.mu.Lock()
	r.subscribed[e.Identifier] = ch
	r.byTGID[resolved.TGID] = ch
	r.mu.Unlock()

	slog.Info("Subscribed channel", "identifier", e.Identifier, "tg_id", resolved.TGID, "title", resolved.Title)
	return nil
}

// resolve picks the resolution path for the identifier's addressing form.
// Every path costs one rate-limited upstream call.
func (r *Registry) resolve(ctx context.Context, identifier string) (*domain.Resolved, error) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	switch {
	case domain.IsInviteLink(identifier):
		hash := domain.ExtractInviteHash(identifier)
		if hash == "" {
			return nil, oops.With("identifier", identifier).Errorf("invite link has no hash")
		}
		return r.upstream.JoinInvite(ctx, hash)
	case domain.IsNumericID(identifier):
		tgID, _ := strconv.ParseInt(identifier, 10, 64)
		return r.upstream.ResolveID(ctx, tgID)
	default:
		return r.upstream.ResolveHandle(ctx, domain.NormalizeHandle(identifier))
	}
}

func (r *Registry) unsubscribe(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.subscribed[identifier]
	if !ok {
		return
	}
	delete(r.subscribed, identifier)
	delete(r.byTGID, ch.TGID)
	slog.Info("Unsubscribed channel", "identifier", identifier, "tg_id", ch.TGID)
}

// reloadKeywords applies keyword changes to already-subscribed channels.
// Published entries are immutable: the pipeline reads them from flush-timer
// goroutines with no lock held, so a change installs a fresh copy instead of
// mutating the shared struct.
func (r *Registry) reloadKeywords(desired []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range desired {
		ch, ok := r.subscribed[e.Identifier]
		if !ok || slices.Equal(ch.Keywords, e.Keywords) {
			continue
		}
		next := *ch
		next.Keywords = e.Keywords
		r.subscribed[e.Identifier] = &next
		r.byTGID[next.TGID] = &next
	}
}

func publicHandle(identifier string) string {
	if domain.IsInviteLink(identifier) || domain.IsNumericID(identifier) {
		return ""
	}
	return domain.NormalizeHandle(identifier)
}
