package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carscout/carscout/internal/modules/channel/domain"
	"github.com/carscout/carscout/internal/ratelimit"
)

type stubSource struct {
	entries []Entry
	err     error
}

func (s *stubSource) Desired() ([]Entry, error) { return s.entries, s.err }

type memoryRepo struct {
	upserted    []string
	resolved    map[string]int64
	subscribed  map[string]time.Time
	deactivated [][]string
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		resolved:   make(map[string]int64),
		subscribed: make(map[string]time.Time),
	}
}

func (m *memoryRepo) Upsert(_ context.Context, ch *domain.Channel) error {
	m.upserted = append(m.upserted, ch.Identifier)
	return nil
}

func (m *memoryRepo) SetResolved(_ context.Context, identifier string, tgID int64, _, _ string) error {
	m.resolved[identifier] = tgID
	return nil
}

func (m *memoryRepo) MarkSubscribed(_ context.Context, identifier string, at time.Time) error {
	m.subscribed[identifier] = at
	return nil
}

func (m *memoryRepo) DeactivateMissing(_ context.Context, keep []string) error {
	m.deactivated = append(m.deactivated, keep)
	return nil
}

func (m *memoryRepo) IncrementMessagesSeen(context.Context, int64, time.Time) error { return nil }

func (m *memoryRepo) GetByTGID(context.Context, int64) (*domain.Channel, error) { return nil, nil }
func (m *memoryRepo) GetAllActive(context.Context) ([]*domain.Channel, error)  { return nil, nil }
func (m *memoryRepo) GetAll(context.Context) ([]*domain.Channel, error)        { return nil, nil }

type stubUpstream struct {
	mu       sync.Mutex
	handles  []string
	ids      []int64
	invites  []string
	catchUps int
	nextTGID int64
	failWith error
	failOnce map[string]bool
	ready    chan struct{}
}

func newStubUpstream() *stubUpstream {
	ready := make(chan struct{})
	close(ready)
	return &stubUpstream{nextTGID: 1000, failOnce: make(map[string]bool), ready: ready}
}

func (u *stubUpstream) next() *domain.Resolved {
	u.nextTGID++
	return &domain.Resolved{TGID: u.nextTGID, Handle: "resolved", Title: "Resolved"}
}

func (u *stubUpstream) ResolveHandle(_ context.Context, handle string) (*domain.Resolved, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handles = append(u.handles, handle)
	if u.failOnce[handle] {
		delete(u.failOnce, handle)
		return nil, errors.New("handle not found")
	}
	if u.failWith != nil {
		return nil, u.failWith
	}
	return u.next(), nil
}

func (u *stubUpstream) ResolveID(_ context.Context, tgID int64) (*domain.Resolved, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ids = append(u.ids, tgID)
	if u.failWith != nil {
		return nil, u.failWith
	}
	return &domain.Resolved{TGID: tgID, Title: "By ID"}, nil
}

func (u *stubUpstream) JoinInvite(_ context.Context, hash string) (*domain.Resolved, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.invites = append(u.invites, hash)
	if u.failWith != nil {
		return nil, u.failWith
	}
	return u.next(), nil
}

func (u *stubUpstream) CatchUp(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.catchUps++
	return nil
}

func (u *stubUpstream) Ready() <-chan struct{} { return u.ready }

func (u *stubUpstream) resolveCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.handles) + len(u.ids) + len(u.invites)
}

func newTestRegistry(source Source, repo *memoryRepo, upstream Upstream) *Registry {
	return NewRegistry(source, repo, upstream, ratelimit.New(100, time.Minute), time.Hour)
}

func TestRefreshSubscribesEachAddressingForm(t *testing.T) {
	source := &stubSource{entries: []Entry{
		{Identifier: "@carsales", Active: true},
		{Identifier: "-1001234567890", Active: true},
		{Identifier: "https://t.me/+AbCdEf123", Active: true},
	}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(upstream.handles) != 1 || upstream.handles[0] != "carsales" {
		t.Errorf("handles = %v, want [carsales]", upstream.handles)
	}
	if len(upstream.ids) != 1 || upstream.ids[0] != -1001234567890 {
		t.Errorf("ids = %v, want [-1001234567890]", upstream.ids)
	}
	if len(upstream.invites) != 1 || upstream.invites[0] != "AbCdEf123" {
		t.Errorf("invites = %v, want [AbCdEf123]", upstream.invites)
	}
	if got := len(reg.Subscribed()); got != 3 {
		t.Errorf("subscribed count = %d, want 3", got)
	}
	for _, id := range []string{"@carsales", "-1001234567890", "https://t.me/+AbCdEf123"} {
		if _, ok := repo.subscribed[id]; !ok {
			t.Errorf("channel %q not marked subscribed", id)
		}
	}
}

func TestRefreshCatchesUpOnlyAfterAdditions(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "@one", Active: true}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if upstream.catchUps != 1 {
		t.Fatalf("catchUps after first refresh = %d, want 1", upstream.catchUps)
	}

	// Same desired set: no additions, no catch-up.
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if upstream.catchUps != 1 {
		t.Errorf("catchUps after no-op refresh = %d, want 1", upstream.catchUps)
	}
}

func TestRefreshUnsubscribesRemovals(t *testing.T) {
	source := &stubSource{entries: []Entry{
		{Identifier: "@keep", Active: true},
		{Identifier: "@drop", Active: true},
	}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	source.entries = []Entry{{Identifier: "@keep", Active: true}}
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	subs := reg.Subscribed()
	if len(subs) != 1 || subs[0].Identifier != "@keep" {
		t.Errorf("subscribed after removal = %v", subs)
	}
}

func TestRefreshInactiveEntriesNotSubscribed(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "@paused", Active: false}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := len(reg.Subscribed()); got != 0 {
		t.Errorf("subscribed count = %d, want 0", got)
	}
	if upstream.catchUps != 0 {
		t.Errorf("catchUps = %d, want 0", upstream.catchUps)
	}
}

func TestRefreshContainsPerChannelFailures(t *testing.T) {
	source := &stubSource{entries: []Entry{
		{Identifier: "@broken", Active: true},
		{Identifier: "@fine", Active: true},
	}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	upstream.failOnce["broken"] = true
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh should contain per-channel failures: %v", err)
	}

	subs := reg.Subscribed()
	if len(subs) != 1 || subs[0].Identifier != "@fine" {
		t.Fatalf("subscribed = %v, want only @fine", subs)
	}

	// Failed channel is retried on the next cycle.
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("retry refresh: %v", err)
	}
	if got := len(reg.Subscribed()); got != 2 {
		t.Errorf("subscribed after retry = %d, want 2", got)
	}
}

func TestLookupFindsSubscribedChannel(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "-100555", Active: true, Keywords: []string{"bmw"}}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	ch := reg.Lookup(-100555)
	if ch == nil {
		t.Fatal("expected lookup hit for subscribed channel")
	}
	if len(ch.Keywords) != 1 || ch.Keywords[0] != "bmw" {
		t.Errorf("keywords = %v, want [bmw]", ch.Keywords)
	}
	if reg.Lookup(42) != nil {
		t.Error("expected lookup miss for unknown id")
	}
}

func TestRefreshReloadsKeywords(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "@cars", Active: true, Keywords: []string{"audi"}}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}

	source.entries = []Entry{{Identifier: "@cars", Active: true, Keywords: []string{"audi", "bmw"}}}
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	subs := reg.Subscribed()
	if len(subs) != 1 || len(subs[0].Keywords) != 2 {
		t.Errorf("keywords not reloaded: %v", subs[0].Keywords)
	}
}

func TestKeywordReloadInstallsFreshChannel(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "-100777", Active: true, Keywords: []string{"audi"}}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	before := reg.Lookup(-100777)
	if before == nil {
		t.Fatal("expected lookup hit after subscription")
	}

	source.entries = []Entry{{Identifier: "-100777", Active: true, Keywords: []string{"audi", "bmw"}}}
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}

	after := reg.Lookup(-100777)
	if after == before {
		t.Fatal("keyword change mutated the published channel in place instead of installing a copy")
	}
	if len(before.Keywords) != 1 || before.Keywords[0] != "audi" {
		t.Errorf("earlier snapshot changed under the reader: %v", before.Keywords)
	}
	if len(after.Keywords) != 2 {
		t.Errorf("keywords after reload = %v, want [audi bmw]", after.Keywords)
	}
}

func TestStartHoldsFirstRefreshUntilUpstreamReady(t *testing.T) {
	source := &stubSource{entries: []Entry{{Identifier: "@cars", Active: true}}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	upstream.ready = make(chan struct{})
	reg := newTestRegistry(source, repo, upstream)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Start(ctx)
	defer reg.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := upstream.resolveCalls(); got != 0 {
		t.Fatalf("resolve calls before upstream ready = %d, want 0", got)
	}

	close(upstream.ready)
	deadline := time.Now().Add(time.Second)
	for upstream.resolveCalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no refresh after upstream became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResubscribeReplaysSubscriptions(t *testing.T) {
	source := &stubSource{entries: []Entry{
		{Identifier: "@one", Active: true},
		{Identifier: "@two", Active: true},
	}}
	repo := newMemoryRepo()
	upstream := newStubUpstream()
	reg := newTestRegistry(source, repo, upstream)

	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	before := len(upstream.ids)
	if err := reg.Resubscribe(context.Background()); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if got := len(upstream.ids) - before; got != 2 {
		t.Errorf("resubscribe made %d resolve calls, want 2", got)
	}
}
