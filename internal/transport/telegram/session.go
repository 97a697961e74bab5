package telegram

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/modules/candidate/domain"
	channeldomain "github.com/carscout/carscout/internal/modules/channel/domain"
	"github.com/carscout/carscout/internal/ratelimit"
	apperrors "github.com/carscout/carscout/internal/shared/errors"
)

//go:generate go run github.com/abice/go-enum --file=$GOFILE --names --nocase

// State is the session's connection lifecycle phase.
// ENUM(disconnected,connecting,subscribing,streaming)
type State string

// Subscriber replays channel subscriptions after a reconnect; satisfied by
// the channel registry.
type Subscriber interface {
	Resubscribe(ctx context.Context) error
}

const eventBufferSize = 256

var retryAfterRe = regexp.MustCompile(`retry[ _]?after[: ]+(\d+)`)

// Session owns the long-polling connection to Telegram. It converts
// incoming channel posts to pipeline events, watches for silent connection
// death, and reconnects with backoff. The session never repairs a rejected
// token: that error is surfaced to the caller and the process stops.
type Session struct {
	token   string
	apiURL  string
	idle    time.Duration
	limiter *ratelimit.Limiter

	events     chan domain.RawEvent
	ready      chan struct{}
	subscriber Subscriber

	mu        sync.RWMutex
	state     State
	bot       *bot.Bot
	lastEvent time.Time
	restart   chan struct{}
}

func NewSession(token, apiURL string, idle time.Duration, limiter *ratelimit.Limiter) *Session {
	return &Session{
		token:   token,
		apiURL:  apiURL,
		idle:    idle,
		limiter: limiter,
		events:  make(chan domain.RawEvent, eventBufferSize),
		ready:   make(chan struct{}),
		state:   StateDisconnected,
		restart: make(chan struct{}, 1),
	}
}

// SetSubscriber wires the registry in after construction; the registry in
// turn holds the session as its upstream.
func (s *Session) SetSubscriber(sub Subscriber) {
	s.subscriber = sub
}

// Events is the stream of converted channel posts.
func (s *Session) Events() <-chan domain.RawEvent {
	return s.events
}

// Ready is closed once the token is validated and the session can serve
// resolution calls. It never closes when the token is rejected.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run connects and polls until ctx is cancelled. The only error it returns
// on its own is a rejected session token; transient failures reconnect
// internally.
func (s *Session) Run(ctx context.Context) error {
	s.setState(StateConnecting)

	opts := []bot.Option{
		bot.WithDefaultHandler(s.onUpdate),
	}
	if s.apiURL != "" {
		opts = append(opts, bot.WithServerURL(s.apiURL))
	}

	// bot.New validates the token against the API; a rejection here is
	// fatal and must not be retried.
	b, err := bot.New(s.token, opts...)
	if err != nil {
		s.setState(StateDisconnected)
		return oops.With("context", "validating session token", "cause", err.Error()).Wrap(apperrors.ErrAuthRevoked)
	}

	s.mu.Lock()
	s.bot = b
	s.lastEvent = time.Now()
	s.mu.Unlock()
	close(s.ready)

	defer func() {
		s.setState(StateDisconnected)
		close(s.events)
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0

	for first := true; ; first = false {
		if !first {
			wait := policy.NextBackOff()
			slog.Info("Reconnecting", "wait", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}

		healthy := s.runCycle(ctx, b, first)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			policy.Reset()
		}
	}
}

// runCycle runs one poll cycle: resubscribe, stream, and stop on idle
// watchdog or restart request. It reports whether the cycle streamed long
// enough to count as healthy.
func (s *Session) runCycle(ctx context.Context, b *bot.Bot, first bool) bool {
	if !first {
		s.setState(StateConnecting)
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := time.Now()
	s.touch()

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Start(cycleCtx)
	}()

	s.setState(StateSubscribing)
	if s.subscriber != nil && !first {
		if err := s.subscriber.Resubscribe(cycleCtx); err != nil {
			slog.Error("Re-subscription after reconnect failed", "error", err)
		}
	}
	s.limiter.Resume()
	s.setState(StateStreaming)
	slog.Info("Session streaming", "reconnect", !first)

	watchdog := time.NewTicker(s.idle / 4)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return false
		case <-s.restart:
			slog.Info("Restarting poll cycle for catch-up")
			cancel()
			<-done
			return true
		case <-watchdog.C:
			if idle := time.Since(s.lastEventAt()); idle > s.idle {
				slog.Warn("Watchdog: no events past idle threshold, forcing reconnect",
					"idle", idle, "threshold", s.idle)
				cancel()
				<-done
				return time.Since(started) > s.idle
			}
		}
	}
}

// CatchUp restarts the poll cycle so updates accumulated server-side since
// the last confirmed offset are replayed.
func (s *Session) CatchUp(context.Context) error {
	select {
	case s.restart <- struct{}{}:
	default:
		// A restart is already pending.
	}
	return nil
}

// ResolveHandle resolves a public @handle. Callers hold a rate-limit slot.
func (s *Session) ResolveHandle(ctx context.Context, handle string) (*channeldomain.Resolved, error) {
	return s.getChat(ctx, "@"+handle)
}

// ResolveID resolves a channel by its known numeric id.
func (s *Session) ResolveID(ctx context.Context, tgID int64) (*channeldomain.Resolved, error) {
	return s.getChat(ctx, tgID)
}

// JoinInvite cannot be served over this transport: joining by invite hash
// requires a user session, which the pre-provisioned credential is not.
// The registry logs the failure and retries next cycle, so an operator can
// replace the invite link with the channel's numeric id once known.
func (s *Session) JoinInvite(_ context.Context, hash string) (*channeldomain.Resolved, error) {
	return nil, oops.With("invite_hash", hash).
		Errorf("invite links cannot be joined with this credential, configure the channel's numeric id instead")
}

func (s *Session) getChat(ctx context.Context, chatID any) (*channeldomain.Resolved, error) {
	s.mu.RLock()
	b := s.bot
	s.mu.RUnlock()
	if b == nil {
		return nil, oops.Errorf("session not connected")
	}

	chat, err := b.GetChat(ctx, &bot.GetChatParams{ChatID: chatID})
	if err != nil {
		s.suspendOnRetryAfter(err)
		return nil, oops.With("chat_id", chatID, "context", "resolving channel").Wrap(err)
	}

	return &channeldomain.Resolved{
		TGID:   chat.ID,
		Handle: chat.Username,
		Title:  chat.Title,
	}, nil
}

// suspendOnRetryAfter parses an upstream flood-control error and stalls the
// limiter for exactly the mandated duration.
func (s *Session) suspendOnRetryAfter(err error) {
	m := retryAfterRe.FindStringSubmatch(err.Error())
	if m == nil {
		return
	}
	seconds, convErr := strconv.Atoi(m[1])
	if convErr != nil || seconds <= 0 {
		return
	}
	s.limiter.SuspendFor(time.Duration(seconds) * time.Second)
}

func (s *Session) onUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.ChannelPost
	if msg == nil && update.Message != nil && update.Message.Chat.Type == "channel" {
		msg = update.Message
	}
	if msg == nil {
		return
	}

	event, ok := toRawEvent(msg)
	if !ok {
		slog.Debug("Dropping service or empty message",
			"channel_id", msg.Chat.ID, "message_id", msg.ID)
		return
	}

	s.touch()

	select {
	case s.events <- event:
	default:
		slog.Error("Event buffer full, dropping message",
			"channel_id", event.ChannelID, "message_id", event.MessageID)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.mu.Unlock()
	if prev != state {
		slog.Info("Session state changed", "from", prev.String(), "to", state.String())
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastEvent = time.Now()
	s.mu.Unlock()
}

func (s *Session) lastEventAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastEvent
}
