package pipeline

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/oops"
)

// SeenStore is the durable side of deduplication; satisfied by the
// candidate repository.
type SeenStore interface {
	Seen(ctx context.Context, channelID, messageID int64) (bool, error)
}

// Dedup answers "have we processed this message before". A bounded LRU
// absorbs the common case; on a miss the durable store is consulted and the
// cache back-filled, so replays survive both cache eviction and restarts.
type Dedup struct {
	cache *lru.Cache[string, struct{}]
	store SeenStore
}

func NewDedup(size int, store SeenStore) (*Dedup, error) {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, oops.With("size", size).Wrap(err)
	}
	return &Dedup{cache: cache, store: store}, nil
}

// Seen reports whether the message was processed before.
func (d *Dedup) Seen(ctx context.Context, channelID, messageID int64) (bool, error) {
	key := dedupKey(channelID, messageID)
	if _, ok := d.cache.Get(key); ok {
		return true, nil
	}

	seen, err := d.store.Seen(ctx, channelID, messageID)
	if err != nil {
		return false, err
	}
	if seen {
		d.cache.Add(key, struct{}{})
	}
	return seen, nil
}

// Remember records message ids in the fast path after their durable marks
// were committed.
func (d *Dedup) Remember(channelID int64, messageIDs ...int64) {
	for _, id := range messageIDs {
		d.cache.Add(dedupKey(channelID, id), struct{}{})
	}
}

func dedupKey(channelID, messageID int64) string {
	return fmt.Sprintf("%d:%d", channelID, messageID)
}
