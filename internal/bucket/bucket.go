package bucket

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwarden/warden/internal/counter"
)

// Bucket is a sliding-window rate limiter for one named check. Old drops leak
// out of the window as they age past the interval; only the surviving weight
// counts toward the limit.
type Bucket struct {
	store      *counter.Store
	keyPrefix  string
	maxActions int
	interval   time.Duration
}

// New creates a bucket. keyPrefix scopes the counters, typically
// "b:<check>:<guild>". maxActions and interval come from the check
// configuration and are validated positive at config load.
func New(store *counter.Store, keyPrefix string, maxActions int, interval time.Duration) *Bucket {
	return &Bucket{
		store:      store,
		keyPrefix:  keyPrefix,
		maxActions: maxActions,
		interval:   interval,
	}
}

// Interval returns the sliding window duration.
func (b *Bucket) Interval() time.Duration {
	return b.interval
}

// MaxActions returns the configured drop limit.
func (b *Bucket) MaxActions() int {
	return b.maxActions
}

// Incr adds amount drops for the key and returns the drop count now inside
// the window.
func (b *Bucket) Incr(ctx context.Context, key string, amount int) (int64, error) {
	return b.store.Add(ctx, b.key(key), amount, b.interval)
}

// Check adds amount drops and reports whether the actor is still under the
// limit. Exactly maxActions drops inside the window is allowed; anything
// beyond breaches.
func (b *Bucket) Check(ctx context.Context, key string, amount int) (bool, error) {
	count, err := b.Incr(ctx, key, amount)
	if err != nil {
		return false, err
	}

	return count <= int64(b.maxActions), nil
}

// Count returns the current drop count without adding drops.
func (b *Bucket) Count(ctx context.Context, key string) (int64, error) {
	return b.store.Count(ctx, b.key(key), b.interval)
}

// Size returns the seconds between the oldest and newest surviving drop.
func (b *Bucket) Size(ctx context.Context, key string) (float64, error) {
	return b.store.Span(ctx, b.key(key))
}

// Clear resets the counter for the key.
func (b *Bucket) Clear(ctx context.Context, key string) error {
	return b.store.Clear(ctx, b.key(key))
}

func (b *Bucket) key(key string) string {
	return fmt.Sprintf("%s:%s", b.keyPrefix, key)
}
