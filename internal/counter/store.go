package counter

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// addScript atomically evicts drops older than the cutoff, inserts the new
// drops timestamped at the given instant, refreshes the key TTL and returns
// the surviving drop count. Keeping all four steps in one script is required
// because events for the same actor may arrive concurrently, including from
// other processes sharing the same Redis database.
const addScript = `
local cutoff = ARGV[1]
local now = ARGV[2]
local amount = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local token = ARGV[5]

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", cutoff)

for i = 1, amount do
  redis.call("ZADD", KEYS[1], now, token .. "-" .. i)
end

redis.call("EXPIRE", KEYS[1], ttl)

return redis.call("ZCOUNT", KEYS[1], "-inf", "+inf")
`

// countScript evicts expired drops and returns the remaining count without
// adding new drops.
const countScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])

return redis.call("ZCOUNT", KEYS[1], "-inf", "+inf")
`

// Store provides keyed drop counters backed by Redis sorted sets.
// Drops are scored with millisecond timestamps so callers can evict
// everything older than a sliding window in a single atomic call.
type Store struct {
	client rueidis.Client
	logger *zap.Logger
	now    func() time.Time

	// seq disambiguates drops inserted in the same millisecond so their
	// member strings never collide.
	seq atomic.Uint64
}

// NewStore creates a counter store on the given Redis client.
func NewStore(client rueidis.Client, logger *zap.Logger) *Store {
	return &Store{
		client: client,
		logger: logger.Named("counter"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests to control eviction.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Add inserts amount drops for the key, evicting drops older than interval
// first, and returns the number of drops currently in the window. The key TTL
// is refreshed to twice the interval so idle counters clean themselves up.
func (s *Store) Add(ctx context.Context, key string, amount int, interval time.Duration) (int64, error) {
	nowMs := s.now().UnixMilli()

	resp := s.client.Do(ctx, s.client.B().Eval().
		Script(addScript).
		Numkeys(1).
		Key(key).
		Arg(
			strconv.FormatInt(nowMs-interval.Milliseconds(), 10),
			strconv.FormatInt(nowMs, 10),
			strconv.Itoa(amount),
			strconv.FormatInt(int64(2*interval.Seconds())+1, 10),
			fmt.Sprintf("%d-%d", nowMs, s.seq.Add(1)),
		).
		Build())
	if resp.Error() != nil {
		return 0, fmt.Errorf("failed to add drops for %q: %w", key, resp.Error())
	}

	count, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to parse drop count for %q: %w", key, err)
	}

	return count, nil
}

// Count evicts expired drops for the key and returns the surviving count.
func (s *Store) Count(ctx context.Context, key string, interval time.Duration) (int64, error) {
	nowMs := s.now().UnixMilli()

	resp := s.client.Do(ctx, s.client.B().Eval().
		Script(countScript).
		Numkeys(1).
		Key(key).
		Arg(strconv.FormatInt(nowMs-interval.Milliseconds(), 10)).
		Build())
	if resp.Error() != nil {
		return 0, fmt.Errorf("failed to count drops for %q: %w", key, resp.Error())
	}

	count, err := resp.AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to parse drop count for %q: %w", key, err)
	}

	return count, nil
}

// Span returns the observed window span in seconds, measured between the
// oldest and newest surviving drop. A counter with one or zero drops spans 0.
func (s *Store) Span(ctx context.Context, key string) (float64, error) {
	resp := s.client.Do(ctx, s.client.B().Zrangebyscore().
		Key(key).
		Min("-inf").
		Max("+inf").
		Withscores().
		Build())
	if resp.Error() != nil {
		return 0, fmt.Errorf("failed to read drops for %q: %w", key, resp.Error())
	}

	drops, err := resp.AsZScores()
	if err != nil {
		return 0, fmt.Errorf("failed to parse drops for %q: %w", key, err)
	}

	if len(drops) <= 1 {
		return 0, nil
	}

	return (drops[len(drops)-1].Score - drops[0].Score) / 1000.0, nil
}

// Clear removes all drops for the key. Used for administrative resets.
func (s *Store) Clear(ctx context.Context, key string) error {
	resp := s.client.Do(ctx, s.client.B().Del().Key(key).Build())
	if resp.Error() != nil {
		return fmt.Errorf("failed to clear counter %q: %w", key, resp.Error())
	}

	return nil
}
