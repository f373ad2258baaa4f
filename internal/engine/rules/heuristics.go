package rules

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/disgoorg/snowflake/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// Fixed weights for the observe-only abuse score. The score is recorded for
// later inspection and never triggers punishment on its own.
const (
	scoreAccountUnderHour = 500
	scoreAccountUnderDay  = 250
	scoreAccountUnderWeek = 100
	scoreGateSkipped      = 400
	scoreGateBarely       = 150
	scoreFirstMessage     = 200
	scoreStaffMention     = 300
	scoreBadWord          = 250

	// Mentioned actors at or above this level count as staff.
	staffLevel = 50

	// Retention of per-actor score history in Redis.
	scoreHistoryTTL = 10 * time.Minute

	seenCacheSize = 8192
)

// Heuristics computes the advanced abuse score for messages in scopes that
// enable it.
type Heuristics struct {
	client    rueidis.Client
	seen      *lru.TwoQueueCache[string, struct{}]
	gateDelay time.Duration
	badWords  []string
	logger    *zap.Logger
}

// NewHeuristics creates the scorer. client must point at the tracker
// database where join timestamps and score histories live.
func NewHeuristics(client rueidis.Client, gateDelay time.Duration, badWords []string, logger *zap.Logger) (*Heuristics, error) {
	seen, err := lru.New2Q[string, struct{}](seenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create seen cache: %w", err)
	}

	lowered := make([]string, len(badWords))
	for i, word := range badWords {
		lowered[i] = strings.ToLower(word)
	}

	return &Heuristics{
		client:    client,
		seen:      seen,
		gateDelay: gateDelay,
		badWords:  lowered,
		logger:    logger.Named("heuristics"),
	}, nil
}

// Observe scores one message and appends the score to the actor's history.
// Store failures only lose instrumentation, so they are logged and ignored.
func (h *Heuristics) Observe(ctx context.Context, msg *event.Message) int {
	score := h.scoreAccountAge(msg)
	score += h.scoreGateTiming(ctx, msg)
	score += h.scoreFirstMessage(msg)
	score += h.scoreMentions(msg)
	score += h.scoreContent(msg)

	h.record(ctx, msg, score)

	if score > 0 {
		h.logger.Debug("Computed abuse score",
			zap.Uint64("guildID", msg.GuildID),
			zap.Uint64("userID", msg.AuthorID),
			zap.Int("score", score))
	}

	return score
}

func (h *Heuristics) scoreAccountAge(msg *event.Message) int {
	age := msg.CreatedAt.Sub(snowflake.ID(msg.AuthorID).Time())

	switch {
	case age < time.Hour:
		return scoreAccountUnderHour
	case age < 24*time.Hour:
		return scoreAccountUnderDay
	case age < 7*24*time.Hour:
		return scoreAccountUnderWeek
	}

	return 0
}

// scoreGateTiming checks whether the actor waited out the configured join
// delay before speaking, and how close to the minimum they cut it.
func (h *Heuristics) scoreGateTiming(ctx context.Context, msg *event.Message) int {
	if h.gateDelay <= 0 {
		return 0
	}

	key := fmt.Sprintf("j:%d:%d", msg.GuildID, msg.AuthorID)

	resp := h.client.Do(ctx, h.client.B().Get().Key(key).Build())
	if resp.Error() != nil {
		if !rueidis.IsRedisNil(resp.Error()) {
			h.logger.Warn("Failed to read join timestamp", zap.Error(resp.Error()))
		}

		return 0
	}

	joinedUnix, err := resp.AsInt64()
	if err != nil {
		return 0
	}

	waited := msg.CreatedAt.Sub(time.Unix(joinedUnix, 0))

	switch {
	case waited < h.gateDelay:
		return scoreGateSkipped
	case waited < 2*h.gateDelay:
		return scoreGateBarely
	}

	return 0
}

func (h *Heuristics) scoreFirstMessage(msg *event.Message) int {
	key := fmt.Sprintf("%d:%d", msg.GuildID, msg.AuthorID)
	if _, ok := h.seen.Get(key); ok {
		return 0
	}

	h.seen.Add(key, struct{}{})

	return scoreFirstMessage
}

func (h *Heuristics) scoreMentions(msg *event.Message) int {
	if msg.Mentions > 0 && msg.MentionedLevel >= staffLevel {
		return scoreStaffMention
	}

	return 0
}

func (h *Heuristics) scoreContent(msg *event.Message) int {
	if msg.Content == "" || len(h.badWords) == 0 {
		return 0
	}

	content := strings.ToLower(msg.Content)

	score := 0

	for _, word := range h.badWords {
		score += strings.Count(content, word) * scoreBadWord
	}

	return score
}

func (h *Heuristics) record(ctx context.Context, msg *event.Message, score int) {
	key := fmt.Sprintf("hs:%d:%d", msg.GuildID, msg.AuthorID)

	if err := h.client.Do(ctx, h.client.B().Rpush().
		Key(key).
		Element(strconv.Itoa(score)).
		Build()).Error(); err != nil {
		h.logger.Warn("Failed to record abuse score", zap.Error(err))
		return
	}

	if err := h.client.Do(ctx, h.client.B().Expire().
		Key(key).
		Seconds(int64(scoreHistoryTTL.Seconds())).
		Build()).Error(); err != nil {
		h.logger.Warn("Failed to expire abuse score history", zap.Error(err))
	}
}

// History returns the actor's recorded scores, oldest first.
func (h *Heuristics) History(ctx context.Context, guildID, userID uint64) ([]int, error) {
	key := fmt.Sprintf("hs:%d:%d", guildID, userID)

	resp := h.client.Do(ctx, h.client.B().Lrange().Key(key).Start(0).Stop(-1).Build())
	if resp.Error() != nil {
		return nil, fmt.Errorf("failed to read score history: %w", resp.Error())
	}

	raw, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to parse score history: %w", err)
	}

	scores := make([]int, 0, len(raw))

	for _, s := range raw {
		score, err := strconv.Atoi(s)
		if err != nil {
			continue
		}

		scores = append(scores, score)
	}

	return scores, nil
}
