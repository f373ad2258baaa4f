// Package rules evaluates configured checks against inbound messages and
// raises violations as values, never as errors, so callers cannot mistake a
// detection for a failure.
package rules

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chatwarden/warden/internal/bucket"
	"github.com/chatwarden/warden/internal/counter"
	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/chatwarden/warden/internal/setup/config"
	"go.uber.org/zap"
)

// DuplicateHistoryLimit caps how many recent messages the duplicate-content
// check fetches.
const DuplicateHistoryLimit = 50

var (
	urlRe   = regexp.MustCompile(`https?://[^\s]+`)
	emojiRe = regexp.MustCompile(`<a?:\w+:\d+>`)
)

// Violation is a detected breach of one configured check. The first
// breaching check wins; evaluation stops immediately so one event is never
// punished twice.
type Violation struct {
	Check       string
	GuildID     uint64
	UserID      uint64
	Count       int64
	Window      float64
	Scope       *config.Scope
	CheckConfig *config.Check
	Reason      string
}

// MessageHistory provides the recent-content queries the duplicate check
// needs. The database message model satisfies this.
type MessageHistory interface {
	GetRecentContents(ctx context.Context, guildID, authorID uint64, since time.Time, limit int) ([]string, error)
}

// Evaluator runs every applicable scope's checks against one message.
type Evaluator struct {
	store      *counter.Store
	history    MessageHistory
	heuristics *Heuristics
	logger     *zap.Logger
}

// NewEvaluator creates an evaluator. heuristics may be nil to disable the
// observe-only scoring entirely.
func NewEvaluator(store *counter.Store, history MessageHistory, heuristics *Heuristics, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:      store,
		history:    history,
		heuristics: heuristics,
		logger:     logger.Named("evaluator"),
	}
}

// Evaluate runs each scope's enabled checks in declared order and returns
// the first violation, or nil when the message is clean. Errors are
// transient store failures; the caller fails open on them.
func (e *Evaluator) Evaluate(ctx context.Context, msg *event.Message, scopes []*config.Scope) (*Violation, error) {
	for _, scope := range scopes {
		if scope.AdvancedHeuristics && e.heuristics != nil {
			// Observe-only: the score is recorded for inspection and
			// never triggers punishment.
			e.heuristics.Observe(ctx, msg)
		}

		violation, err := e.evaluateScope(ctx, msg, scope)
		if err != nil {
			return nil, err
		}

		if violation != nil {
			return violation, nil
		}
	}

	return nil, nil
}

func (e *Evaluator) evaluateScope(ctx context.Context, msg *event.Message, scope *config.Scope) (*Violation, error) {
	for _, nc := range scope.Checks() {
		if nc.Name == "max_duplicates" {
			violation, err := e.checkDuplicates(ctx, msg, scope, nc.Check)
			if err != nil || violation != nil {
				return violation, err
			}

			continue
		}

		weight := checkWeight(nc.Name, msg)
		if weight == 0 {
			continue
		}

		interval := time.Duration(nc.Check.Interval) * time.Second
		b := bucket.New(e.store, fmt.Sprintf("b:%s:%d", nc.Name, msg.GuildID), nc.Check.Count, interval)

		actorKey := strconv.FormatUint(msg.AuthorID, 10)

		count, err := b.Incr(ctx, actorKey, weight)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", nc.Name, err)
		}

		if count <= int64(nc.Check.Count) {
			continue
		}

		window, err := b.Size(ctx, actorKey)
		if err != nil {
			// The breach already happened; a failed window read only
			// degrades the diagnostic message.
			e.logger.Warn("Failed to read bucket window",
				zap.String("check", nc.Name),
				zap.Error(err))
		}

		return &Violation{
			Check:       nc.Name,
			GuildID:     msg.GuildID,
			UserID:      msg.AuthorID,
			Count:       count,
			Window:      window,
			Scope:       scope,
			CheckConfig: nc.Check,
			Reason:      fmt.Sprintf("%s (%d / %.1fs)", checkLabel(nc.Name), count, window),
		}, nil
	}

	return nil, nil
}

// checkDuplicates queries recent content history directly rather than a
// bucket: the last messages inside the window are grouped by exact content
// and any group exceeding the threshold flags the message.
func (e *Evaluator) checkDuplicates(
	ctx context.Context, msg *event.Message, scope *config.Scope, check *config.Check,
) (*Violation, error) {
	if msg.Content == "" {
		return nil, nil
	}

	since := msg.CreatedAt.Add(-time.Duration(check.Interval) * time.Second)

	contents, err := e.history.GetRecentContents(ctx, msg.GuildID, msg.AuthorID, since, DuplicateHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("check max_duplicates: %w", err)
	}

	groups := make(map[string]int, len(contents))
	for _, content := range contents {
		groups[content]++
	}

	largest := 0
	for _, size := range groups {
		if size > largest {
			largest = size
		}
	}

	if largest <= check.Count {
		return nil, nil
	}

	return &Violation{
		Check:       "max_duplicates",
		GuildID:     msg.GuildID,
		UserID:      msg.AuthorID,
		Count:       int64(largest),
		Window:      float64(check.Interval),
		Scope:       scope,
		CheckConfig: check,
		Reason:      fmt.Sprintf("Too Many Duplicated Messages (%d / %ds)", largest, check.Interval),
	}, nil
}

// checkWeight computes how many drops one message contributes to a check.
// A zero weight skips the counter entirely.
func checkWeight(name string, msg *event.Message) int {
	switch name {
	case "max_messages":
		return 1
	case "max_mentions":
		return msg.Mentions
	case "max_links":
		return len(urlRe.FindAllString(msg.Content, -1))
	case "max_emojis":
		return len(emojiRe.FindAllString(msg.Content, -1))
	case "max_newlines":
		return strings.Count(msg.Content, "\n")
	case "max_attachments":
		return msg.Attachments
	}

	return 0
}

func checkLabel(name string) string {
	switch name {
	case "max_messages":
		return "Too Many Messages"
	case "max_mentions":
		return "Too Many Mentions"
	case "max_links":
		return "Too Many Links"
	case "max_emojis":
		return "Too Many Emojis"
	case "max_newlines":
		return "Too Many Newlines"
	case "max_attachments":
		return "Too Many Attachments"
	}

	return "Rule Breach"
}
