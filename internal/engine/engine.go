// Package engine ties rule evaluation, escalation, and infraction
// enforcement together behind per-guild serialized event handlers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chatwarden/warden/internal/database/models"
	"github.com/chatwarden/warden/internal/database/types"
	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/chatwarden/warden/internal/engine/debounce"
	"github.com/chatwarden/warden/internal/engine/escalate"
	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/chatwarden/warden/internal/engine/rules"
	"github.com/chatwarden/warden/internal/setup/config"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/rueidis"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// How long a member's join timestamp is tracked for gate timing.
	joinTrackTTL = 24 * time.Hour

	rulesCacheSize = 1024
	rulesCacheTTL  = time.Minute

	cleanupWorkers = 4
)

// Engine processes gateway events. Events within one guild are handled
// strictly in arrival order; different guilds proceed concurrently.
type Engine struct {
	evaluator *rules.Evaluator
	policy    *escalate.Policy
	manager   *infraction.Manager
	messages  *models.MessageModel
	settings  *models.SettingsModel
	debounce  *debounce.Registry
	tracker   rueidis.Client
	logger    *zap.Logger

	// defaults applies to guilds without stored rule overrides.
	defaults *config.Rules

	rulesCache *expirable.LRU[uint64, *config.Rules]

	mu     sync.Mutex
	guilds map[uint64]*sync.Mutex
}

// New assembles the engine.
func New(
	evaluator *rules.Evaluator,
	policy *escalate.Policy,
	manager *infraction.Manager,
	messages *models.MessageModel,
	settings *models.SettingsModel,
	registry *debounce.Registry,
	tracker rueidis.Client,
	defaults *config.Rules,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		evaluator:  evaluator,
		policy:     policy,
		manager:    manager,
		messages:   messages,
		settings:   settings,
		debounce:   registry,
		tracker:    tracker,
		defaults:   defaults,
		logger:     logger.Named("engine"),
		rulesCache: expirable.NewLRU[uint64, *config.Rules](rulesCacheSize, nil, rulesCacheTTL),
		guilds:     make(map[uint64]*sync.Mutex),
	}
}

// guildLock returns the serialization mutex for a guild, creating it on
// first use. Locks are never dropped; the per-guild footprint is one mutex.
func (e *Engine) guildLock(guildID uint64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.guilds[guildID]
	if !ok {
		lock = new(sync.Mutex)
		e.guilds[guildID] = lock
	}

	return lock
}

// guildRules returns the guild's effective rules: a stored override when one
// exists, otherwise the engine defaults. Lookups are cached briefly.
func (e *Engine) guildRules(ctx context.Context, guildID uint64) *config.Rules {
	if cached, ok := e.rulesCache.Get(guildID); ok {
		return cached
	}

	stored, err := e.settings.Get(ctx, guildID)
	if err != nil {
		e.logger.Warn("Failed to load guild rules, using defaults",
			zap.Uint64("guildID", guildID),
			zap.Error(err))

		return e.defaults
	}

	effective := e.defaults
	if stored != nil && stored.Rules != nil {
		effective = stored.Rules
	}

	e.rulesCache.Add(guildID, effective)

	return effective
}

// HandleMessage evaluates one message against the guild's rules and applies
// the resulting punishment, if any. Evaluation fails open: a store error
// lets the message through.
func (e *Engine) HandleMessage(ctx context.Context, msg *event.Message) error {
	lock := e.guildLock(msg.GuildID)
	lock.Lock()

	directive, err := e.evaluate(ctx, msg)

	lock.Unlock()

	if err != nil || directive == nil {
		return err
	}

	return e.enforce(ctx, msg, directive)
}

// evaluate runs under the guild lock and returns the punishment directive,
// or nil when the message is clean or the actor is on cooldown.
func (e *Engine) evaluate(ctx context.Context, msg *event.Message) (*escalate.Directive, error) {
	e.archive(ctx, msg)

	ruleSet := e.guildRules(ctx, msg.GuildID)

	scopes := ruleSet.ApplicableScopes(msg.RoleIDs, msg.Level)
	if len(scopes) == 0 {
		return nil, nil
	}

	violation, err := e.evaluator.Evaluate(ctx, msg, scopes)
	if err != nil {
		e.logger.Error("Rule evaluation failed, letting message through",
			zap.Uint64("guildID", msg.GuildID),
			zap.Uint64("userID", msg.AuthorID),
			zap.Error(err))

		return nil, nil
	}

	if violation == nil {
		return nil, nil
	}

	e.logger.Info("Rule violation",
		zap.Uint64("guildID", msg.GuildID),
		zap.Uint64("userID", msg.AuthorID),
		zap.String("check", violation.Check),
		zap.Int64("count", violation.Count),
		zap.Float64("window", violation.Window))

	directive, err := e.policy.Decide(ctx, violation)
	if err != nil {
		return nil, fmt.Errorf("failed to decide punishment: %w", err)
	}

	return directive, nil
}

// enforce runs outside the guild lock so slow platform calls never stall
// the guild's event stream.
func (e *Engine) enforce(ctx context.Context, msg *event.Message, directive *escalate.Directive) error {
	_, err := e.manager.Apply(ctx, &infraction.Request{
		GuildID:  msg.GuildID,
		UserID:   msg.AuthorID,
		Kind:     directive.Kind,
		Duration: directive.Duration,
		Reason:   "automated abuse detection",
	})
	if err != nil {
		return fmt.Errorf("failed to apply punishment: %w", err)
	}

	if directive.CleanCount > 0 && directive.CleanDuration > 0 {
		e.cleanup(ctx, msg.GuildID, msg.AuthorID, directive)
	}

	return nil
}

func (e *Engine) archive(ctx context.Context, msg *event.Message) {
	err := e.messages.Record(ctx, &types.ArchivedMessage{
		ID:        msg.MessageID,
		GuildID:   msg.GuildID,
		ChannelID: msg.ChannelID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		e.logger.Warn("Failed to archive message",
			zap.Uint64("messageID", msg.MessageID),
			zap.Error(err))
	}
}

// cleanup deletes the actor's recent messages, batched per channel.
func (e *Engine) cleanup(ctx context.Context, guildID, userID uint64, directive *escalate.Directive) {
	since := time.Now().Add(-directive.CleanDuration)

	recent, err := e.messages.GetRecentForCleanup(ctx, guildID, userID, since, directive.CleanCount)
	if err != nil {
		e.logger.Error("Failed to list messages for cleanup", zap.Error(err))
		return
	}

	if len(recent) == 0 {
		return
	}

	byChannel := make(map[uint64][]uint64)
	for _, msg := range recent {
		byChannel[msg.ChannelID] = append(byChannel[msg.ChannelID], msg.ID)
	}

	executor := e.manager.PlatformExecutor()

	p := pool.New().WithMaxGoroutines(cleanupWorkers)

	var (
		deletedMu sync.Mutex
		deleted   []uint64
	)

	for channelID, ids := range byChannel {
		p.Go(func() {
			if err := executor.DeleteMessages(ctx, guildID, channelID, ids); err != nil {
				e.logger.Warn("Failed to delete messages",
					zap.Uint64("channelID", channelID),
					zap.Int("count", len(ids)),
					zap.Error(err))

				return
			}

			deletedMu.Lock()
			deleted = append(deleted, ids...)
			deletedMu.Unlock()
		})
	}

	p.Wait()

	if len(deleted) == 0 {
		return
	}

	if err := e.messages.MarkDeleted(ctx, deleted); err != nil {
		e.logger.Warn("Failed to mark messages deleted", zap.Error(err))
	}

	e.logger.Info("Cleaned up messages",
		zap.Uint64("guildID", guildID),
		zap.Uint64("userID", userID),
		zap.Int("deleted", len(deleted)))
}

// HandleMemberJoin records the join timestamp used by gate-timing
// heuristics.
func (e *Engine) HandleMemberJoin(ctx context.Context, join *event.MemberJoin) error {
	key := fmt.Sprintf("j:%d:%d", join.GuildID, join.UserID)

	err := e.tracker.Do(ctx, e.tracker.B().Set().
		Key(key).
		Value(fmt.Sprintf("%d", join.JoinedAt.Unix())).
		Ex(joinTrackTTL).
		Build()).Error()
	if err != nil {
		return fmt.Errorf("failed to track member join: %w", err)
	}

	return nil
}

// HandleRoleChange reconciles role updates against the debounce registry
// and against active role-backed infractions.
func (e *Engine) HandleRoleChange(ctx context.Context, change *event.MemberRoleChange) error {
	lock := e.guildLock(change.GuildID)
	lock.Lock()
	defer lock.Unlock()

	for _, roleID := range change.Added {
		// Consume our own grants so they are not treated as external.
		e.debounce.Find(change.GuildID, event.KindRoleAdded, map[string]uint64{
			event.AttrUserID: change.UserID,
			event.AttrRoleID: roleID,
		}, true)
	}

	for _, roleID := range change.Removed {
		if entry := e.debounce.Find(change.GuildID, event.KindRoleRemoved, map[string]uint64{
			event.AttrUserID: change.UserID,
			event.AttrRoleID: roleID,
		}, true); entry != nil {
			continue
		}

		// Someone removed the role by hand. Close out only the infractions
		// backed by this exact role so expiry does not re-fire for them;
		// unrelated role removals leave mutes and temp roles in place.
		cleared, err := e.manager.ClearActiveRole(ctx, change.GuildID, change.UserID, roleID)
		if err != nil {
			return fmt.Errorf("failed to clear role infractions: %w", err)
		}

		if cleared > 0 {
			e.logger.Info("External role removal cleared infractions",
				zap.Uint64("guildID", change.GuildID),
				zap.Uint64("userID", change.UserID),
				zap.Uint64("roleID", roleID),
				zap.Int64("cleared", cleared))
		}
	}

	return nil
}

// HandleBanAdd attributes a ban event to the engine or logs it as external
// moderator action.
func (e *Engine) HandleBanAdd(ctx context.Context, ban *event.Ban) error {
	lock := e.guildLock(ban.GuildID)
	lock.Lock()
	defer lock.Unlock()

	if entry := e.debounce.Find(ban.GuildID, event.KindBanAdded, map[string]uint64{
		event.AttrUserID: ban.UserID,
	}, true); entry != nil {
		return nil
	}

	e.logger.Info("External ban observed",
		zap.Uint64("guildID", ban.GuildID),
		zap.Uint64("userID", ban.UserID))

	return nil
}

// HandleBanRemove closes out active ban infractions when the ban was lifted
// externally; our own unbans are consumed from the debounce registry.
func (e *Engine) HandleBanRemove(ctx context.Context, ban *event.Ban) error {
	lock := e.guildLock(ban.GuildID)
	lock.Lock()
	defer lock.Unlock()

	if entry := e.debounce.Find(ban.GuildID, event.KindBanRemoved, map[string]uint64{
		event.AttrUserID: ban.UserID,
	}, true); entry != nil {
		return nil
	}

	cleared, err := e.manager.ClearActive(ctx, ban.GuildID, ban.UserID,
		[]enum.InfractionKind{enum.InfractionKindBan, enum.InfractionKindTempBan})
	if err != nil {
		return fmt.Errorf("failed to clear ban infractions: %w", err)
	}

	if cleared > 0 {
		e.logger.Info("External unban cleared infractions",
			zap.Uint64("guildID", ban.GuildID),
			zap.Uint64("userID", ban.UserID),
			zap.Int64("cleared", cleared))
	}

	return nil
}

// HandleMemberKick consumes the kick suppression entry, if any.
func (e *Engine) HandleMemberKick(ctx context.Context, guildID, userID uint64) {
	lock := e.guildLock(guildID)
	lock.Lock()
	defer lock.Unlock()

	e.debounce.Find(guildID, event.KindMemberKick, map[string]uint64{
		event.AttrUserID: userID,
	}, true)
}
