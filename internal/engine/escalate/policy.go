// Package escalate turns rule violations into punishment directives while
// enforcing the per-actor cooldown that prevents stacked punishments.
package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/chatwarden/warden/internal/engine/rules"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

const (
	// CooldownWindow is how long after a punishment further violations by
	// the same actor are ignored.
	CooldownWindow = 10 * time.Second

	// Cooldown keys persist longer than the window so recent enforcement
	// stays inspectable.
	cooldownTTL = 60 * time.Second
)

// Directive describes the punishment the engine should carry out for a
// violation, plus any message cleanup that goes with it.
type Directive struct {
	Kind          enum.InfractionKind
	Duration      time.Duration
	CleanCount    int
	CleanDuration time.Duration
}

// Policy resolves violations into directives.
type Policy struct {
	client rueidis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewPolicy creates a policy backed by the tracker database.
func NewPolicy(client rueidis.Client, logger *zap.Logger) *Policy {
	return &Policy{
		client: client,
		logger: logger.Named("escalate"),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests.
func (p *Policy) SetClock(now func() time.Time) {
	p.now = now
}

// Decide resolves a violation into a directive, or nil when the actor was
// punished within the cooldown window. The cooldown read is fail-open so a
// store outage degrades to possible double punishment instead of none.
func (p *Policy) Decide(ctx context.Context, v *rules.Violation) (*Directive, error) {
	onCooldown, err := p.checkCooldown(ctx, v.GuildID, v.UserID)
	if err != nil {
		p.logger.Warn("Failed to read punishment cooldown",
			zap.Uint64("guildID", v.GuildID),
			zap.Uint64("userID", v.UserID),
			zap.Error(err))
	}

	if onCooldown {
		p.logger.Debug("Skipping violation within cooldown window",
			zap.Uint64("guildID", v.GuildID),
			zap.Uint64("userID", v.UserID),
			zap.String("check", v.Check))

		return nil, nil
	}

	if err := p.markPunished(ctx, v.GuildID, v.UserID); err != nil {
		p.logger.Warn("Failed to record punishment cooldown", zap.Error(err))
	}

	return p.resolve(v), nil
}

// ClearCooldown removes the actor's cooldown marker so the next violation is
// enforced immediately. Exposed for moderator tooling.
func (p *Policy) ClearCooldown(ctx context.Context, guildID, userID uint64) error {
	key := cooldownKey(guildID, userID)

	if err := p.client.Do(ctx, p.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to clear cooldown: %w", err)
	}

	return nil
}

func (p *Policy) resolve(v *rules.Violation) *Directive {
	kind := enum.InfractionKindTempBan
	durationSecs := v.Scope.PunishmentDuration

	punishment := v.Scope.Punishment

	if v.CheckConfig != nil {
		if v.CheckConfig.Punishment != "" {
			punishment = v.CheckConfig.Punishment
		}

		if v.CheckConfig.PunishmentDuration > 0 {
			durationSecs = v.CheckConfig.PunishmentDuration
		}
	}

	if punishment != "" {
		if parsed, err := enum.ParseInfractionKind(punishment); err == nil {
			kind = parsed
		}
	} else if durationSecs <= 0 {
		kind = enum.InfractionKindBan
	}

	duration := time.Duration(durationSecs) * time.Second

	// A permanent kind never carries an expiry, and a temporary kind with
	// no configured duration hardens into its permanent form.
	if !kind.IsTemporary() {
		duration = 0
	} else if duration <= 0 {
		switch kind {
		case enum.InfractionKindTempBan:
			kind = enum.InfractionKindBan
		case enum.InfractionKindTempMute:
			kind = enum.InfractionKindMute
		}
	}

	return &Directive{
		Kind:          kind,
		Duration:      duration,
		CleanCount:    v.Scope.CleanCount,
		CleanDuration: time.Duration(v.Scope.CleanDuration) * time.Second,
	}
}

func (p *Policy) checkCooldown(ctx context.Context, guildID, userID uint64) (bool, error) {
	key := cooldownKey(guildID, userID)

	resp := p.client.Do(ctx, p.client.B().Get().Key(key).Build())
	if resp.Error() != nil {
		if rueidis.IsRedisNil(resp.Error()) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read cooldown key: %w", resp.Error())
	}

	lastUnix, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to parse cooldown timestamp: %w", err)
	}

	return p.now().Sub(time.Unix(lastUnix, 0)) < CooldownWindow, nil
}

func (p *Policy) markPunished(ctx context.Context, guildID, userID uint64) error {
	key := cooldownKey(guildID, userID)

	return p.client.Do(ctx, p.client.B().Setex().
		Key(key).
		Seconds(int64(cooldownTTL.Seconds())).
		Value(fmt.Sprintf("%d", p.now().Unix())).
		Build()).Error()
}

func cooldownKey(guildID, userID uint64) string {
	return fmt.Sprintf("lv:%d:%d", guildID, userID)
}
