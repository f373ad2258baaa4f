package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatwarden/warden/internal/database/dbretry"
	"github.com/chatwarden/warden/internal/database/types"
	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ErrInfractionNotFound is returned when a lookup by ID matches nothing.
var ErrInfractionNotFound = errors.New("infraction not found")

// InfractionModel handles database operations for infraction records.
type InfractionModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewInfraction creates a new infraction model instance.
func NewInfraction(db *bun.DB, logger *zap.Logger) *InfractionModel {
	return &InfractionModel{
		db:     db,
		logger: logger.Named("db_infraction"),
	}
}

// Create persists a new infraction and fills in its generated ID.
func (m *InfractionModel) Create(ctx context.Context, inf *types.Infraction) error {
	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().Model(inf).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create infraction: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("Created infraction",
		zap.Int64("id", inf.ID),
		zap.Uint64("guildID", inf.GuildID),
		zap.Uint64("userID", inf.UserID),
		zap.String("kind", inf.Kind.String()))

	return nil
}

// GetByID fetches one infraction scoped to a guild.
func (m *InfractionModel) GetByID(ctx context.Context, guildID uint64, id int64) (*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Infraction, error) {
		inf := new(types.Infraction)

		err := m.db.NewSelect().
			Model(inf).
			Where("id = ?", id).
			Where("guild_id = ?", guildID).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrInfractionNotFound
			}

			return nil, fmt.Errorf("failed to get infraction %d: %w", id, err)
		}

		return inf, nil
	})
}

// ListActive returns active infractions for a guild, newest first.
func (m *InfractionModel) ListActive(ctx context.Context, guildID uint64, limit int) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().
			Model(&infractions).
			Where("guild_id = ?", guildID).
			Where("active").
			Order("created_at DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list active infractions: %w", err)
		}

		return infractions, nil
	})
}

// GetActiveByKinds returns the actor's active infractions of the given kinds.
func (m *InfractionModel) GetActiveByKinds(
	ctx context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().
			Model(&infractions).
			Where("guild_id = ?", guildID).
			Where("user_id = ?", userID).
			Where("kind IN (?)", bun.In(kinds)).
			Where("active").
			Order("created_at ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get active infractions: %w", err)
		}

		return infractions, nil
	})
}

// ClearActiveByKinds marks the actor's active infractions of the given kinds
// inactive and returns how many rows changed. Used for manual and externally
// observed reversals.
func (m *InfractionModel) ClearActiveByKinds(
	ctx context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) (int64, error) {
	cleared, err := dbretry.Operation(ctx, func(ctx context.Context) (int64, error) {
		res, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("active = FALSE").
			Where("guild_id = ?", guildID).
			Where("user_id = ?", userID).
			Where("kind IN (?)", bun.In(kinds)).
			Where("active").
			Exec(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to clear active infractions: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count cleared infractions: %w", err)
		}

		return rows, nil
	})
	if err != nil {
		return 0, err
	}

	if cleared > 0 {
		m.logger.Debug("Cleared active infractions",
			zap.Uint64("guildID", guildID),
			zap.Uint64("userID", userID),
			zap.Int64("cleared", cleared))
	}

	return cleared, nil
}

// Deactivate marks one infraction inactive. Deactivation is terminal.
func (m *InfractionModel) Deactivate(ctx context.Context, id int64) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("active = FALSE").
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to deactivate infraction %d: %w", id, err)
		}

		return nil
	})
}

// UpdateReason replaces the free-text reason of an infraction.
func (m *InfractionModel) UpdateReason(ctx context.Context, id int64, reason string) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("reason = ?", reason).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update infraction %d reason: %w", id, err)
		}

		return nil
	})
}

// UpdateExpiry sets a new kind and expiry on an active infraction. The kind
// changes when a permanent infraction is converted to its temporary variant.
func (m *InfractionModel) UpdateExpiry(
	ctx context.Context, id int64, kind enum.InfractionKind, expiresAt time.Time,
) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewUpdate().
			Model((*types.Infraction)(nil)).
			Set("kind = ?", kind).
			Set("expires_at = ?", expiresAt).
			Where("id = ?", id).
			Where("active").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to update infraction %d expiry: %w", id, err)
		}

		return nil
	})
}

// GetEarliestActiveExpiry returns the active temp infraction with the
// soonest expiry, or nil when none are pending. The scheduler re-arms its
// single timer from this query.
func (m *InfractionModel) GetEarliestActiveExpiry(ctx context.Context) (*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.Infraction, error) {
		inf := new(types.Infraction)

		err := m.db.NewSelect().
			Model(inf).
			Where("active").
			Where("expires_at IS NOT NULL").
			Order("expires_at ASC").
			Limit(1).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}

			return nil, fmt.Errorf("failed to get earliest active expiry: %w", err)
		}

		return inf, nil
	})
}

// GetExpired returns every active infraction whose expiry has passed.
func (m *InfractionModel) GetExpired(ctx context.Context, now time.Time) ([]*types.Infraction, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.Infraction, error) {
		var infractions []*types.Infraction

		err := m.db.NewSelect().
			Model(&infractions).
			Where("active").
			Where("expires_at IS NOT NULL").
			Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get expired infractions: %w", err)
		}

		return infractions, nil
	})
}
