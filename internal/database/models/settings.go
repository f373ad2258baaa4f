package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatwarden/warden/internal/database/dbretry"
	"github.com/chatwarden/warden/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// SettingsModel handles database operations for per-guild rule overrides.
type SettingsModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewSettings creates a new settings model instance.
func NewSettings(db *bun.DB, logger *zap.Logger) *SettingsModel {
	return &SettingsModel{
		db:     db,
		logger: logger.Named("db_settings"),
	}
}

// Get returns the guild's stored settings, or nil when the guild uses the
// engine defaults.
func (m *SettingsModel) Get(ctx context.Context, guildID uint64) (*types.GuildSettings, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.GuildSettings, error) {
		settings := new(types.GuildSettings)

		err := m.db.NewSelect().
			Model(settings).
			Where("guild_id = ?", guildID).
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}

			return nil, fmt.Errorf("failed to get guild settings: %w", err)
		}

		return settings, nil
	})
}

// Upsert stores validated guild settings, replacing any previous row.
func (m *SettingsModel) Upsert(ctx context.Context, settings *types.GuildSettings) error {
	settings.UpdatedAt = time.Now()

	err := dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().
			Model(settings).
			On("CONFLICT (guild_id) DO UPDATE").
			Set("rules = EXCLUDED.rules").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to upsert guild settings: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("Updated guild settings", zap.Uint64("guildID", settings.GuildID))

	return nil
}
