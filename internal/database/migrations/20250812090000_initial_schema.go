package migrations

import (
	"context"
	"fmt"

	"github.com/chatwarden/warden/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.Infraction)(nil),
			(*types.ArchivedMessage)(nil),
			(*types.GuildSettings)(nil),
		}

		for _, model := range models {
			if _, err := db.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx); err != nil {
				return fmt.Errorf("failed to create table for %T: %w", model, err)
			}
		}

		// Lookup paths used by the engine: active infractions per actor,
		// the globally earliest pending expiry, and recent messages per
		// author for duplicate-content checks and cleanup.
		indexes := []struct {
			name  string
			query string
		}{
			{
				name:  "idx_infractions_guild_user",
				query: "CREATE INDEX IF NOT EXISTS idx_infractions_guild_user ON infractions (guild_id, user_id)",
			},
			{
				name:  "idx_infractions_active_expiry",
				query: "CREATE INDEX IF NOT EXISTS idx_infractions_active_expiry ON infractions (expires_at) WHERE active AND expires_at IS NOT NULL",
			},
			{
				name:  "idx_messages_guild_author_created",
				query: "CREATE INDEX IF NOT EXISTS idx_messages_guild_author_created ON messages (guild_id, author_id, created_at DESC)",
			},
		}

		for _, idx := range indexes {
			if _, err := db.ExecContext(ctx, idx.query); err != nil {
				return fmt.Errorf("failed to create index %s: %w", idx.name, err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		tables := []string{"infractions", "messages", "guild_settings"}
		for _, table := range tables {
			if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", table, err)
			}
		}

		return nil
	})
}
