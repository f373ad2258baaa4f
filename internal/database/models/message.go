package models

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwarden/warden/internal/database/dbretry"
	"github.com/chatwarden/warden/internal/database/types"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// MessageModel handles database operations for the message archive.
type MessageModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewMessage creates a new message model instance.
func NewMessage(db *bun.DB, logger *zap.Logger) *MessageModel {
	return &MessageModel{
		db:     db,
		logger: logger.Named("db_message"),
	}
}

// Record archives one message. Conflicts on the message ID are ignored so
// replayed gateway events stay idempotent.
func (m *MessageModel) Record(ctx context.Context, msg *types.ArchivedMessage) error {
	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewInsert().
			Model(msg).
			On("CONFLICT (id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to record message %d: %w", msg.ID, err)
		}

		return nil
	})
}

// GetRecentContents returns the contents of the author's most recent
// messages in the guild, newest first. Duplicate-content checks group these
// by exact content.
func (m *MessageModel) GetRecentContents(
	ctx context.Context, guildID, authorID uint64, since time.Time, limit int,
) ([]string, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]string, error) {
		var contents []string

		err := m.db.NewSelect().
			Model((*types.ArchivedMessage)(nil)).
			Column("content").
			Where("guild_id = ?", guildID).
			Where("author_id = ?", authorID).
			Where("NOT deleted").
			Where("created_at >= ?", since).
			Order("created_at DESC").
			Limit(limit).
			Scan(ctx, &contents)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent contents: %w", err)
		}

		return contents, nil
	})
}

// GetRecentForCleanup selects the author's recent messages for deletion,
// bounded by count and lookback. Results are grouped per channel by the
// caller for batched removal.
func (m *MessageModel) GetRecentForCleanup(
	ctx context.Context, guildID, authorID uint64, since time.Time, limit int,
) ([]*types.ArchivedMessage, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.ArchivedMessage, error) {
		var messages []*types.ArchivedMessage

		err := m.db.NewSelect().
			Model(&messages).
			Column("id", "channel_id").
			Where("guild_id = ?", guildID).
			Where("author_id = ?", authorID).
			Where("NOT deleted").
			Where("created_at >= ?", since).
			Order("created_at DESC").
			Limit(limit).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to select messages for cleanup: %w", err)
		}

		return messages, nil
	})
}

// MarkDeleted flags archived messages as removed from the platform.
func (m *MessageModel) MarkDeleted(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}

	return dbretry.NoResult(ctx, func(ctx context.Context) error {
		_, err := m.db.NewUpdate().
			Model((*types.ArchivedMessage)(nil)).
			Set("deleted = TRUE").
			Where("id IN (?)", bun.In(ids)).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to mark messages deleted: %w", err)
		}

		return nil
	})
}
