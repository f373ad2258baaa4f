// Package discord adapts the engine's platform boundaries to the Discord
// gateway and REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

// Discord caps bulk deletion at 100 messages per call.
const bulkDeleteLimit = 100

// Executor performs punishment actions through the Discord REST API. It
// implements infraction.Executor.
type Executor struct {
	client bot.Client
	logger *zap.Logger
}

// NewExecutor wraps a connected client.
func NewExecutor(client bot.Client, logger *zap.Logger) *Executor {
	return &Executor{
		client: client,
		logger: logger.Named("executor"),
	}
}

func (e *Executor) AddRole(ctx context.Context, guildID, userID, roleID uint64, reason string) error {
	err := e.client.Rest().AddMemberRole(
		snowflake.ID(guildID), snowflake.ID(userID), snowflake.ID(roleID),
		rest.WithReason(reason), rest.WithCtx(ctx))

	return classify(err)
}

func (e *Executor) RemoveRole(ctx context.Context, guildID, userID, roleID uint64, reason string) error {
	err := e.client.Rest().RemoveMemberRole(
		snowflake.ID(guildID), snowflake.ID(userID), snowflake.ID(roleID),
		rest.WithReason(reason), rest.WithCtx(ctx))

	return classify(err)
}

func (e *Executor) Kick(ctx context.Context, guildID, userID uint64, reason string) error {
	err := e.client.Rest().RemoveMember(
		snowflake.ID(guildID), snowflake.ID(userID),
		rest.WithReason(reason), rest.WithCtx(ctx))

	return classify(err)
}

func (e *Executor) Ban(ctx context.Context, guildID, userID uint64, purgeDays int, reason string) error {
	err := e.client.Rest().AddBan(
		snowflake.ID(guildID), snowflake.ID(userID),
		time.Duration(purgeDays)*24*time.Hour,
		rest.WithReason(reason), rest.WithCtx(ctx))

	return classify(err)
}

func (e *Executor) Unban(ctx context.Context, guildID, userID uint64, reason string) error {
	err := e.client.Rest().DeleteBan(
		snowflake.ID(guildID), snowflake.ID(userID),
		rest.WithReason(reason), rest.WithCtx(ctx))

	return classify(err)
}

// DeleteMessages removes the given messages from one channel. Single
// messages use the plain delete endpoint; larger sets go through bulk
// deletion in chunks.
func (e *Executor) DeleteMessages(ctx context.Context, guildID, channelID uint64, messageIDs []uint64) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if len(messageIDs) == 1 {
		err := e.client.Rest().DeleteMessage(
			snowflake.ID(channelID), snowflake.ID(messageIDs[0]), rest.WithCtx(ctx))

		return classify(err)
	}

	ids := make([]snowflake.ID, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = snowflake.ID(id)
	}

	for len(ids) > 0 {
		chunk := ids
		if len(chunk) > bulkDeleteLimit {
			chunk = chunk[:bulkDeleteLimit]
		}

		ids = ids[len(chunk):]

		if err := e.client.Rest().BulkDeleteMessages(snowflake.ID(channelID), chunk, rest.WithCtx(ctx)); err != nil {
			return classify(fmt.Errorf("failed to bulk delete %d messages: %w", len(chunk), err))
		}
	}

	return nil
}

// classify maps 404 responses to ErrTargetGone so lifecycle code can tell
// missing targets apart from transient failures.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var restErr rest.Error
	if errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", infraction.ErrTargetGone, err)
	}

	return err
}
