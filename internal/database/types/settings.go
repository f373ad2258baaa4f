package types

import (
	"time"

	"github.com/chatwarden/warden/internal/setup/config"
	"github.com/uptrace/bun"
)

// GuildSettings stores per-guild rule overrides. Guilds without a row fall
// back to the engine's default rules. Stored rules passed the same
// validation as file configuration before being persisted.
type GuildSettings struct {
	bun.BaseModel `bun:"table:guild_settings"`

	GuildID   uint64        `bun:",pk"`
	Rules     *config.Rules `bun:",type:jsonb"`
	UpdatedAt time.Time     `bun:",notnull"`
}
