package types

import (
	"time"

	"github.com/uptrace/bun"
)

// ArchivedMessage is a bounded record of a guild message, kept so
// duplicate-content checks and punishment cleanup can query recent history.
type ArchivedMessage struct {
	bun.BaseModel `bun:"table:messages"`

	ID        uint64    `bun:",pk"` // message snowflake
	GuildID   uint64    `bun:",notnull"`
	ChannelID uint64    `bun:",notnull"`
	AuthorID  uint64    `bun:",notnull"`
	Content   string    `bun:",type:text"`
	CreatedAt time.Time `bun:",notnull"`
	Deleted   bool      `bun:",notnull"`
}
