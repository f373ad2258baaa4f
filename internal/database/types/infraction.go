package types

import (
	"time"

	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/uptrace/bun"
)

// MetadataRoleKey stores the role granted by MUTE, TEMPMUTE and TEMPROLE
// infractions so expiry knows what to remove.
const MetadataRoleKey = "role"

// Infraction is one punishment instance, permanent or time-boxed.
//
// ExpiresAt is set if and only if Kind is temporary. Active never flips back
// to true once cleared. At most one temp-kind infraction may be active per
// (guild, user, kind).
type Infraction struct {
	bun.BaseModel `bun:"table:infractions"`

	ID        int64               `bun:",pk,autoincrement"`
	GuildID   uint64              `bun:",notnull"`
	UserID    uint64              `bun:",notnull"`
	ActorID   uint64              `bun:",nullzero"` // 0 means issued by the system
	Kind      enum.InfractionKind `bun:",notnull"`
	Reason    string              `bun:",type:text,nullzero"`
	Metadata  map[string]any      `bun:",type:jsonb"`
	ExpiresAt *time.Time          `bun:",nullzero"`
	CreatedAt time.Time           `bun:",notnull"`
	Active    bool                `bun:",notnull"`
}

// RoleID returns the role recorded in the infraction metadata, or 0.
func (i *Infraction) RoleID() uint64 {
	if i.Metadata == nil {
		return 0
	}

	switch v := i.Metadata[MetadataRoleKey].(type) {
	case uint64:
		return v
	case int64:
		return uint64(v)
	case float64:
		// JSON round-trips numbers as float64
		return uint64(v)
	}

	return 0
}

// IsSystem reports whether the infraction was issued automatically.
func (i *Infraction) IsSystem() bool {
	return i.ActorID == 0
}
