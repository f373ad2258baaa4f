// Package event defines the typed events the engine consumes at its
// gateway boundary. Adapters translate platform payloads into these types;
// the engine never sees platform structs directly.
package event

import "time"

// Event kinds used by debounce suppression records.
const (
	KindRoleAdded   = "role_added"
	KindRoleRemoved = "role_removed"
	KindBanAdded    = "ban_added"
	KindBanRemoved  = "ban_removed"
	KindMemberKick  = "member_kick"
)

// Selector attribute names shared between debounce writers and readers.
const (
	AttrUserID    = "user_id"
	AttrRoleID    = "role_id"
	AttrMessageID = "message_id"
)

// Message is a content-bearing guild message.
type Message struct {
	GuildID   uint64
	ChannelID uint64
	MessageID uint64
	AuthorID  uint64
	Content   string

	// Counts precomputed by the gateway adapter from the raw payload.
	Mentions    int
	Attachments int

	// RoleIDs and Level describe the author at send time and select the
	// applicable rule scopes.
	RoleIDs []uint64
	Level   int

	// Highest permission level among mentioned actors, for heuristics.
	MentionedLevel int

	CreatedAt time.Time
}

// MemberJoin reports a member joining a guild.
type MemberJoin struct {
	GuildID  uint64
	UserID   uint64
	JoinedAt time.Time
}

// MemberRoleChange reports a member's role set changing.
type MemberRoleChange struct {
	GuildID uint64
	UserID  uint64
	Added   []uint64
	Removed []uint64
}

// Ban reports a guild ban being added or removed.
type Ban struct {
	GuildID uint64
	UserID  uint64
}
