package discord

import (
	"context"
	"regexp"

	"github.com/chatwarden/warden/internal/engine"
	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	"go.uber.org/zap"
)

var mentionRe = regexp.MustCompile(`<@!?\d+>|<@&\d+>|@everyone|@here`)

// Gateway connects to Discord, translates gateway payloads into engine
// events, and dispatches them. Each event kind is handed to the engine on
// the listener goroutine; the engine serializes per guild internally.
type Gateway struct {
	client bot.Client
	engine *engine.Engine
	// levels maps role ID to the permission level it grants.
	levels map[uint64]int
	logger *zap.Logger
}

// NewGateway builds the client and registers listeners. Attach the engine
// before calling Open; no events arrive until the connection is opened.
func NewGateway(token string, levels map[uint64]int, logger *zap.Logger) (*Gateway, error) {
	g := &Gateway{
		levels: levels,
		logger: logger.Named("gateway"),
	}

	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(
				gateway.IntentGuilds,
				gateway.IntentGuildMembers,
				gateway.IntentGuildModeration,
				gateway.IntentGuildMessages,
				gateway.IntentMessageContent,
			),
		),
		bot.WithEventListeners(&events.ListenerAdapter{
			OnGuildMessageCreate: g.onMessageCreate,
			OnGuildMemberJoin:    g.onMemberJoin,
			OnGuildMemberUpdate:  g.onMemberUpdate,
			OnGuildBan:           g.onBan,
			OnGuildUnban:         g.onUnban,
		}),
	)
	if err != nil {
		return nil, err
	}

	g.client = client

	return g, nil
}

// Client exposes the underlying client so the executor can share it.
func (g *Gateway) Client() bot.Client {
	return g.client
}

// Attach sets the engine that receives translated events. The engine needs
// the executor built from this gateway's client, so it cannot exist yet at
// construction time.
func (g *Gateway) Attach(eng *engine.Engine) {
	g.engine = eng
}

// Open connects to the gateway.
func (g *Gateway) Open(ctx context.Context) error {
	return g.client.OpenGateway(ctx)
}

// Close shuts the connection down.
func (g *Gateway) Close(ctx context.Context) {
	g.client.Close(ctx)
}

func (g *Gateway) onMessageCreate(e *events.GuildMessageCreate) {
	if e.Message.Author.Bot || e.Message.Author.System {
		return
	}

	msg := &event.Message{
		GuildID:     uint64(e.GuildID),
		ChannelID:   uint64(e.ChannelID),
		MessageID:   uint64(e.MessageID),
		AuthorID:    uint64(e.Message.Author.ID),
		Content:     e.Message.Content,
		Mentions:    countMentions(&e.Message),
		Attachments: len(e.Message.Attachments),
		CreatedAt:   e.MessageID.Time(),
	}

	if e.Message.Member != nil {
		msg.RoleIDs = toUint64s(e.Message.Member.RoleIDs)
	}

	msg.Level = g.memberLevel(msg.RoleIDs)
	msg.MentionedLevel = g.mentionedLevel(e.GuildID, e.Message.Mentions)

	if err := g.engine.HandleMessage(context.Background(), msg); err != nil {
		g.logger.Error("Failed to handle message",
			zap.Uint64("guildID", msg.GuildID),
			zap.Uint64("messageID", msg.MessageID),
			zap.Error(err))
	}
}

func (g *Gateway) onMemberJoin(e *events.GuildMemberJoin) {
	join := &event.MemberJoin{
		GuildID:  uint64(e.GuildID),
		UserID:   uint64(e.Member.User.ID),
		JoinedAt: e.Member.JoinedAt,
	}

	if err := g.engine.HandleMemberJoin(context.Background(), join); err != nil {
		g.logger.Error("Failed to handle member join",
			zap.Uint64("guildID", join.GuildID),
			zap.Uint64("userID", join.UserID),
			zap.Error(err))
	}
}

func (g *Gateway) onMemberUpdate(e *events.GuildMemberUpdate) {
	added, removed := diffRoles(e.OldMember.RoleIDs, e.Member.RoleIDs)
	if len(added) == 0 && len(removed) == 0 {
		return
	}

	change := &event.MemberRoleChange{
		GuildID: uint64(e.GuildID),
		UserID:  uint64(e.Member.User.ID),
		Added:   added,
		Removed: removed,
	}

	if err := g.engine.HandleRoleChange(context.Background(), change); err != nil {
		g.logger.Error("Failed to handle role change",
			zap.Uint64("guildID", change.GuildID),
			zap.Uint64("userID", change.UserID),
			zap.Error(err))
	}
}

func (g *Gateway) onBan(e *events.GuildBan) {
	ban := &event.Ban{GuildID: uint64(e.GuildID), UserID: uint64(e.User.ID)}

	if err := g.engine.HandleBanAdd(context.Background(), ban); err != nil {
		g.logger.Error("Failed to handle ban",
			zap.Uint64("guildID", ban.GuildID),
			zap.Uint64("userID", ban.UserID),
			zap.Error(err))
	}
}

func (g *Gateway) onUnban(e *events.GuildUnban) {
	ban := &event.Ban{GuildID: uint64(e.GuildID), UserID: uint64(e.User.ID)}

	if err := g.engine.HandleBanRemove(context.Background(), ban); err != nil {
		g.logger.Error("Failed to handle unban",
			zap.Uint64("guildID", ban.GuildID),
			zap.Uint64("userID", ban.UserID),
			zap.Error(err))
	}
}

func (g *Gateway) memberLevel(roleIDs []uint64) int {
	level := 0

	for _, roleID := range roleIDs {
		if l, ok := g.levels[roleID]; ok && l > level {
			level = l
		}
	}

	return level
}

// mentionedLevel resolves the highest permission level among mentioned
// members, using the member cache. Uncached members count as level 0.
func (g *Gateway) mentionedLevel(guildID snowflake.ID, mentions []discord.User) int {
	level := 0

	for _, user := range mentions {
		member, ok := g.client.Caches().Member(guildID, user.ID)
		if !ok {
			continue
		}

		if l := g.memberLevel(toUint64s(member.RoleIDs)); l > level {
			level = l
		}
	}

	return level
}

// countMentions counts user, role, and everyone mentions, including ones
// that did not resolve to a known user.
func countMentions(msg *discord.Message) int {
	count := len(mentionRe.FindAllString(msg.Content, -1))

	if resolved := len(msg.Mentions); resolved > count {
		count = resolved
	}

	return count
}

func diffRoles(before, after []snowflake.ID) (added, removed []uint64) {
	old := make(map[snowflake.ID]struct{}, len(before))
	for _, id := range before {
		old[id] = struct{}{}
	}

	current := make(map[snowflake.ID]struct{}, len(after))
	for _, id := range after {
		current[id] = struct{}{}

		if _, ok := old[id]; !ok {
			added = append(added, uint64(id))
		}
	}

	for _, id := range before {
		if _, ok := current[id]; !ok {
			removed = append(removed, uint64(id))
		}
	}

	return added, removed
}

func toUint64s(ids []snowflake.ID) []uint64 {
	out := make([]uint64, len(ids))
	for i, id := range ids {
		out[i] = uint64(id)
	}

	return out
}
