package engine_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatwarden/warden/internal/database/types"
	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/chatwarden/warden/internal/engine"
	"github.com/chatwarden/warden/internal/engine/debounce"
	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/chatwarden/warden/internal/setup/config"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubStore is a minimal in-memory infraction.Store for handler tests.
type stubStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*types.Infraction
}

func newStubStore() *stubStore {
	return &stubStore{rows: make(map[int64]*types.Infraction)}
}

func (s *stubStore) Create(_ context.Context, inf *types.Infraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	inf.ID = s.nextID

	clone := *inf
	s.rows[inf.ID] = &clone

	return nil
}

func (s *stubStore) GetByID(_ context.Context, guildID uint64, id int64) (*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok && inf.GuildID == guildID {
		clone := *inf
		return &clone, nil
	}

	return nil, fmt.Errorf("infraction %d not found", id)
}

func (s *stubStore) ListActive(_ context.Context, guildID uint64, _ int) ([]*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID {
			clone := *inf
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (s *stubStore) GetActiveByKinds(
	_ context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) ([]*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID && inf.UserID == userID && hasKind(inf.Kind, kinds) {
			clone := *inf
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (s *stubStore) ClearActiveByKinds(
	_ context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID && inf.UserID == userID && hasKind(inf.Kind, kinds) {
			inf.Active = false
			cleared++
		}
	}

	return cleared, nil
}

func (s *stubStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		inf.Active = false
	}

	return nil
}

func (s *stubStore) UpdateReason(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		inf.Reason = reason
	}

	return nil
}

func (s *stubStore) UpdateExpiry(
	_ context.Context, id int64, kind enum.InfractionKind, expiresAt time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok && inf.Active {
		inf.Kind = kind
		inf.ExpiresAt = &expiresAt
	}

	return nil
}

func (s *stubStore) GetEarliestActiveExpiry(_ context.Context) (*types.Infraction, error) {
	return nil, nil
}

func (s *stubStore) GetExpired(_ context.Context, _ time.Time) ([]*types.Infraction, error) {
	return nil, nil
}

func (s *stubStore) get(id int64) *types.Infraction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		clone := *inf
		return &clone
	}

	return nil
}

func hasKind(kind enum.InfractionKind, kinds []enum.InfractionKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}

	return false
}

// noopExecutor satisfies infraction.Executor; handler tests never dispatch.
type noopExecutor struct{}

func (noopExecutor) AddRole(context.Context, uint64, uint64, uint64, string) error    { return nil }
func (noopExecutor) RemoveRole(context.Context, uint64, uint64, uint64, string) error { return nil }
func (noopExecutor) Kick(context.Context, uint64, uint64, string) error               { return nil }
func (noopExecutor) Ban(context.Context, uint64, uint64, int, string) error           { return nil }
func (noopExecutor) Unban(context.Context, uint64, uint64, string) error              { return nil }
func (noopExecutor) DeleteMessages(context.Context, uint64, uint64, []uint64) error   { return nil }

const (
	guildID  = uint64(100)
	userID   = uint64(42)
	muteRole = uint64(777)
)

func setupEngine(t *testing.T, tracker rueidis.Client) (*engine.Engine, *stubStore, *debounce.Registry) {
	t.Helper()

	store := newStubStore()
	registry := debounce.NewRegistry(zap.NewNop())

	manager := infraction.NewManager(
		store,
		noopExecutor{},
		registry,
		map[uint64]uint64{guildID: muteRole},
		time.Second,
		time.Second,
		zap.NewNop(),
	)
	t.Cleanup(manager.Stop)

	eng := engine.New(nil, nil, manager, nil, nil, registry, tracker, &config.Rules{}, zap.NewNop())

	return eng, store, registry
}

func seedActive(t *testing.T, store *stubStore, kind enum.InfractionKind, roleID uint64) *types.Infraction {
	t.Helper()

	inf := &types.Infraction{
		GuildID:   guildID,
		UserID:    userID,
		Kind:      kind,
		CreatedAt: time.Now(),
		Active:    true,
	}

	if roleID != 0 {
		inf.Metadata = map[string]any{types.MetadataRoleKey: roleID}
	}

	if kind.IsTemporary() {
		expiry := time.Now().Add(time.Hour)
		inf.ExpiresAt = &expiry
	}

	require.NoError(t, store.Create(t.Context(), inf))

	return inf
}

func TestHandleRoleChangeIgnoresUnrelatedRole(t *testing.T) {
	t.Parallel()

	eng, store, _ := setupEngine(t, nil)

	mute := seedActive(t, store, enum.InfractionKindTempMute, muteRole)

	// A cosmetic role removal must not touch the mute.
	require.NoError(t, eng.HandleRoleChange(t.Context(), &event.MemberRoleChange{
		GuildID: guildID,
		UserID:  userID,
		Removed: []uint64{555},
	}))

	assert.True(t, store.get(mute.ID).Active)
}

func TestHandleRoleChangeClearsMuteOnMuteRoleRemoval(t *testing.T) {
	t.Parallel()

	eng, store, _ := setupEngine(t, nil)

	mute := seedActive(t, store, enum.InfractionKindTempMute, muteRole)

	require.NoError(t, eng.HandleRoleChange(t.Context(), &event.MemberRoleChange{
		GuildID: guildID,
		UserID:  userID,
		Removed: []uint64{muteRole},
	}))

	assert.False(t, store.get(mute.ID).Active)
}

func TestHandleRoleChangeClearsTempRoleByRecordedRole(t *testing.T) {
	t.Parallel()

	eng, store, _ := setupEngine(t, nil)

	mute := seedActive(t, store, enum.InfractionKindTempMute, muteRole)
	granted := seedActive(t, store, enum.InfractionKindTempRole, 888)

	require.NoError(t, eng.HandleRoleChange(t.Context(), &event.MemberRoleChange{
		GuildID: guildID,
		UserID:  userID,
		Removed: []uint64{888},
	}))

	assert.False(t, store.get(granted.ID).Active)
	assert.True(t, store.get(mute.ID).Active, "mute is backed by a different role")
}

func TestHandleRoleChangeConsumesOwnRemoval(t *testing.T) {
	t.Parallel()

	eng, store, registry := setupEngine(t, nil)

	mute := seedActive(t, store, enum.InfractionKindTempMute, muteRole)

	// Expiry registered this removal before acting on the platform.
	registry.Create(guildID, []string{event.KindRoleRemoved}, map[string]uint64{
		event.AttrUserID: userID,
		event.AttrRoleID: muteRole,
	})

	require.NoError(t, eng.HandleRoleChange(t.Context(), &event.MemberRoleChange{
		GuildID: guildID,
		UserID:  userID,
		Removed: []uint64{muteRole},
	}))

	// The echo was attributed to us, so the record is left alone and the
	// guard is spent.
	assert.True(t, store.get(mute.ID).Active)
	assert.Nil(t, registry.Find(guildID, event.KindRoleRemoved, map[string]uint64{
		event.AttrUserID: userID,
		event.AttrRoleID: muteRole,
	}, true))
}

func TestHandleBanRemoveClearsExternalUnban(t *testing.T) {
	t.Parallel()

	eng, store, _ := setupEngine(t, nil)

	ban := seedActive(t, store, enum.InfractionKindTempBan, 0)

	require.NoError(t, eng.HandleBanRemove(t.Context(), &event.Ban{
		GuildID: guildID,
		UserID:  userID,
	}))

	assert.False(t, store.get(ban.ID).Active)
}

func TestHandleBanRemoveConsumesOwnUnban(t *testing.T) {
	t.Parallel()

	eng, store, registry := setupEngine(t, nil)

	ban := seedActive(t, store, enum.InfractionKindTempBan, 0)

	registry.Create(guildID, []string{event.KindBanRemoved}, map[string]uint64{
		event.AttrUserID: userID,
	})

	require.NoError(t, eng.HandleBanRemove(t.Context(), &event.Ban{
		GuildID: guildID,
		UserID:  userID,
	}))

	assert.True(t, store.get(ban.ID).Active)
}

func TestHandleBanAddConsumesOwnBan(t *testing.T) {
	t.Parallel()

	eng, _, registry := setupEngine(t, nil)

	registry.Create(guildID, []string{event.KindBanAdded}, map[string]uint64{
		event.AttrUserID: userID,
	})

	require.NoError(t, eng.HandleBanAdd(t.Context(), &event.Ban{
		GuildID: guildID,
		UserID:  userID,
	}))

	assert.Nil(t, registry.Find(guildID, event.KindBanAdded, map[string]uint64{
		event.AttrUserID: userID,
	}, true))
}

func TestHandleMemberJoinTracksTimestamp(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	tracker, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	defer tracker.Close()

	eng, _, _ := setupEngine(t, tracker)

	joined := time.Now()
	require.NoError(t, eng.HandleMemberJoin(t.Context(), &event.MemberJoin{
		GuildID:  guildID,
		UserID:   userID,
		JoinedAt: joined,
	}))

	val, err := mr.Get(fmt.Sprintf("j:%d:%d", guildID, userID))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", joined.Unix()), val)
}
