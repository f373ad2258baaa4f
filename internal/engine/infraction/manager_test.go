package infraction_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chatwarden/warden/internal/database/types"
	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/chatwarden/warden/internal/engine/debounce"
	"github.com/chatwarden/warden/internal/engine/event"
	"github.com/chatwarden/warden/internal/engine/infraction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory Store implementation for lifecycle tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*types.Infraction
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[int64]*types.Infraction)}
}

func (s *memStore) Create(_ context.Context, inf *types.Infraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	inf.ID = s.nextID

	clone := *inf
	s.rows[inf.ID] = &clone

	return nil
}

func (s *memStore) GetByID(_ context.Context, guildID uint64, id int64) (*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inf, ok := s.rows[id]
	if !ok || inf.GuildID != guildID {
		return nil, errors.New("infraction not found")
	}

	clone := *inf

	return &clone, nil
}

func (s *memStore) GetActiveByKinds(
	_ context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) ([]*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID && inf.UserID == userID && kindIn(inf.Kind, kinds) {
			clone := *inf
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (s *memStore) ListActive(_ context.Context, guildID uint64, limit int) ([]*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID {
			clone := *inf
			out = append(out, &clone)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (s *memStore) ClearActiveByKinds(
	_ context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cleared int64

	for _, inf := range s.rows {
		if inf.Active && inf.GuildID == guildID && inf.UserID == userID && kindIn(inf.Kind, kinds) {
			inf.Active = false
			cleared++
		}
	}

	return cleared, nil
}

func (s *memStore) Deactivate(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		inf.Active = false
	}

	return nil
}

func (s *memStore) UpdateReason(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		inf.Reason = reason
	}

	return nil
}

func (s *memStore) UpdateExpiry(
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

func (s *memStore) GetEarliestActiveExpiry(_ context.Context) (*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.ExpiresAt != nil {
			candidates = append(candidates, inf)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ExpiresAt.Before(*candidates[j].ExpiresAt)
	})

	clone := *candidates[0]

	return &clone, nil
}

func (s *memStore) GetExpired(_ context.Context, now time.Time) ([]*types.Infraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Infraction

	for _, inf := range s.rows {
		if inf.Active && inf.ExpiresAt != nil && !inf.ExpiresAt.After(now) {
			clone := *inf
			out = append(out, &clone)
		}
	}

	return out, nil
}

func (s *memStore) get(id int64) *types.Infraction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inf, ok := s.rows[id]; ok {
		clone := *inf
		return &clone
	}

	return nil
}

func kindIn(kind enum.InfractionKind, kinds []enum.InfractionKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}

	return false
}

// call records one executor invocation.
type call struct {
	name   string
	roleID uint64
}

// fakeExecutor records calls and returns configurable errors.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []call
	fail  error
}

func (e *fakeExecutor) record(name string, roleID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, call{name: name, roleID: roleID})

	return e.fail
}

func (e *fakeExecutor) AddRole(_ context.Context, _, _, roleID uint64, _ string) error {
	return e.record("AddRole", roleID)
}

func (e *fakeExecutor) RemoveRole(_ context.Context, _, _, roleID uint64, _ string) error {
	return e.record("RemoveRole", roleID)
}

func (e *fakeExecutor) Kick(_ context.Context, _, _ uint64, _ string) error {
	return e.record("Kick", 0)
}

func (e *fakeExecutor) Ban(_ context.Context, _, _ uint64, _ int, _ string) error {
	return e.record("Ban", 0)
}

func (e *fakeExecutor) Unban(_ context.Context, _, _ uint64, _ string) error {
	return e.record("Unban", 0)
}

func (e *fakeExecutor) DeleteMessages(_ context.Context, _, _ uint64, _ []uint64) error {
	return e.record("DeleteMessages", 0)
}

func (e *fakeExecutor) callNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, len(e.calls))
	for i, c := range e.calls {
		names[i] = c.name
	}

	return names
}

const (
	testGuildID  = uint64(100)
	testUserID   = uint64(42)
	testMuteRole = uint64(777)
)

func setupManager(t *testing.T) (*infraction.Manager, *memStore, *fakeExecutor, *debounce.Registry) {
	t.Helper()

	store := newMemStore()
	executor := &fakeExecutor{}
	registry := debounce.NewRegistry(zap.NewNop())

	manager := infraction.NewManager(
		store,
		executor,
		registry,
		map[uint64]uint64{testGuildID: testMuteRole},
		time.Second,
		time.Second,
		zap.NewNop(),
	)
	t.Cleanup(manager.Stop)

	return manager, store, executor, registry
}

func TestApplyTempMute(t *testing.T) {
	t.Parallel()

	manager, store, executor, registry := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID:  testGuildID,
		UserID:   testUserID,
		Kind:     enum.InfractionKindTempMute,
		Duration: time.Hour,
		Reason:   "spam",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"AddRole"}, executor.callNames())
	assert.Equal(t, testMuteRole, inf.RoleID())
	require.NotNil(t, inf.ExpiresAt)
	assert.True(t, inf.Active)

	// The echoed role event is attributed to us exactly once.
	entry := registry.Find(testGuildID, event.KindRoleAdded, map[string]uint64{
		event.AttrUserID: testUserID,
		event.AttrRoleID: testMuteRole,
	}, true)
	assert.NotNil(t, entry)

	stored := store.get(inf.ID)
	require.NotNil(t, stored)
	assert.True(t, stored.Active)
}

func TestApplyTemporaryWithoutDurationFails(t *testing.T) {
	t.Parallel()

	manager, _, executor, _ := setupManager(t)

	_, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindTempBan,
	})
	require.Error(t, err)
	assert.Empty(t, executor.callNames())
}

func TestApplyDispatchFailureDoesNotPersist(t *testing.T) {
	t.Parallel()

	manager, store, executor, registry := setupManager(t)
	executor.fail = errors.New("api down")

	_, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindBan,
		Reason:  "spam",
	})
	require.Error(t, err)

	actives, err := store.GetActiveByKinds(t.Context(), testGuildID, testUserID,
		[]enum.InfractionKind{enum.InfractionKindBan})
	require.NoError(t, err)
	assert.Empty(t, actives)

	// The suppression entry must be withdrawn with the failed action.
	entry := registry.Find(testGuildID, event.KindBanAdded,
		map[string]uint64{event.AttrUserID: testUserID}, false)
	assert.Nil(t, entry)
}

func TestApplyWarnTakesNoPlatformAction(t *testing.T) {
	t.Parallel()

	manager, store, executor, _ := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindWarn,
		Reason:  "first offense",
	})
	require.NoError(t, err)

	assert.Empty(t, executor.callNames())
	assert.NotNil(t, store.get(inf.ID))
}

func TestApplySupersedesPriorTempInfraction(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := setupManager(t)

	first, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID:  testGuildID,
		UserID:   testUserID,
		Kind:     enum.InfractionKindTempMute,
		Duration: time.Hour,
	})
	require.NoError(t, err)

	second, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID:  testGuildID,
		UserID:   testUserID,
		Kind:     enum.InfractionKindTempMute,
		Duration: 2 * time.Hour,
	})
	require.NoError(t, err)

	assert.False(t, store.get(first.ID).Active)
	assert.True(t, store.get(second.ID).Active)
}

func TestSoftBanBansThenUnbans(t *testing.T) {
	t.Parallel()

	manager, store, executor, _ := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindSoftBan,
		Reason:  "purge",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Ban", "Unban"}, executor.callNames())
	assert.Nil(t, store.get(inf.ID).ExpiresAt)
}

func TestSweepReversesExpiredMute(t *testing.T) {
	t.Parallel()

	manager, store, executor, registry := setupManager(t)

	expired := time.Now().Add(-time.Minute)
	inf := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindTempMute,
		Metadata:  map[string]any{types.MetadataRoleKey: testMuteRole},
		ExpiresAt: &expired,
		CreatedAt: time.Now().Add(-time.Hour),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), inf))

	manager.Sweep()

	assert.Equal(t, []string{"RemoveRole"}, executor.callNames())
	assert.False(t, store.get(inf.ID).Active)

	// The reversal's echoed event is suppressed.
	entry := registry.Find(testGuildID, event.KindRoleRemoved, map[string]uint64{
		event.AttrUserID: testUserID,
		event.AttrRoleID: testMuteRole,
	}, true)
	assert.NotNil(t, entry)
}

func TestSweepKeepsActiveOnTransientFailure(t *testing.T) {
	t.Parallel()

	manager, store, executor, _ := setupManager(t)
	executor.fail = context.DeadlineExceeded

	expired := time.Now().Add(-time.Minute)
	inf := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindTempBan,
		ExpiresAt: &expired,
		CreatedAt: time.Now().Add(-time.Hour),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), inf))

	manager.Sweep()

	assert.True(t, store.get(inf.ID).Active, "transient failure must not deactivate")
}

func TestSweepDeactivatesWhenTargetGone(t *testing.T) {
	t.Parallel()

	manager, store, executor, _ := setupManager(t)
	executor.fail = infraction.ErrTargetGone

	expired := time.Now().Add(-time.Minute)
	inf := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindTempBan,
		ExpiresAt: &expired,
		CreatedAt: time.Now().Add(-time.Hour),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), inf))

	manager.Sweep()

	assert.False(t, store.get(inf.ID).Active)
}

func TestClearActiveRoleMatchesRecordedRole(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := setupManager(t)

	expiry := time.Now().Add(time.Hour)
	mute := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindTempMute,
		Metadata:  map[string]any{types.MetadataRoleKey: testMuteRole},
		ExpiresAt: &expiry,
		CreatedAt: time.Now(),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), mute))

	tempRole := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindTempRole,
		Metadata:  map[string]any{types.MetadataRoleKey: uint64(888)},
		ExpiresAt: &expiry,
		CreatedAt: time.Now(),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), tempRole))

	// An unrelated role touches nothing.
	cleared, err := manager.ClearActiveRole(t.Context(), testGuildID, testUserID, 555)
	require.NoError(t, err)
	assert.Zero(t, cleared)
	assert.True(t, store.get(mute.ID).Active)
	assert.True(t, store.get(tempRole.ID).Active)

	// The mute role clears only the mute.
	cleared, err = manager.ClearActiveRole(t.Context(), testGuildID, testUserID, testMuteRole)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.False(t, store.get(mute.ID).Active)
	assert.True(t, store.get(tempRole.ID).Active)

	// The temp role's own role clears the rest.
	cleared, err = manager.ClearActiveRole(t.Context(), testGuildID, testUserID, 888)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.False(t, store.get(tempRole.ID).Active)
}

func TestClearActiveRoleFallsBackToGuildMuteRole(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := setupManager(t)

	// A mute row with no recorded role, as written by external tooling.
	mute := &types.Infraction{
		GuildID:   testGuildID,
		UserID:    testUserID,
		Kind:      enum.InfractionKindMute,
		CreatedAt: time.Now(),
		Active:    true,
	}
	require.NoError(t, store.Create(t.Context(), mute))

	cleared, err := manager.ClearActiveRole(t.Context(), testGuildID, testUserID, testMuteRole)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)
	assert.False(t, store.get(mute.ID).Active)
}

func TestEditDurationConvertsPermanentKinds(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindBan,
		Reason:  "spam",
	})
	require.NoError(t, err)

	require.NoError(t, manager.EditDuration(t.Context(), testGuildID, inf.ID, time.Hour))

	stored := store.get(inf.ID)
	assert.Equal(t, enum.InfractionKindTempBan, stored.Kind)
	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, inf.CreatedAt.Add(time.Hour), *stored.ExpiresAt)
}

func TestEditDurationRejectsKick(t *testing.T) {
	t.Parallel()

	manager, _, _, _ := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindKick,
	})
	require.NoError(t, err)

	err = manager.EditDuration(t.Context(), testGuildID, inf.ID, time.Hour)
	require.Error(t, err)
}

func TestEditReason(t *testing.T) {
	t.Parallel()

	manager, store, _, _ := setupManager(t)

	inf, err := manager.Apply(t.Context(), &infraction.Request{
		GuildID: testGuildID,
		UserID:  testUserID,
		Kind:    enum.InfractionKindWarn,
		Reason:  "before",
	})
	require.NoError(t, err)

	require.NoError(t, manager.EditReason(t.Context(), testGuildID, inf.ID, "after"))
	assert.Equal(t, "after", store.get(inf.ID).Reason)
}
