// Package infraction applies punishments, tracks their lifecycle, and
// reverses the temporary ones when they expire.
package infraction

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chatwarden/warden/internal/database/types"
	"github.com/chatwarden/warden/internal/database/types/enum"
	"github.com/chatwarden/warden/internal/engine/debounce"
	"github.com/chatwarden/warden/internal/engine/event"
	"go.uber.org/zap"
)

// ErrTargetGone is returned by executors when the platform reports the
// punishment target no longer exists (member left, ban already lifted).
// Reversal treats it as success.
var ErrTargetGone = errors.New("target no longer present")

// ErrNoMuteRole is returned when a mute is requested for a guild without a
// configured mute role.
var ErrNoMuteRole = errors.New("no mute role configured for guild")

// SoftBanPurgeDays is how many days of messages a softban deletes on entry.
const SoftBanPurgeDays = 7

// Executor performs punishment actions against the platform. Implementations
// must return ErrTargetGone (possibly wrapped) when the target is absent.
type Executor interface {
	AddRole(ctx context.Context, guildID, userID, roleID uint64, reason string) error
	RemoveRole(ctx context.Context, guildID, userID, roleID uint64, reason string) error
	Kick(ctx context.Context, guildID, userID uint64, reason string) error
	Ban(ctx context.Context, guildID, userID uint64, purgeDays int, reason string) error
	Unban(ctx context.Context, guildID, userID uint64, reason string) error
	DeleteMessages(ctx context.Context, guildID, channelID uint64, messageIDs []uint64) error
}

// Store is the persistence surface the manager needs. The database
// infraction model satisfies this.
type Store interface {
	Create(ctx context.Context, inf *types.Infraction) error
	GetByID(ctx context.Context, guildID uint64, id int64) (*types.Infraction, error)
	ListActive(ctx context.Context, guildID uint64, limit int) ([]*types.Infraction, error)
	GetActiveByKinds(ctx context.Context, guildID, userID uint64, kinds []enum.InfractionKind) ([]*types.Infraction, error)
	ClearActiveByKinds(ctx context.Context, guildID, userID uint64, kinds []enum.InfractionKind) (int64, error)
	Deactivate(ctx context.Context, id int64) error
	UpdateReason(ctx context.Context, id int64, reason string) error
	UpdateExpiry(ctx context.Context, id int64, kind enum.InfractionKind, expiresAt time.Time) error
	GetEarliestActiveExpiry(ctx context.Context) (*types.Infraction, error)
	GetExpired(ctx context.Context, now time.Time) ([]*types.Infraction, error)
}

// Request describes one punishment to apply.
type Request struct {
	GuildID uint64
	UserID  uint64
	// ActorID is the moderator who issued the punishment, or 0 for the
	// automated engine.
	ActorID  uint64
	Kind     enum.InfractionKind
	Duration time.Duration
	Reason   string
	// RoleID is the role to grant for TEMPROLE. Ignored for other kinds;
	// mutes resolve the configured mute role instead.
	RoleID uint64
}

// Manager owns the infraction lifecycle.
type Manager struct {
	store     Store
	executor  Executor
	debounce  *debounce.Registry
	scheduler *Scheduler
	logger    *zap.Logger

	// muteRoles maps guild ID to the role granted by mute punishments.
	muteRoles       map[uint64]uint64
	dispatchTimeout time.Duration
	sweepBackoff    time.Duration

	sweepMu sync.Mutex
	now     func() time.Time
}

// NewManager wires the lifecycle manager. dispatchTimeout bounds each
// platform call; sweepBackoff is the delay before a sweep with transient
// failures is retried.
func NewManager(
	store Store,
	executor Executor,
	registry *debounce.Registry,
	muteRoles map[uint64]uint64,
	dispatchTimeout time.Duration,
	sweepBackoff time.Duration,
	logger *zap.Logger,
) *Manager {
	m := &Manager{
		store:           store,
		executor:        executor,
		debounce:        registry,
		logger:          logger.Named("infraction"),
		muteRoles:       muteRoles,
		dispatchTimeout: dispatchTimeout,
		sweepBackoff:    sweepBackoff,
		now:             time.Now,
	}
	m.scheduler = NewScheduler(m.Sweep, logger)

	return m
}

// PlatformExecutor exposes the executor for callers with their own platform
// work, such as message cleanup.
func (m *Manager) PlatformExecutor() Executor {
	return m.executor
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start re-arms the expiry timer from persisted state so temp infractions
// survive restarts, then returns. Sweeps run on timer goroutines.
func (m *Manager) Start(ctx context.Context) error {
	earliest, err := m.store.GetEarliestActiveExpiry(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending expiries: %w", err)
	}

	if earliest != nil && earliest.ExpiresAt != nil {
		m.scheduler.ScheduleAt(*earliest.ExpiresAt)

		m.logger.Info("Recovered pending expiry",
			zap.Int64("infractionID", earliest.ID),
			zap.Time("expiresAt", *earliest.ExpiresAt))
	}

	return nil
}

// Stop cancels the expiry timer and waits for a running sweep to finish.
func (m *Manager) Stop() {
	m.scheduler.Stop()

	m.sweepMu.Lock()
	m.sweepMu.Unlock() //nolint:staticcheck // barrier for in-flight sweep
}

// Apply executes one punishment end to end: suppress the resulting gateway
// events, act on the platform, persist the infraction, and arm expiry for
// temporary kinds. Nothing is persisted when the platform call fails.
func (m *Manager) Apply(ctx context.Context, req *Request) (*types.Infraction, error) {
	if req.Kind.IsTemporary() && req.Duration <= 0 {
		return nil, fmt.Errorf("temporary infraction %s requires a duration", req.Kind)
	}

	// A second temp infraction of the same kind supersedes the first so
	// only one expiry is ever pending per (guild, user, kind).
	if req.Kind.IsTemporary() {
		if _, err := m.store.ClearActiveByKinds(ctx, req.GuildID, req.UserID,
			[]enum.InfractionKind{req.Kind}); err != nil {
			m.logger.Warn("Failed to supersede prior infraction", zap.Error(err))
		}
	}

	inf := &types.Infraction{
		GuildID:   req.GuildID,
		UserID:    req.UserID,
		ActorID:   req.ActorID,
		Kind:      req.Kind,
		Reason:    req.Reason,
		CreatedAt: m.now(),
		Active:    true,
	}

	if req.Kind.IsTemporary() {
		expiresAt := m.now().Add(req.Duration)
		inf.ExpiresAt = &expiresAt
	}

	if err := m.dispatch(ctx, req, inf); err != nil {
		return nil, err
	}

	if err := m.store.Create(ctx, inf); err != nil {
		// The platform action already happened. Without a row the expiry
		// will never run, so this is worth a loud log.
		m.logger.Error("Failed to persist infraction after dispatch",
			zap.Uint64("guildID", req.GuildID),
			zap.Uint64("userID", req.UserID),
			zap.String("kind", req.Kind.String()),
			zap.Error(err))

		return nil, err
	}

	if inf.ExpiresAt != nil {
		m.scheduler.ScheduleAt(*inf.ExpiresAt)
	}

	m.logger.Info("Applied infraction",
		zap.Int64("infractionID", inf.ID),
		zap.Uint64("guildID", req.GuildID),
		zap.Uint64("userID", req.UserID),
		zap.String("kind", req.Kind.String()),
		zap.Duration("duration", req.Duration))

	return inf, nil
}

// dispatch performs the platform action for the request, registering
// debounce entries first so the echoed gateway events are attributed to us.
// Debounce entries are removed again if the action fails.
func (m *Manager) dispatch(ctx context.Context, req *Request, inf *types.Infraction) error {
	ctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
	defer cancel()

	auditReason := m.auditReason(req)
	selector := map[string]uint64{event.AttrUserID: req.UserID}

	switch req.Kind {
	case enum.InfractionKindWarn:
		return nil

	case enum.InfractionKindMute, enum.InfractionKindTempMute:
		roleID, ok := m.muteRoles[req.GuildID]
		if !ok {
			return fmt.Errorf("%w: guild %d", ErrNoMuteRole, req.GuildID)
		}

		inf.Metadata = map[string]any{types.MetadataRoleKey: roleID}
		selector[event.AttrRoleID] = roleID

		entry := m.debounce.Create(req.GuildID, []string{event.KindRoleAdded}, selector)

		if err := m.executor.AddRole(ctx, req.GuildID, req.UserID, roleID, auditReason); err != nil {
			m.debounce.Remove(req.GuildID, entry)
			return fmt.Errorf("failed to add mute role: %w", err)
		}

		return nil

	case enum.InfractionKindTempRole:
		if req.RoleID == 0 {
			return errors.New("temprole requires a role")
		}

		inf.Metadata = map[string]any{types.MetadataRoleKey: req.RoleID}
		selector[event.AttrRoleID] = req.RoleID

		entry := m.debounce.Create(req.GuildID, []string{event.KindRoleAdded}, selector)

		if err := m.executor.AddRole(ctx, req.GuildID, req.UserID, req.RoleID, auditReason); err != nil {
			m.debounce.Remove(req.GuildID, entry)
			return fmt.Errorf("failed to add role: %w", err)
		}

		return nil

	case enum.InfractionKindKick:
		entry := m.debounce.Create(req.GuildID, []string{event.KindMemberKick}, selector)

		if err := m.executor.Kick(ctx, req.GuildID, req.UserID, auditReason); err != nil {
			m.debounce.Remove(req.GuildID, entry)
			return fmt.Errorf("failed to kick: %w", err)
		}

		return nil

	case enum.InfractionKindBan, enum.InfractionKindTempBan:
		entry := m.debounce.Create(req.GuildID, []string{event.KindBanAdded}, selector)

		if err := m.executor.Ban(ctx, req.GuildID, req.UserID, 0, auditReason); err != nil {
			m.debounce.Remove(req.GuildID, entry)
			return fmt.Errorf("failed to ban: %w", err)
		}

		return nil

	case enum.InfractionKindSoftBan:
		entry := m.debounce.Create(req.GuildID,
			[]string{event.KindBanAdded, event.KindBanRemoved}, selector)

		if err := m.executor.Ban(ctx, req.GuildID, req.UserID, SoftBanPurgeDays, auditReason); err != nil {
			m.debounce.Remove(req.GuildID, entry)
			return fmt.Errorf("failed to softban: %w", err)
		}

		if err := m.executor.Unban(ctx, req.GuildID, req.UserID, auditReason); err != nil {
			return fmt.Errorf("failed to lift softban: %w", err)
		}

		return nil

	case enum.InfractionKindUnban:
		m.debounce.Create(req.GuildID, []string{event.KindBanRemoved}, selector)

		if err := m.executor.Unban(ctx, req.GuildID, req.UserID, auditReason); err != nil {
			return fmt.Errorf("failed to unban: %w", err)
		}

		// An unban also closes out any active ban records.
		if _, err := m.store.ClearActiveByKinds(ctx, req.GuildID, req.UserID,
			[]enum.InfractionKind{enum.InfractionKindBan, enum.InfractionKindTempBan}); err != nil {
			m.logger.Warn("Failed to clear ban records on unban", zap.Error(err))
		}

		return nil

	default:
		return fmt.Errorf("unknown infraction kind %d", req.Kind)
	}
}

func (m *Manager) auditReason(req *Request) string {
	if req.ActorID == 0 {
		return req.Reason
	}

	return fmt.Sprintf("%s (moderator %s)", req.Reason, strconv.FormatUint(req.ActorID, 10))
}

// EditReason changes the free-text reason of an infraction.
func (m *Manager) EditReason(ctx context.Context, guildID uint64, id int64, reason string) error {
	if _, err := m.store.GetByID(ctx, guildID, id); err != nil {
		return err
	}

	return m.store.UpdateReason(ctx, id, reason)
}

// EditDuration sets a new duration on an active infraction, measured from
// its creation. Permanent mutes and bans convert to their temporary forms.
func (m *Manager) EditDuration(ctx context.Context, guildID uint64, id int64, duration time.Duration) error {
	inf, err := m.store.GetByID(ctx, guildID, id)
	if err != nil {
		return err
	}

	if !inf.Active {
		return fmt.Errorf("infraction %d is no longer active", id)
	}

	kind := inf.Kind

	switch kind {
	case enum.InfractionKindMute:
		kind = enum.InfractionKindTempMute
	case enum.InfractionKindBan:
		kind = enum.InfractionKindTempBan
	}

	if !kind.IsTemporary() {
		return fmt.Errorf("cannot set a duration on %s", inf.Kind)
	}

	expiresAt := inf.CreatedAt.Add(duration)

	if err := m.store.UpdateExpiry(ctx, id, kind, expiresAt); err != nil {
		return err
	}

	m.scheduler.ScheduleAt(expiresAt)

	m.logger.Info("Updated infraction duration",
		zap.Int64("infractionID", id),
		zap.String("kind", kind.String()),
		zap.Time("expiresAt", expiresAt))

	return nil
}

// ListActive returns the guild's active infractions, oldest first.
func (m *Manager) ListActive(ctx context.Context, guildID uint64, limit int) ([]*types.Infraction, error) {
	return m.store.ListActive(ctx, guildID, limit)
}

// ClearActive marks the actor's active infractions of the given kinds
// inactive without any platform action. Used when the reversal already
// happened externally.
func (m *Manager) ClearActive(
	ctx context.Context, guildID, userID uint64, kinds []enum.InfractionKind,
) (int64, error) {
	return m.store.ClearActiveByKinds(ctx, guildID, userID, kinds)
}

// ClearActiveRole deactivates the actor's active role-backed infractions
// whose recorded role matches roleID, without any platform action. Used when
// the role was removed externally so expiry does not re-fire. Infractions
// backed by other roles are left untouched.
func (m *Manager) ClearActiveRole(
	ctx context.Context, guildID, userID, roleID uint64,
) (int64, error) {
	active, err := m.store.GetActiveByKinds(ctx, guildID, userID, []enum.InfractionKind{
		enum.InfractionKindMute,
		enum.InfractionKindTempMute,
		enum.InfractionKindTempRole,
	})
	if err != nil {
		return 0, err
	}

	var cleared int64

	for _, inf := range active {
		recorded := inf.RoleID()
		if recorded == 0 && inf.Kind != enum.InfractionKindTempRole {
			// A mute row without a recorded role means the guild's
			// configured mute role.
			recorded = m.muteRoles[guildID]
		}

		if recorded != roleID {
			continue
		}

		if err := m.store.Deactivate(ctx, inf.ID); err != nil {
			return cleared, err
		}

		cleared++
	}

	return cleared, nil
}

// Sweep reverses every expired infraction, then re-arms the timer for the
// next pending expiry. Concurrent invocations serialize; expiry is
// idempotent so an extra sweep is harmless.
func (m *Manager) Sweep() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	ctx := context.Background()

	expired, err := m.store.GetExpired(ctx, m.now())
	if err != nil {
		m.logger.Error("Failed to load expired infractions", zap.Error(err))
		m.scheduler.ScheduleAt(m.now().Add(m.sweepBackoff))

		return
	}

	retry := false

	for _, inf := range expired {
		if err := m.expire(ctx, inf); err != nil {
			if isTransient(err) {
				// Leave active; the backoff timer retries the sweep.
				m.logger.Warn("Transient failure reversing infraction",
					zap.Int64("infractionID", inf.ID),
					zap.Error(err))

				retry = true

				continue
			}

			// The target is gone or the action is impossible. Keeping
			// the row active would retry forever, so close it out.
			m.logger.Warn("Deactivating infraction after failed reversal",
				zap.Int64("infractionID", inf.ID),
				zap.Error(err))
		}

		if err := m.store.Deactivate(ctx, inf.ID); err != nil {
			m.logger.Error("Failed to deactivate infraction",
				zap.Int64("infractionID", inf.ID),
				zap.Error(err))

			retry = true
		}
	}

	if retry {
		m.scheduler.ScheduleAt(m.now().Add(m.sweepBackoff))
		return
	}

	earliest, err := m.store.GetEarliestActiveExpiry(ctx)
	if err != nil {
		m.logger.Error("Failed to load next expiry", zap.Error(err))
		m.scheduler.ScheduleAt(m.now().Add(m.sweepBackoff))

		return
	}

	if earliest != nil && earliest.ExpiresAt != nil {
		m.scheduler.ScheduleAt(*earliest.ExpiresAt)
	}
}

// expire reverses one infraction on the platform. ErrTargetGone counts as
// success.
func (m *Manager) expire(ctx context.Context, inf *types.Infraction) error {
	ctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
	defer cancel()

	selector := map[string]uint64{event.AttrUserID: inf.UserID}

	switch inf.Kind {
	case enum.InfractionKindTempMute, enum.InfractionKindTempRole:
		roleID := inf.RoleID()
		if roleID == 0 {
			return fmt.Errorf("infraction %d has no recorded role", inf.ID)
		}

		selector[event.AttrRoleID] = roleID

		entry := m.debounce.Create(inf.GuildID, []string{event.KindRoleRemoved}, selector)

		err := m.executor.RemoveRole(ctx, inf.GuildID, inf.UserID, roleID, "expired")
		if err != nil && !errors.Is(err, ErrTargetGone) {
			m.debounce.Remove(inf.GuildID, entry)
			return fmt.Errorf("failed to remove role: %w", err)
		}

		return nil

	case enum.InfractionKindTempBan:
		entry := m.debounce.Create(inf.GuildID, []string{event.KindBanRemoved}, selector)

		err := m.executor.Unban(ctx, inf.GuildID, inf.UserID, "expired")
		if err != nil && !errors.Is(err, ErrTargetGone) {
			m.debounce.Remove(inf.GuildID, entry)
			return fmt.Errorf("failed to lift ban: %w", err)
		}

		return nil

	default:
		return fmt.Errorf("kind %s does not expire", inf.Kind)
	}
}

// isTransient reports whether an error looks like a temporary outage worth
// retrying rather than a permanent rejection.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
