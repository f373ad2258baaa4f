package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/chatwarden/warden/internal/database/types/enum"
)

var (
	ErrCheckCount    = errors.New("check count must be positive")
	ErrCheckInterval = errors.New("check interval must be positive")
	ErrCleanCount    = errors.New("clean_count exceeds maximum")
	ErrCleanDuration = errors.New("clean_duration exceeds maximum")
	ErrScopeLevel    = errors.New("level scope key must be an integer")
)

const (
	// MaxCleanCount bounds how many messages one directive may delete.
	MaxCleanCount = 1000
	// MaxCleanDuration bounds the cleanup lookback in seconds.
	MaxCleanDuration = 86400
)

// Check configures one rate-limited check inside a scope. A disabled check is
// represented by the absence of the whole block, never by zero values.
type Check struct {
	// Maximum drops inside the interval before a violation is raised.
	Count int `koanf:"count"`
	// Sliding window length in seconds.
	Interval int `koanf:"interval"`
	// Optional punishment override for this check. Empty falls back to
	// the enclosing scope default.
	Punishment string `koanf:"punishment"`
	// Optional punishment duration override in seconds.
	PunishmentDuration int `koanf:"punishment_duration"`
}

// Scope is a set of checks applying to actors matched by a role or a
// permission level. Multiple scopes may apply to one actor; each is
// evaluated independently.
type Scope struct {
	// Default punishment for checks without their own override.
	Punishment string `koanf:"punishment"`
	// Default punishment duration in seconds. Zero means permanent.
	PunishmentDuration int `koanf:"punishment_duration"`
	// How many recent messages to delete when the punishment requests
	// cleanup. Zero disables cleanup.
	CleanCount int `koanf:"clean_count"`
	// Cleanup lookback in seconds.
	CleanDuration int `koanf:"clean_duration"`
	// Whether the observe-only heuristic score is computed.
	AdvancedHeuristics bool `koanf:"advanced_heuristics"`

	MaxMessages    *Check `koanf:"max_messages"`
	MaxMentions    *Check `koanf:"max_mentions"`
	MaxLinks       *Check `koanf:"max_links"`
	MaxEmojis      *Check `koanf:"max_emojis"`
	MaxNewlines    *Check `koanf:"max_newlines"`
	MaxAttachments *Check `koanf:"max_attachments"`
	MaxDuplicates  *Check `koanf:"max_duplicates"`
}

// Rules maps role and permission-level scopes to their checks. Role keys are
// role IDs or "*" for all actors; level keys are integer permission levels
// matching every actor at or above that level's reach (key <= actor level).
type Rules struct {
	Roles  map[string]*Scope `koanf:"roles"`
	Levels map[string]*Scope `koanf:"levels"`
}

// Checks returns the scope's enabled checks in the fixed evaluation order.
// The first breaching check wins, so order is part of the contract.
func (s *Scope) Checks() []NamedCheck {
	ordered := []NamedCheck{
		{Name: "max_messages", Check: s.MaxMessages},
		{Name: "max_mentions", Check: s.MaxMentions},
		{Name: "max_links", Check: s.MaxLinks},
		{Name: "max_emojis", Check: s.MaxEmojis},
		{Name: "max_newlines", Check: s.MaxNewlines},
		{Name: "max_attachments", Check: s.MaxAttachments},
		{Name: "max_duplicates", Check: s.MaxDuplicates},
	}

	enabled := ordered[:0]

	for _, nc := range ordered {
		if nc.Check != nil {
			enabled = append(enabled, nc)
		}
	}

	return enabled
}

// NamedCheck pairs a check with its declared name for bucket keying.
type NamedCheck struct {
	Name  string
	Check *Check
}

// Validate rejects malformed rule parameters so they never reach the
// evaluator.
func (r *Rules) Validate() error {
	for key, scope := range r.Roles {
		if err := scope.validate(fmt.Sprintf("roles.%s", key)); err != nil {
			return err
		}
	}

	for key, scope := range r.Levels {
		if _, err := strconv.Atoi(key); err != nil {
			return fmt.Errorf("%w: %q", ErrScopeLevel, key)
		}

		if err := scope.validate(fmt.Sprintf("levels.%s", key)); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scope) validate(path string) error {
	if s.Punishment != "" {
		if _, err := enum.ParseInfractionKind(s.Punishment); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}

	if s.CleanCount > MaxCleanCount {
		return fmt.Errorf("%w: %s has %d", ErrCleanCount, path, s.CleanCount)
	}

	if s.CleanDuration > MaxCleanDuration {
		return fmt.Errorf("%w: %s has %d", ErrCleanDuration, path, s.CleanDuration)
	}

	for _, nc := range s.Checks() {
		if nc.Check.Count <= 0 {
			return fmt.Errorf("%w: %s.%s", ErrCheckCount, path, nc.Name)
		}

		if nc.Check.Interval <= 0 {
			return fmt.Errorf("%w: %s.%s", ErrCheckInterval, path, nc.Name)
		}

		if nc.Check.Punishment != "" {
			if _, err := enum.ParseInfractionKind(nc.Check.Punishment); err != nil {
				return fmt.Errorf("%s.%s: %w", path, nc.Name, err)
			}
		}
	}

	return nil
}

// ApplicableScopes returns every scope matching the actor's roles and
// permission level, in deterministic order. All matching scopes are
// evaluated independently.
func (r *Rules) ApplicableScopes(roleIDs []uint64, level int) []*Scope {
	var scopes []*Scope

	if len(r.Roles) > 0 {
		if scope, ok := r.Roles["*"]; ok {
			scopes = append(scopes, scope)
		}

		roleKeys := make([]string, 0, len(r.Roles))
		for key := range r.Roles {
			if key != "*" {
				roleKeys = append(roleKeys, key)
			}
		}

		sort.Strings(roleKeys)

		for _, key := range roleKeys {
			for _, id := range roleIDs {
				if key == strconv.FormatUint(id, 10) {
					scopes = append(scopes, r.Roles[key])
					break
				}
			}
		}
	}

	if len(r.Levels) > 0 {
		levelKeys := make([]int, 0, len(r.Levels))

		for key := range r.Levels {
			// Validated at load time
			lvl, err := strconv.Atoi(key)
			if err != nil {
				continue
			}

			if lvl <= level {
				levelKeys = append(levelKeys, lvl)
			}
		}

		sort.Ints(levelKeys)

		for _, lvl := range levelKeys {
			scopes = append(scopes, r.Levels[strconv.Itoa(lvl)])
		}
	}

	return scopes
}
