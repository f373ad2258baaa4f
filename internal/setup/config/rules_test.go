package config_test

import (
	"testing"

	"github.com/chatwarden/warden/internal/setup/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAcceptsWellFormedRules(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Roles: map[string]*config.Scope{
			"*": {
				Punishment:  "TEMPMUTE",
				MaxMessages: &config.Check{Count: 5, Interval: 10},
			},
		},
		Levels: map[string]*config.Scope{
			"50": {
				Punishment: "WARN",
				MaxLinks:   &config.Check{Count: 3, Interval: 30, Punishment: "TEMPBAN"},
			},
		},
	}

	require.NoError(t, rules.Validate())
}

func TestValidateRejectsBadPunishment(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Roles: map[string]*config.Scope{
			"*": {Punishment: "OBLITERATE"},
		},
	}

	require.Error(t, rules.Validate())
}

func TestValidateRejectsNonPositiveCheck(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Roles: map[string]*config.Scope{
			"*": {MaxMessages: &config.Check{Count: 0, Interval: 10}},
		},
	}

	require.Error(t, rules.Validate())
}

func TestValidateRejectsNonIntegerLevelKey(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Levels: map[string]*config.Scope{
			"moderator": {},
		},
	}

	require.Error(t, rules.Validate())
}

func TestEngineValidateAppliesTimingDefaults(t *testing.T) {
	t.Parallel()

	cfg := config.EngineConfig{}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultDispatchTimeout, cfg.DispatchTimeout)
	assert.Equal(t, config.DefaultSweepBackoff, cfg.SweepBackoff)
}

func TestEngineValidateKeepsConfiguredTiming(t *testing.T) {
	t.Parallel()

	cfg := config.EngineConfig{DispatchTimeout: 2500, SweepBackoff: 30}

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2500, cfg.DispatchTimeout)
	assert.Equal(t, 30, cfg.SweepBackoff)
}

func TestEngineValidateRejectsNegativeTiming(t *testing.T) {
	t.Parallel()

	require.Error(t, (&config.EngineConfig{DispatchTimeout: -1}).Validate())
	require.Error(t, (&config.EngineConfig{SweepBackoff: -1}).Validate())
}

func TestChecksOmitDisabledAndKeepOrder(t *testing.T) {
	t.Parallel()

	scope := &config.Scope{
		MaxLinks:    &config.Check{Count: 1, Interval: 10},
		MaxMessages: &config.Check{Count: 5, Interval: 10},
	}

	checks := scope.Checks()
	require.Len(t, checks, 2)

	// Declared evaluation order, not struct literal order.
	assert.Equal(t, "max_messages", checks[0].Name)
	assert.Equal(t, "max_links", checks[1].Name)
}

func TestApplicableScopesMatchRolesAndLevels(t *testing.T) {
	t.Parallel()

	everyone := &config.Scope{}
	vip := &config.Scope{}
	trusted := &config.Scope{}
	staff := &config.Scope{}

	rules := config.Rules{
		Roles: map[string]*config.Scope{
			"*":   everyone,
			"555": vip,
		},
		Levels: map[string]*config.Scope{
			"10": trusted,
			"50": staff,
		},
	}

	scopes := rules.ApplicableScopes([]uint64{555, 999}, 10)
	require.Len(t, scopes, 3)

	assert.Same(t, everyone, scopes[0])
	assert.Same(t, vip, scopes[1])
	assert.Same(t, trusted, scopes[2])
}

func TestApplicableScopesNoMatches(t *testing.T) {
	t.Parallel()

	rules := config.Rules{
		Roles: map[string]*config.Scope{
			"555": {},
		},
	}

	assert.Empty(t, rules.ApplicableScopes([]uint64{111}, 0))
}
