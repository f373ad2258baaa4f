package enum

import (
	"errors"
	"fmt"
)

var ErrUnknownInfractionKind = errors.New("unknown infraction kind")

// InfractionKind represents the closed set of punishment kinds.
type InfractionKind int

const (
	// InfractionKindMute assigns the guild mute role until reversed.
	InfractionKindMute InfractionKind = iota
	// InfractionKindTempMute assigns the guild mute role until expiry.
	InfractionKindTempMute
	// InfractionKindKick removes the member from the guild.
	InfractionKindKick
	// InfractionKindTempBan bans the member until expiry.
	InfractionKindTempBan
	// InfractionKindBan bans the member until reversed.
	InfractionKindBan
	// InfractionKindSoftBan bans and immediately unbans to purge messages.
	InfractionKindSoftBan
	// InfractionKindWarn records a warning without platform action.
	InfractionKindWarn
	// InfractionKindTempRole assigns an arbitrary role until expiry.
	InfractionKindTempRole
	// InfractionKindUnban records a ban reversal.
	InfractionKindUnban
)

// IsTemporary reports whether the kind carries an expiry timestamp.
// The expires_at column is set if and only if this returns true.
func (k InfractionKind) IsTemporary() bool {
	switch k {
	case InfractionKindTempMute, InfractionKindTempBan, InfractionKindTempRole:
		return true
	case InfractionKindMute, InfractionKindKick, InfractionKindBan,
		InfractionKindSoftBan, InfractionKindWarn, InfractionKindUnban:
		return false
	}

	return false
}

// String returns the string representation of the infraction kind.
func (k InfractionKind) String() string {
	switch k {
	case InfractionKindMute:
		return "MUTE"
	case InfractionKindTempMute:
		return "TEMPMUTE"
	case InfractionKindKick:
		return "KICK"
	case InfractionKindTempBan:
		return "TEMPBAN"
	case InfractionKindBan:
		return "BAN"
	case InfractionKindSoftBan:
		return "SOFTBAN"
	case InfractionKindWarn:
		return "WARN"
	case InfractionKindTempRole:
		return "TEMPROLE"
	case InfractionKindUnban:
		return "UNBAN"
	}

	return fmt.Sprintf("InfractionKind(%d)", int(k))
}

// ParseInfractionKind converts a configuration string into a kind.
func ParseInfractionKind(s string) (InfractionKind, error) {
	switch s {
	case "MUTE", "mute":
		return InfractionKindMute, nil
	case "TEMPMUTE", "tempmute":
		return InfractionKindTempMute, nil
	case "KICK", "kick":
		return InfractionKindKick, nil
	case "TEMPBAN", "tempban":
		return InfractionKindTempBan, nil
	case "BAN", "ban":
		return InfractionKindBan, nil
	case "SOFTBAN", "softban":
		return InfractionKindSoftBan, nil
	case "WARN", "warn":
		return InfractionKindWarn, nil
	case "TEMPROLE", "temprole":
		return InfractionKindTempRole, nil
	case "UNBAN", "unban":
		return InfractionKindUnban, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownInfractionKind, s)
}
