package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

var (
	ErrConfigFileNotFound    = errors.New("could not find config file in any config path")
	ErrConfigVersionMismatch = errors.New("config file version mismatch")
)

// Current version of the config files.
const (
	CurrentCommonVersion = 1
	CurrentEngineVersion = 1
)

// Config represents the entire application configuration.
type Config struct {
	Common CommonConfig
	Engine EngineConfig
}

// CommonConfig contains configuration shared between services.
type CommonConfig struct {
	// Version of the common config.
	Version    int        `koanf:"version"`
	Debug      Debug      `koanf:"debug"`
	PostgreSQL PostgreSQL `koanf:"postgresql"`
	Redis      Redis      `koanf:"redis"`
	Discord    Discord    `koanf:"discord"`
}

// EngineConfig contains enforcement engine specific configuration.
type EngineConfig struct {
	// Version of the engine config.
	Version int `koanf:"version"`
	// Timeout for a single enforcement dispatch in milliseconds.
	DispatchTimeout int `koanf:"dispatch_timeout"`
	// Fixed delay in seconds applied after every expiry sweep before the
	// scheduler re-arms, to avoid tight error loops.
	SweepBackoff int `koanf:"sweep_backoff"`
	// Default rule configuration applied to guilds without stored overrides.
	Rules Rules `koanf:"rules"`
}

// Timing defaults applied when the engine config leaves them unset.
const (
	DefaultDispatchTimeout = 10000 // milliseconds
	DefaultSweepBackoff    = 5     // seconds
)

// Validate fills in timing defaults, rejects non-positive timing values, and
// validates the default rules.
func (e *EngineConfig) Validate() error {
	if e.DispatchTimeout == 0 {
		e.DispatchTimeout = DefaultDispatchTimeout
	}

	if e.SweepBackoff == 0 {
		e.SweepBackoff = DefaultSweepBackoff
	}

	if e.DispatchTimeout < 0 {
		return fmt.Errorf("dispatch_timeout must be positive, got %d", e.DispatchTimeout)
	}

	if e.SweepBackoff < 0 {
		return fmt.Errorf("sweep_backoff must be positive, got %d", e.SweepBackoff)
	}

	return e.Rules.Validate()
}

// Debug contains debug-related configuration.
type Debug struct {
	// Log level (debug, info, warn, error).
	LogLevel string `koanf:"log_level"`
	// Directory for log files. Empty disables file logging.
	LogDir string `koanf:"log_dir"`
	// How many timestamped log sessions to retain.
	MaxLogsToKeep int `koanf:"max_logs_to_keep"`
}

// PostgreSQL contains database connection configuration.
type PostgreSQL struct {
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	User         string `koanf:"user"`
	Password     string `koanf:"password"`
	DBName       string `koanf:"db_name"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	// Connection lifetime limits in minutes.
	MaxLifetime int `koanf:"max_lifetime"`
	MaxIdleTime int `koanf:"max_idle_time"`
}

// Redis contains Redis connection configuration.
type Redis struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Discord contains gateway and enforcement credentials.
type Discord struct {
	// Bot token used by the gateway and action executor.
	Token string `koanf:"token"`
	// Role granted by mute punishments, keyed per guild.
	MuteRoles map[string]uint64 `koanf:"mute_roles"`
	// Minimum seconds a member must wait after joining before their
	// messages pass the verification gate heuristics cleanly.
	GateDelay int `koanf:"gate_delay"`
	// Tokens that contribute to the heuristic abuse score when present
	// in message content.
	BadWords []string `koanf:"bad_words"`
	// Permission level granted by each role, keyed by role ID. A member's
	// level is the highest among their roles; no entry means level 0.
	Levels map[string]int `koanf:"levels"`
}

// MuteRoleIDs returns the mute role map keyed by numeric guild ID.
func (d *Discord) MuteRoleIDs() map[uint64]uint64 {
	out := make(map[uint64]uint64, len(d.MuteRoles))

	for guild, role := range d.MuteRoles {
		id, err := strconv.ParseUint(guild, 10, 64)
		if err != nil {
			continue
		}

		out[id] = role
	}

	return out
}

// RoleLevels returns the permission level map keyed by numeric role ID.
func (d *Discord) RoleLevels() map[uint64]int {
	out := make(map[uint64]int, len(d.Levels))

	for role, level := range d.Levels {
		id, err := strconv.ParseUint(role, 10, 64)
		if err != nil {
			continue
		}

		out[id] = level
	}

	return out
}

// LoadConfig loads the configuration from the specified file.
// Returns the config along with the used config directory.
func LoadConfig() (*Config, string, error) {
	k := koanf.New(".")

	// Get user's home directory
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get home directory: %w", err)
	}

	// List search paths
	configPaths := []string{
		".warden",
		homeDir + "/.warden/config",
		"/etc/warden/config",
		"/app/config",
		"config",
		".",
	}

	// Load all config files
	var usedConfigPath string

	configFiles := []string{"common", "engine"}
	for _, configName := range configFiles {
		configLoaded := false

		for _, path := range configPaths {
			configPath := fmt.Sprintf("%s/%s.toml", path, configName)
			if err := k.Load(file.Provider(configPath), toml.Parser()); err == nil {
				configLoaded = true

				if usedConfigPath == "" {
					usedConfigPath = path
				}

				break
			}
		}

		if !configLoaded {
			return nil, "", fmt.Errorf("%w: %s.toml", ErrConfigFileNotFound, configName)
		}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, "", fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Check versions for each config file
	if err := checkConfigVersion("common", config.Common.Version, CurrentCommonVersion); err != nil {
		return nil, "", err
	}

	if err := checkConfigVersion("engine", config.Engine.Version, CurrentEngineVersion); err != nil {
		return nil, "", err
	}

	// Malformed timing or check parameters must never reach the engine
	if err := config.Engine.Validate(); err != nil {
		return nil, "", err
	}

	return &config, usedConfigPath, nil
}

// checkConfigVersion checks if the config file version is correct.
func checkConfigVersion(name string, current, expected int) error {
	if current != expected {
		return fmt.Errorf("%w: %s.toml has version %d, expected %d",
			ErrConfigVersionMismatch, name, current, expected)
	}

	return nil
}
