// Package telemetry manages log output for the engine: a timestamped
// session directory per run, console output, and rotation of old sessions.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/chatwarden/warden/internal/setup/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const defaultMaxSessions = 10

// Manager creates the session log directory and hands out loggers.
type Manager struct {
	sessionDir  string
	logDir      string
	level       string
	maxSessions int
}

// NewManager prepares logging from the debug configuration. An empty log
// directory keeps logging console-only.
func NewManager(debugCfg *config.Debug) *Manager {
	maxSessions := debugCfg.MaxLogsToKeep
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}

	return &Manager{
		logDir:      debugCfg.LogDir,
		level:       debugCfg.LogLevel,
		maxSessions: maxSessions,
	}
}

// GetLoggers initializes the main and database loggers. Both write to the
// console and, when a log directory is configured, to per-concern files in
// this run's session directory.
func (m *Manager) GetLoggers() (*zap.Logger, *zap.Logger, error) {
	if m.logDir != "" {
		if err := m.setupSessionDir(); err != nil {
			return nil, nil, err
		}
	}

	mainLogger, err := m.initLogger("main.log")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize main logger: %w", err)
	}

	dbLogger, err := m.initLogger("database.log")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database logger: %w", err)
	}

	return mainLogger, dbLogger, nil
}

// SessionDir returns this run's log directory, or empty when file logging
// is disabled.
func (m *Manager) SessionDir() string {
	return m.sessionDir
}

func (m *Manager) initLogger(filename string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(m.level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			zapLevel,
		),
	}

	if m.sessionDir != "" {
		path := filepath.Join(m.sessionDir, filename)

		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
		}

		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.AddSync(file),
			zapLevel,
		))
	}

	return zap.New(
		zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

// setupSessionDir creates a timestamped directory for this run and drops
// the oldest sessions beyond the retention limit.
func (m *Manager) setupSessionDir() error {
	if err := os.MkdirAll(m.logDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	if err := m.rotateSessions(); err != nil {
		return fmt.Errorf("failed to rotate log sessions: %w", err)
	}

	m.sessionDir = filepath.Join(m.logDir, time.Now().Format("2006-01-02_15-04-05"))
	if err := os.MkdirAll(m.sessionDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	return nil
}

func (m *Manager) rotateSessions() error {
	sessions, err := filepath.Glob(filepath.Join(m.logDir, "*"))
	if err != nil {
		return err
	}

	if len(sessions) < m.maxSessions {
		return nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		iInfo, _ := os.Stat(sessions[i])
		jInfo, _ := os.Stat(sessions[j])

		return iInfo.ModTime().Before(jInfo.ModTime())
	})

	toDelete := len(sessions) - m.maxSessions + 1
	for i := range toDelete {
		if err := os.RemoveAll(sessions[i]); err != nil {
			return err
		}
	}

	return nil
}
