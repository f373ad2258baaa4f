package setup

import (
	"context"
	"fmt"
	"log"

	"github.com/chatwarden/warden/internal/database"
	"github.com/chatwarden/warden/internal/database/migrations"
	"github.com/chatwarden/warden/internal/redis"
	"github.com/chatwarden/warden/internal/setup/config"
	"github.com/chatwarden/warden/internal/setup/telemetry"
	"github.com/redis/rueidis"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// App bundles the core dependencies every service needs. Each field is a
// subsystem with its own initialization and cleanup.
type App struct {
	Config        *config.Config
	Logger        *zap.Logger
	DBLogger      *zap.Logger
	DB            database.Client
	RedisManager  *redis.Manager
	CounterClient rueidis.Client
	TrackerClient rueidis.Client
	LogManager    *telemetry.Manager
}

// InitializeApp bootstraps the shared dependencies in order, so each
// component has what it needs when it starts.
func InitializeApp(ctx context.Context, autoMigrate bool) (*App, error) {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging comes first to capture setup issues.
	logManager := telemetry.NewManager(&cfg.Common.Debug)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	redisManager := redis.NewManager(&cfg.Common.Redis, logger)

	counterClient, err := redisManager.GetClient(redis.CounterDBIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to connect counter store: %w", err)
	}

	trackerClient, err := redisManager.GetClient(redis.TrackerDBIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to connect tracker store: %w", err)
	}

	db, err := database.NewConnection(ctx, &cfg.Common.PostgreSQL, dbLogger, autoMigrate)
	if err != nil {
		return nil, err
	}

	if !autoMigrate {
		checkMigrations(ctx, db, logger)
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		DBLogger:      dbLogger.Named("database"),
		DB:            db,
		RedisManager:  redisManager,
		CounterClient: counterClient,
		TrackerClient: trackerClient,
		LogManager:    logManager,
	}, nil
}

// Cleanup shuts components down in reverse initialization order. Errors are
// logged, not returned, so every component gets its cleanup attempt.
func (a *App) Cleanup(ctx context.Context) {
	if err := a.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := a.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}

	if err := a.DB.Close(); err != nil {
		log.Printf("Failed to close database connection: %v", err)
	}

	// Redis closes last; other components may touch it during cleanup.
	a.RedisManager.Close()
}

// checkMigrations warns about unapplied migrations without blocking
// startup; the db command applies them explicitly.
func checkMigrations(ctx context.Context, db database.Client, logger *zap.Logger) {
	migrator := migrate.NewMigrator(db.DB(), migrations.Migrations)

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		logger.Warn("Failed to check migration status", zap.Error(err))
		return
	}

	if unapplied := ms.Unapplied(); len(unapplied) > 0 {
		logger.Warn("Database migrations are pending, run the db command to apply them",
			zap.Int("pending", len(unapplied)))
	}
}
