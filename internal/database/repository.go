package database

import (
	"github.com/chatwarden/warden/internal/database/models"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models.
type Repository struct {
	infraction *models.InfractionModel
	message    *models.MessageModel
	settings   *models.SettingsModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		infraction: models.NewInfraction(db, logger),
		message:    models.NewMessage(db, logger),
		settings:   models.NewSettings(db, logger),
	}
}

// Infraction returns the infraction model repository.
func (r *Repository) Infraction() *models.InfractionModel {
	return r.infraction
}

// Message returns the message archive model repository.
func (r *Repository) Message() *models.MessageModel {
	return r.message
}

// Settings returns the guild settings model repository.
func (r *Repository) Settings() *models.SettingsModel {
	return r.settings
}
