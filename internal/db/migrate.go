package db

import (
	"fmt"

	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates every table owned by this service.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.Setting{},
		&models.User{},
		&models.UserAIAccess{},
		&models.AIUsageLog{},
		&models.AuditLog{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
