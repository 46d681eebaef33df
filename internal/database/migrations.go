package database

import (
	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Notification{},
		&models.AccessRequest{},
		&models.PaymentResource{},
	)
}

// SeedData is a placeholder for environment seeding. Accounts are created
// through the API; nothing is provisioned by default.
func SeedData(db *gorm.DB) error {
	return nil
}
