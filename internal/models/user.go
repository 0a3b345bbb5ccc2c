package models

import "time"

// User is the read-only projection of the identity directory used to
// label usage records.
type User struct {
	ID    string `gorm:"type:varchar(128);primaryKey"`  // Identity provider user ID.
	Name  string `gorm:"type:text;not null;default:''"` // Display name.
	Email string `gorm:"type:text;not null;default:''"` // Email address.

	Disabled bool `gorm:"not null;default:false"` // Disabled accounts are rejected upstream.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
