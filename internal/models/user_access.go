package models

import "time"

// UserAIAccess stores the per-user AI access policy. A missing row means
// access is enabled and global quotas apply.
type UserAIAccess struct {
	UserID string `gorm:"type:varchar(128);primaryKey"` // User ID.

	Enabled bool `gorm:"not null"` // Whether the user may call AI endpoints.

	MaxRequestsPerHour *int `gorm:"column:max_requests_per_hour"` // Hourly override, nil uses global.
	MaxRequestsPerDay  *int `gorm:"column:max_requests_per_day"`  // Daily override, nil uses global.

	UpdatedBy string    `gorm:"type:text;not null;default:''"` // Admin who last changed the row.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`       // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}

// TableName overrides the default table name.
func (UserAIAccess) TableName() string {
	return "ai_user_access"
}
