package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog stores an administrative change record.
type AuditLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Action       string `gorm:"type:varchar(64);not null;index"` // Action code, e.g. AI_ACCESS_UPDATED.
	AdminEmail   string `gorm:"type:text;not null;default:''"`   // Acting admin.
	TargetUserID string `gorm:"type:varchar(128);index"`         // Affected user, empty for global changes.
	Details      string `gorm:"type:text;not null;default:''"`   // Human readable summary.

	Changes datatypes.JSON `gorm:"type:jsonb"` // Changed fields and their new values.

	Timestamp time.Time `gorm:"not null;index"` // When the change happened.
}
