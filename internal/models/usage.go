package models

import "time"

// AIUsageLog records one AI call attempt. Rows are append-only.
type AIUsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key, also the insertion order tie-breaker.

	EventID string `gorm:"type:varchar(36);not null;uniqueIndex"` // Public event identifier (UUID).

	UserID    string `gorm:"type:varchar(128);not null;index:idx_ai_usage_user_ts,priority:1"` // Caller user ID.
	UserName  string `gorm:"type:text;not null;default:''"`                                    // Best-effort display name.
	UserEmail string `gorm:"type:text;not null;default:''"`                                    // Best-effort email.

	Endpoint string `gorm:"type:varchar(32);not null;index"` // analyze or refine.
	Status   string `gorm:"type:varchar(16);not null"`       // success or error.

	TokensUsed int64 `gorm:"not null;default:0"` // Total tokens consumed, 0 if unknown.
	CostMicros int64 `gorm:"not null;default:0"` // Estimated cost in micro-dollars.
	DurationMs int64 `gorm:"not null;default:0"` // Downstream duration in milliseconds.

	ErrorMessage string `gorm:"type:varchar(500);not null;default:''"` // Truncated error text for failed calls.

	Timestamp time.Time `gorm:"column:logged_at;not null;index;index:idx_ai_usage_user_ts,priority:2"` // Ledger write time (UTC).
}

// TableName overrides the default table name.
func (AIUsageLog) TableName() string {
	return "ai_usage_logs"
}
