package models

import (
	"encoding/json"
	"time"
)

// Setting stores one admin-managed configuration document keyed by name.
// The AI settings singleton lives under settings.AISettingsKey.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`  // Document key.
	Value     json.RawMessage `gorm:"type:jsonb"`                    // JSON document.
	UpdatedBy string          `gorm:"type:text;not null;default:''"` // Admin who last saved the document.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`       // Last update timestamp.
}
