package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskhive/taskhive-backend/internal/db"
	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store reads and writes the AI settings document in the settings table.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(conn *gorm.DB) *Store {
	return &Store{db: conn}
}

// Load returns the stored partial document. A missing row yields an empty
// document and no error.
func (s *Store) Load(ctx context.Context) (SettingsUpdate, error) {
	if s == nil || s.db == nil {
		return SettingsUpdate{}, errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var row models.Setting
	errFind := s.db.WithContext(ctx).
		Select("key", "value", "updated_by", "updated_at").
		Where("key = ?", AISettingsKey).
		Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return SettingsUpdate{}, nil
		}
		return SettingsUpdate{}, fmt.Errorf("settings: load: %w", errFind)
	}
	return decodeRow(row)
}

// Save merges patch into the stored document and upserts it. The merged
// document is returned.
func (s *Store) Save(ctx context.Context, patch SettingsUpdate, updatedBy string) (SettingsUpdate, error) {
	if s == nil || s.db == nil {
		return SettingsUpdate{}, errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	updatedBy = strings.TrimSpace(updatedBy)
	now := time.Now().UTC()

	var merged SettingsUpdate
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("key = ?", AISettingsKey)
		if !db.IsSQLite(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var row models.Setting
		current := SettingsUpdate{}
		errFind := query.Take(&row).Error
		switch {
		case errFind == nil:
			decoded, errDecode := decodeRow(row)
			if errDecode != nil {
				return errDecode
			}
			current = decoded
		case errors.Is(errFind, gorm.ErrRecordNotFound):
		default:
			return errFind
		}

		merged = Merge(current, patch)
		merged.UpdatedAt = &now
		if updatedBy != "" {
			merged.UpdatedBy = &updatedBy
		}
		payload, errMarshal := json.Marshal(merged)
		if errMarshal != nil {
			return errMarshal
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_by", "updated_at"}),
		}).Create(&models.Setting{
			Key:       AISettingsKey,
			Value:     payload,
			UpdatedBy: updatedBy,
			UpdatedAt: now,
		}).Error
	})
	if errTx != nil {
		return SettingsUpdate{}, fmt.Errorf("settings: save: %w", errTx)
	}
	return merged, nil
}

func decodeRow(row models.Setting) (SettingsUpdate, error) {
	var doc SettingsUpdate
	if len(row.Value) == 0 || string(row.Value) == "null" {
		return doc, nil
	}
	if errUnmarshal := json.Unmarshal(row.Value, &doc); errUnmarshal != nil {
		return SettingsUpdate{}, fmt.Errorf("settings: decode %s: %w", row.Key, errUnmarshal)
	}
	if doc.UpdatedAt == nil && !row.UpdatedAt.IsZero() {
		updatedAt := row.UpdatedAt.UTC()
		doc.UpdatedAt = &updatedAt
	}
	if doc.UpdatedBy == nil && row.UpdatedBy != "" {
		updatedBy := row.UpdatedBy
		doc.UpdatedBy = &updatedBy
	}
	return doc, nil
}
