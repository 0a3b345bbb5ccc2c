// Package audit records administrative changes to AI settings and access.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Audit actions.
const (
	ActionAccessUpdated   = "AI_ACCESS_UPDATED"
	ActionAccessDisabled  = "AI_ACCESS_DISABLED"
	ActionSettingsUpdated = "AI_SETTINGS_UPDATED"
)

// Entry describes one administrative change.
type Entry struct {
	Action       string         `json:"action"`
	AdminEmail   string         `json:"adminEmail"`
	TargetUserID string         `json:"targetUserId,omitempty"`
	Details      string         `json:"details"`
	Changes      map[string]any `json:"changes,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// GormSink writes entries to the audit_logs table.
type GormSink struct {
	db *gorm.DB
}

// NewGormSink constructs a GormSink.
func NewGormSink(db *gorm.DB) *GormSink {
	return &GormSink{db: db}
}

// Record inserts one audit row.
func (s *GormSink) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.db == nil {
		return errors.New("audit: nil db")
	}
	if strings.TrimSpace(entry.Action) == "" {
		return errors.New("audit: empty action")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	var changes datatypes.JSON
	if len(entry.Changes) > 0 {
		raw, errMarshal := json.Marshal(entry.Changes)
		if errMarshal != nil {
			return fmt.Errorf("audit: encode changes: %w", errMarshal)
		}
		changes = datatypes.JSON(raw)
	}
	row := models.AuditLog{
		Action:       entry.Action,
		AdminEmail:   entry.AdminEmail,
		TargetUserID: entry.TargetUserID,
		Details:      entry.Details,
		Changes:      changes,
		Timestamp:    entry.Timestamp.UTC(),
	}
	if errCreate := s.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("audit: insert: %w", errCreate)
	}
	return nil
}

// LogSink writes entries to the process log only.
type LogSink struct{}

// Record logs the entry.
func (LogSink) Record(_ context.Context, entry Entry) error {
	log.WithFields(log.Fields{
		"action":         entry.Action,
		"admin_email":    entry.AdminEmail,
		"target_user_id": entry.TargetUserID,
		"changes":        entry.Changes,
	}).Info(entry.Details)
	return nil
}

// Multi fans an entry out to several recorders and joins their errors.
type Multi []Recorder

// Record forwards the entry to every recorder.
func (m Multi) Record(ctx context.Context, entry Entry) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordBestEffort writes entry with a detached timeout and logs failures.
func RecordBestEffort(r Recorder, entry Entry) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errRecord := r.Record(ctx, entry); errRecord != nil {
		log.WithError(errRecord).WithField("action", entry.Action).Warn("audit: record failed")
	}
}
