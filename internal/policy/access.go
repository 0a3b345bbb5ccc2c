package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskhive/taskhive-backend/internal/audit"
	"github.com/taskhive/taskhive-backend/internal/db"
	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidQuota indicates a non-positive override value.
	ErrInvalidQuota = errors.New("policy: quota override must be positive")
	// ErrInvalidUserID indicates an empty user id.
	ErrInvalidUserID = errors.New("policy: empty user id")
)

// DefaultAccessTimeout bounds each access store call.
const DefaultAccessTimeout = 3 * time.Second

// QuotaOverride carries per-user request limits. Nil fields use the global
// value.
type QuotaOverride struct {
	MaxRequestsPerHour *int `json:"maxRequestsPerHour,omitempty"`
	MaxRequestsPerDay  *int `json:"maxRequestsPerDay,omitempty"`
}

func (q *QuotaOverride) empty() bool {
	return q == nil || (q.MaxRequestsPerHour == nil && q.MaxRequestsPerDay == nil)
}

// UserAccessPolicy is a user's stored AI access policy.
type UserAccessPolicy struct {
	UserID      string         `json:"userId"`
	Enabled     bool           `json:"enabled"`
	CustomQuota *QuotaOverride `json:"customQuota"`
	UpdatedAt   *time.Time     `json:"updatedAt,omitempty"`
	UpdatedBy   string         `json:"updatedBy,omitempty"`
}

// DefaultAccess is the policy of a user with no stored row.
func DefaultAccess(userID string) UserAccessPolicy {
	return UserAccessPolicy{UserID: userID, Enabled: true}
}

// AccessUpdate is a partial change to a user's policy. Fields set in a
// non-nil CustomQuota overwrite the stored override per field; omitted
// fields keep their stored value. ClearCustomQuota removes the override.
type AccessUpdate struct {
	Enabled          *bool
	CustomQuota      *QuotaOverride
	ClearCustomQuota bool
}

// UnmarshalJSON distinguishes an explicit "customQuota": null, which clears
// the override, from an omitted field.
func (u *AccessUpdate) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if errUnmarshal := json.Unmarshal(data, &raw); errUnmarshal != nil {
		return errUnmarshal
	}
	*u = AccessUpdate{}
	if value, ok := raw["enabled"]; ok && !isNull(value) {
		var enabled bool
		if errUnmarshal := json.Unmarshal(value, &enabled); errUnmarshal != nil {
			return fmt.Errorf("enabled: %w", errUnmarshal)
		}
		u.Enabled = &enabled
	}
	if value, ok := raw["customQuota"]; ok {
		if isNull(value) {
			u.ClearCustomQuota = true
		} else {
			var quota QuotaOverride
			if errUnmarshal := json.Unmarshal(value, &quota); errUnmarshal != nil {
				return fmt.Errorf("customQuota: %w", errUnmarshal)
			}
			u.CustomQuota = &quota
		}
	}
	return nil
}

func isNull(value json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(value), []byte("null"))
}

// Validate checks override values.
func (u AccessUpdate) Validate() error {
	if q := u.CustomQuota; q != nil {
		if q.MaxRequestsPerHour != nil && *q.MaxRequestsPerHour <= 0 {
			return fmt.Errorf("%w: maxRequestsPerHour", ErrInvalidQuota)
		}
		if q.MaxRequestsPerDay != nil && *q.MaxRequestsPerDay <= 0 {
			return fmt.Errorf("%w: maxRequestsPerDay", ErrInvalidQuota)
		}
	}
	return nil
}

// AccessReader reads per-user access policies.
type AccessReader interface {
	GetUserAccess(ctx context.Context, userID string) (UserAccessPolicy, error)
}

// AccessStore persists per-user access policies in ai_user_access.
type AccessStore struct {
	db      *gorm.DB
	audit   audit.Recorder
	timeout time.Duration
}

// NewAccessStore constructs an AccessStore. rec may be nil.
func NewAccessStore(conn *gorm.DB, rec audit.Recorder) *AccessStore {
	return &AccessStore{db: conn, audit: rec, timeout: DefaultAccessTimeout}
}

// GetUserAccess returns the stored policy, or the default when none exists.
func (s *AccessStore) GetUserAccess(ctx context.Context, userID string) (UserAccessPolicy, error) {
	if s == nil || s.db == nil {
		return UserAccessPolicy{}, errors.New("policy: nil db")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserAccessPolicy{}, ErrInvalidUserID
	}
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row models.UserAIAccess
	errFind := s.db.WithContext(opCtx).Where("user_id = ?", userID).Take(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return DefaultAccess(userID), nil
		}
		return UserAccessPolicy{}, fmt.Errorf("policy: load access: %w", errFind)
	}
	return policyFromRow(row), nil
}

// SetUserAccess upserts a user's policy and emits one audit entry.
func (s *AccessStore) SetUserAccess(ctx context.Context, userID string, update AccessUpdate, adminEmail string) (UserAccessPolicy, error) {
	if s == nil || s.db == nil {
		return UserAccessPolicy{}, errors.New("policy: nil db")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserAccessPolicy{}, ErrInvalidUserID
	}
	if errValidate := update.Validate(); errValidate != nil {
		return UserAccessPolicy{}, errValidate
	}
	if ctx == nil {
		ctx = context.Background()
	}
	adminEmail = strings.TrimSpace(adminEmail)
	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var saved models.UserAIAccess
	errTx := s.db.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("user_id = ?", userID)
		if !db.IsSQLite(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		row := models.UserAIAccess{UserID: userID, Enabled: true}
		exists := true
		if errFind := query.Take(&row).Error; errFind != nil {
			if !errors.Is(errFind, gorm.ErrRecordNotFound) {
				return errFind
			}
			exists = false
		}

		if update.Enabled != nil {
			row.Enabled = *update.Enabled
		}
		switch {
		case update.ClearCustomQuota:
			row.MaxRequestsPerHour = nil
			row.MaxRequestsPerDay = nil
		case update.CustomQuota != nil:
			if update.CustomQuota.MaxRequestsPerHour != nil {
				row.MaxRequestsPerHour = update.CustomQuota.MaxRequestsPerHour
			}
			if update.CustomQuota.MaxRequestsPerDay != nil {
				row.MaxRequestsPerDay = update.CustomQuota.MaxRequestsPerDay
			}
		}
		row.UpdatedBy = adminEmail

		if !exists {
			if errCreate := tx.Create(&row).Error; errCreate != nil {
				return errCreate
			}
			saved = row
			return nil
		}
		errUpdate := tx.Model(&models.UserAIAccess{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"enabled":               row.Enabled,
				"max_requests_per_hour": row.MaxRequestsPerHour,
				"max_requests_per_day":  row.MaxRequestsPerDay,
				"updated_by":            row.UpdatedBy,
				"updated_at":            time.Now().UTC(),
			}).Error
		if errUpdate != nil {
			return errUpdate
		}
		return tx.Where("user_id = ?", userID).Take(&saved).Error
	})
	if errTx != nil {
		return UserAccessPolicy{}, fmt.Errorf("policy: save access: %w", errTx)
	}

	audit.RecordBestEffort(s.audit, accessAuditEntry(userID, update, adminEmail))
	return policyFromRow(saved), nil
}

func accessAuditEntry(userID string, update AccessUpdate, adminEmail string) audit.Entry {
	action := audit.ActionAccessUpdated
	if update.Enabled != nil && !*update.Enabled {
		action = audit.ActionAccessDisabled
	}
	changes := map[string]any{}
	details := fmt.Sprintf("AI access for user %s", userID)
	if update.Enabled != nil {
		changes["enabled"] = *update.Enabled
		details += fmt.Sprintf(": enabled=%t", *update.Enabled)
	}
	switch {
	case update.ClearCustomQuota:
		changes["customQuota"] = nil
		details += ", quota cleared"
	case update.CustomQuota != nil:
		changes["customQuota"] = update.CustomQuota
		if raw, errMarshal := json.Marshal(update.CustomQuota); errMarshal == nil {
			details += ", quota=" + string(raw)
		}
	}
	return audit.Entry{
		Action:       action,
		AdminEmail:   adminEmail,
		TargetUserID: userID,
		Details:      details,
		Changes:      changes,
		Timestamp:    time.Now().UTC(),
	}
}

func policyFromRow(row models.UserAIAccess) UserAccessPolicy {
	p := UserAccessPolicy{
		UserID:    row.UserID,
		Enabled:   row.Enabled,
		UpdatedBy: row.UpdatedBy,
	}
	if !row.UpdatedAt.IsZero() {
		updatedAt := row.UpdatedAt.UTC()
		p.UpdatedAt = &updatedAt
	}
	quota := &QuotaOverride{
		MaxRequestsPerHour: row.MaxRequestsPerHour,
		MaxRequestsPerDay:  row.MaxRequestsPerDay,
	}
	if !quota.empty() {
		p.CustomQuota = quota
	}
	return p
}
