// Package identity resolves display names and emails for usage records.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/gorm"
)

// ErrUserNotFound indicates the directory has no entry for the user.
var ErrUserNotFound = errors.New("identity: user not found")

// Profile is the subset of a user record copied onto usage events.
type Profile struct {
	ID    string
	Name  string
	Email string
}

// Directory looks up user profiles.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Profile, error)
}

// GormDirectory reads profiles from the users table.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory constructs a GormDirectory.
func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

// Lookup returns the profile for userID.
func (d *GormDirectory) Lookup(ctx context.Context, userID string) (Profile, error) {
	if d == nil || d.db == nil {
		return Profile{}, errors.New("identity: nil db")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrUserNotFound
	}
	var user models.User
	errFind := d.db.WithContext(ctx).
		Select("id", "name", "email").
		Where("id = ?", userID).
		Take(&user).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return Profile{}, ErrUserNotFound
		}
		return Profile{}, fmt.Errorf("identity: lookup: %w", errFind)
	}
	return Profile{ID: user.ID, Name: user.Name, Email: user.Email}, nil
}
