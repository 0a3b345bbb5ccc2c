// Package policy resolves the effective AI policy for a user from the global
// settings and the user's stored access row.
package policy

import (
	"context"
	"errors"

	"github.com/taskhive/taskhive-backend/internal/settings"
)

// SettingsProvider supplies global AI settings. Implementations fall back to
// defaults rather than failing.
type SettingsProvider interface {
	Current(ctx context.Context) settings.AIGlobalSettings
}

// Limits are the quotas that apply to one user.
type Limits struct {
	MaxRequestsPerHour int   `json:"maxRequestsPerHour"`
	MaxRequestsPerDay  int   `json:"maxRequestsPerDay"`
	MaxTokensPerDay    int64 `json:"maxTokensPerDay"`
}

// EffectivePolicy is the merged global and per-user policy.
type EffectivePolicy struct {
	Allowed       bool   `json:"allowed"`
	GlobalEnabled bool   `json:"globalEnabled"`
	UserEnabled   bool   `json:"userEnabled"`
	Limits        Limits `json:"limits"`
}

// Resolver merges global settings with per-user overrides.
type Resolver struct {
	settings SettingsProvider
	access   AccessReader
}

// NewResolver constructs a Resolver.
func NewResolver(settingsProvider SettingsProvider, access AccessReader) *Resolver {
	return &Resolver{settings: settingsProvider, access: access}
}

// Resolve returns the effective policy for userID. An unreadable access store
// is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (EffectivePolicy, error) {
	if r == nil || r.settings == nil || r.access == nil {
		return EffectivePolicy{}, errors.New("policy: resolver not configured")
	}
	global := r.settings.Current(ctx)
	access, errAccess := r.access.GetUserAccess(ctx, userID)
	if errAccess != nil {
		return EffectivePolicy{}, errAccess
	}
	return Merge(global, access), nil
}

// Merge combines global settings with a user's access policy. Each override
// field replaces its global counterpart only when set and positive.
func Merge(global settings.AIGlobalSettings, access UserAccessPolicy) EffectivePolicy {
	limits := Limits{
		MaxRequestsPerHour: global.RateLimits.MaxRequestsPerHour,
		MaxRequestsPerDay:  global.RateLimits.MaxRequestsPerDay,
		MaxTokensPerDay:    global.RateLimits.MaxTokensPerDay,
	}
	if q := access.CustomQuota; q != nil {
		if q.MaxRequestsPerHour != nil && *q.MaxRequestsPerHour > 0 {
			limits.MaxRequestsPerHour = *q.MaxRequestsPerHour
		}
		if q.MaxRequestsPerDay != nil && *q.MaxRequestsPerDay > 0 {
			limits.MaxRequestsPerDay = *q.MaxRequestsPerDay
		}
	}
	return EffectivePolicy{
		Allowed:       global.Enabled && access.Enabled,
		GlobalEnabled: global.Enabled,
		UserEnabled:   access.Enabled,
		Limits:        limits,
	}
}
