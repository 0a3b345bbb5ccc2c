package settings

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSettings indicates a settings update failed validation.
var ErrInvalidSettings = errors.New("invalid ai settings")

// RateLimits are the global per-user quotas.
type RateLimits struct {
	MaxRequestsPerHour int   `json:"maxRequestsPerHour"`
	MaxRequestsPerDay  int   `json:"maxRequestsPerDay"`
	MaxTokensPerDay    int64 `json:"maxTokensPerDay"`
}

// AlertThreshold configures the daily usage alerts shown to admins.
type AlertThreshold struct {
	DailyCostUSD  float64 `json:"dailyCostUsd"`
	DailyRequests int     `json:"dailyRequests"`
}

// AIGlobalSettings is the fully resolved AI settings singleton. Fields other
// than Enabled and RateLimits are passed through to the model caller.
type AIGlobalSettings struct {
	Enabled          bool           `json:"enabled"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	APIKey           string         `json:"apiKey,omitempty"`
	Temperature      float64        `json:"temperature"`
	MaxTokens        int            `json:"maxTokens"`
	SystemPrompt     string         `json:"systemPrompt"`
	RateLimits       RateLimits     `json:"rateLimits"`
	ContentFiltering bool           `json:"contentFiltering"`
	AlertThreshold   AlertThreshold `json:"alertThreshold"`
	UpdatedAt        *time.Time     `json:"updatedAt,omitempty"`
	UpdatedBy        string         `json:"updatedBy,omitempty"`
}

// Defaults returns the hard-coded settings used when nothing is stored or
// the store is unreadable.
func Defaults() AIGlobalSettings {
	return AIGlobalSettings{
		Enabled:      true,
		Provider:     DefaultProvider,
		Model:        DefaultModel,
		Temperature:  DefaultTemperature,
		MaxTokens:    DefaultMaxTokens,
		SystemPrompt: DefaultSystemPrompt,
		RateLimits: RateLimits{
			MaxRequestsPerHour: DefaultMaxRequestsPerHour,
			MaxRequestsPerDay:  DefaultMaxRequestsPerDay,
			MaxTokensPerDay:    DefaultMaxTokensPerDay,
		},
		ContentFiltering: true,
		AlertThreshold: AlertThreshold{
			DailyCostUSD:  DefaultAlertDailyCostUSD,
			DailyRequests: DefaultAlertDailyRequests,
		},
	}
}

// RateLimitsUpdate is a partial rate limit document.
type RateLimitsUpdate struct {
	MaxRequestsPerHour *int   `json:"maxRequestsPerHour,omitempty"`
	MaxRequestsPerDay  *int   `json:"maxRequestsPerDay,omitempty"`
	MaxTokensPerDay    *int64 `json:"maxTokensPerDay,omitempty"`
}

// AlertThresholdUpdate is a partial alert threshold document.
type AlertThresholdUpdate struct {
	DailyCostUSD  *float64 `json:"dailyCostUsd,omitempty"`
	DailyRequests *int     `json:"dailyRequests,omitempty"`
}

// SettingsUpdate is the partial document both stored in the settings table
// and accepted from admins. Nil fields are "not set".
type SettingsUpdate struct {
	Enabled          *bool                 `json:"enabled,omitempty"`
	Provider         *string               `json:"provider,omitempty"`
	Model            *string               `json:"model,omitempty"`
	APIKey           *string               `json:"apiKey,omitempty"`
	Temperature      *float64              `json:"temperature,omitempty"`
	MaxTokens        *int                  `json:"maxTokens,omitempty"`
	SystemPrompt     *string               `json:"systemPrompt,omitempty"`
	RateLimits       *RateLimitsUpdate     `json:"rateLimits,omitempty"`
	ContentFiltering *bool                 `json:"contentFiltering,omitempty"`
	AlertThreshold   *AlertThresholdUpdate `json:"alertThreshold,omitempty"`
	UpdatedAt        *time.Time            `json:"updatedAt,omitempty"`
	UpdatedBy        *string               `json:"updatedBy,omitempty"`
}

// Normalize drops empty strings, which never overwrite stored values.
func (u SettingsUpdate) Normalize() SettingsUpdate {
	u.Provider = nonEmpty(u.Provider)
	u.Model = nonEmpty(u.Model)
	u.APIKey = nonEmpty(u.APIKey)
	u.SystemPrompt = nonEmpty(u.SystemPrompt)
	if u.RateLimits != nil && *u.RateLimits == (RateLimitsUpdate{}) {
		u.RateLimits = nil
	}
	if u.AlertThreshold != nil && *u.AlertThreshold == (AlertThresholdUpdate{}) {
		u.AlertThreshold = nil
	}
	return u
}

func nonEmpty(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	return s
}

// Validate checks the provided fields.
func (u SettingsUpdate) Validate() error {
	if u.Temperature != nil && (*u.Temperature < 0 || *u.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidSettings)
	}
	if u.MaxTokens != nil && *u.MaxTokens <= 0 {
		return fmt.Errorf("%w: maxTokens must be positive", ErrInvalidSettings)
	}
	if rl := u.RateLimits; rl != nil {
		if rl.MaxRequestsPerHour != nil && *rl.MaxRequestsPerHour <= 0 {
			return fmt.Errorf("%w: maxRequestsPerHour must be positive", ErrInvalidSettings)
		}
		if rl.MaxRequestsPerDay != nil && *rl.MaxRequestsPerDay <= 0 {
			return fmt.Errorf("%w: maxRequestsPerDay must be positive", ErrInvalidSettings)
		}
		if rl.MaxTokensPerDay != nil && *rl.MaxTokensPerDay <= 0 {
			return fmt.Errorf("%w: maxTokensPerDay must be positive", ErrInvalidSettings)
		}
	}
	if at := u.AlertThreshold; at != nil {
		if at.DailyCostUSD != nil && *at.DailyCostUSD < 0 {
			return fmt.Errorf("%w: dailyCostUsd must not be negative", ErrInvalidSettings)
		}
		if at.DailyRequests != nil && *at.DailyRequests < 0 {
			return fmt.Errorf("%w: dailyRequests must not be negative", ErrInvalidSettings)
		}
	}
	return nil
}

// ChangedFields lists the top-level fields set in the update, in document
// order, excluding bookkeeping fields.
func (u SettingsUpdate) ChangedFields() []string {
	var fields []string
	add := func(set bool, name string) {
		if set {
			fields = append(fields, name)
		}
	}
	add(u.Enabled != nil, "enabled")
	add(u.Provider != nil, "provider")
	add(u.Model != nil, "model")
	add(u.APIKey != nil, "apiKey")
	add(u.Temperature != nil, "temperature")
	add(u.MaxTokens != nil, "maxTokens")
	add(u.SystemPrompt != nil, "systemPrompt")
	add(u.RateLimits != nil, "rateLimits")
	add(u.ContentFiltering != nil, "contentFiltering")
	add(u.AlertThreshold != nil, "alertThreshold")
	return fields
}

// Merge overlays patch onto base field by field. Nested rate limits and
// alert thresholds merge per field as well.
func Merge(base, patch SettingsUpdate) SettingsUpdate {
	out := base
	if patch.Enabled != nil {
		out.Enabled = patch.Enabled
	}
	if patch.Provider != nil {
		out.Provider = patch.Provider
	}
	if patch.Model != nil {
		out.Model = patch.Model
	}
	if patch.APIKey != nil {
		out.APIKey = patch.APIKey
	}
	if patch.Temperature != nil {
		out.Temperature = patch.Temperature
	}
	if patch.MaxTokens != nil {
		out.MaxTokens = patch.MaxTokens
	}
	if patch.SystemPrompt != nil {
		out.SystemPrompt = patch.SystemPrompt
	}
	if patch.RateLimits != nil {
		merged := RateLimitsUpdate{}
		if base.RateLimits != nil {
			merged = *base.RateLimits
		}
		if patch.RateLimits.MaxRequestsPerHour != nil {
			merged.MaxRequestsPerHour = patch.RateLimits.MaxRequestsPerHour
		}
		if patch.RateLimits.MaxRequestsPerDay != nil {
			merged.MaxRequestsPerDay = patch.RateLimits.MaxRequestsPerDay
		}
		if patch.RateLimits.MaxTokensPerDay != nil {
			merged.MaxTokensPerDay = patch.RateLimits.MaxTokensPerDay
		}
		out.RateLimits = &merged
	}
	if patch.ContentFiltering != nil {
		out.ContentFiltering = patch.ContentFiltering
	}
	if patch.AlertThreshold != nil {
		merged := AlertThresholdUpdate{}
		if base.AlertThreshold != nil {
			merged = *base.AlertThreshold
		}
		if patch.AlertThreshold.DailyCostUSD != nil {
			merged.DailyCostUSD = patch.AlertThreshold.DailyCostUSD
		}
		if patch.AlertThreshold.DailyRequests != nil {
			merged.DailyRequests = patch.AlertThreshold.DailyRequests
		}
		out.AlertThreshold = &merged
	}
	if patch.UpdatedAt != nil {
		out.UpdatedAt = patch.UpdatedAt
	}
	if patch.UpdatedBy != nil {
		out.UpdatedBy = patch.UpdatedBy
	}
	return out
}

// Resolve applies a stored document over the defaults. Non-positive quotas
// in the document resolve to their defaults.
func Resolve(doc SettingsUpdate) AIGlobalSettings {
	out := Defaults()
	if doc.Enabled != nil {
		out.Enabled = *doc.Enabled
	}
	if doc.Provider != nil {
		out.Provider = *doc.Provider
	}
	if doc.Model != nil {
		out.Model = *doc.Model
	}
	if doc.APIKey != nil {
		out.APIKey = *doc.APIKey
	}
	if doc.Temperature != nil {
		out.Temperature = *doc.Temperature
	}
	if doc.MaxTokens != nil && *doc.MaxTokens > 0 {
		out.MaxTokens = *doc.MaxTokens
	}
	if doc.SystemPrompt != nil {
		out.SystemPrompt = *doc.SystemPrompt
	}
	if rl := doc.RateLimits; rl != nil {
		if rl.MaxRequestsPerHour != nil && *rl.MaxRequestsPerHour > 0 {
			out.RateLimits.MaxRequestsPerHour = *rl.MaxRequestsPerHour
		}
		if rl.MaxRequestsPerDay != nil && *rl.MaxRequestsPerDay > 0 {
			out.RateLimits.MaxRequestsPerDay = *rl.MaxRequestsPerDay
		}
		if rl.MaxTokensPerDay != nil && *rl.MaxTokensPerDay > 0 {
			out.RateLimits.MaxTokensPerDay = *rl.MaxTokensPerDay
		}
	}
	if doc.ContentFiltering != nil {
		out.ContentFiltering = *doc.ContentFiltering
	}
	if at := doc.AlertThreshold; at != nil {
		if at.DailyCostUSD != nil {
			out.AlertThreshold.DailyCostUSD = *at.DailyCostUSD
		}
		if at.DailyRequests != nil {
			out.AlertThreshold.DailyRequests = *at.DailyRequests
		}
	}
	if doc.UpdatedAt != nil {
		updatedAt := doc.UpdatedAt.UTC()
		out.UpdatedAt = &updatedAt
	}
	if doc.UpdatedBy != nil {
		out.UpdatedBy = *doc.UpdatedBy
	}
	return out
}
