package settings

import "time"

// DB keys and defaults for the AI settings document.
const (
	// AISettingsKey is the settings table key holding the AI settings document.
	AISettingsKey = "AI_SETTINGS"

	// DefaultProvider is the fallback model provider name.
	DefaultProvider = "gemini"
	// DefaultModel is the fallback model identifier.
	DefaultModel = "gemini-2.5-flash"
	// DefaultTemperature is the fallback sampling temperature.
	DefaultTemperature = 0.3
	// DefaultMaxTokens is the fallback completion token cap.
	DefaultMaxTokens = 8192

	// DefaultMaxRequestsPerHour is the fallback hourly request quota per user.
	DefaultMaxRequestsPerHour = 20
	// DefaultMaxRequestsPerDay is the fallback daily request quota per user.
	DefaultMaxRequestsPerDay = 100
	// DefaultMaxTokensPerDay is the fallback daily token budget per user.
	DefaultMaxTokensPerDay = 500000

	// DefaultAlertDailyCostUSD is the fallback daily cost alert threshold.
	DefaultAlertDailyCostUSD = 10.0
	// DefaultAlertDailyRequests is the fallback daily request alert threshold.
	DefaultAlertDailyRequests = 500

	// DefaultCacheTTL bounds how long a loaded settings snapshot is served.
	DefaultCacheTTL = 30 * time.Second
	// defaultLoadTimeout bounds one settings read from the store.
	defaultLoadTimeout = 2 * time.Second
)

// DefaultSystemPrompt is the prompt used when none is configured.
const DefaultSystemPrompt = `You are TaskHive AI, a smart assignment/task analyzer.
When given the text of an assignment, project brief, or syllabus document, you must:
1. Identify the assignment title and subject
2. Write a concise summary of what the assignment requires
3. Break it down into specific, actionable sub-tasks
4. For each sub-task, estimate priority (high/medium/low) and hours needed
5. If team members are provided, suggest fair distribution based on task count and estimated effort`
