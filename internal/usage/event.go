package usage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/taskhive/taskhive-backend/internal/models"
	"github.com/taskhive/taskhive-backend/internal/util"
)

// ErrInvalidEvent indicates an event failed validation before append.
var ErrInvalidEvent = errors.New("usage: invalid event")

// MaxErrorMessageLength bounds the stored error text, in runes.
const MaxErrorMessageLength = 500

// UnknownUserName labels events whose user could not be looked up.
const UnknownUserName = "Unknown"

// Endpoint names the AI operation that was attempted.
type Endpoint string

const (
	EndpointAnalyze Endpoint = "analyze"
	EndpointRefine  Endpoint = "refine"
)

// Valid reports whether e is a known endpoint.
func (e Endpoint) Valid() bool {
	return e == EndpointAnalyze || e == EndpointRefine
}

// Status is the outcome of an AI call attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusError
}

// Event is one AI call attempt as stored in the ledger.
type Event struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	UserName         string    `json:"userName"`
	UserEmail        string    `json:"userEmail"`
	Endpoint         Endpoint  `json:"endpoint"`
	Status           Status    `json:"status"`
	TokensUsed       int64     `json:"tokensUsed"`
	EstimatedCostUSD float64   `json:"estimatedCost"`
	CostMicros       int64     `json:"-"`
	DurationMs       int64     `json:"durationMs"`
	ErrorMessage     string    `json:"errorMessage,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// normalize validates the caller-supplied fields and clamps the numeric ones.
func (e Event) normalize() (Event, error) {
	e.UserID = strings.TrimSpace(e.UserID)
	if e.UserID == "" {
		return Event{}, fmt.Errorf("%w: empty user id", ErrInvalidEvent)
	}
	if !e.Endpoint.Valid() {
		return Event{}, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidEvent, e.Endpoint)
	}
	if !e.Status.Valid() {
		return Event{}, fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	if e.TokensUsed < 0 {
		e.TokensUsed = 0
	}
	if e.DurationMs < 0 {
		e.DurationMs = 0
	}
	e.ErrorMessage = util.TruncateRunes(strings.TrimSpace(e.ErrorMessage), MaxErrorMessageLength)
	e.UserName = strings.TrimSpace(e.UserName)
	e.UserEmail = strings.TrimSpace(e.UserEmail)
	return e, nil
}

func eventFromRow(row models.AIUsageLog) Event {
	return Event{
		ID:               row.EventID,
		UserID:           row.UserID,
		UserName:         row.UserName,
		UserEmail:        row.UserEmail,
		Endpoint:         Endpoint(row.Endpoint),
		Status:           Status(row.Status),
		TokensUsed:       row.TokensUsed,
		EstimatedCostUSD: MicrosToDecimal(row.CostMicros).InexactFloat64(),
		CostMicros:       row.CostMicros,
		DurationMs:       row.DurationMs,
		ErrorMessage:     row.ErrorMessage,
		Timestamp:        row.Timestamp.UTC(),
	}
}
