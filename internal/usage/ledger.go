package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/identity"
	"github.com/taskhive/taskhive-backend/internal/metrics"
	"github.com/taskhive/taskhive-backend/internal/models"
	"gorm.io/gorm"
)

const (
	// DefaultOperationTimeout bounds each ledger call.
	DefaultOperationTimeout = 5 * time.Second
	// DefaultScanBatchSize is the keyset page size used by Scan.
	DefaultScanBatchSize = 1000
	// DefaultRecentLimit is the row count returned by Recent when none is given.
	DefaultRecentLimit = 50
	// MaxRecentLimit caps the row count returned by Recent.
	MaxRecentLimit = 500
)

// Ledger is the append-only store of AI usage events.
type Ledger interface {
	Append(ctx context.Context, event Event) (string, error)
	Query(ctx context.Context, userID string, since, until time.Time) ([]Event, error)
	CountSince(ctx context.Context, userID string, since time.Time) (int64, error)
	SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error)
	Recent(ctx context.Context, userID string, limit int) ([]Event, error)
	Scan(ctx context.Context, query ScanQuery, fn func(Event) error) error
}

// ScanQuery selects the events visited by Scan. Since is inclusive, Until is
// inclusive, and an empty UserID matches every user.
type ScanQuery struct {
	Since     time.Time
	Until     time.Time
	UserID    string
	BatchSize int
}

// GormLedger stores events in the ai_usage_logs table.
type GormLedger struct {
	db        *gorm.DB
	directory identity.Directory
	clock     quartz.Clock
	timeout   time.Duration
}

// LedgerOption customizes a GormLedger.
type LedgerOption func(*GormLedger)

// WithDirectory sets the profile lookup used to label events.
func WithDirectory(dir identity.Directory) LedgerOption {
	return func(l *GormLedger) { l.directory = dir }
}

// WithLedgerClock overrides the clock that stamps events.
func WithLedgerClock(clock quartz.Clock) LedgerOption {
	return func(l *GormLedger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithOperationTimeout overrides the per-call timeout.
func WithOperationTimeout(timeout time.Duration) LedgerOption {
	return func(l *GormLedger) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

// NewGormLedger constructs a GormLedger.
func NewGormLedger(db *gorm.DB, opts ...LedgerOption) *GormLedger {
	l := &GormLedger{
		db:      db,
		clock:   quartz.NewReal(),
		timeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *GormLedger) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, l.timeout)
}

// Append validates, labels and inserts one event. The ledger assigns the id,
// timestamp and cost; caller-supplied values for those are ignored.
func (l *GormLedger) Append(ctx context.Context, event Event) (string, error) {
	if l == nil || l.db == nil {
		return "", errors.New("usage: nil db")
	}
	normalized, errNormalize := event.normalize()
	if errNormalize != nil {
		return "", errNormalize
	}

	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	l.label(opCtx, &normalized)
	normalized.ID = uuid.NewString()
	normalized.Timestamp = l.clock.Now().UTC().Truncate(time.Microsecond)
	cost := EstimateCostDecimal(normalized.TokensUsed)

	row := models.AIUsageLog{
		EventID:      normalized.ID,
		UserID:       normalized.UserID,
		UserName:     normalized.UserName,
		UserEmail:    normalized.UserEmail,
		Endpoint:     string(normalized.Endpoint),
		Status:       string(normalized.Status),
		TokensUsed:   normalized.TokensUsed,
		CostMicros:   DecimalToMicros(cost),
		DurationMs:   normalized.DurationMs,
		ErrorMessage: normalized.ErrorMessage,
		Timestamp:    normalized.Timestamp,
	}
	if errCreate := l.db.WithContext(opCtx).Create(&row).Error; errCreate != nil {
		return "", fmt.Errorf("usage: append: %w", errCreate)
	}
	metrics.UsageEventsRecorded.WithLabelValues(row.Endpoint, row.Status).Inc()
	return normalized.ID, nil
}

// label fills userName and userEmail from the directory when the caller did
// not supply a name. Lookup failures never fail the append.
func (l *GormLedger) label(ctx context.Context, event *Event) {
	if event.UserName != "" {
		return
	}
	if l.directory != nil {
		profile, errLookup := l.directory.Lookup(ctx, event.UserID)
		if errLookup == nil && strings.TrimSpace(profile.Name) != "" {
			event.UserName = strings.TrimSpace(profile.Name)
			event.UserEmail = strings.TrimSpace(profile.Email)
			return
		}
		if errLookup != nil && !errors.Is(errLookup, identity.ErrUserNotFound) {
			log.WithError(errLookup).WithField("user_id", event.UserID).Debug("usage: identity lookup failed")
		}
	}
	event.UserName = UnknownUserName
	event.UserEmail = ""
}

// Query returns a user's events in [since, until], oldest first.
func (l *GormLedger) Query(ctx context.Context, userID string, since, until time.Time) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("usage: nil db")
	}
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	var rows []models.AIUsageLog
	errFind := l.db.WithContext(opCtx).
		Where("user_id = ? AND logged_at >= ? AND logged_at <= ?", strings.TrimSpace(userID), since.UTC(), until.UTC()).
		Order("logged_at ASC").
		Order("id ASC").
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("usage: query: %w", errFind)
	}
	return eventsFromRows(rows), nil
}

// CountSince counts a user's events at or after since.
func (l *GormLedger) CountSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("usage: nil db")
	}
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	var count int64
	errCount := l.db.WithContext(opCtx).
		Model(&models.AIUsageLog{}).
		Where("user_id = ? AND logged_at >= ?", strings.TrimSpace(userID), since.UTC()).
		Count(&count).Error
	if errCount != nil {
		return 0, fmt.Errorf("usage: count: %w", errCount)
	}
	return count, nil
}

// SumTokensSince sums a user's tokens at or after since.
func (l *GormLedger) SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	if l == nil || l.db == nil {
		return 0, errors.New("usage: nil db")
	}
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	var total int64
	errSum := l.db.WithContext(opCtx).
		Model(&models.AIUsageLog{}).
		Select("COALESCE(SUM(tokens_used), 0)").
		Where("user_id = ? AND logged_at >= ?", strings.TrimSpace(userID), since.UTC()).
		Scan(&total).Error
	if errSum != nil {
		return 0, fmt.Errorf("usage: sum tokens: %w", errSum)
	}
	return total, nil
}

// Recent returns a user's newest events first.
func (l *GormLedger) Recent(ctx context.Context, userID string, limit int) ([]Event, error) {
	if l == nil || l.db == nil {
		return nil, errors.New("usage: nil db")
	}
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	opCtx, cancel := l.opContext(ctx)
	defer cancel()

	var rows []models.AIUsageLog
	errFind := l.db.WithContext(opCtx).
		Where("user_id = ?", strings.TrimSpace(userID)).
		Order("logged_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, fmt.Errorf("usage: recent: %w", errFind)
	}
	return eventsFromRows(rows), nil
}

// Scan visits every matching event once in insertion order. The id range is
// fixed when the scan starts, so rows appended during the scan are skipped.
// Each page read runs under its own timeout.
func (l *GormLedger) Scan(ctx context.Context, query ScanQuery, fn func(Event) error) error {
	if l == nil || l.db == nil {
		return errors.New("usage: nil db")
	}
	if fn == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	batch := query.BatchSize
	if batch <= 0 {
		batch = DefaultScanBatchSize
	}
	if query.Until.IsZero() {
		query.Until = l.clock.Now().UTC()
	}
	userID := strings.TrimSpace(query.UserID)

	var maxID uint64
	errMax := l.withTimeout(ctx, func(opCtx context.Context) error {
		return l.db.WithContext(opCtx).
			Model(&models.AIUsageLog{}).
			Select("COALESCE(MAX(id), 0)").
			Scan(&maxID).Error
	})
	if errMax != nil {
		return fmt.Errorf("usage: scan bound: %w", errMax)
	}

	lastID := uint64(0)
	for lastID < maxID {
		var rows []models.AIUsageLog
		errPage := l.withTimeout(ctx, func(opCtx context.Context) error {
			q := l.db.WithContext(opCtx).
				Where("id > ? AND id <= ?", lastID, maxID).
				Where("logged_at >= ? AND logged_at <= ?", query.Since.UTC(), query.Until.UTC())
			if userID != "" {
				q = q.Where("user_id = ?", userID)
			}
			return q.Order("id ASC").Limit(batch).Find(&rows).Error
		})
		if errPage != nil {
			return fmt.Errorf("usage: scan page after id %d: %w", lastID, errPage)
		}
		if len(rows) == 0 {
			return nil
		}
		for _, row := range rows {
			if errFn := fn(eventFromRow(row)); errFn != nil {
				return errFn
			}
		}
		lastID = rows[len(rows)-1].ID
		if len(rows) < batch {
			return nil
		}
	}
	return nil
}

func (l *GormLedger) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := l.opContext(ctx)
	defer cancel()
	return fn(opCtx)
}

func eventsFromRows(rows []models.AIUsageLog) []Event {
	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, eventFromRow(row))
	}
	return events
}
