package usage

import (
	"context"
	"time"

	"github.com/coder/quartz"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/metrics"
	"gorm.io/gorm"
)

const (
	defaultRetentionInterval  = 6 * time.Hour
	defaultRetentionBatchSize = 5000
	maxRetentionBatchesPerRun = 2000
)

// RetentionCleaner periodically deletes ledger rows older than the
// retention period. A zero retention disables it.
type RetentionCleaner struct {
	db        *gorm.DB
	clock     quartz.Clock
	retention time.Duration
	interval  time.Duration
	batchSize int
}

// NewRetentionCleaner returns nil when db is nil or retentionDays <= 0.
func NewRetentionCleaner(db *gorm.DB, retentionDays int, clock quartz.Clock) *RetentionCleaner {
	if db == nil || retentionDays <= 0 {
		return nil
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &RetentionCleaner{
		db:        db,
		clock:     clock,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  defaultRetentionInterval,
		batchSize: defaultRetentionBatchSize,
	}
}

// Start launches the cleanup loop and returns a channel closed when the
// loop exits.
func (c *RetentionCleaner) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if c == nil {
		close(done)
		return done
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer close(done)
		c.run(ctx)
	}()
	log.Infof("usage retention cleaner started (interval=%s retention=%s)", c.interval, c.retention)
	return done
}

func (c *RetentionCleaner) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		c.cleanupOnce(ctx)
		timer := c.clock.NewTimer(c.interval, "retention")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cleanupOnce deletes expired rows in bounded batches and returns the count.
func (c *RetentionCleaner) cleanupOnce(ctx context.Context) int64 {
	cutoff := c.clock.Now().UTC().Add(-c.retention)

	deletedTotal := int64(0)
	for i := 0; i < maxRetentionBatchesPerRun; i++ {
		if ctx.Err() != nil {
			break
		}
		n, err := c.deleteBatch(ctx, cutoff)
		if err != nil {
			log.WithError(err).Warn("usage retention cleaner: delete batch failed")
			break
		}
		if n <= 0 {
			break
		}
		deletedTotal += n
	}

	if deletedTotal > 0 {
		metrics.RetentionDeleted.Add(float64(deletedTotal))
		log.Infof("usage retention cleaner: deleted %d rows (cutoff=%s)", deletedTotal, cutoff.Format(time.RFC3339))
	}
	return deletedTotal
}

func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Bounded subquery keeps each delete short.
	res := c.db.WithContext(opCtx).Exec(`
		DELETE FROM ai_usage_logs
		WHERE id IN (
			SELECT id FROM ai_usage_logs
			WHERE logged_at < ?
			ORDER BY logged_at ASC
			LIMIT ?
		)
	`, cutoff, c.batchSize)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
