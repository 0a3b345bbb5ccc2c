package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/taskhive/taskhive-backend/internal/policy"
)

// Counter modes.
const (
	ModeLedger = "ledger"
	ModeRedis  = "redis"
)

// DefaultKeyPrefix namespaces the Redis admission keys.
const DefaultKeyPrefix = "taskhive:ai:admission:"

// WindowResult is a counter's view of the hourly and daily windows. Cause is
// CauseHourlyLimit or CauseDailyLimit when a window is full.
type WindowResult struct {
	Hourly      int64
	Daily       int64
	Cause       Cause
	Reservation string
}

// Counter counts a user's requests in the sliding windows.
type Counter interface {
	// Check reads the windows without side effects.
	Check(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error)
	// Reserve is Check that also takes a slot when both windows have room.
	Reserve(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error)
	// Release returns a slot taken by Reserve.
	Release(ctx context.Context, userID, reservation string) error
}

// WindowReader counts ledger rows for a user.
type WindowReader interface {
	CountSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// LedgerCounter counts requests from the usage ledger. Reserve does not hold
// a slot, so concurrent requests from one user may both pass the last slot.
type LedgerCounter struct {
	ledger WindowReader
}

// NewLedgerCounter constructs a LedgerCounter.
func NewLedgerCounter(ledger WindowReader) *LedgerCounter {
	return &LedgerCounter{ledger: ledger}
}

// Check counts the hourly window, then the daily window.
func (c *LedgerCounter) Check(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error) {
	if c == nil || c.ledger == nil {
		return WindowResult{}, errors.New("admission: nil ledger")
	}
	hourly, errHourly := c.ledger.CountSince(ctx, userID, now.Add(-hourWindow))
	if errHourly != nil {
		return WindowResult{}, errHourly
	}
	if hourly >= int64(limits.MaxRequestsPerHour) {
		return WindowResult{Hourly: hourly, Cause: CauseHourlyLimit}, nil
	}
	daily, errDaily := c.ledger.CountSince(ctx, userID, now.Add(-dayWindow))
	if errDaily != nil {
		return WindowResult{}, errDaily
	}
	result := WindowResult{Hourly: hourly, Daily: daily}
	if daily >= int64(limits.MaxRequestsPerDay) {
		result.Cause = CauseDailyLimit
	}
	return result, nil
}

// Reserve is Check.
func (c *LedgerCounter) Reserve(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error) {
	return c.Check(ctx, userID, limits, now)
}

// Release is a no-op.
func (c *LedgerCounter) Release(context.Context, string, string) error { return nil }

// reserveScript trims entries older than the day window, counts both windows
// and adds the member only when both have room. Returns {code, hourly, daily}
// where code is 1 for reserved, 0 for hourly full, 2 for daily full.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local hour = tonumber(ARGV[2])
local day = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - day))
local hourly = redis.call('ZCOUNT', key, now - hour, '+inf')
local daily = redis.call('ZCARD', key)
if hourly >= tonumber(ARGV[4]) then
  return {0, hourly, daily}
end
if daily >= tonumber(ARGV[5]) then
  return {2, hourly, daily}
end
redis.call('ZADD', key, now, ARGV[6])
redis.call('PEXPIRE', key, day)
return {1, hourly + 1, daily + 1}
`)

// RedisCounter keeps one sorted set of admission timestamps per user and
// updates it atomically, so concurrent requests cannot share the last slot.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCounter constructs a RedisCounter. An empty prefix uses
// DefaultKeyPrefix.
func NewRedisCounter(client redis.Cmdable, prefix string) *RedisCounter {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(userID string) string {
	return c.prefix + userID
}

// Check counts both windows without modifying the set.
func (c *RedisCounter) Check(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error) {
	if c == nil || c.client == nil {
		return WindowResult{}, errors.New("admission: nil redis client")
	}
	key := c.key(userID)
	nowMs := now.UnixMilli()
	pipe := c.client.Pipeline()
	hourlyCmd := pipe.ZCount(ctx, key, strconv.FormatInt(nowMs-hourWindow.Milliseconds(), 10), "+inf")
	dailyCmd := pipe.ZCount(ctx, key, strconv.FormatInt(nowMs-dayWindow.Milliseconds(), 10), "+inf")
	if _, errExec := pipe.Exec(ctx); errExec != nil {
		return WindowResult{}, fmt.Errorf("admission: redis count: %w", errExec)
	}
	result := WindowResult{Hourly: hourlyCmd.Val(), Daily: dailyCmd.Val()}
	switch {
	case result.Hourly >= int64(limits.MaxRequestsPerHour):
		result.Cause = CauseHourlyLimit
	case result.Daily >= int64(limits.MaxRequestsPerDay):
		result.Cause = CauseDailyLimit
	}
	return result, nil
}

// Reserve runs the reservation script.
func (c *RedisCounter) Reserve(ctx context.Context, userID string, limits policy.Limits, now time.Time) (WindowResult, error) {
	if c == nil || c.client == nil {
		return WindowResult{}, errors.New("admission: nil redis client")
	}
	member := uuid.NewString()
	values, errRun := reserveScript.Run(ctx, c.client, []string{c.key(userID)},
		now.UnixMilli(),
		hourWindow.Milliseconds(),
		dayWindow.Milliseconds(),
		limits.MaxRequestsPerHour,
		limits.MaxRequestsPerDay,
		member,
	).Int64Slice()
	if errRun != nil {
		return WindowResult{}, fmt.Errorf("admission: redis reserve: %w", errRun)
	}
	if len(values) != 3 {
		return WindowResult{}, fmt.Errorf("admission: redis reserve: unexpected reply %v", values)
	}
	result := WindowResult{Hourly: values[1], Daily: values[2]}
	switch values[0] {
	case 1:
		result.Reservation = member
	case 0:
		result.Cause = CauseHourlyLimit
	case 2:
		result.Cause = CauseDailyLimit
	default:
		return WindowResult{}, fmt.Errorf("admission: redis reserve: unknown code %d", values[0])
	}
	return result, nil
}

// Release removes a reservation.
func (c *RedisCounter) Release(ctx context.Context, userID, reservation string) error {
	if c == nil || c.client == nil {
		return errors.New("admission: nil redis client")
	}
	if reservation == "" {
		return nil
	}
	if errRem := c.client.ZRem(ctx, c.key(userID), reservation).Err(); errRem != nil {
		return fmt.Errorf("admission: redis release: %w", errRem)
	}
	return nil
}
