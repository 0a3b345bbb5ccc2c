// Package analytics reduces the usage ledger into admin reports.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/shopspring/decimal"
	"github.com/taskhive/taskhive-backend/internal/settings"
	"github.com/taskhive/taskhive-backend/internal/usage"
)

// ErrAggregationFailed indicates the ledger could not be read. No partial
// report is returned with it.
var ErrAggregationFailed = errors.New("analytics: aggregation failed")

// Period names a report window.
type Period string

const (
	Period24h Period = "24h"
	Period7d  Period = "7d"
	Period30d Period = "30d"
	Period90d Period = "90d"
)

// DefaultPeriod is used for unknown period names.
const DefaultPeriod = Period7d

const (
	dateLayout = "2006-01-02"
	costPlaces = 4
)

// ParsePeriod maps a period name to a known Period, defaulting to 7d.
func ParsePeriod(raw string) Period {
	switch Period(strings.TrimSpace(raw)) {
	case Period24h:
		return Period24h
	case Period7d:
		return Period7d
	case Period30d:
		return Period30d
	case Period90d:
		return Period90d
	default:
		return DefaultPeriod
	}
}

// Window returns the period length.
func (p Period) Window() time.Duration {
	switch p {
	case Period24h:
		return 24 * time.Hour
	case Period30d:
		return 30 * 24 * time.Hour
	case Period90d:
		return 90 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Overview summarizes a period.
type Overview struct {
	TotalRequests  int64   `json:"totalRequests"`
	TotalTokens    int64   `json:"totalTokens"`
	TotalCost      float64 `json:"totalCost"`
	UniqueUsers    int     `json:"uniqueUsers"`
	FailedRequests int64   `json:"failedRequests"`
	Period         Period  `json:"period"`
}

// UserUsage is one user's totals.
type UserUsage struct {
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName"`
	UserEmail     string    `json:"userEmail"`
	Requests      int64     `json:"requests"`
	TokensUsed    int64     `json:"tokensUsed"`
	EstimatedCost float64   `json:"estimatedCost"`
	LastRequest   time.Time `json:"lastRequest"`
	Errors        int64     `json:"errors"`
}

// DayBucket is one UTC calendar day's totals.
type DayBucket struct {
	Date     string  `json:"date"`
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// Alert flags a threshold crossed by today's usage.
type Alert struct {
	Type      string  `json:"type"`
	Date      string  `json:"date"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Alert types.
const (
	AlertDailyCost     = "daily_cost"
	AlertDailyRequests = "daily_requests"
)

// Report is the full admin usage report.
type Report struct {
	Overview   Overview    `json:"overview"`
	PerUser    []UserUsage `json:"perUser"`
	DailyStats []DayBucket `json:"dailyStats"`
	Alerts     []Alert     `json:"alerts"`
}

// EventScanner iterates ledger events.
type EventScanner interface {
	Scan(ctx context.Context, query usage.ScanQuery, fn func(usage.Event) error) error
}

// SettingsProvider supplies alert thresholds.
type SettingsProvider interface {
	Current(ctx context.Context) settings.AIGlobalSettings
}

// Aggregator builds reports from the ledger.
type Aggregator struct {
	ledger   EventScanner
	settings SettingsProvider
	clock    quartz.Clock
}

// AggregatorOption customizes an Aggregator.
type AggregatorOption func(*Aggregator)

// WithClock overrides the clock that anchors the report window.
func WithClock(clock quartz.Clock) AggregatorOption {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAggregator constructs an Aggregator. settingsProvider may be nil, in
// which case no alerts are produced.
func NewAggregator(ledger EventScanner, settingsProvider SettingsProvider, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{ledger: ledger, settings: settingsProvider, clock: quartz.NewReal()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report reduces the events of one period, optionally for one user, in a
// single pass.
func (a *Aggregator) Report(ctx context.Context, period Period, userID string) (Report, error) {
	if a == nil || a.ledger == nil {
		return Report{}, fmt.Errorf("%w: nil ledger", ErrAggregationFailed)
	}
	period = ParsePeriod(string(period))
	now := a.clock.Now().UTC()

	acc := newAccumulator()
	errScan := a.ledger.Scan(ctx, usage.ScanQuery{
		Since:  now.Add(-period.Window()),
		Until:  now,
		UserID: strings.TrimSpace(userID),
	}, func(event usage.Event) error {
		acc.add(event)
		return nil
	})
	if errScan != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrAggregationFailed, errScan)
	}

	report := Report{
		Overview:   acc.overview(period),
		PerUser:    acc.perUser(),
		DailyStats: acc.dailyStats(),
		Alerts:     []Alert{},
	}
	if a.settings != nil {
		report.Alerts = alertsFor(report.DailyStats, now.Format(dateLayout), a.settings.Current(ctx).AlertThreshold)
	}
	return report, nil
}

// Overview returns only the overview of a period.
func (a *Aggregator) Overview(ctx context.Context, period Period) (Overview, error) {
	report, err := a.Report(ctx, period, "")
	if err != nil {
		return Overview{}, err
	}
	return report.Overview, nil
}

// PerUser returns only the per-user breakdown of a period.
func (a *Aggregator) PerUser(ctx context.Context, period Period) ([]UserUsage, error) {
	report, err := a.Report(ctx, period, "")
	if err != nil {
		return nil, err
	}
	return report.PerUser, nil
}

// DailyStats returns only the daily breakdown of a period.
func (a *Aggregator) DailyStats(ctx context.Context, period Period) ([]DayBucket, error) {
	report, err := a.Report(ctx, period, "")
	if err != nil {
		return nil, err
	}
	return report.DailyStats, nil
}

type userAcc struct {
	usage UserUsage
	cost  decimal.Decimal
}

type dayAcc struct {
	bucket DayBucket
	cost   decimal.Decimal
}

// accumulator holds order-independent reducers: sums, counts, max and
// distinct keys. Labels come from the first event seen per user, and the
// ledger scans in insertion order.
type accumulator struct {
	requests int64
	tokens   int64
	failed   int64
	cost     decimal.Decimal
	users    map[string]*userAcc
	days     map[string]*dayAcc
}

func newAccumulator() *accumulator {
	return &accumulator{
		cost:  decimal.Zero,
		users: map[string]*userAcc{},
		days:  map[string]*dayAcc{},
	}
}

func (a *accumulator) add(event usage.Event) {
	cost := usage.MicrosToDecimal(event.CostMicros)
	failed := event.Status == usage.StatusError

	a.requests++
	a.tokens += event.TokensUsed
	a.cost = a.cost.Add(cost)
	if failed {
		a.failed++
	}

	u, ok := a.users[event.UserID]
	if !ok {
		name := event.UserName
		if name == "" {
			name = usage.UnknownUserName
		}
		u = &userAcc{
			usage: UserUsage{UserID: event.UserID, UserName: name, UserEmail: event.UserEmail},
			cost:  decimal.Zero,
		}
		a.users[event.UserID] = u
	}
	u.usage.Requests++
	u.usage.TokensUsed += event.TokensUsed
	u.cost = u.cost.Add(cost)
	if failed {
		u.usage.Errors++
	}
	if event.Timestamp.After(u.usage.LastRequest) {
		u.usage.LastRequest = event.Timestamp.UTC()
	}

	day := event.Timestamp.UTC().Format(dateLayout)
	d, ok := a.days[day]
	if !ok {
		d = &dayAcc{bucket: DayBucket{Date: day}, cost: decimal.Zero}
		a.days[day] = d
	}
	d.bucket.Requests++
	d.bucket.Tokens += event.TokensUsed
	d.cost = d.cost.Add(cost)
}

func (a *accumulator) overview(period Period) Overview {
	return Overview{
		TotalRequests:  a.requests,
		TotalTokens:    a.tokens,
		TotalCost:      roundCost(a.cost),
		UniqueUsers:    len(a.users),
		FailedRequests: a.failed,
		Period:         period,
	}
}

func (a *accumulator) perUser() []UserUsage {
	out := make([]UserUsage, 0, len(a.users))
	for _, u := range a.users {
		item := u.usage
		item.EstimatedCost = roundCost(u.cost)
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (a *accumulator) dailyStats() []DayBucket {
	out := make([]DayBucket, 0, len(a.days))
	for _, d := range a.days {
		item := d.bucket
		item.Cost = roundCost(d.cost)
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func roundCost(cost decimal.Decimal) float64 {
	return cost.Round(costPlaces).InexactFloat64()
}

func alertsFor(days []DayBucket, today string, threshold settings.AlertThreshold) []Alert {
	alerts := []Alert{}
	for _, day := range days {
		if day.Date != today {
			continue
		}
		if threshold.DailyCostUSD > 0 && day.Cost >= threshold.DailyCostUSD {
			alerts = append(alerts, Alert{
				Type:      AlertDailyCost,
				Date:      day.Date,
				Value:     day.Cost,
				Threshold: threshold.DailyCostUSD,
				Message:   fmt.Sprintf("Daily AI cost $%.4f reached the $%.2f threshold", day.Cost, threshold.DailyCostUSD),
			})
		}
		if threshold.DailyRequests > 0 && day.Requests >= int64(threshold.DailyRequests) {
			alerts = append(alerts, Alert{
				Type:      AlertDailyRequests,
				Date:      day.Date,
				Value:     float64(day.Requests),
				Threshold: float64(threshold.DailyRequests),
				Message:   fmt.Sprintf("Daily AI requests %d reached the %d threshold", day.Requests, threshold.DailyRequests),
			})
		}
	}
	return alerts
}
