// Package admission decides whether a user may make an AI call now.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/metrics"
	"github.com/taskhive/taskhive-backend/internal/policy"
)

// DefaultTimeout bounds one admission decision.
const DefaultTimeout = 3 * time.Second

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// Cause names why a decision was made.
type Cause string

const (
	CauseNone           Cause = ""
	CauseGlobalDisabled Cause = "global_disabled"
	CauseUserDisabled   Cause = "user_disabled"
	CauseHourlyLimit    Cause = "hourly_limit"
	CauseDailyLimit     Cause = "daily_limit"
	CauseTokenLimit     Cause = "token_limit"
	CauseUnavailable    Cause = "unavailable"
)

// Denial reasons shown to callers.
const (
	ReasonGlobalDisabled = "AI disabled"
	ReasonUserDisabled   = "AI access disabled for user"
	ReasonUnavailable    = "AI usage check unavailable, please retry later"
)

// Decision is the result of an admission check. Denials are values, not
// errors.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Cause   Cause          `json:"cause,omitempty"`
	Limit   int64          `json:"limit,omitempty"`
	Limits  *policy.Limits `json:"limits,omitempty"`
}

// PolicyResolver returns a user's effective policy.
type PolicyResolver interface {
	Resolve(ctx context.Context, userID string) (policy.EffectivePolicy, error)
}

// TokenReader sums a user's recorded tokens.
type TokenReader interface {
	SumTokensSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// Gate evaluates admission for AI calls.
type Gate struct {
	resolver PolicyResolver
	counter  Counter
	tokens   TokenReader
	clock    quartz.Clock
	timeout  time.Duration
}

// GateOption customizes a Gate.
type GateOption func(*Gate)

// WithClock overrides the clock that anchors the windows.
func WithClock(clock quartz.Clock) GateOption {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithTimeout overrides the per-decision timeout.
func WithTimeout(timeout time.Duration) GateOption {
	return func(g *Gate) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGate constructs a Gate. tokens may be nil to skip the token budget.
func NewGate(resolver PolicyResolver, counter Counter, tokens TokenReader, opts ...GateOption) *Gate {
	g := &Gate{
		resolver: resolver,
		counter:  counter,
		tokens:   tokens,
		clock:    quartz.NewReal(),
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit decides whether userID may proceed. With a strict counter an
// allowed decision holds a slot in the request windows.
func (g *Gate) Admit(ctx context.Context, userID string) Decision {
	return g.decide(ctx, userID, true)
}

// Check is Admit without reserving a slot.
func (g *Gate) Check(ctx context.Context, userID string) Decision {
	return g.decide(ctx, userID, false)
}

func (g *Gate) decide(ctx context.Context, userID string, reserve bool) Decision {
	started := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	decision, errDecide := g.evaluate(opCtx, userID, reserve)
	if errDecide != nil {
		log.WithError(errDecide).WithField("user_id", userID).Warn("admission: check failed, denying")
		decision = Decision{Reason: ReasonUnavailable, Cause: CauseUnavailable}
	}

	outcome := metrics.OutcomeDenied
	cause := string(decision.Cause)
	if decision.Allowed {
		outcome = metrics.OutcomeAllowed
		cause = "none"
	}
	metrics.AdmissionDecisions.WithLabelValues(outcome, cause).Inc()
	metrics.AdmissionDuration.Observe(float64(time.Since(started).Milliseconds()))
	return decision
}

func (g *Gate) evaluate(ctx context.Context, userID string, reserve bool) (Decision, error) {
	if g == nil || g.resolver == nil || g.counter == nil {
		return Decision{}, errors.New("admission: gate not configured")
	}
	effective, errResolve := g.resolver.Resolve(ctx, userID)
	if errResolve != nil {
		return Decision{}, fmt.Errorf("admission: resolve policy: %w", errResolve)
	}
	limits := effective.Limits
	if !effective.GlobalEnabled {
		return Decision{Reason: ReasonGlobalDisabled, Cause: CauseGlobalDisabled}, nil
	}
	if !effective.UserEnabled {
		return Decision{Reason: ReasonUserDisabled, Cause: CauseUserDisabled}, nil
	}

	now := g.clock.Now().UTC()
	var (
		window    WindowResult
		errWindow error
	)
	if reserve {
		window, errWindow = g.counter.Reserve(ctx, userID, limits, now)
	} else {
		window, errWindow = g.counter.Check(ctx, userID, limits, now)
	}
	if errWindow != nil {
		return Decision{}, fmt.Errorf("admission: count requests: %w", errWindow)
	}
	switch window.Cause {
	case CauseHourlyLimit:
		return denyHourly(limits.MaxRequestsPerHour), nil
	case CauseDailyLimit:
		return denyDaily(limits.MaxRequestsPerDay), nil
	}

	if g.tokens != nil && limits.MaxTokensPerDay > 0 {
		used, errTokens := g.tokens.SumTokensSince(ctx, userID, now.Add(-dayWindow))
		if errTokens != nil || used >= limits.MaxTokensPerDay {
			g.release(ctx, userID, window.Reservation)
		}
		if errTokens != nil {
			return Decision{}, fmt.Errorf("admission: sum tokens: %w", errTokens)
		}
		if used >= limits.MaxTokensPerDay {
			return Decision{
				Reason: fmt.Sprintf("Daily token limit exceeded: maximum %d tokens per day", limits.MaxTokensPerDay),
				Cause:  CauseTokenLimit,
				Limit:  limits.MaxTokensPerDay,
			}, nil
		}
	}
	return Decision{Allowed: true, Limits: &limits}, nil
}

func (g *Gate) release(ctx context.Context, userID, reservation string) {
	if reservation == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()
	if errRelease := g.counter.Release(releaseCtx, userID, reservation); errRelease != nil {
		log.WithError(errRelease).WithField("user_id", userID).Warn("admission: release reservation failed")
	}
}

func denyHourly(limit int) Decision {
	return Decision{
		Reason: fmt.Sprintf("Rate limit exceeded: maximum %d requests per hour", limit),
		Cause:  CauseHourlyLimit,
		Limit:  int64(limit),
	}
}

func denyDaily(limit int) Decision {
	return Decision{
		Reason: fmt.Sprintf("Rate limit exceeded: maximum %d requests per day", limit),
		Cause:  CauseDailyLimit,
		Limit:  int64(limit),
	}
}
