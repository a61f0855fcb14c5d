package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// RateLimitParams configures RateLimit.
type RateLimitParams struct {
	Scope   Scopes        `yaml:"scope"`
	Window  time.Duration `yaml:"window"`
	Max     int64         `yaml:"max"`
	Code    int           `yaml:"code"`
	Message string        `yaml:"message"`
}

// RateLimit refuses recipients once the scope has had Max recipients
// accepted in the current window. Only accepted recipients are counted.
type RateLimit struct {
	policy.BaseRule
	name     string
	params   RateLimitParams
	counters CounterStore
	logger   *slog.Logger
}

// NewRateLimit validates p and creates the rule.
func NewRateLimit(name string, p RateLimitParams, counters CounterStore, logger *slog.Logger) (*RateLimit, error) {
	if err := p.Scope.Validate(); err != nil {
		return nil, err
	}
	if p.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidParams)
	}
	if p.Max <= 0 {
		return nil, fmt.Errorf("%w: max must be positive", ErrInvalidParams)
	}
	if p.Code == 0 {
		p.Code = 451
	}
	if p.Message == "" {
		p.Message = "4.7.1 Rate limit exceeded, try again later"
	}
	if name == "" {
		name = TypeRateLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimit{name: name, params: p, counters: counters, logger: logger}, nil
}

func (r *RateLimit) Type() string { return TypeRateLimit }

func (r *RateLimit) Supports(phase policy.Phase) bool {
	return phase == policy.PhaseRcptPre || phase == policy.PhaseDataPre
}

// Evaluate implements policy.Rule. The recipient takes a slot in the window
// up front so concurrent sessions cannot overshoot Max; AfterEvaluation gives
// the slot back unless the recipient was accepted. Counter store failures
// allow the recipient.
func (r *RateLimit) Evaluate(ctx context.Context, pctx *policy.Context) policy.Outcome {
	key := r.key(pctx)
	now := pctx.Now()
	n, err := r.counters.Increment(ctx, key, r.params.Window, now)
	if err != nil {
		r.logger.Warn("rate limit counter unavailable", slog.String("key", key), slog.Any("error", err))
		return policy.Allow()
	}
	if n > r.params.Max {
		r.release(ctx, key, now)
		return policy.TempFail(r.params.Code, r.params.Message, policy.ReasonRateLimit)
	}
	if pctx.Attributes == nil {
		pctx.Attributes = policy.NewAttributes()
	}
	pctx.Attributes.Set(r.reservationAttr(), key)
	return policy.Allow()
}

// AfterEvaluation keeps the slot taken by Evaluate only when the recipient
// was accepted.
func (r *RateLimit) AfterEvaluation(ctx context.Context, pctx *policy.Context, final policy.Outcome) {
	attr := r.reservationAttr()
	key := pctx.Attributes.GetString(attr)
	if key == "" {
		return
	}
	pctx.Attributes.Delete(attr)
	if !final.IsAllow() {
		r.release(ctx, key, pctx.Now())
	}
}

func (r *RateLimit) release(ctx context.Context, key string, now time.Time) {
	if err := r.counters.Release(ctx, key, r.params.Window, now); err != nil {
		r.logger.Warn("rate limit counter unavailable", slog.String("key", key), slog.Any("error", err))
	}
}

func (r *RateLimit) reservationAttr() string {
	return "rate_limit.reserved." + r.name
}

func (r *RateLimit) key(pctx *policy.Context) string {
	return r.name + ":" + r.params.Scope.Key(pctx)
}
