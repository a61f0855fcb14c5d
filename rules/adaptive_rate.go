package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// TierParams describes a throttling tier. A scope enters the tier when any
// of its non-zero entry conditions holds; while in it the scope may have at
// most Max recipients accepted per Window.
type TierParams struct {
	Name string `yaml:"name"`

	SoftFailRate        float64 `yaml:"soft_fail_rate"`
	HardFailRate        float64 `yaml:"hard_fail_rate"`
	ConsecutiveFailures int     `yaml:"consecutive_failures"`
	Disconnects         int     `yaml:"disconnects"`

	Window time.Duration `yaml:"window"`
	Max    int64         `yaml:"max"`
}

// AdaptiveRateParams configures AdaptiveRate. Tiers are listed from the
// mildest to the strictest.
type AdaptiveRateParams struct {
	Scope             Scopes        `yaml:"scope"`
	ObservationWindow time.Duration `yaml:"observation_window"`
	MinSamples        int           `yaml:"min_samples"`
	Cooldown          time.Duration `yaml:"cooldown"`
	BaseTier          string        `yaml:"base_tier"`
	Tiers             []TierParams  `yaml:"tiers"`
	Code              int           `yaml:"code"`
	Message           string        `yaml:"message"`
}

// DefaultTier is the tier name of a scope that is not throttled.
const DefaultTier = "normal"

// TierSource reports the throttling tier of the scope a context belongs to.
type TierSource interface {
	TierFor(pctx *policy.Context) string
}

// AdaptiveRate watches how sessions of a scope fare and moves the scope into
// stricter tiers while failures persist.
type AdaptiveRate struct {
	name     string
	params   AdaptiveRateParams
	counters CounterStore
	metrics  policy.MetricsSink
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*adaptiveState
}

type adaptiveState struct {
	mu sync.Mutex

	obsStart    time.Time
	total       int
	soft        int
	hard        int
	disconnects int
	consecutive int

	tier      int // index into Tiers, -1 for the base tier
	heldUntil time.Time
	lastSeen  time.Time
}

// NewAdaptiveRate validates p and creates the rule.
func NewAdaptiveRate(name string, p AdaptiveRateParams, counters CounterStore, metrics policy.MetricsSink, logger *slog.Logger) (*AdaptiveRate, error) {
	if err := p.Scope.Validate(); err != nil {
		return nil, err
	}
	if p.ObservationWindow == 0 {
		p.ObservationWindow = 5 * time.Minute
	}
	if p.MinSamples == 0 {
		p.MinSamples = 10
	}
	if p.Cooldown == 0 {
		p.Cooldown = 10 * time.Minute
	}
	if p.BaseTier == "" {
		p.BaseTier = DefaultTier
	}
	if p.Code == 0 {
		p.Code = 451
	}
	if p.Message == "" {
		p.Message = "4.7.0 Sending rate reduced, try again later"
	}
	if p.ObservationWindow < 0 || p.Cooldown < 0 || p.MinSamples < 0 {
		return nil, fmt.Errorf("%w: negative observation window, cooldown or sample count", ErrInvalidParams)
	}
	if len(p.Tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidParams)
	}
	seen := map[string]bool{p.BaseTier: true}
	for _, t := range p.Tiers {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: duplicate tier %q", ErrInvalidParams, t.Name)
		}
		seen[t.Name] = true
	}

	if name == "" {
		name = TypeAdaptiveRate
	}
	if metrics == nil {
		metrics = policy.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdaptiveRate{
		name:     name,
		params:   p,
		counters: counters,
		metrics:  metrics,
		logger:   logger,
		states:   make(map[string]*adaptiveState),
	}, nil
}

func (t TierParams) validate() error {
	switch {
	case t.Name == "":
		return fmt.Errorf("%w: tier without a name", ErrInvalidParams)
	case t.Window <= 0 || t.Max <= 0:
		return fmt.Errorf("%w: tier %q needs a positive window and max", ErrInvalidParams, t.Name)
	case t.SoftFailRate < 0 || t.SoftFailRate > 1 || t.HardFailRate < 0 || t.HardFailRate > 1:
		return fmt.Errorf("%w: tier %q rates must be within [0,1]", ErrInvalidParams, t.Name)
	case t.SoftFailRate == 0 && t.HardFailRate == 0 && t.ConsecutiveFailures <= 0 && t.Disconnects <= 0:
		return fmt.Errorf("%w: tier %q has no entry condition", ErrInvalidParams, t.Name)
	}
	return nil
}

func (r *AdaptiveRate) Type() string { return TypeAdaptiveRate }

func (r *AdaptiveRate) Supports(phase policy.Phase) bool {
	switch phase {
	case policy.PhaseRcptPre, policy.PhaseDataPre, policy.PhaseDataEnd:
		return true
	}
	return false
}

// Evaluate implements policy.Rule.
func (r *AdaptiveRate) Evaluate(ctx context.Context, pctx *policy.Context) policy.Outcome {
	now := pctx.Now()
	key := r.params.Scope.Key(pctx)
	st := r.state(key)

	from, to := st.transition(now, &r.params)
	if from != to {
		r.metrics.TierTransition(r.tierName(from), r.tierName(to))
		r.logger.Info("adaptive tier changed",
			slog.String("rule", r.name),
			slog.String("scope", key),
			slog.String("from", r.tierName(from)),
			slog.String("to", r.tierName(to)),
		)
	}
	if to < 0 {
		return policy.Allow()
	}

	tier := r.params.Tiers[to]
	tierKey := r.tierKey(key, tier)
	if pctx.Phase != policy.PhaseRcptPre {
		n, err := r.counters.Count(ctx, tierKey, tier.Window, now)
		if err != nil {
			r.logger.Warn("adaptive rate counter unavailable", slog.String("scope", key), slog.Any("error", err))
			return policy.Allow()
		}
		if n >= tier.Max {
			return policy.TempFail(r.params.Code, r.params.Message, policy.ReasonAdaptiveRate)
		}
		return policy.Allow()
	}

	// Recipients take their slot in the tier window up front, as RateLimit
	// does, and give it back in AfterEvaluation unless accepted.
	n, err := r.counters.Increment(ctx, tierKey, tier.Window, now)
	if err != nil {
		r.logger.Warn("adaptive rate counter unavailable", slog.String("scope", key), slog.Any("error", err))
		return policy.Allow()
	}
	if n > tier.Max {
		r.release(ctx, tierReservation{key: tierKey, window: tier.Window}, now)
		return policy.TempFail(r.params.Code, r.params.Message, policy.ReasonAdaptiveRate)
	}
	if pctx.Attributes == nil {
		pctx.Attributes = policy.NewAttributes()
	}
	pctx.Attributes.Set(r.reservationAttr(), tierReservation{key: tierKey, window: tier.Window})
	return policy.Allow()
}

// tierReservation is the tier window slot taken by an accepted-so-far
// recipient.
type tierReservation struct {
	key    string
	window time.Duration
}

// AfterEvaluation records the final outcome as an observation and keeps the
// recipient's tier slot only when it was accepted. Refusals issued by this
// rule are not observed, so a tier does not sustain itself.
func (r *AdaptiveRate) AfterEvaluation(ctx context.Context, pctx *policy.Context, final policy.Outcome) {
	now := pctx.Now()
	if final.Reason != policy.ReasonAdaptiveRate {
		r.state(r.params.Scope.Key(pctx)).observe(now, final, r.params.ObservationWindow)
	}

	attr := r.reservationAttr()
	v, ok := pctx.Attributes.Get(attr)
	if !ok {
		return
	}
	pctx.Attributes.Delete(attr)
	if res, ok := v.(tierReservation); ok && !final.IsAllow() {
		r.release(ctx, res, now)
	}
}

func (r *AdaptiveRate) release(ctx context.Context, res tierReservation, now time.Time) {
	if err := r.counters.Release(ctx, res.key, res.window, now); err != nil {
		r.logger.Warn("adaptive rate counter unavailable", slog.String("key", res.key), slog.Any("error", err))
	}
}

func (r *AdaptiveRate) reservationAttr() string {
	return "adaptive_rate.reserved." + r.name
}

// OnSessionEnd implements policy.Rule.
func (r *AdaptiveRate) OnSessionEnd(context.Context, *policy.Context) {}

// TierFor implements TierSource.
func (r *AdaptiveRate) TierFor(pctx *policy.Context) string {
	key := r.params.Scope.Key(pctx)
	r.mu.Lock()
	st := r.states[key]
	r.mu.Unlock()
	if st == nil {
		return r.params.BaseTier
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.tierName(st.tier)
}

// Sweep drops scopes idle for longer than the observation window whose
// cooldown has elapsed.
func (r *AdaptiveRate) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, st := range r.states {
		st.mu.Lock()
		idle := now.Sub(st.lastSeen) > r.params.ObservationWindow && !now.Before(st.heldUntil)
		st.mu.Unlock()
		if idle {
			delete(r.states, key)
		}
	}
}

func (r *AdaptiveRate) state(key string) *adaptiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.states[key]
	if st == nil {
		st = &adaptiveState{tier: -1}
		r.states[key] = st
	}
	return st
}

func (r *AdaptiveRate) tierName(idx int) string {
	if idx < 0 {
		return r.params.BaseTier
	}
	return r.params.Tiers[idx].Name
}

func (r *AdaptiveRate) tierKey(key string, t TierParams) string {
	return r.name + ":" + t.Name + ":" + key
}

// transition moves the scope to the strictest tier whose entry condition
// holds. Promotion is immediate; demotion waits for the cooldown.
func (st *adaptiveState) transition(now time.Time, p *AdaptiveRateParams) (from, to int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.roll(now, p.ObservationWindow)
	st.lastSeen = now
	from = st.tier

	target := -1
	for i := len(p.Tiers) - 1; i >= 0; i-- {
		if st.entered(p.Tiers[i], p.MinSamples) {
			target = i
			break
		}
	}

	switch {
	case target > st.tier:
		st.tier = target
		st.heldUntil = now.Add(p.Cooldown)
	case target < st.tier && !now.Before(st.heldUntil):
		st.tier = target
		if target >= 0 {
			st.heldUntil = now.Add(p.Cooldown)
		}
	}
	return from, st.tier
}

func (st *adaptiveState) entered(t TierParams, minSamples int) bool {
	if t.ConsecutiveFailures > 0 && st.consecutive >= t.ConsecutiveFailures {
		return true
	}
	if t.Disconnects > 0 && st.disconnects >= t.Disconnects {
		return true
	}
	if st.total == 0 || st.total < minSamples {
		return false
	}
	total := float64(st.total)
	if t.SoftFailRate > 0 && float64(st.soft)/total >= t.SoftFailRate {
		return true
	}
	return t.HardFailRate > 0 && float64(st.hard)/total >= t.HardFailRate
}

func (st *adaptiveState) observe(now time.Time, final policy.Outcome, window time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.roll(now, window)
	st.lastSeen = now
	st.total++
	switch final.Decision {
	case policy.DecisionAllow:
		st.consecutive = 0
		return
	case policy.DecisionTempFail:
		st.soft++
	case policy.DecisionPermFail:
		st.hard++
	case policy.DecisionDisconnect:
		st.disconnects++
	}
	st.consecutive++
}

// roll starts a new observation window once the current one has elapsed.
// The consecutive failure streak survives the rollover.
func (st *adaptiveState) roll(now time.Time, window time.Duration) {
	if st.obsStart.IsZero() || now.Sub(st.obsStart) >= window {
		st.obsStart = now
		st.total, st.soft, st.hard, st.disconnects = 0, 0, 0, 0
	}
}
