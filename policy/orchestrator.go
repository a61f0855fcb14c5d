package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrUnsupportedPhase is returned by Register when a rule does not support
// the phase it is registered under.
var ErrUnsupportedPhase = errors.New("policy: rule does not support phase")

// Orchestrator evaluates the rules registered for a phase and combines their
// outcomes. Registration happens at startup; Evaluate and NotifySessionEnd
// are safe for concurrent use afterwards.
type Orchestrator struct {
	metrics MetricsSink
	logger  *slog.Logger

	mu       sync.RWMutex
	byPhase  map[Phase][]Rule
	distinct []Rule
}

// NewOrchestrator creates an orchestrator with no rules. A nil sink discards
// events and a nil logger uses slog.Default().
func NewOrchestrator(metrics MetricsSink, logger *slog.Logger) *Orchestrator {
	if metrics == nil {
		metrics = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		metrics: metrics,
		logger:  logger,
		byPhase: make(map[Phase][]Rule),
	}
}

// Register appends rule to the rules of phase. Rules are evaluated in
// registration order. Registering a rule again for the same phase is a no-op.
func (o *Orchestrator) Register(phase Phase, rule Rule) error {
	if rule == nil {
		return errors.New("policy: nil rule")
	}
	if !rule.Supports(phase) {
		return fmt.Errorf("%w: %s at %s", ErrUnsupportedPhase, rule.Type(), phase)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if slices.Contains(o.byPhase[phase], rule) {
		return nil
	}
	o.byPhase[phase] = append(o.byPhase[phase], rule)
	if !slices.Contains(o.distinct, rule) {
		o.distinct = append(o.distinct, rule)
	}
	return nil
}

// Rules returns a copy of the rules registered for phase.
func (o *Orchestrator) Rules(phase Phase) []Rule {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.byPhase[phase])
}

// Metrics returns the sink events are reported to.
func (o *Orchestrator) Metrics() MetricsSink {
	return o.metrics
}

// Evaluate runs every rule registered for phase and returns the combined
// outcome. pctx.Phase is set to phase before the first rule runs.
func (o *Orchestrator) Evaluate(ctx context.Context, phase Phase, pctx *Context) Outcome {
	pctx.Phase = phase
	rules := o.Rules(phase)
	if len(rules) == 0 {
		return Allow()
	}

	outcomes := make([]Outcome, len(rules))
	for i, rule := range rules {
		outcomes[i] = rule.Evaluate(ctx, pctx)
		o.metrics.RuleFired(phase, rule.Type(), outcomes[i])
	}

	final := Combine(outcomes)

	for _, rule := range rules {
		rule.AfterEvaluation(ctx, pctx, final)
	}
	o.metrics.FinalOutcome(phase, final)

	if !final.IsAllow() {
		o.logger.Info("policy outcome",
			slog.String("session", pctx.SessionID),
			slog.String("phase", phase.String()),
			slog.String("decision", final.Decision.String()),
			slog.Int("code", final.Code),
			slog.String("reason", string(final.ReasonOrNone())),
			slog.Duration("delay", final.Delay),
			slog.Bool("synthetic", final.Synthetic),
		)
	}
	return final
}

// NotifySessionEnd calls OnSessionEnd once on every distinct registered rule,
// whichever phases it was registered under.
func (o *Orchestrator) NotifySessionEnd(ctx context.Context, pctx *Context) {
	o.mu.RLock()
	rules := slices.Clone(o.distinct)
	o.mu.RUnlock()

	for _, rule := range rules {
		rule.OnSessionEnd(ctx, pctx)
	}
}

// Combine folds rule outcomes into one. The first non-allow outcome wins and
// carries the largest delay of all outcomes. With no terminal outcome the
// result is Allow with that delay.
func Combine(outcomes []Outcome) Outcome {
	var delay time.Duration
	winner := -1
	for i, out := range outcomes {
		delay = max(delay, out.Delay)
		if winner < 0 && !out.IsAllow() {
			winner = i
		}
	}

	final := Allow()
	if winner >= 0 {
		final = outcomes[winner]
	}
	return final.WithDelay(delay)
}
