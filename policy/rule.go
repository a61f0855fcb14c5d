package policy

import (
	"context"
)

// Rule is a policy check registered with the Orchestrator under one or more
// phases. Implementations must be safe for concurrent use and comparable
// (pointer types), since the orchestrator tracks rules by identity.
type Rule interface {
	// Type returns the configuration key of the rule, e.g. "rate_limit".
	Type() string

	// Supports reports whether the rule may be registered under phase.
	Supports(phase Phase) bool

	// Evaluate returns the rule's outcome for the context.
	Evaluate(ctx context.Context, pctx *Context) Outcome

	// AfterEvaluation receives the combined outcome of the phase, whether or
	// not this rule produced it.
	AfterEvaluation(ctx context.Context, pctx *Context, final Outcome)

	// OnSessionEnd is called once per session for every registered rule.
	OnSessionEnd(ctx context.Context, pctx *Context)
}

// BaseRule provides no-op AfterEvaluation and OnSessionEnd hooks for
// embedding.
type BaseRule struct{}

// AfterEvaluation implements Rule.
func (BaseRule) AfterEvaluation(context.Context, *Context, Outcome) {}

// OnSessionEnd implements Rule.
func (BaseRule) OnSessionEnd(context.Context, *Context) {}

// MetricsSink receives decision events. Calls are fire-and-forget and must
// not block.
type MetricsSink interface {
	RuleFired(phase Phase, ruleType string, outcome Outcome)
	FinalOutcome(phase Phase, outcome Outcome)
	TierTransition(from, to string)
	AuthResult(protocol, result string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) RuleFired(Phase, string, Outcome) {}
func (NopSink) FinalOutcome(Phase, Outcome)      {}
func (NopSink) TierTransition(string, string)    {}
func (NopSink) AuthResult(string, string)        {}
