// Package metrics exports policy decisions as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/synqronlabs/mailsim/policy"
)

const namespace = "mailsim"

// Metrics implements policy.MetricsSink and also carries the session
// counters of the SMTP driver.
type Metrics struct {
	RuleOutcomes     *prometheus.CounterVec
	FinalOutcomes    *prometheus.CounterVec
	SyntheticTotal   *prometheus.CounterVec
	ReplyDelay       *prometheus.HistogramVec
	TierTransitions  *prometheus.CounterVec
	AuthResults      *prometheus.CounterVec
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	MessagesReceived prometheus.Counter
}

var _ policy.MetricsSink = (*Metrics)(nil)

// New registers the collectors with reg. A nil reg registers nothing, which
// is convenient in tests that only read the collectors back.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RuleOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_outcomes_total",
			Help:      "Outcomes produced by individual rules",
		}, []string{"phase", "rule", "decision", "reason"}),
		FinalOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "final_outcomes_total",
			Help:      "Combined outcomes returned to the session driver per phase",
		}, []string{"phase", "decision", "reason", "code"}),
		SyntheticTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthetic_outcomes_total",
			Help:      "Final outcomes manufactured by fault injection",
		}, []string{"phase"}),
		ReplyDelay: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_delay_seconds",
			Help:      "Delay applied before replying, per phase",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"phase"}),
		TierTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adaptive_tier_transitions_total",
			Help:      "Adaptive rate tier changes",
		}, []string{"from", "to"}),
		AuthResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_results_total",
			Help:      "SPF, DKIM and DMARC verification results",
		}, []string{"protocol", "result"}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_total",
			Help:      "SMTP sessions accepted by the listener",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "smtp_sessions_active",
			Help:      "SMTP sessions currently open",
		}),
		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "smtp_messages_received_total",
			Help:      "Messages whose DATA phase was accepted",
		}),
	}
}

func (m *Metrics) RuleFired(phase policy.Phase, ruleType string, outcome policy.Outcome) {
	m.RuleOutcomes.WithLabelValues(phase.String(), ruleType, outcome.Decision.String(), string(outcome.ReasonOrNone())).Inc()
}

func (m *Metrics) FinalOutcome(phase policy.Phase, outcome policy.Outcome) {
	p := phase.String()
	m.FinalOutcomes.WithLabelValues(p, outcome.Decision.String(), string(outcome.ReasonOrNone()), strconv.Itoa(outcome.Code)).Inc()
	if outcome.Synthetic {
		m.SyntheticTotal.WithLabelValues(p).Inc()
	}
	if outcome.Delay > 0 {
		m.ReplyDelay.WithLabelValues(p).Observe(outcome.Delay.Seconds())
	}
}

func (m *Metrics) TierTransition(from, to string) {
	m.TierTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) AuthResult(protocol, result string) {
	m.AuthResults.WithLabelValues(protocol, result).Inc()
}

// SessionStarted and SessionEnded track the session gauge.
func (m *Metrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	m.SessionsActive.Dec()
}

func (m *Metrics) MessageReceived() {
	m.MessagesReceived.Inc()
}
