package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsim/policy"
)

func TestRuleAndFinalOutcomes(t *testing.T) {
	m := New(nil)

	m.RuleFired(policy.PhaseRcptPre, "rate_limit", policy.Allow())
	m.RuleFired(policy.PhaseRcptPre, "greylisting", policy.TempFail(0, "", policy.ReasonGreylisting))
	m.FinalOutcome(policy.PhaseRcptPre, policy.TempFail(0, "", policy.ReasonGreylisting).WithDelay(2*time.Second))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleOutcomes.WithLabelValues("RCPT_PRE", "rate_limit", "ALLOW", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleOutcomes.WithLabelValues("RCPT_PRE", "greylisting", "TEMP_FAIL", "greylisting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalOutcomes.WithLabelValues("RCPT_PRE", "TEMP_FAIL", "greylisting", "451")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReplyDelay))
	assert.Equal(t, 0, testutil.CollectAndCount(m.SyntheticTotal))
}

func TestSyntheticOutcomes(t *testing.T) {
	m := New(nil)

	m.FinalOutcome(policy.PhaseDataEnd, policy.PermFail(0, "", policy.ReasonFaultInjection).AsSynthetic())
	m.FinalOutcome(policy.PhaseDataEnd, policy.Allow())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SyntheticTotal.WithLabelValues("DATA_END")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalOutcomes.WithLabelValues("DATA_END", "ALLOW", "none", "0")))
	assert.Equal(t, 0, testutil.CollectAndCount(m.ReplyDelay), "no delay observed")
}

func TestTierAndAuthCounters(t *testing.T) {
	m := New(nil)

	m.TierTransition("normal", "throttled")
	m.TierTransition("normal", "throttled")
	m.AuthResult("spf", "fail")
	m.AuthResult("dkim", "pass")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TierTransitions.WithLabelValues("normal", "throttled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthResults.WithLabelValues("spf", "fail")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthResults.WithLabelValues("dkim", "pass")))
}

func TestSessionGauge(t *testing.T) {
	m := New(nil)

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()
	m.MessageReceived()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesReceived))
}

func TestRegistersWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.AuthResult("dmarc", "pass")

	expected := `
# HELP mailsim_auth_results_total SPF, DKIM and DMARC verification results
# TYPE mailsim_auth_results_total counter
mailsim_auth_results_total{protocol="dmarc",result="pass"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "mailsim_auth_results_total"))

	assert.Panics(t, func() { New(reg) }, "duplicate registration")
}
