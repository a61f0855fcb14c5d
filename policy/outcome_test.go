package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeFactories(t *testing.T) {
	t.Run("allow is the zero value", func(t *testing.T) {
		assert.Equal(t, Outcome{}, Allow())
		assert.Zero(t, Allow().Code)
		assert.Equal(t, ReasonNone, Allow().ReasonOrNone())
	})

	t.Run("defaults", func(t *testing.T) {
		assert.Equal(t, 451, TempFail(0, "", "").Code)
		assert.Equal(t, 550, PermFail(0, "", "").Code)
		assert.Equal(t, 421, Disconnect(0, "", "").Code)
		assert.NotEmpty(t, TempFail(0, "", "").Message)
		assert.Equal(t, ReasonNone, PermFail(0, "", "").Reason)
	})

	t.Run("only disconnect closes", func(t *testing.T) {
		assert.False(t, TempFail(0, "", ReasonRateLimit).CloseConnection)
		assert.False(t, PermFail(0, "", ReasonRateLimit).CloseConnection)
		assert.True(t, Disconnect(0, "", ReasonRateLimit).CloseConnection)
	})

	t.Run("explicit values kept", func(t *testing.T) {
		out := PermFail(554, "5.7.1 rejected", ReasonDMARC)
		assert.Equal(t, DecisionPermFail, out.Decision)
		assert.Equal(t, 554, out.Code)
		assert.Equal(t, "5.7.1 rejected", out.Message)
		assert.Equal(t, ReasonDMARC, out.Reason)
	})
}

func TestOutcomeModifiers(t *testing.T) {
	base := TempFail(0, "", ReasonGreylisting)

	delayed := base.WithDelay(3 * time.Second)
	require.Equal(t, 3*time.Second, delayed.Delay)
	assert.Equal(t, base.Decision, delayed.Decision)
	assert.Zero(t, base.Delay)

	assert.Zero(t, base.WithDelay(-time.Second).Delay)

	synth := base.AsSynthetic()
	assert.True(t, synth.Synthetic)
	assert.False(t, base.Synthetic)
	assert.Equal(t, base.Decision, synth.Decision)
}

func TestDecisionSeverity(t *testing.T) {
	assert.Less(t, DecisionAllow.Severity(), DecisionTempFail.Severity())
	assert.Equal(t, DecisionTempFail.Severity(), DecisionPermFail.Severity())
	assert.Less(t, DecisionPermFail.Severity(), DecisionDisconnect.Severity())
}

func TestParsePhase(t *testing.T) {
	for _, p := range Phases {
		got, err := ParsePhase(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	got, err := ParsePhase(" rcpt_pre ")
	require.NoError(t, err)
	assert.Equal(t, PhaseRcptPre, got)

	_, err = ParsePhase("HELO")
	assert.ErrorIs(t, err, ErrUnknownPhase)

	var p Phase
	require.NoError(t, p.UnmarshalText([]byte("DATA_END")))
	assert.Equal(t, PhaseDataEnd, p)
}

func TestContextHelpers(t *testing.T) {
	c := &Context{MailFrom: "<Bob@Example.COM>", CurrentRecipient: "alice@Dest.test."}
	assert.Equal(t, "example.com", c.SenderDomain())
	assert.Equal(t, "dest.test", c.RecipientDomain())
	assert.Empty(t, (&Context{}).SenderDomain())

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Time = fixed
	assert.Equal(t, fixed, c.Now())

	attrs := NewAttributes()
	attrs.Set(AttrAuthResults, "mx; spf=pass")
	assert.Equal(t, "mx; spf=pass", attrs.GetString(AttrAuthResults))
	attrs.Delete(AttrAuthResults)
	_, ok := attrs.Get(AttrAuthResults)
	assert.False(t, ok)
}
