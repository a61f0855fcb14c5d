package rules

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/mailsim/policy"
)

func TestRateLimit(t *testing.T) {
	newRule := func(t *testing.T, scope ...Scope) *RateLimit {
		t.Helper()
		r, err := NewRateLimit("rl", RateLimitParams{Scope: scope, Window: time.Minute, Max: 2}, NewMemoryCounterStore(), nil)
		require.NoError(t, err)
		return r
	}

	t.Run("refuses at the ceiling", func(t *testing.T) {
		r := newRule(t, ScopeIP)
		pctx := newContext("192.0.2.1", "a@example.com", "x@dest.test")

		assert.True(t, evaluate(r, pctx).IsAllow())
		assert.True(t, evaluate(r, pctx).IsAllow())

		out := evaluate(r, pctx)
		assert.Equal(t, policy.DecisionTempFail, out.Decision)
		assert.Equal(t, 451, out.Code)
		assert.Equal(t, policy.ReasonRateLimit, out.Reason)
		assert.Contains(t, out.Message, "4.7.1")
	})

	t.Run("refused recipients are not counted", func(t *testing.T) {
		r := newRule(t, ScopeIP)
		pctx := newContext("192.0.2.1", "a@example.com", "x@dest.test")
		ctx := context.Background()

		for range 5 {
			out := r.Evaluate(ctx, pctx)
			require.True(t, out.IsAllow())
			r.AfterEvaluation(ctx, pctx, policy.TempFail(0, "", policy.ReasonGreylisting))
		}
		assert.True(t, evaluate(r, pctx).IsAllow())
	})

	t.Run("new window resets", func(t *testing.T) {
		r := newRule(t, ScopeIP)
		pctx := newContext("192.0.2.1", "a@example.com", "x@dest.test")
		evaluate(r, pctx)
		evaluate(r, pctx)
		require.False(t, evaluate(r, pctx).IsAllow())

		pctx.Time = epoch.Add(time.Minute)
		assert.True(t, evaluate(r, pctx).IsAllow())
	})

	t.Run("composite scope partitions", func(t *testing.T) {
		r := newRule(t, ScopeIP, ScopeRecipientDomain)
		a := newContext("192.0.2.1", "a@example.com", "x@one.test")
		b := newContext("192.0.2.1", "a@example.com", "x@two.test")
		evaluate(r, a)
		evaluate(r, a)

		assert.False(t, evaluate(r, a).IsAllow())
		assert.True(t, evaluate(r, b).IsAllow())
	})

	t.Run("concurrent sessions never overshoot the ceiling", func(t *testing.T) {
		r, err := NewRateLimit("rl", RateLimitParams{Scope: Scopes{ScopeIP}, Window: time.Minute, Max: 10}, NewMemoryCounterStore(), nil)
		require.NoError(t, err)

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for i := range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pctx := newContext("192.0.2.1", "a@example.com", "x@dest.test")
				pctx.SessionID = strconv.Itoa(i)
				if evaluate(r, pctx).IsAllow() {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(10), accepted.Load())
		assert.False(t, evaluate(r, newContext("192.0.2.1", "a@example.com", "x@dest.test")).IsAllow())
	})

	t.Run("slot is returned when another rule refuses", func(t *testing.T) {
		r := newRule(t, ScopeIP)
		ctx := context.Background()
		pctx := newContext("192.0.2.1", "a@example.com", "x@dest.test")

		require.True(t, r.Evaluate(ctx, pctx).IsAllow())
		require.True(t, r.Evaluate(ctx, newContext("192.0.2.1", "a@example.com", "y@dest.test")).IsAllow())
		r.AfterEvaluation(ctx, pctx, policy.PermFail(0, "", policy.ReasonDMARC))

		assert.True(t, evaluate(r, newContext("192.0.2.1", "a@example.com", "z@dest.test")).IsAllow())
	})

	t.Run("invalid params", func(t *testing.T) {
		_, err := NewRateLimit("rl", RateLimitParams{Window: time.Minute}, NewMemoryCounterStore(), nil)
		assert.ErrorIs(t, err, ErrInvalidParams)
		_, err = NewRateLimit("rl", RateLimitParams{Window: time.Minute, Max: 1, Scope: Scopes{"asn"}}, NewMemoryCounterStore(), nil)
		assert.ErrorIs(t, err, ErrInvalidParams)
	})
}

func TestScopesKey(t *testing.T) {
	pctx := newContext("192.0.2.1", "Bob@Example.com", "x@Dest.test")
	pctx.SessionID = "s-9"

	assert.Equal(t, "192.0.2.1", Scopes{ScopeIP}.Key(pctx))
	assert.Equal(t, "example.com|dest.test", Scopes{ScopeSenderDomain, ScopeRecipientDomain}.Key(pctx))
	assert.Equal(t, "s-9", Scopes{ScopeSession}.Key(pctx))
	assert.Equal(t, "*", Scopes{ScopeGlobal}.Key(pctx))
	assert.Equal(t, "*", Scopes(nil).Key(pctx))

	pctx.MailFrom = ""
	assert.Equal(t, "<>", Scopes{ScopeSenderDomain}.Key(pctx))
}

func TestConnectionLimit(t *testing.T) {
	ctx := context.Background()
	session := func(id, ip string) *policy.Context {
		pctx := newContext(ip, "", "")
		pctx.SessionID = id
		pctx.Phase = policy.PhaseConnectPre
		return pctx
	}

	t.Run("per ip ceiling and release", func(t *testing.T) {
		r, err := NewConnectionLimit(ConnectionLimitParams{MaxPerIP: 2})
		require.NoError(t, err)

		s1, s2, s3 := session("1", "192.0.2.1"), session("2", "192.0.2.1"), session("3", "192.0.2.1")
		assert.True(t, evaluate(r, s1).IsAllow())
		assert.True(t, evaluate(r, s2).IsAllow())

		out := evaluate(r, s3)
		assert.Equal(t, policy.DecisionTempFail, out.Decision)
		assert.Equal(t, 421, out.Code)
		assert.Equal(t, policy.ReasonConnectionLimit, out.Reason)

		perIP, global := r.Active("192.0.2.1")
		assert.Equal(t, 2, perIP, "refused session released its slot")
		assert.Equal(t, 2, global)

		r.OnSessionEnd(ctx, s1)
		r.OnSessionEnd(ctx, s1)
		perIP, _ = r.Active("192.0.2.1")
		assert.Equal(t, 1, perIP, "release is idempotent")

		assert.True(t, evaluate(r, session("4", "192.0.2.1")).IsAllow())
	})

	t.Run("other ips are independent", func(t *testing.T) {
		r, err := NewConnectionLimit(ConnectionLimitParams{MaxPerIP: 1})
		require.NoError(t, err)
		assert.True(t, evaluate(r, session("1", "192.0.2.1")).IsAllow())
		assert.True(t, evaluate(r, session("2", "192.0.2.2")).IsAllow())
	})

	t.Run("global ceiling with disconnect", func(t *testing.T) {
		r, err := NewConnectionLimit(ConnectionLimitParams{MaxGlobal: 1, Disconnect: true})
		require.NoError(t, err)
		assert.True(t, evaluate(r, session("1", "192.0.2.1")).IsAllow())

		out := evaluate(r, session("2", "192.0.2.2"))
		assert.Equal(t, policy.DecisionDisconnect, out.Decision)
		assert.True(t, out.CloseConnection)
	})
}
