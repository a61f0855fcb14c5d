package rules

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// ResponseDelayParams configures ResponseDelay.
type ResponseDelayParams struct {
	Base   time.Duration `yaml:"base"`
	Jitter time.Duration `yaml:"jitter"`

	// Tiers restricts the delay to scopes in one of these tiers. Empty
	// applies it always.
	Tiers []string `yaml:"tiers"`

	// Seed makes the jitter a function of the session, recipient and phase.
	Seed *uint64 `yaml:"seed"`
}

// ResponseDelay slows replies down without changing the decision.
type ResponseDelay struct {
	policy.BaseRule
	params ResponseDelayParams
	tiers  TierSource
}

// NewResponseDelay validates p and creates the rule. tiers may be nil, in
// which case every scope is in DefaultTier.
func NewResponseDelay(p ResponseDelayParams, tiers TierSource) (*ResponseDelay, error) {
	if p.Base < 0 || p.Jitter < 0 {
		return nil, fmt.Errorf("%w: negative delay", ErrInvalidParams)
	}
	return &ResponseDelay{params: p, tiers: tiers}, nil
}

func (r *ResponseDelay) Type() string { return TypeResponseDelay }

func (r *ResponseDelay) Supports(phase policy.Phase) bool {
	return phase != policy.PhaseSessionEnd
}

// Evaluate implements policy.Rule.
func (r *ResponseDelay) Evaluate(_ context.Context, pctx *policy.Context) policy.Outcome {
	if len(r.params.Tiers) > 0 {
		tier := DefaultTier
		if r.tiers != nil {
			tier = r.tiers.TierFor(pctx)
		}
		if !slices.Contains(r.params.Tiers, tier) {
			return policy.Allow()
		}
	}
	return policy.Allow().WithDelay(r.params.Base + r.jitter(pctx))
}

func (r *ResponseDelay) jitter(pctx *policy.Context) time.Duration {
	if r.params.Jitter <= 0 {
		return 0
	}
	n := uint64(r.params.Jitter) + 1
	if r.params.Seed == nil {
		return time.Duration(rand.Uint64N(n))
	}

	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], *r.params.Seed)
	h.Write(buf[:])
	h.Write([]byte(pctx.SessionID))
	h.Write([]byte{0})
	h.Write([]byte(pctx.CurrentRecipient))
	h.Write([]byte{0})
	h.Write([]byte(pctx.Phase.String()))
	return time.Duration(h.Sum64() % n)
}
