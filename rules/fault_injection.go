package rules

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// Fault actions.
const (
	FaultTempFail   = "tempfail"
	FaultPermFail   = "permfail"
	FaultDisconnect = "disconnect"
	FaultDelay      = "delay"
)

// Fault selection modes.
const (
	ModeRandom   = "random"
	ModeSequence = "sequence"
)

// FaultParams is one entry of a fault distribution.
type FaultParams struct {
	Action  string        `yaml:"action"`
	Code    int           `yaml:"code"`
	Message string        `yaml:"message"`
	Delay   time.Duration `yaml:"delay"`
	Weight  int           `yaml:"weight"`
}

// FaultInjectionParams configures FaultInjection.
type FaultInjectionParams struct {
	// Probability is the share of evaluations that produce a fault.
	Probability float64 `yaml:"probability"`

	// Mode is "random" (default) or "sequence". Sequence mode fires at an
	// exact rate and walks the weighted distribution round-robin.
	Mode string `yaml:"mode"`

	// Seed seeds random mode. Zero uses a random seed.
	Seed uint64 `yaml:"seed"`

	Faults []FaultParams `yaml:"faults"`
}

// FaultInjection manufactures failures for negative-path testing. Its
// outcomes are marked synthetic.
type FaultInjection struct {
	policy.BaseRule
	params FaultInjectionParams

	// slots expands the distribution by weight.
	slots []policy.Outcome

	calls atomic.Uint64
	next  atomic.Uint64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFaultInjection validates p and creates the rule.
func NewFaultInjection(p FaultInjectionParams) (*FaultInjection, error) {
	if p.Probability < 0 || p.Probability > 1 {
		return nil, fmt.Errorf("%w: probability must be within [0,1]", ErrInvalidParams)
	}
	switch p.Mode {
	case "":
		p.Mode = ModeRandom
	case ModeRandom, ModeSequence:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, p.Mode)
	}
	if len(p.Faults) == 0 {
		return nil, fmt.Errorf("%w: at least one fault is required", ErrInvalidParams)
	}

	var slots []policy.Outcome
	for _, f := range p.Faults {
		out, err := f.outcome()
		if err != nil {
			return nil, err
		}
		weight := f.Weight
		if weight == 0 {
			weight = 1
		}
		if weight < 0 {
			return nil, fmt.Errorf("%w: negative weight", ErrInvalidParams)
		}
		for range weight {
			slots = append(slots, out.AsSynthetic())
		}
	}

	seed := p.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &FaultInjection{
		params: p,
		slots:  slots,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (f FaultParams) outcome() (policy.Outcome, error) {
	if f.Delay < 0 {
		return policy.Outcome{}, fmt.Errorf("%w: negative fault delay", ErrInvalidParams)
	}
	var out policy.Outcome
	switch f.Action {
	case FaultTempFail:
		if f.Code != 0 && (f.Code < 400 || f.Code > 499) {
			return out, fmt.Errorf("%w: tempfail code %d is not 4xx", ErrInvalidParams, f.Code)
		}
		out = policy.TempFail(f.Code, f.Message, policy.ReasonFaultInjection)
	case FaultPermFail:
		if f.Code != 0 && (f.Code < 500 || f.Code > 599) {
			return out, fmt.Errorf("%w: permfail code %d is not 5xx", ErrInvalidParams, f.Code)
		}
		out = policy.PermFail(f.Code, f.Message, policy.ReasonFaultInjection)
	case FaultDisconnect:
		out = policy.Disconnect(f.Code, f.Message, policy.ReasonFaultInjection)
	case FaultDelay:
		if f.Delay == 0 {
			return out, fmt.Errorf("%w: delay fault without a delay", ErrInvalidParams)
		}
		out = policy.Allow()
	default:
		return out, fmt.Errorf("%w: unknown fault action %q", ErrInvalidParams, f.Action)
	}
	return out.WithDelay(f.Delay), nil
}

func (r *FaultInjection) Type() string { return TypeFaultInjection }

func (r *FaultInjection) Supports(phase policy.Phase) bool {
	return phase != policy.PhaseSessionEnd
}

// Evaluate implements policy.Rule.
func (r *FaultInjection) Evaluate(context.Context, *policy.Context) policy.Outcome {
	if r.params.Mode == ModeSequence {
		return r.sequence()
	}

	r.mu.Lock()
	fire := r.rng.Float64() < r.params.Probability
	var idx int
	if fire {
		idx = r.rng.IntN(len(r.slots))
	}
	r.mu.Unlock()

	if !fire {
		return policy.Allow()
	}
	return r.slots[idx]
}

// sequence fires on the calls where floor(n*p) increases, so exactly
// floor(n*p) of the first n calls fire.
func (r *FaultInjection) sequence() policy.Outcome {
	n := r.calls.Add(1)
	p := r.params.Probability
	if uint64(float64(n)*p) == uint64(float64(n-1)*p) {
		return policy.Allow()
	}
	i := r.next.Add(1) - 1
	return r.slots[i%uint64(len(r.slots))]
}
