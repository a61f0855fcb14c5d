package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/synqronlabs/mailsim/policy"
)

// ConnectionLimitParams configures ConnectionLimit. A zero ceiling disables
// that check.
type ConnectionLimitParams struct {
	MaxPerIP   int    `yaml:"max_per_ip"`
	MaxGlobal  int    `yaml:"max_global"`
	Disconnect bool   `yaml:"disconnect"`
	Code       int    `yaml:"code"`
	Message    string `yaml:"message"`
}

// ConnectionLimit caps concurrent sessions per source IP and overall. A
// session holds its slot from the first evaluation until it ends or is
// refused.
type ConnectionLimit struct {
	policy.BaseRule
	params ConnectionLimitParams

	mu       sync.Mutex
	perIP    map[string]int
	global   int
	sessions map[string]string // session ID -> IP key
}

// NewConnectionLimit validates p and creates the rule.
func NewConnectionLimit(p ConnectionLimitParams) (*ConnectionLimit, error) {
	if p.MaxPerIP < 0 || p.MaxGlobal < 0 {
		return nil, fmt.Errorf("%w: negative connection ceiling", ErrInvalidParams)
	}
	if p.Code == 0 {
		p.Code = 421
	}
	if p.Message == "" {
		p.Message = "4.7.0 Too many connections, try again later"
	}
	return &ConnectionLimit{
		params:   p,
		perIP:    make(map[string]int),
		sessions: make(map[string]string),
	}, nil
}

func (r *ConnectionLimit) Type() string { return TypeConnectionLimit }

func (r *ConnectionLimit) Supports(phase policy.Phase) bool {
	return phase == policy.PhaseConnectPre
}

// Evaluate implements policy.Rule.
func (r *ConnectionLimit) Evaluate(_ context.Context, pctx *policy.Context) policy.Outcome {
	ip := ScopeIP.value(pctx)

	r.mu.Lock()
	if _, held := r.sessions[pctx.SessionID]; !held {
		r.sessions[pctx.SessionID] = ip
		r.perIP[ip]++
		r.global++
	}
	perIP, global := r.perIP[ip], r.global
	r.mu.Unlock()

	over := (r.params.MaxPerIP > 0 && perIP > r.params.MaxPerIP) ||
		(r.params.MaxGlobal > 0 && global > r.params.MaxGlobal)
	if !over {
		return policy.Allow()
	}
	if r.params.Disconnect {
		return policy.Disconnect(r.params.Code, r.params.Message, policy.ReasonConnectionLimit)
	}
	return policy.TempFail(r.params.Code, r.params.Message, policy.ReasonConnectionLimit)
}

// AfterEvaluation releases the slot of a refused session.
func (r *ConnectionLimit) AfterEvaluation(_ context.Context, pctx *policy.Context, final policy.Outcome) {
	if !final.IsAllow() {
		r.release(pctx.SessionID)
	}
}

// OnSessionEnd implements policy.Rule.
func (r *ConnectionLimit) OnSessionEnd(_ context.Context, pctx *policy.Context) {
	r.release(pctx.SessionID)
}

// Active returns the number of sessions holding a slot for ip, and overall.
func (r *ConnectionLimit) Active(ip string) (perIP, global int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perIP[ip], r.global
}

func (r *ConnectionLimit) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ip, held := r.sessions[sessionID]
	if !held {
		return
	}
	delete(r.sessions, sessionID)
	r.global--
	if r.perIP[ip]--; r.perIP[ip] <= 0 {
		delete(r.perIP, ip)
	}
}
