package rules

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newContext(ip, from, rcpt string) *policy.Context {
	return &policy.Context{
		SessionID:        "sess-1",
		RemoteIP:         net.ParseIP(ip),
		RemoteHost:       "client.example.net",
		MailFrom:         from,
		CurrentRecipient: rcpt,
		Phase:            policy.PhaseRcptPre,
		Time:             epoch,
		Attributes:       policy.NewAttributes(),
	}
}

// evaluate runs a single rule the way the orchestrator does.
func evaluate(r policy.Rule, pctx *policy.Context) policy.Outcome {
	ctx := context.Background()
	out := r.Evaluate(ctx, pctx)
	r.AfterEvaluation(ctx, pctx, out)
	return out
}

type transition struct{ from, to string }

type recordingSink struct {
	policy.NopSink
	mu          sync.Mutex
	transitions []transition
	auth        map[string][]string
}

func (s *recordingSink) TierTransition(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, transition{from, to})
}

func (s *recordingSink) AuthResult(protocol, result string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auth == nil {
		s.auth = make(map[string][]string)
	}
	s.auth[protocol] = append(s.auth[protocol], result)
}
