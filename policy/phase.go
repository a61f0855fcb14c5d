// Package policy is the phase-indexed decision engine of the simulator.
//
// A session driver calls Orchestrator.Evaluate at every checkpoint of an SMTP
// session. The orchestrator asks each Rule registered for that Phase for an
// Outcome and combines them into the single Outcome the driver turns into a
// protocol reply.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPhase is returned by ParsePhase for names it does not recognize.
var ErrUnknownPhase = errors.New("policy: unknown phase")

// Phase is a checkpoint in the SMTP session lifecycle where policy is
// consulted. Phases are ordered as they occur in a session.
type Phase int

const (
	// PhaseConnectPre is evaluated after accept, before the greeting.
	PhaseConnectPre Phase = iota

	// PhaseRcptPre is evaluated for every RCPT TO before it is accepted.
	PhaseRcptPre

	// PhaseDataPre is evaluated when DATA is received, before the body.
	PhaseDataPre

	// PhaseDataEnd is evaluated after the final dot, with the message.
	PhaseDataEnd

	// PhaseSessionEnd is evaluated once when the session closes.
	PhaseSessionEnd
)

// Phases lists all phases in session order.
var Phases = []Phase{PhaseConnectPre, PhaseRcptPre, PhaseDataPre, PhaseDataEnd, PhaseSessionEnd}

func (p Phase) String() string {
	switch p {
	case PhaseConnectPre:
		return "CONNECT_PRE"
	case PhaseRcptPre:
		return "RCPT_PRE"
	case PhaseDataPre:
		return "DATA_PRE"
	case PhaseDataEnd:
		return "DATA_END"
	case PhaseSessionEnd:
		return "SESSION_END"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// ParsePhase parses a phase name such as "RCPT_PRE", case-insensitively.
func ParsePhase(s string) (Phase, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, p := range Phases {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, s)
}

// UnmarshalText implements encoding.TextUnmarshaler so phases can be used
// directly in configuration files.
func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
