package policy

import (
	"time"
)

// Decision is what the session driver must do with the current command.
type Decision int

const (
	// DecisionAllow lets the session continue. It is the zero value.
	DecisionAllow Decision = iota

	// DecisionTempFail replies with a 4xx code.
	DecisionTempFail

	// DecisionPermFail replies with a 5xx code.
	DecisionPermFail

	// DecisionDisconnect replies and then closes the connection.
	DecisionDisconnect
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "ALLOW"
	case DecisionTempFail:
		return "TEMP_FAIL"
	case DecisionPermFail:
		return "PERM_FAIL"
	case DecisionDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Severity orders decisions: Allow < TempFail = PermFail < Disconnect.
func (d Decision) Severity() int {
	switch d {
	case DecisionTempFail, DecisionPermFail:
		return 1
	case DecisionDisconnect:
		return 2
	default:
		return 0
	}
}

// Reason identifies the rule family that produced an outcome.
type Reason string

const (
	ReasonNone               Reason = "none"
	ReasonConnectionLimit    Reason = "connection_limit"
	ReasonRateLimit          Reason = "rate_limit"
	ReasonAdaptiveRate       Reason = "adaptive_rate"
	ReasonResponseDelay      Reason = "response_delay"
	ReasonGreylisting        Reason = "greylisting"
	ReasonScriptedDisconnect Reason = "scripted_disconnect"
	ReasonSPF                Reason = "spf"
	ReasonDKIM               Reason = "dkim"
	ReasonDMARC              Reason = "dmarc"
	ReasonFaultInjection     Reason = "fault_injection"
)

// Default reply codes and texts used when a factory gets none.
const (
	DefaultTempFailCode   = 451
	DefaultPermFailCode   = 550
	DefaultDisconnectCode = 421

	DefaultTempFailMessage   = "Requested action aborted: try again later"
	DefaultPermFailMessage   = "Requested action not taken"
	DefaultDisconnectMessage = "Service not available, closing transmission channel"
)

// Outcome is the verdict of a rule, or of the orchestrator for a phase.
// Outcomes are values; WithDelay and AsSynthetic return modified copies.
// The zero Outcome equals Allow().
type Outcome struct {
	Decision Decision

	// Code is the SMTP reply code, 0 for Allow.
	Code    int
	Message string
	Reason  Reason

	// CloseConnection is true only for Disconnect.
	CloseConnection bool

	// Delay is how long the driver waits before replying. Never negative.
	Delay time.Duration

	// Synthetic marks outcomes manufactured by fault injection.
	Synthetic bool
}

// Allow returns the outcome that lets the session continue.
func Allow() Outcome {
	return Outcome{}
}

// TempFail returns a 4xx outcome. A zero code becomes 451 and an empty
// message a default text.
func TempFail(code int, message string, reason Reason) Outcome {
	return newOutcome(DecisionTempFail, code, DefaultTempFailCode, message, DefaultTempFailMessage, reason)
}

// PermFail returns a 5xx outcome. A zero code becomes 550.
func PermFail(code int, message string, reason Reason) Outcome {
	return newOutcome(DecisionPermFail, code, DefaultPermFailCode, message, DefaultPermFailMessage, reason)
}

// Disconnect returns an outcome that replies and closes the connection.
// A zero code becomes 421.
func Disconnect(code int, message string, reason Reason) Outcome {
	o := newOutcome(DecisionDisconnect, code, DefaultDisconnectCode, message, DefaultDisconnectMessage, reason)
	o.CloseConnection = true
	return o
}

func newOutcome(d Decision, code, defCode int, message, defMessage string, reason Reason) Outcome {
	if code == 0 {
		code = defCode
	}
	if message == "" {
		message = defMessage
	}
	if reason == "" {
		reason = ReasonNone
	}
	return Outcome{Decision: d, Code: code, Message: message, Reason: reason}
}

// WithDelay returns a copy of o with the given delay. Negative delays are
// clamped to zero.
func (o Outcome) WithDelay(d time.Duration) Outcome {
	o.Delay = max(d, 0)
	return o
}

// AsSynthetic returns a copy of o marked as synthetic.
func (o Outcome) AsSynthetic() Outcome {
	o.Synthetic = true
	return o
}

// IsAllow reports whether the outcome lets the session continue.
func (o Outcome) IsAllow() bool {
	return o.Decision == DecisionAllow
}

// ReasonOrNone returns the outcome's reason, ReasonNone when unset.
func (o Outcome) ReasonOrNone() Reason {
	if o.Reason == "" {
		return ReasonNone
	}
	return o.Reason
}
