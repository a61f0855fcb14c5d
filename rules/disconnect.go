package rules

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// DisconnectParams configures ScriptedDisconnect.
type DisconnectParams struct {
	// Domains lists recipient domains. A leading dot also matches
	// subdomains.
	Domains []string `yaml:"domains"`

	// IPs lists source addresses and CIDR blocks.
	IPs []string `yaml:"ips"`

	// Windows lists HH:mm-HH:mm time-of-day windows. A window whose end is
	// before its start wraps midnight.
	Windows []string `yaml:"windows"`

	// TimeZone is an IANA zone for Windows. Empty means UTC.
	TimeZone string `yaml:"time_zone"`

	Code    int    `yaml:"code"`
	Message string `yaml:"message"`
}

// TimeWindow is a daily interval in minutes after midnight, start inclusive
// and end exclusive.
type TimeWindow struct {
	Start, End int
}

// ParseTimeWindow parses "HH:mm-HH:mm".
func ParseTimeWindow(s string) (TimeWindow, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeWindow{}, fmt.Errorf("%w: time window %q is not HH:mm-HH:mm", ErrInvalidParams, s)
	}
	start, err := parseClock(from)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("%w: time window %q: %v", ErrInvalidParams, s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("%w: time window %q: %v", ErrInvalidParams, s, err)
	}
	if start == end {
		return TimeWindow{}, fmt.Errorf("%w: time window %q is empty", ErrInvalidParams, s)
	}
	return TimeWindow{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", mm)
	}
	return h*60 + m, nil
}

// Contains reports whether t's time of day falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	m := t.Hour()*60 + t.Minute()
	if w.Start < w.End {
		return m >= w.Start && m < w.End
	}
	return m >= w.Start || m < w.End
}

// ScriptedDisconnect drops the connection for blocklisted recipient domains
// and sources, or during configured times of day.
type ScriptedDisconnect struct {
	policy.BaseRule
	params   DisconnectParams
	prefixes []netip.Prefix
	windows  []TimeWindow
	loc      *time.Location
}

// NewScriptedDisconnect validates p and creates the rule.
func NewScriptedDisconnect(p DisconnectParams) (*ScriptedDisconnect, error) {
	prefixes, err := parsePrefixes(p.IPs)
	if err != nil {
		return nil, err
	}
	windows := make([]TimeWindow, 0, len(p.Windows))
	for _, s := range p.Windows {
		w, err := ParseTimeWindow(s)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	loc := time.UTC
	if p.TimeZone != "" {
		if loc, err = time.LoadLocation(p.TimeZone); err != nil {
			return nil, fmt.Errorf("%w: time zone %q: %v", ErrInvalidParams, p.TimeZone, err)
		}
	}
	if p.Code == 0 {
		p.Code = 421
	}
	if p.Message == "" {
		p.Message = "4.4.2 Connection dropped"
	}
	return &ScriptedDisconnect{params: p, prefixes: prefixes, windows: windows, loc: loc}, nil
}

func (r *ScriptedDisconnect) Type() string { return TypeDisconnect }

func (r *ScriptedDisconnect) Supports(phase policy.Phase) bool {
	return phase != policy.PhaseSessionEnd
}

// Evaluate implements policy.Rule.
func (r *ScriptedDisconnect) Evaluate(_ context.Context, pctx *policy.Context) policy.Outcome {
	if r.matches(pctx) {
		return policy.Disconnect(r.params.Code, r.params.Message, policy.ReasonScriptedDisconnect)
	}
	return policy.Allow()
}

func (r *ScriptedDisconnect) matches(pctx *policy.Context) bool {
	if matchDomain(r.params.Domains, pctx.RecipientDomain()) {
		return true
	}
	if containsIP(r.prefixes, pctx) {
		return true
	}
	if len(r.windows) == 0 {
		return false
	}
	now := pctx.Now().In(r.loc)
	for _, w := range r.windows {
		if w.Contains(now) {
			return true
		}
	}
	return false
}
