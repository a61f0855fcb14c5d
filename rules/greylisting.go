package rules

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/synqronlabs/mailsim/policy"
)

// GreylistingParams configures Greylisting.
type GreylistingParams struct {
	// MinDelay is how long a new tuple is refused.
	MinDelay time.Duration `yaml:"min_delay"`

	// RetryWindow is how long a pending tuple waits for a retry.
	RetryWindow time.Duration `yaml:"retry_window"`

	// PassTTL is how long a tuple stays allowed after passing.
	PassTTL time.Duration `yaml:"pass_ttl"`

	// Subnet keys IPv4 sources by their /24 and IPv6 sources by their /64.
	Subnet bool `yaml:"subnet"`

	BypassIPs        []string `yaml:"bypass_ips"`
	BypassSenders    []string `yaml:"bypass_senders"`
	BypassRecipients []string `yaml:"bypass_recipients"`
	BypassHostnames  []string `yaml:"bypass_hostnames"`

	Code    int    `yaml:"code"`
	Message string `yaml:"message"`
}

// Greylisting refuses the first delivery attempt of every (source, sender,
// recipient) tuple and accepts retries made after MinDelay.
type Greylisting struct {
	policy.BaseRule
	params    GreylistingParams
	bypassIPs []netip.Prefix

	mu      sync.Mutex
	entries map[string]*greyEntry
}

type greyEntry struct {
	firstSeen   time.Time
	passedUntil time.Time
}

// NewGreylisting validates p and creates the rule.
func NewGreylisting(p GreylistingParams) (*Greylisting, error) {
	if p.MinDelay == 0 {
		p.MinDelay = 5 * time.Minute
	}
	if p.RetryWindow == 0 {
		p.RetryWindow = 4 * time.Hour
	}
	if p.PassTTL == 0 {
		p.PassTTL = 36 * 24 * time.Hour
	}
	if p.MinDelay < 0 || p.RetryWindow < 0 || p.PassTTL < 0 {
		return nil, fmt.Errorf("%w: negative greylisting duration", ErrInvalidParams)
	}
	if p.RetryWindow < p.MinDelay {
		return nil, fmt.Errorf("%w: retry_window shorter than min_delay", ErrInvalidParams)
	}
	if p.Code == 0 {
		p.Code = 451
	}
	if p.Message == "" {
		p.Message = "4.7.1 Greylisted, please try again later"
	}
	prefixes, err := parsePrefixes(p.BypassIPs)
	if err != nil {
		return nil, err
	}
	return &Greylisting{
		params:    p,
		bypassIPs: prefixes,
		entries:   make(map[string]*greyEntry),
	}, nil
}

func (r *Greylisting) Type() string { return TypeGreylisting }

func (r *Greylisting) Supports(phase policy.Phase) bool {
	return phase == policy.PhaseRcptPre
}

// Evaluate implements policy.Rule.
func (r *Greylisting) Evaluate(_ context.Context, pctx *policy.Context) policy.Outcome {
	if r.bypassed(pctx) {
		return policy.Allow()
	}

	now := pctx.Now()
	key := r.tuple(pctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entries[key]
	switch {
	case e != nil && now.Before(e.passedUntil):
		e.passedUntil = now.Add(r.params.PassTTL)
		return policy.Allow()
	case e == nil || !e.passedUntil.IsZero() || now.Sub(e.firstSeen) > r.params.RetryWindow:
		r.entries[key] = &greyEntry{firstSeen: now}
		return r.refuse()
	case now.Sub(e.firstSeen) < r.params.MinDelay:
		return r.refuse()
	default:
		e.passedUntil = now.Add(r.params.PassTTL)
		return policy.Allow()
	}
}

// Sweep drops expired pending and passed tuples.
func (r *Greylisting) Sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if e.passedUntil.IsZero() {
			if now.Sub(e.firstSeen) > r.params.RetryWindow {
				delete(r.entries, key)
			}
		} else if !now.Before(e.passedUntil) {
			delete(r.entries, key)
		}
	}
}

// Len returns the number of tracked tuples.
func (r *Greylisting) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Greylisting) refuse() policy.Outcome {
	return policy.TempFail(r.params.Code, r.params.Message, policy.ReasonGreylisting)
}

func (r *Greylisting) bypassed(pctx *policy.Context) bool {
	if containsIP(r.bypassIPs, pctx) {
		return true
	}
	if matchAddress(r.params.BypassSenders, pctx.MailFrom) {
		return true
	}
	if matchAddress(r.params.BypassRecipients, pctx.CurrentRecipient) {
		return true
	}
	host := strings.ToLower(strings.TrimSuffix(pctx.RemoteHost, "."))
	for _, suffix := range r.params.BypassHostnames {
		suffix = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(suffix), "."))
		if host != "" && (host == suffix || strings.HasSuffix(host, "."+suffix)) {
			return true
		}
	}
	return false
}

func (r *Greylisting) tuple(pctx *policy.Context) string {
	source := ScopeIP.value(pctx)
	if r.params.Subnet {
		if addr, ok := netip.AddrFromSlice(pctx.RemoteIP); ok {
			addr = addr.Unmap()
			bits := 24
			if addr.Is6() {
				bits = 64
			}
			source = netip.PrefixFrom(addr, bits).Masked().String()
		}
	}
	sender := strings.ToLower(strings.Trim(pctx.MailFrom, "<> "))
	if sender == "" {
		sender = "<>"
	}
	rcpt := strings.ToLower(strings.Trim(pctx.CurrentRecipient, "<> "))
	return source + "/" + sender + "/" + rcpt
}

// matchAddress matches addr against full addresses and bare domains.
func matchAddress(list []string, addr string) bool {
	if len(list) == 0 {
		return false
	}
	addr = strings.ToLower(strings.Trim(strings.TrimSpace(addr), "<>"))
	if addr == "" {
		return false
	}
	domain := ""
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		domain = addr[at+1:]
	}
	for _, entry := range list {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == addr || (domain != "" && strings.TrimPrefix(entry, "@") == domain) {
			return true
		}
	}
	return false
}
