// Package rules implements the policy rules of the simulator and builds an
// orchestrator from a declarative rule list.
package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/mailsim/dns"
	"github.com/synqronlabs/mailsim/policy"
)

var (
	ErrUnknownType   = errors.New("rules: unknown rule type")
	ErrInvalidParams = errors.New("rules: invalid parameters")
)

// Rule type keys.
const (
	TypeConnectionLimit = "connection_limit"
	TypeRateLimit       = "rate_limit"
	TypeAdaptiveRate    = "adaptive_rate"
	TypeResponseDelay   = "response_delay"
	TypeGreylisting     = "greylisting"
	TypeDisconnect      = "disconnect"
	TypeMailAuth        = "mail_auth"
	TypeFaultInjection  = "fault_injection"
)

// Spec is one entry of the rule list.
type Spec struct {
	Type string `yaml:"type"`

	// Name identifies the rule in counter keys and logs. Defaults to the
	// type key followed by the entry's position.
	Name string `yaml:"name"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Order sorts rules ascending; ties keep declaration order.
	Order int `yaml:"order"`

	// Phases overrides the rule's default phase.
	Phases []policy.Phase `yaml:"phases"`

	Params map[string]any `yaml:"params"`
}

// IsEnabled reports whether the entry should be built.
func (s Spec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Deps are the collaborators rules are built with.
type Deps struct {
	// Counters backs window counters. Defaults to a MemoryCounterStore.
	Counters CounterStore

	// Resolver is required by mail_auth.
	Resolver dns.Resolver

	Metrics policy.MetricsSink
	Logger  *slog.Logger

	// Hostname is the default authserv-id of Authentication-Results.
	Hostname string
}

// Build constructs every enabled rule of specs and registers it with a new
// orchestrator. It returns the rules holding evictable state so the caller
// can sweep them periodically.
func Build(specs []Spec, deps Deps) (*policy.Orchestrator, []Sweeper, error) {
	if deps.Counters == nil {
		deps.Counters = NewMemoryCounterStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = policy.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	type indexed struct {
		Spec
		index int
	}
	ordered := make([]indexed, len(specs))
	for i, s := range specs {
		ordered[i] = indexed{Spec: s, index: i}
	}
	slices.SortStableFunc(ordered, func(a, b indexed) int { return a.Order - b.Order })

	orch := policy.NewOrchestrator(deps.Metrics, deps.Logger)
	var sweepers []Sweeper
	var tiers TierSource

	// Adaptive rules are built first so response_delay can follow their tiers
	// regardless of order.
	built := make([]policy.Rule, len(ordered))
	for _, pass := range []bool{true, false} {
		for i, s := range ordered {
			if !s.IsEnabled() || (s.Type == TypeAdaptiveRate) != pass {
				continue
			}
			if s.Name == "" {
				s.Name = fmt.Sprintf("%s#%d", s.Type, s.index)
			}
			rule, err := buildRule(s.Spec, deps, tiers)
			if err != nil {
				return nil, nil, fmt.Errorf("rule %s: %w", s.Name, err)
			}
			if a, ok := rule.(*AdaptiveRate); ok && tiers == nil {
				tiers = a
			}
			built[i] = rule
		}
	}

	for i, s := range ordered {
		rule := built[i]
		if rule == nil {
			continue
		}
		phases := s.Phases
		if len(phases) == 0 {
			phases = []policy.Phase{defaultPhase(s.Type)}
		}
		for i, phase := range phases {
			if slices.Contains(phases[:i], phase) {
				return nil, nil, fmt.Errorf("rule %s: %w: phase %s listed twice", rule.Type(), ErrInvalidParams, phase)
			}
			if err := orch.Register(phase, rule); err != nil {
				return nil, nil, fmt.Errorf("rule %s: %w", rule.Type(), err)
			}
		}
		if sw, ok := rule.(Sweeper); ok {
			sweepers = append(sweepers, sw)
		}
	}
	if sw, ok := deps.Counters.(Sweeper); ok {
		sweepers = append(sweepers, sw)
	}

	return orch, sweepers, nil
}

func buildRule(s Spec, deps Deps, tiers TierSource) (policy.Rule, error) {
	switch s.Type {
	case TypeConnectionLimit:
		var p ConnectionLimitParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewConnectionLimit(p)
	case TypeRateLimit:
		var p RateLimitParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewRateLimit(s.Name, p, deps.Counters, deps.Logger)
	case TypeAdaptiveRate:
		var p AdaptiveRateParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewAdaptiveRate(s.Name, p, deps.Counters, deps.Metrics, deps.Logger)
	case TypeResponseDelay:
		var p ResponseDelayParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewResponseDelay(p, tiers)
	case TypeGreylisting:
		var p GreylistingParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewGreylisting(p)
	case TypeDisconnect:
		var p DisconnectParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewScriptedDisconnect(p)
	case TypeMailAuth:
		var p MailAuthParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		if p.AuthservID == "" {
			p.AuthservID = deps.Hostname
		}
		return NewMailAuth(p, deps.Resolver, deps.Metrics, deps.Logger)
	case TypeFaultInjection:
		var p FaultInjectionParams
		if err := decodeParams(s.Params, &p); err != nil {
			return nil, err
		}
		return NewFaultInjection(p)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, s.Type)
	}
}

func defaultPhase(ruleType string) policy.Phase {
	switch ruleType {
	case TypeConnectionLimit:
		return policy.PhaseConnectPre
	case TypeMailAuth:
		return policy.PhaseDataEnd
	default:
		return policy.PhaseRcptPre
	}
}

// decodeParams decodes a generic parameter block into a typed struct,
// rejecting unknown fields.
func decodeParams(params map[string]any, out any) error {
	if len(params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// parsePrefixes parses a list of IP addresses and CIDR blocks.
func parsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("%w: bad CIDR %q", ErrInvalidParams, s)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad IP %q", ErrInvalidParams, s)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func containsIP(prefixes []netip.Prefix, pctx *policy.Context) bool {
	if len(prefixes) == 0 || pctx.RemoteIP == nil {
		return false
	}
	addr, ok := netip.AddrFromSlice(pctx.RemoteIP)
	if !ok {
		return false
	}
	addr = addr.Unmap()
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// matchDomain reports whether domain equals an entry of list or is a
// subdomain of an entry written with a leading dot.
func matchDomain(list []string, domain string) bool {
	if domain == "" {
		return false
	}
	for _, d := range list {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == domain {
			return true
		}
		if strings.HasPrefix(d, ".") && strings.HasSuffix(domain, d) {
			return true
		}
	}
	return false
}
