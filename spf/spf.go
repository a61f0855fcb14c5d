package spf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/synqronlabs/mailsim/dns"
)

// SPF evaluation errors.
var (
	ErrNoRecord           = errors.New("spf: no SPF record found")
	ErrMultipleRecords    = errors.New("spf: multiple SPF records found")
	ErrTooManyDNSRequests = errors.New("spf: exceeded maximum DNS lookups")
	ErrTooManyMXHosts     = errors.New("spf: too many MX hosts")
	ErrIncludeDepth       = errors.New("spf: include depth exceeded")
	ErrIncludeLoop        = errors.New("spf: include loop detected")
	ErrIncludeNone        = errors.New("spf: included domain has no SPF record")
	ErrDNSTemporary       = errors.New("spf: temporary DNS failure")
	ErrDNSPermanent       = errors.New("spf: permanent DNS failure")
)

// SPF evaluation limits per RFC 7208.
const (
	// DefaultMaxLookups is the maximum number of DNS-querying mechanisms and
	// modifiers: include, a, mx, ptr, exists, redirect.
	DefaultMaxLookups = 10

	// DefaultMaxIncludeDepth bounds include and redirect recursion.
	DefaultMaxIncludeDepth = 10

	// Maximum number of MX records to process per mechanism.
	mxLimit = 10
)

// Status is the result of SPF verification.
type Status string

const (
	// StatusNone indicates no SPF record was found or no domain to check.
	StatusNone Status = "none"

	// StatusNeutral indicates the domain owner has explicitly stated nothing about the IP.
	// Equivalent to "?" qualifier or no match with no default.
	StatusNeutral Status = "neutral"

	// StatusPass indicates the IP is authorized to send mail for the domain.
	StatusPass Status = "pass"

	// StatusFail indicates the IP is explicitly not authorized. "-" qualifier.
	StatusFail Status = "fail"

	// StatusSoftfail indicates weak statement that IP is probably not authorized. "~" qualifier.
	StatusSoftfail Status = "softfail"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid SPF record).
	StatusPermerror Status = "permerror"
)

// Result is the outcome of an SPF check.
type Result struct {
	Status Status

	// Domain is the domain that was checked, lower-cased.
	Domain string

	// Mechanism is the directive that matched, "default" when none matched.
	Mechanism string

	// Err describes why the result is none, temperror or permerror.
	Err error
}

// Verifier checks client IPs against SPF records. It is safe for concurrent
// use; all per-check state lives on the stack of Check.
type Verifier struct {
	Resolver dns.Resolver

	// MaxIncludeDepth bounds include/redirect recursion. Default is 10.
	MaxIncludeDepth int

	// MaxLookups is the total DNS lookup budget of one check. Default is 10.
	MaxLookups int

	Logger *slog.Logger
}

// NewVerifier returns a Verifier with default limits.
func NewVerifier(resolver dns.Resolver, logger *slog.Logger) *Verifier {
	return &Verifier{Resolver: resolver, Logger: logger}
}

// Lookup fetches and parses the SPF record of domain.
//
// Status is StatusNone when the domain publishes no SPF record, StatusTemperror
// or StatusPermerror on lookup failure, and StatusNone with a record on success.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (Status, *Record, error) {
	res := resolver.LookupTXT(ctx, domain)
	switch res.Status {
	case dns.StatusTempError:
		return StatusTemperror, nil, fmt.Errorf("%w: %s", ErrDNSTemporary, res.Detail)
	case dns.StatusPermError:
		return StatusPermerror, nil, fmt.Errorf("%w: %s", ErrDNSPermanent, res.Detail)
	case dns.StatusNotFound:
		return StatusNone, nil, ErrNoRecord
	}

	var txt string
	n := 0
	for _, s := range res.TXT() {
		if IsSPF(s) {
			txt = s
			n++
		}
	}
	switch {
	case n == 0:
		return StatusNone, nil, ErrNoRecord
	case n > 1:
		return StatusPermerror, nil, ErrMultipleRecords
	}

	record, err := ParseRecord(txt)
	if err != nil {
		return StatusPermerror, nil, err
	}
	return StatusNone, record, nil
}

// Check evaluates the SPF policy of domain for the client ip.
func (v *Verifier) Check(ctx context.Context, domain string, ip net.IP) Result {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return Result{Status: StatusNone, Mechanism: "default", Err: ErrNoRecord}
	}

	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Result{Status: StatusPermerror, Domain: domain, Err: fmt.Errorf("%w: %v", ErrInvalidIP, ip)}
	}

	c := &checker{
		resolver:   v.Resolver,
		ip:         addr.Unmap(),
		maxDepth:   v.MaxIncludeDepth,
		maxLookups: v.MaxLookups,
	}
	if c.maxDepth <= 0 {
		c.maxDepth = DefaultMaxIncludeDepth
	}
	if c.maxLookups <= 0 {
		c.maxLookups = DefaultMaxLookups
	}

	status, mechanism, err := c.checkHost(ctx, domain, 0)
	result := Result{Status: status, Domain: domain, Mechanism: mechanism, Err: err}

	v.logger().Debug("spf check",
		slog.String("domain", domain),
		slog.String("ip", c.ip.String()),
		slog.String("status", string(status)),
		slog.String("mechanism", mechanism),
		slog.Int("lookups", c.lookups),
		slog.Any("error", err),
	)
	return result
}

func (v *Verifier) logger() *slog.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return slog.Default()
}

// checker holds the state of a single Check call.
type checker struct {
	resolver   dns.Resolver
	ip         netip.Addr
	maxDepth   int
	maxLookups int

	lookups int
	stack   []string
}

// checkHost performs the check_host function of RFC 7208 section 4.
func (c *checker) checkHost(ctx context.Context, domain string, depth int) (Status, string, error) {
	if depth > c.maxDepth {
		return StatusPermerror, "", fmt.Errorf("%w: %s", ErrIncludeDepth, domain)
	}
	if slices.Contains(c.stack, domain) {
		return StatusPermerror, "", fmt.Errorf("%w: %s", ErrIncludeLoop, strings.Join(append(c.stack, domain), " -> "))
	}
	c.stack = append(c.stack, domain)
	defer func() { c.stack = c.stack[:len(c.stack)-1] }()

	status, record, err := Lookup(ctx, c.resolver, domain)
	if record == nil {
		return status, "", err
	}

	for _, d := range record.Directives {
		matched, status, err := c.match(ctx, domain, d, depth)
		if err != nil {
			return status, d.String(), err
		}
		if matched {
			return qualifierStatus(d.Qualifier), d.String(), nil
		}
	}

	if record.Redirect != "" {
		if err := c.countLookup(); err != nil {
			return StatusPermerror, "redirect=" + record.Redirect, err
		}
		status, mechanism, err := c.checkHost(ctx, record.Redirect, depth+1)
		if status == StatusNone {
			return StatusPermerror, "redirect=" + record.Redirect, fmt.Errorf("%w: %s", ErrIncludeNone, record.Redirect)
		}
		return status, mechanism, err
	}

	return StatusNeutral, "default", nil
}

// match reports whether directive d matches the client IP. A non-nil error
// aborts evaluation with the returned status.
func (c *checker) match(ctx context.Context, domain string, d Directive, depth int) (bool, Status, error) {
	target := d.Target
	if target == "" {
		target = domain
	}

	switch d.Mechanism {
	case "all":
		return true, "", nil

	case "ip4", "ip6":
		return d.Network.Contains(c.ip), "", nil

	case "a":
		if err := c.countLookup(); err != nil {
			return false, StatusPermerror, err
		}
		return c.matchHost(ctx, target, d)

	case "mx":
		if err := c.countLookup(); err != nil {
			return false, StatusPermerror, err
		}
		res := c.resolver.LookupMX(ctx, target)
		if status, err := lookupFailure(res); err != nil {
			return false, status, err
		}
		hosts := res.MXHosts()
		if len(hosts) > mxLimit {
			return false, StatusPermerror, fmt.Errorf("%w: %s has %d", ErrTooManyMXHosts, target, len(hosts))
		}
		for _, host := range hosts {
			matched, status, err := c.matchHost(ctx, host, d)
			if err != nil || matched {
				return matched, status, err
			}
		}
		return false, "", nil

	case "ptr":
		// Parsed for completeness. Reverse lookups are not performed, so ptr
		// never matches.
		if err := c.countLookup(); err != nil {
			return false, StatusPermerror, err
		}
		return false, "", nil

	case "exists":
		if err := c.countLookup(); err != nil {
			return false, StatusPermerror, err
		}
		res := c.resolver.LookupA(ctx, target)
		if status, err := lookupFailure(res); err != nil {
			return false, status, err
		}
		return res.OK(), "", nil

	case "include":
		if err := c.countLookup(); err != nil {
			return false, StatusPermerror, err
		}
		status, _, err := c.checkHost(ctx, target, depth+1)
		switch status {
		case StatusPass:
			return true, "", nil
		case StatusFail, StatusSoftfail, StatusNeutral:
			return false, "", nil
		case StatusTemperror:
			return false, StatusTemperror, err
		case StatusNone:
			return false, StatusPermerror, fmt.Errorf("%w: %s", ErrIncludeNone, target)
		default:
			return false, StatusPermerror, err
		}
	}

	return false, StatusPermerror, fmt.Errorf("%w: %q", ErrInvalidMechanism, d.Mechanism)
}

// matchHost resolves host with the address family of the client IP and
// compares each address under the directive's CIDR length.
func (c *checker) matchHost(ctx context.Context, host string, d Directive) (bool, Status, error) {
	var res dns.QueryResult
	bits := d.Prefix6
	if c.ip.Is4() {
		res = c.resolver.LookupA(ctx, host)
		bits = d.Prefix4
	} else {
		res = c.resolver.LookupAAAA(ctx, host)
	}
	if status, err := lookupFailure(res); err != nil {
		return false, status, err
	}

	for _, ip := range res.IPs() {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.Is4() != c.ip.Is4() {
			continue
		}
		if netip.PrefixFrom(addr, bits).Masked().Contains(c.ip) {
			return true, "", nil
		}
	}
	return false, "", nil
}

func (c *checker) countLookup() error {
	c.lookups++
	if c.lookups > c.maxLookups {
		return fmt.Errorf("%w: limit is %d", ErrTooManyDNSRequests, c.maxLookups)
	}
	return nil
}

// lookupFailure maps TEMP_ERROR and PERM_ERROR results to an SPF status.
// NOT_FOUND is not a failure; the mechanism simply does not match.
func lookupFailure(res dns.QueryResult) (Status, error) {
	switch res.Status {
	case dns.StatusTempError:
		return StatusTemperror, fmt.Errorf("%w: %s", ErrDNSTemporary, res.Detail)
	case dns.StatusPermError:
		return StatusPermerror, fmt.Errorf("%w: %s", ErrDNSPermanent, res.Detail)
	}
	return "", nil
}

func qualifierStatus(q string) Status {
	switch q {
	case "-":
		return StatusFail
	case "~":
		return StatusSoftfail
	case "?":
		return StatusNeutral
	default:
		return StatusPass
	}
}
