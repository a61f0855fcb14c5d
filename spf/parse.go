package spf

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// SPF record parsing errors.
var (
	ErrRecordSyntax       = errors.New("spf: malformed SPF record")
	ErrInvalidMechanism   = errors.New("spf: invalid mechanism")
	ErrInvalidCIDR        = errors.New("spf: invalid CIDR length")
	ErrInvalidIP          = errors.New("spf: invalid IP address")
	ErrMacrosNotSupported = errors.New("spf: macros are not supported")
)

// Record is a parsed SPF DNS record.
//
// An example record for example.com:
//
//	v=spf1 +mx a:colo.example.com/28 -all
type Record struct {
	// Directives are evaluated in order until a match is found.
	Directives []Directive

	// Redirect specifies another domain to check if no directives match.
	Redirect string
}

// Directive is a mechanism with its qualifier and parameters.
type Directive struct {
	// Qualifier sets the result if this directive matches.
	// "" and "+" mean "pass", "-" means "fail", "?" means "neutral", "~" means "softfail".
	Qualifier string

	// Mechanism is one of: "all", "include", "a", "mx", "ptr", "ip4", "ip6", "exists".
	Mechanism string

	// Target is the domain for include, a, mx, ptr and exists, lower-cased.
	// Empty for a, mx and ptr means the domain being evaluated.
	Target string

	// Network is the parsed prefix for ip4 and ip6.
	Network netip.Prefix

	// Prefix4 and Prefix6 are the CIDR lengths applied to addresses found by
	// the a and mx mechanisms.
	Prefix4 int
	Prefix6 int
}

// String returns the directive in record form, e.g. "-ip4:192.0.2.0/24".
func (d Directive) String() string {
	var b strings.Builder
	b.WriteString(d.Qualifier)
	b.WriteString(d.Mechanism)

	switch d.Mechanism {
	case "ip4", "ip6":
		b.WriteByte(':')
		b.WriteString(d.Network.String())
	default:
		if d.Target != "" {
			b.WriteByte(':')
			b.WriteString(d.Target)
		}
		if d.Mechanism == "a" || d.Mechanism == "mx" {
			if d.Prefix4 != 32 {
				fmt.Fprintf(&b, "/%d", d.Prefix4)
			}
			if d.Prefix6 != 128 {
				fmt.Fprintf(&b, "//%d", d.Prefix6)
			}
		}
	}
	return b.String()
}

// IsSPF reports whether a TXT string is an SPF version 1 record.
func IsSPF(txt string) bool {
	lower := strings.ToLower(strings.TrimSpace(txt))
	return lower == "v=spf1" || strings.HasPrefix(lower, "v=spf1 ")
}

// ParseRecord parses an SPF DNS TXT record.
func ParseRecord(s string) (*Record, error) {
	if !IsSPF(s) {
		return nil, fmt.Errorf("%w: missing v=spf1", ErrRecordSyntax)
	}

	terms := strings.Fields(s)[1:]
	r := &Record{}

	for _, term := range terms {
		if name, value, ok := modifier(term); ok {
			if strings.Contains(value, "%") {
				return nil, fmt.Errorf("%w: %s", ErrMacrosNotSupported, term)
			}
			switch name {
			case "redirect":
				if r.Redirect != "" {
					return nil, fmt.Errorf("%w: duplicate redirect modifier", ErrRecordSyntax)
				}
				if value == "" {
					return nil, fmt.Errorf("%w: empty redirect", ErrRecordSyntax)
				}
				r.Redirect = strings.ToLower(value)
			}
			// Unknown modifiers and exp= are ignored.
			continue
		}

		d, err := parseDirective(term)
		if err != nil {
			return nil, err
		}
		r.Directives = append(r.Directives, d)
	}

	return r, nil
}

// modifier splits a name=value term. Mechanisms never carry '=' before their
// first ':' or '/'.
func modifier(term string) (name, value string, ok bool) {
	eq := strings.IndexByte(term, '=')
	if eq <= 0 {
		return "", "", false
	}
	if sep := strings.IndexAny(term, ":/"); sep >= 0 && sep < eq {
		return "", "", false
	}
	return strings.ToLower(term[:eq]), term[eq+1:], true
}

func parseDirective(term string) (Directive, error) {
	d := Directive{Prefix4: 32, Prefix6: 128}

	if strings.ContainsAny(term[:1], "+-~?") {
		d.Qualifier = term[:1]
		term = term[1:]
	}
	if term == "" {
		return d, fmt.Errorf("%w: empty mechanism", ErrInvalidMechanism)
	}

	nameEnd := strings.IndexAny(term, ":/")
	if nameEnd < 0 {
		nameEnd = len(term)
	}
	d.Mechanism = strings.ToLower(term[:nameEnd])
	rest := term[nameEnd:]

	if strings.Contains(rest, "%") {
		return d, fmt.Errorf("%w: %s", ErrMacrosNotSupported, term)
	}

	switch d.Mechanism {
	case "all":
		if rest != "" {
			return d, fmt.Errorf("%w: all takes no arguments", ErrInvalidMechanism)
		}

	case "include", "exists":
		target, ok := strings.CutPrefix(rest, ":")
		if !ok || target == "" {
			return d, fmt.Errorf("%w: %s requires a domain", ErrInvalidMechanism, d.Mechanism)
		}
		if strings.Contains(target, "/") {
			return d, fmt.Errorf("%w: %s does not take a CIDR length", ErrInvalidMechanism, d.Mechanism)
		}
		d.Target = strings.ToLower(target)

	case "a", "mx":
		cidr := ""
		if target, ok := strings.CutPrefix(rest, ":"); ok {
			if slash := strings.IndexByte(target, '/'); slash >= 0 {
				target, cidr = target[:slash], target[slash:]
			}
			if target == "" {
				return d, fmt.Errorf("%w: %s with empty domain", ErrInvalidMechanism, d.Mechanism)
			}
			d.Target = strings.ToLower(target)
		} else {
			cidr = rest
		}
		p4, p6, err := parseDualCIDR(cidr)
		if err != nil {
			return d, err
		}
		d.Prefix4, d.Prefix6 = p4, p6

	case "ptr":
		if target, ok := strings.CutPrefix(rest, ":"); ok {
			if target == "" {
				return d, fmt.Errorf("%w: ptr with empty domain", ErrInvalidMechanism)
			}
			d.Target = strings.ToLower(target)
		} else if rest != "" {
			return d, fmt.Errorf("%w: ptr does not take a CIDR length", ErrInvalidMechanism)
		}

	case "ip4", "ip6":
		value, ok := strings.CutPrefix(rest, ":")
		if !ok || value == "" {
			return d, fmt.Errorf("%w: %s requires an address", ErrInvalidMechanism, d.Mechanism)
		}
		prefix, err := parseNetwork(value, d.Mechanism == "ip4")
		if err != nil {
			return d, err
		}
		d.Network = prefix

	default:
		return d, fmt.Errorf("%w: unknown mechanism %q", ErrInvalidMechanism, d.Mechanism)
	}

	return d, nil
}

// parseNetwork parses "addr" or "addr/len" for ip4 and ip6 mechanisms.
func parseNetwork(value string, v4 bool) (netip.Prefix, error) {
	addrStr, lenStr, hasLen := strings.Cut(value, "/")

	addr, err := netip.ParseAddr(addrStr)
	if err != nil || addr.Zone() != "" {
		return netip.Prefix{}, fmt.Errorf("%w: %q", ErrInvalidIP, addrStr)
	}
	if v4 != addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: %q has the wrong address family", ErrInvalidIP, addrStr)
	}

	bits := addr.BitLen()
	if hasLen {
		bits, err = parseCIDRLen(lenStr, addr.BitLen())
		if err != nil {
			return netip.Prefix{}, err
		}
	}

	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// parseDualCIDR parses "", "/24", "//64" or "/24//64".
func parseDualCIDR(s string) (p4, p6 int, err error) {
	p4, p6 = 32, 128
	if s == "" {
		return p4, p6, nil
	}

	v4part, v6part, hasV6 := strings.Cut(s, "//")
	if v4part != "" {
		num, ok := strings.CutPrefix(v4part, "/")
		if !ok {
			return 0, 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
		}
		if p4, err = parseCIDRLen(num, 32); err != nil {
			return 0, 0, err
		}
	}
	if hasV6 {
		if p6, err = parseCIDRLen(v6part, 128); err != nil {
			return 0, 0, err
		}
	}
	return p4, p6, nil
}

func parseCIDRLen(s string, maxBits int) (int, error) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > maxBits {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCIDR, s)
	}
	return n, nil
}
