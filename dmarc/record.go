package dmarc

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is a parsed DMARC DNS TXT record.
//
// Example record:
//
//	v=DMARC1; p=reject; rua=mailto:dmarc@example.com
type Record struct {
	// Version is "DMARC1".
	Version string

	// Policy is the requested policy for messages that fail DMARC. Required.
	// Lower-cased; values other than none, quarantine and reject are kept as
	// published and treated as none.
	Policy string

	// SubdomainPolicy is the policy for subdomains. If empty, Policy applies.
	SubdomainPolicy string

	// ADKIM and ASPF are the alignment modes, "r" (default) or "s".
	ADKIM string
	ASPF  string

	// Percentage is the percentage of messages to which the policy applies.
	// Between 0 and 100, default is 100.
	Percentage int
}

// IsDMARC reports whether a TXT value is a DMARC record.
func IsDMARC(txt string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(txt)), "v=dmarc1")
}

// ParseRecord parses a DMARC TXT record. Unknown tags, including the
// reporting tags, are ignored.
func ParseRecord(txt string) (*Record, error) {
	if !IsDMARC(txt) {
		return nil, fmt.Errorf("%w: missing v=DMARC1", ErrSyntax)
	}

	r := &Record{ADKIM: "r", ASPF: "r", Percentage: 100}
	seen := make(map[string]bool)

	for part := range strings.SplitSeq(txt, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a tag=value pair", ErrSyntax, part)
		}
		tag = strings.ToLower(strings.TrimSpace(tag))
		value = strings.TrimSpace(value)

		if seen[tag] {
			return nil, fmt.Errorf("%w: duplicate tag %q", ErrSyntax, tag)
		}
		seen[tag] = true

		switch tag {
		case "v":
			r.Version = value
		case "p":
			r.Policy = strings.ToLower(value)
		case "sp":
			r.SubdomainPolicy = strings.ToLower(value)
		case "adkim":
			r.ADKIM = strings.ToLower(value)
		case "aspf":
			r.ASPF = strings.ToLower(value)
		case "pct":
			pct, err := strconv.Atoi(value)
			if err != nil || pct < 0 || pct > 100 {
				return nil, fmt.Errorf("%w: invalid pct %q", ErrSyntax, value)
			}
			r.Percentage = pct
		}
	}

	if r.Policy == "" {
		return nil, ErrMissingPolicy
	}
	return r, nil
}

// EffectivePolicy returns the effective policy for the given domain.
// If the domain is a subdomain and SubdomainPolicy is set, it returns
// SubdomainPolicy. Otherwise, it returns Policy.
func (r *Record) EffectivePolicy(isSubdomain bool) string {
	if isSubdomain && r.SubdomainPolicy != "" {
		return r.SubdomainPolicy
	}
	return r.Policy
}

// dispositionFor maps a policy value to a disposition. Anything that is not
// reject or quarantine requests no action.
func dispositionFor(policy string) Disposition {
	switch policy {
	case "reject":
		return DispositionReject
	case "quarantine":
		return DispositionQuarantine
	default:
		return DispositionNone
	}
}
