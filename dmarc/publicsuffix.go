package dmarc

import (
	"strings"

	"golang.org/x/net/publicsuffix"
)

// OrganizationalDomain maps a domain to the label directly below its public
// suffix, so mail.sub.example.co.uk becomes example.co.uk. Public suffixes
// and single labels such as "localhost" are returned unchanged.
func OrganizationalDomain(domain string) string {
	name := canonicalDomain(domain)
	if name == "" {
		return ""
	}
	if org, err := publicsuffix.EffectiveTLDPlusOne(name); err == nil {
		return org
	}
	return name
}

// Aligned reports relaxed alignment: a and b are the same domain or one sits
// below the other. An empty domain aligns with nothing.
func Aligned(a, b string) bool {
	a, b = canonicalDomain(a), canonicalDomain(b)
	switch {
	case a == "" || b == "":
		return false
	case a == b:
		return true
	}
	return strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}

func canonicalDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimSuffix(domain, ".")
}
