// Package spf implements Sender Policy Framework (SPF) checks based on RFC 7208.
//
// SPF allows domain owners to publish a policy as a DNS TXT record describing which IP
// addresses are authorized to send email with the domain in the MAIL FROM command.
//
// This package provides:
//   - Parsing of v=spf1 records: qualifiers, all, ip4, ip6, a, mx, include,
//     exists, ptr and the redirect modifier
//   - Evaluation bounded by an include depth, a visited-domain stack and a
//     total DNS lookup budget
//
// Macros are not expanded; a record that uses them evaluates to permerror.
// The ptr mechanism is accepted but never matches.
//
// Basic Usage:
//
//	v := spf.NewVerifier(dns.NewResolver(dns.ResolverConfig{}), slog.Default())
//
//	result := v.Check(ctx, "example.com", net.ParseIP("192.0.2.1"))
//	switch result.Status {
//	case spf.StatusPass:
//	    // Authorized
//	case spf.StatusFail:
//	    // Explicitly not authorized
//	case spf.StatusTemperror:
//	    // Try again later
//	}
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
package spf
