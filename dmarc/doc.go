// Package dmarc implements Domain-based Message Authentication, Reporting,
// and Conformance (DMARC) checks based on RFC 7489.
//
// DMARC compares the "From" header domain against the SPF and DKIM
// authenticated domains, based on the policy the domain publishes in DNS as a
// TXT record under "_dmarc.<domain>".
//
// This package provides:
//   - Parsing of the v, p, sp, adkim, aspf and pct tags
//   - Policy lookup with fallback to the organizational domain
//   - Relaxed identifier alignment
//
// # Basic Usage
//
//	v := dmarc.NewVerifier(resolver, logger)
//
//	from, err := dmarc.ExtractFromDomain(header.Get("From"))
//	if err != nil {
//	    // No usable From header
//	}
//
//	result := v.Verify(ctx, dmarc.Args{
//	    FromDomain:  from,
//	    DKIMAligned: dkimResult.Status == dkim.StatusPass && dmarc.Aligned(dkimResult.Domain, from),
//	    SPFResult:   spfResult.Status,
//	    SPFDomain:   spfResult.Domain,
//	})
//	if !result.Pass {
//	    // result.Disposition is quarantine or reject
//	}
//
// # DMARC Alignment
//
// Two domains are aligned in relaxed mode when they are equal or one is a
// subdomain of the other. Strict alignment (adkim=s, aspf=s) is parsed but
// evaluated as relaxed.
//
// # Organizational Domain
//
// The organizational domain is determined using the Public Suffix List. For example:
//   - example.com has organizational domain example.com
//   - sub.example.com has organizational domain example.com
//   - sub.example.co.uk has organizational domain example.co.uk
//
// # References
//
//   - RFC 7489: Domain-based Message Authentication, Reporting, and Conformance (DMARC)
//   - RFC 7208: Sender Policy Framework (SPF)
package dmarc
