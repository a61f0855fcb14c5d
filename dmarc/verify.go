package dmarc

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/synqronlabs/mailsim/dns"
	"github.com/synqronlabs/mailsim/spf"
)

// Args contains the parameters for DMARC verification.
type Args struct {
	// FromDomain is the domain from the RFC5322.From header.
	FromDomain string

	// DKIMAligned is true when a DKIM signature passed and its domain is
	// aligned with FromDomain.
	DKIMAligned bool

	// SPFResult is the result of SPF verification.
	SPFResult spf.Status

	// SPFDomain is the domain that was checked by SPF (from MAIL FROM).
	SPFDomain string
}

// Verifier evaluates DMARC policies. It is safe for concurrent use.
type Verifier struct {
	Resolver dns.Resolver
	Logger   *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(resolver dns.Resolver, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{Resolver: resolver, Logger: logger}
}

// Verify evaluates the DMARC policy of args.FromDomain.
//
// The function:
//  1. Looks up the DMARC policy for the From domain, falling back to the
//     organizational domain
//  2. Passes when DKIM is aligned, or SPF passed for an aligned domain
//  3. Otherwise applies the published policy
func (v *Verifier) Verify(ctx context.Context, args Args) Result {
	result := v.verify(ctx, args)
	if v.Logger != nil {
		v.Logger.Debug("dmarc verify",
			slog.String("from", args.FromDomain),
			slog.String("domain", result.Domain),
			slog.String("status", string(result.Status)),
			slog.Bool("pass", result.Pass),
			slog.String("disposition", string(result.Disposition)),
			slog.Any("error", result.Err),
		)
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, args Args) Result {
	from := canonicalDomain(args.FromDomain)
	if from == "" {
		return Result{Pass: true, Disposition: DispositionNone, Status: StatusNone, Err: ErrNoFromHeader}
	}

	status, domain, record, err := Lookup(ctx, v.Resolver, from)
	if status == StatusTemperror || status == StatusPermerror {
		return Result{Disposition: DispositionNone, Domain: domain, Status: status, Err: err}
	}
	if record == nil {
		return Result{Pass: true, Disposition: DispositionNone, Domain: domain, Status: StatusNone, Err: err}
	}

	aligned := args.DKIMAligned ||
		(args.SPFResult == spf.StatusPass && Aligned(args.SPFDomain, from))
	if aligned {
		return Result{Pass: true, Disposition: DispositionNone, Domain: domain, Status: StatusPass}
	}

	disposition := dispositionFor(record.EffectivePolicy(domain != from))
	return Result{
		Pass:        disposition == DispositionNone,
		Disposition: disposition,
		Domain:      domain,
		Status:      StatusFail,
		Err:         ErrNotAligned,
	}
}

// Lookup looks up the DMARC TXT record for the given domain.
//
// It first queries "_dmarc.<domain>". If no record is found, it falls back to
// the organizational domain (determined using the Public Suffix List) and
// queries "_dmarc.<orgdomain>".
//
// Status is StatusNone when a record was found or when none exists (record
// is nil), and StatusTemperror or StatusPermerror on failure.
func Lookup(ctx context.Context, resolver dns.Resolver, domain string) (status Status, dmarcDomain string, record *Record, err error) {
	domain = canonicalDomain(domain)
	status, record, err = lookupRecord(ctx, resolver, domain)
	if status != StatusNone || record != nil {
		return status, domain, record, err
	}

	orgDomain := OrganizationalDomain(domain)
	if orgDomain == domain {
		return StatusNone, domain, nil, err
	}

	status, record, err = lookupRecord(ctx, resolver, orgDomain)
	return status, orgDomain, record, err
}

// lookupRecord performs the actual DNS lookup for a DMARC record.
func lookupRecord(ctx context.Context, resolver dns.Resolver, domain string) (Status, *Record, error) {
	res := resolver.LookupTXT(ctx, "_dmarc."+domain)
	switch res.Status {
	case dns.StatusTempError:
		return StatusTemperror, nil, fmt.Errorf("%w: %s", ErrDNSTemp, res.Detail)
	case dns.StatusPermError:
		return StatusPermerror, nil, fmt.Errorf("%w: %s", ErrDNSPerm, res.Detail)
	case dns.StatusNotFound:
		return StatusNone, nil, ErrNoRecord
	}

	var txts []string
	for _, txt := range res.TXT() {
		if IsDMARC(txt) {
			txts = append(txts, txt)
		}
	}
	switch {
	case len(txts) == 0:
		return StatusNone, nil, ErrNoRecord
	case len(txts) > 1:
		return StatusPermerror, nil, ErrMultipleRecords
	}

	record, err := ParseRecord(txts[0])
	if err != nil {
		return StatusPermerror, nil, err
	}
	return StatusNone, record, nil
}

// ExtractFromDomain extracts the domain from a From header value.
// When the header lists several addresses the first one is used.
func ExtractFromDomain(fromHeader string) (string, error) {
	if strings.TrimSpace(fromHeader) == "" {
		return "", ErrNoFromHeader
	}

	addrs, err := mail.ParseAddressList(fromHeader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFromHeader, err)
	}
	if len(addrs) == 0 {
		return "", ErrNoFromHeader
	}

	addr := addrs[0].Address
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return "", ErrInvalidFromHeader
	}
	return strings.ToLower(addr[at+1:]), nil
}
