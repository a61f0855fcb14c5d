package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	mdns "github.com/miekg/dns"
)

// StdResolver implements the Resolver interface using the standard library
// net package. Records are converted to miekg/dns types so callers see the
// same QueryResult shape as with DNSResolver.
type StdResolver struct {
	resolver *net.Resolver
}

// NewStdResolver creates a resolver using the standard library.
func NewStdResolver() *StdResolver {
	return &StdResolver{
		resolver: net.DefaultResolver,
	}
}

// NewStdResolverWithDialer creates a resolver using a custom dialer.
// This allows configuring custom DNS servers while using the stdlib interface.
func NewStdResolverWithDialer(dial func(ctx context.Context, network, address string) (net.Conn, error)) *StdResolver {
	return &StdResolver{
		resolver: &net.Resolver{
			PreferGo: true,
			Dial:     dial,
		},
	}
}

// LookupTXT retrieves TXT records using the standard library.
func (r *StdResolver) LookupTXT(ctx context.Context, name string) QueryResult {
	records, err := r.resolver.LookupTXT(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return convertError("TXT", name, err)
	}

	rrs := make([]mdns.RR, 0, len(records))
	for _, txt := range records {
		rrs = append(rrs, &mdns.TXT{Hdr: header(name, mdns.TypeTXT), Txt: []string{txt}})
	}
	return successOrNotFound("TXT", name, rrs)
}

// LookupA retrieves A records using the standard library.
func (r *StdResolver) LookupA(ctx context.Context, name string) QueryResult {
	ips, err := r.resolver.LookupIP(ctx, "ip4", strings.TrimSuffix(name, "."))
	if err != nil {
		return convertError("A", name, err)
	}

	rrs := make([]mdns.RR, 0, len(ips))
	for _, ip := range ips {
		rrs = append(rrs, &mdns.A{Hdr: header(name, mdns.TypeA), A: ip})
	}
	return successOrNotFound("A", name, rrs)
}

// LookupAAAA retrieves AAAA records using the standard library.
func (r *StdResolver) LookupAAAA(ctx context.Context, name string) QueryResult {
	ips, err := r.resolver.LookupIP(ctx, "ip6", strings.TrimSuffix(name, "."))
	if err != nil {
		return convertError("AAAA", name, err)
	}

	rrs := make([]mdns.RR, 0, len(ips))
	for _, ip := range ips {
		rrs = append(rrs, &mdns.AAAA{Hdr: header(name, mdns.TypeAAAA), AAAA: ip})
	}
	return successOrNotFound("AAAA", name, rrs)
}

// LookupMX retrieves MX records using the standard library.
func (r *StdResolver) LookupMX(ctx context.Context, name string) QueryResult {
	records, err := r.resolver.LookupMX(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return convertError("MX", name, err)
	}

	rrs := make([]mdns.RR, 0, len(records))
	for _, mx := range records {
		rrs = append(rrs, &mdns.MX{Hdr: header(name, mdns.TypeMX), Preference: mx.Pref, Mx: Fqdn(mx.Host)})
	}
	return successOrNotFound("MX", name, rrs)
}

func header(name string, rrtype uint16) mdns.RR_Header {
	return mdns.RR_Header{Name: Fqdn(name), Rrtype: rrtype, Class: mdns.ClassINET}
}

func successOrNotFound(qtype, name string, rrs []mdns.RR) QueryResult {
	if len(rrs) == 0 {
		return NotFound(fmt.Sprintf("%s %s: no data", qtype, Fqdn(name)))
	}
	return Success(rrs)
}

// convertError maps standard library DNS errors onto a status.
func convertError(qtype, name string, err error) QueryResult {
	detail := fmt.Sprintf("%s %s: %v", qtype, Fqdn(name), err)

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		switch {
		case dnsErr.IsNotFound:
			return NotFound(detail)
		case dnsErr.IsTimeout, dnsErr.IsTemporary:
			return TempError(detail)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TempError(detail)
	}
	return PermError(detail)
}
