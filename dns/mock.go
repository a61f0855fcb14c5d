package dns

import (
	"context"
	"net"
	"slices"
	"sync/atomic"

	mdns "github.com/miekg/dns"
)

// MockResolver is a Resolver used for testing.
// Set DNS records in the fields, which map FQDNs (with trailing dot) to values.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail contains records that will return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "txt example.com." where type is lowercase.
	Fail []string

	// PermFail contains records that will return a permanent error.
	// Same format as Fail.
	PermFail []string

	// Queries counts every lookup made through the resolver.
	Queries atomic.Int64
}

var _ Resolver = (*MockResolver)(nil)

// mockReq represents a mock DNS request.
type mockReq struct {
	Type string // E.g. "txt", "a", "aaaa", "mx"
	Name string // FQDN with trailing dot
}

func (mr mockReq) String() string {
	return mr.Type + " " + mr.Name
}

// failure checks for configured failures and context cancellation.
func (r *MockResolver) failure(ctx context.Context, mr mockReq) (QueryResult, bool) {
	r.Queries.Add(1)

	if err := ctx.Err(); err != nil {
		return TempError(mr.String() + ": " + err.Error()), true
	}
	if slices.Contains(r.Fail, mr.String()) {
		return TempError(mr.String() + ": SERVFAIL"), true
	}
	if slices.Contains(r.PermFail, mr.String()) {
		return PermError(mr.String() + ": REFUSED"), true
	}
	return QueryResult{}, false
}

// LookupTXT returns TXT records for the given name.
func (r *MockResolver) LookupTXT(ctx context.Context, name string) QueryResult {
	fqdn := Fqdn(name)
	if res, failed := r.failure(ctx, mockReq{"txt", fqdn}); failed {
		return res
	}

	var rrs []mdns.RR
	for _, txt := range r.TXT[fqdn] {
		rrs = append(rrs, &mdns.TXT{Hdr: header(fqdn, mdns.TypeTXT), Txt: []string{txt}})
	}
	return successOrNotFound("TXT", fqdn, rrs)
}

// LookupA returns A records for the given name.
func (r *MockResolver) LookupA(ctx context.Context, name string) QueryResult {
	fqdn := Fqdn(name)
	if res, failed := r.failure(ctx, mockReq{"a", fqdn}); failed {
		return res
	}

	var rrs []mdns.RR
	for _, ip := range r.A[fqdn] {
		rrs = append(rrs, &mdns.A{Hdr: header(fqdn, mdns.TypeA), A: net.ParseIP(ip)})
	}
	return successOrNotFound("A", fqdn, rrs)
}

// LookupAAAA returns AAAA records for the given name.
func (r *MockResolver) LookupAAAA(ctx context.Context, name string) QueryResult {
	fqdn := Fqdn(name)
	if res, failed := r.failure(ctx, mockReq{"aaaa", fqdn}); failed {
		return res
	}

	var rrs []mdns.RR
	for _, ip := range r.AAAA[fqdn] {
		rrs = append(rrs, &mdns.AAAA{Hdr: header(fqdn, mdns.TypeAAAA), AAAA: net.ParseIP(ip)})
	}
	return successOrNotFound("AAAA", fqdn, rrs)
}

// LookupMX returns MX records for the given name.
func (r *MockResolver) LookupMX(ctx context.Context, name string) QueryResult {
	fqdn := Fqdn(name)
	if res, failed := r.failure(ctx, mockReq{"mx", fqdn}); failed {
		return res
	}

	var rrs []mdns.RR
	for _, mx := range r.MX[fqdn] {
		rrs = append(rrs, &mdns.MX{Hdr: header(fqdn, mdns.TypeMX), Preference: mx.Pref, Mx: Fqdn(mx.Host)})
	}
	return successOrNotFound("MX", fqdn, rrs)
}
