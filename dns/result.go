package dns

import (
	"net"
	"slices"
	"strings"

	mdns "github.com/miekg/dns"
)

// Status is the outcome class of a DNS query.
type Status int

const (
	// StatusSuccess indicates the query returned at least one record of the
	// requested type.
	StatusSuccess Status = iota

	// StatusNotFound indicates NXDOMAIN or an empty answer (NODATA).
	StatusNotFound

	// StatusTempError indicates a retryable failure: SERVFAIL, a network
	// error or a timeout.
	StatusTempError

	// StatusPermError indicates an unrecoverable failure such as a malformed
	// name or a FORMERR/NOTIMP/REFUSED response.
	StatusPermError
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusTempError:
		return "TEMP_ERROR"
	case StatusPermError:
		return "PERM_ERROR"
	default:
		return "UNKNOWN"
	}
}

// QueryResult is the result of a single-type DNS lookup.
type QueryResult struct {
	Status  Status
	Records []mdns.RR

	// Detail is a human-readable description of the result, mostly useful
	// for failures.
	Detail string
}

// Success returns a successful result holding records.
func Success(records []mdns.RR) QueryResult {
	return QueryResult{Status: StatusSuccess, Records: records}
}

// NotFound returns a NotFound result.
func NotFound(detail string) QueryResult {
	return QueryResult{Status: StatusNotFound, Detail: detail}
}

// TempError returns a TempError result.
func TempError(detail string) QueryResult {
	return QueryResult{Status: StatusTempError, Detail: detail}
}

// PermError returns a PermError result.
func PermError(detail string) QueryResult {
	return QueryResult{Status: StatusPermError, Detail: detail}
}

// OK reports whether the query succeeded.
func (r QueryResult) OK() bool {
	return r.Status == StatusSuccess
}

// TXT returns the TXT strings, one per record. Character strings of a record
// are concatenated per RFC 7208 Section 3.3.
func (r QueryResult) TXT() []string {
	if !r.OK() {
		return nil
	}
	var out []string
	for _, rr := range r.Records {
		if txt, ok := rr.(*mdns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	return out
}

// IPs returns the addresses of A and AAAA records.
func (r QueryResult) IPs() []net.IP {
	if !r.OK() {
		return nil
	}
	var out []net.IP
	for _, rr := range r.Records {
		switch v := rr.(type) {
		case *mdns.A:
			out = append(out, v.A)
		case *mdns.AAAA:
			out = append(out, v.AAAA)
		}
	}
	return out
}

// MXHosts returns the MX target host names ordered by preference, lowest
// first, without the trailing dot. The null MX target "." is skipped.
func (r QueryResult) MXHosts() []string {
	if !r.OK() {
		return nil
	}
	var mxs []*mdns.MX
	for _, rr := range r.Records {
		if mx, ok := rr.(*mdns.MX); ok {
			mxs = append(mxs, mx)
		}
	}
	slices.SortStableFunc(mxs, func(a, b *mdns.MX) int {
		return int(a.Preference) - int(b.Preference)
	})

	out := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Mx, ".")
		if host == "" {
			continue
		}
		out = append(out, host)
	}
	return out
}
