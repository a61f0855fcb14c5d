package dns

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver performs single-record-type DNS lookups.
//
// Implementations never return errors: every failure is reported through
// QueryResult.Status so that callers can branch on temporary versus permanent
// failures deterministically. Retries and timeouts are the responsibility of
// the implementation.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) QueryResult
	LookupA(ctx context.Context, name string) QueryResult
	LookupAAAA(ctx context.Context, name string) QueryResult
	LookupMX(ctx context.Context, name string) QueryResult
}

// ResolverConfig tunes DNSResolver. Zero fields take defaults.
type ResolverConfig struct {
	// Nameservers are host:port addresses tried in order. Empty means the
	// servers from /etc/resolv.conf, or public resolvers when that file is
	// unreadable.
	Nameservers []string

	Timeout time.Duration // per exchange, 5s by default
	Retries int           // extra rounds over all nameservers, 2 by default
}

// DNSResolver queries nameservers directly with github.com/miekg/dns.
type DNSResolver struct {
	servers []string
	retries int
	client  *mdns.Client
	tcp     *mdns.Client // re-asks truncated UDP answers
}

// NewResolver applies defaults to cfg and returns a resolver.
func NewResolver(cfg ResolverConfig) *DNSResolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = 2
	}
	servers := cfg.Nameservers
	if len(servers) == 0 {
		servers = resolvConfServers("/etc/resolv.conf")
	}
	return &DNSResolver{
		servers: servers,
		retries: retries,
		client:  &mdns.Client{Timeout: timeout},
		tcp:     &mdns.Client{Net: "tcp", Timeout: timeout},
	}
}

var fallbackServers = []string{"8.8.8.8:53", "1.1.1.1:53"}

func resolvConfServers(path string) []string {
	cc, err := mdns.ClientConfigFromFile(path)
	if err != nil || len(cc.Servers) == 0 {
		return fallbackServers
	}
	out := make([]string, len(cc.Servers))
	for i, host := range cc.Servers {
		out[i] = net.JoinHostPort(host, cc.Port)
	}
	return out
}

func (r *DNSResolver) LookupTXT(ctx context.Context, name string) QueryResult {
	return r.query(ctx, name, mdns.TypeTXT)
}

func (r *DNSResolver) LookupA(ctx context.Context, name string) QueryResult {
	return r.query(ctx, name, mdns.TypeA)
}

func (r *DNSResolver) LookupAAAA(ctx context.Context, name string) QueryResult {
	return r.query(ctx, name, mdns.TypeAAAA)
}

func (r *DNSResolver) LookupMX(ctx context.Context, name string) QueryResult {
	return r.query(ctx, name, mdns.TypeMX)
}

// query performs a DNS query against the configured nameservers. A truncated
// UDP answer is repeated over TCP. SERVFAIL and transport errors are retried;
// every other response is final.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) QueryResult {
	qname := Fqdn(name)
	if _, ok := mdns.IsDomainName(qname); !ok {
		return PermError(fmt.Sprintf("invalid domain name %q", name))
	}

	m := new(mdns.Msg)
	m.SetQuestion(qname, qtype)
	m.RecursionDesired = true
	m.SetEdns0(4096, false)

	var last QueryResult
	for range r.retries + 1 {
		for _, server := range r.servers {
			if err := ctx.Err(); err != nil {
				return TempError(fmt.Sprintf("%s %s: %v", mdns.TypeToString[qtype], qname, err))
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err == nil && resp.Truncated {
				resp, _, err = r.tcp.ExchangeContext(ctx, m, server)
			}
			if err != nil {
				last = TempError(fmt.Sprintf("%s %s via %s: %v", mdns.TypeToString[qtype], qname, server, err))
				continue
			}

			result := fromMsg(resp, qtype)
			if result.Status != StatusTempError {
				return result
			}
			last = result
		}
	}

	if last.Detail == "" {
		last = TempError(fmt.Sprintf("%s %s: no nameserver answered", mdns.TypeToString[qtype], qname))
	}
	return last
}

// fromMsg maps a DNS response onto a QueryResult.
func fromMsg(resp *mdns.Msg, qtype uint16) QueryResult {
	qname := ""
	if len(resp.Question) > 0 {
		qname = resp.Question[0].Name
	}

	switch resp.Rcode {
	case mdns.RcodeSuccess:
		var records []mdns.RR
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype == qtype {
				records = append(records, rr)
			}
		}
		if len(records) == 0 {
			return NotFound(fmt.Sprintf("%s %s: no data", mdns.TypeToString[qtype], qname))
		}
		return Success(records)
	case mdns.RcodeNameError:
		return NotFound(fmt.Sprintf("%s %s: NXDOMAIN", mdns.TypeToString[qtype], qname))
	case mdns.RcodeServerFailure:
		return TempError(fmt.Sprintf("%s %s: SERVFAIL", mdns.TypeToString[qtype], qname))
	default:
		return PermError(fmt.Sprintf("%s %s: %s", mdns.TypeToString[qtype], qname, mdns.RcodeToString[resp.Rcode]))
	}
}

// Fqdn ensures the name ends with a dot.
func Fqdn(name string) string {
	if !strings.HasSuffix(name, ".") {
		return name + "."
	}
	return name
}

// LookupIP queries A and AAAA records and merges the addresses.
//
// The result is Success if either query returned addresses. Otherwise the
// more severe of the two statuses is returned, so a temporary failure on
// one family is not masked by NXDOMAIN on the other.
func LookupIP(ctx context.Context, r Resolver, name string) ([]net.IP, QueryResult) {
	a := r.LookupA(ctx, name)
	aaaa := r.LookupAAAA(ctx, name)

	ips := append(a.IPs(), aaaa.IPs()...)
	if len(ips) > 0 {
		return ips, Success(append(append([]mdns.RR{}, a.Records...), aaaa.Records...))
	}

	for _, status := range []Status{StatusTempError, StatusPermError} {
		if a.Status == status {
			return nil, a
		}
		if aaaa.Status == status {
			return nil, aaaa
		}
	}
	return nil, NotFound(a.Detail + "; " + aaaa.Detail)
}
