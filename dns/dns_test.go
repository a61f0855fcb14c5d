package dns

import (
	"context"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
)

// startServer runs a miekg/dns server on a loopback UDP port and returns its
// address. The handler decides the response for every query.
func startServer(t *testing.T, handler mdns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	serve(t, &mdns.Server{PacketConn: pc, Handler: handler})
	return pc.LocalAddr().String()
}

// startDualServer serves handler over UDP and TCP on the same loopback port.
func startDualServer(t *testing.T, handler mdns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	l, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		t.Skipf("tcp port %s unavailable: %v", pc.LocalAddr(), err)
	}
	serve(t, &mdns.Server{PacketConn: pc, Handler: handler})
	serve(t, &mdns.Server{Listener: l, Handler: handler})
	return pc.LocalAddr().String()
}

func serve(t *testing.T, server *mdns.Server) {
	t.Helper()

	started := make(chan struct{})
	server.NotifyStartedFunc = func() { close(started) }
	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
}

func TestDNSResolverStatusMapping(t *testing.T) {
	addr := startServer(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(req)
		q := req.Question[0]

		switch q.Name {
		case "ok.test.":
			switch q.Qtype {
			case mdns.TypeTXT:
				rr, _ := mdns.NewRR(`ok.test. 60 IN TXT "v=spf1 " "-all"`)
				m.Answer = append(m.Answer, rr)
			case mdns.TypeA:
				rr, _ := mdns.NewRR("ok.test. 60 IN A 192.0.2.1")
				m.Answer = append(m.Answer, rr)
			case mdns.TypeMX:
				rr1, _ := mdns.NewRR("ok.test. 60 IN MX 20 mx2.ok.test.")
				rr2, _ := mdns.NewRR("ok.test. 60 IN MX 10 mx1.ok.test.")
				m.Answer = append(m.Answer, rr1, rr2)
			}
		case "nx.test.":
			m.Rcode = mdns.RcodeNameError
		case "servfail.test.":
			m.Rcode = mdns.RcodeServerFailure
		case "refused.test.":
			m.Rcode = mdns.RcodeRefused
		}
		_ = w.WriteMsg(m)
	})

	r := NewResolver(ResolverConfig{Nameservers: []string{addr}, Timeout: time.Second, Retries: 1})
	ctx := context.Background()

	tests := []struct {
		name   string
		lookup func(context.Context, string) QueryResult
		qname  string
		want   Status
	}{
		{"txt success", r.LookupTXT, "ok.test", StatusSuccess},
		{"a success", r.LookupA, "ok.test", StatusSuccess},
		{"aaaa nodata", r.LookupAAAA, "ok.test", StatusNotFound},
		{"nxdomain", r.LookupTXT, "nx.test", StatusNotFound},
		{"servfail", r.LookupTXT, "servfail.test", StatusTempError},
		{"refused", r.LookupTXT, "refused.test", StatusPermError},
		{"invalid name", r.LookupTXT, "bad..name", StatusPermError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.lookup(ctx, tt.qname)
			if got.Status != tt.want {
				t.Errorf("status = %v, want %v (detail %q)", got.Status, tt.want, got.Detail)
			}
		})
	}

	txt := r.LookupTXT(ctx, "ok.test").TXT()
	if len(txt) != 1 || txt[0] != "v=spf1 -all" {
		t.Errorf("TXT() = %q, want joined character strings", txt)
	}

	mx := r.LookupMX(ctx, "ok.test").MXHosts()
	if !slices.Equal(mx, []string{"mx1.ok.test", "mx2.ok.test"}) {
		t.Errorf("MXHosts() = %v, want preference order", mx)
	}
}

func TestDNSResolverRetriesTruncatedOverTCP(t *testing.T) {
	key := "v=DKIM1; k=rsa; p=" + strings.Repeat("A", 400)

	var udpQueries, tcpQueries atomic.Int32
	var sawEDNS atomic.Bool
	addr := startDualServer(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(req)
		if req.IsEdns0() != nil {
			sawEDNS.Store(true)
		}
		if _, ok := w.RemoteAddr().(*net.TCPAddr); !ok {
			udpQueries.Add(1)
			m.Truncated = true
			_ = w.WriteMsg(m)
			return
		}
		tcpQueries.Add(1)
		m.Answer = append(m.Answer, &mdns.TXT{
			Hdr: mdns.RR_Header{Name: req.Question[0].Name, Rrtype: mdns.TypeTXT, Class: mdns.ClassINET, Ttl: 60},
			Txt: []string{key[:255], key[255:]},
		})
		_ = w.WriteMsg(m)
	})

	r := NewResolver(ResolverConfig{Nameservers: []string{addr}, Timeout: time.Second, Retries: 1})
	res := r.LookupTXT(context.Background(), "sel._domainkey.example.com")
	if res.Status != StatusSuccess {
		t.Fatalf("status = %v, want success (detail %q)", res.Status, res.Detail)
	}
	if txt := res.TXT(); len(txt) != 1 || txt[0] != key {
		t.Errorf("TXT() = %q, want the full key record", txt)
	}
	if udpQueries.Load() != 1 || tcpQueries.Load() != 1 {
		t.Errorf("queries udp=%d tcp=%d, want 1 each", udpQueries.Load(), tcpQueries.Load())
	}
	if !sawEDNS.Load() {
		t.Error("query did not advertise EDNS0")
	}
}

func TestDNSResolverTimeoutIsTempError(t *testing.T) {
	// Nothing listens on this socket after it is closed, so queries time out
	// or are refused at the transport level.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()

	r := NewResolver(ResolverConfig{Nameservers: []string{addr}, Timeout: 100 * time.Millisecond, Retries: 1})
	got := r.LookupTXT(context.Background(), "example.com")
	if got.Status != StatusTempError {
		t.Errorf("status = %v, want TEMP_ERROR", got.Status)
	}
}

func TestAccessorsEmptyUnlessSuccess(t *testing.T) {
	rr, _ := mdns.NewRR(`example.com. 60 IN TXT "hello"`)
	res := QueryResult{Status: StatusTempError, Records: []mdns.RR{rr}}

	if got := res.TXT(); len(got) != 0 {
		t.Errorf("TXT() = %v, want empty", got)
	}
	if got := res.IPs(); len(got) != 0 {
		t.Errorf("IPs() = %v, want empty", got)
	}
	if got := res.MXHosts(); len(got) != 0 {
		t.Errorf("MXHosts() = %v, want empty", got)
	}
}

func TestMockResolver(t *testing.T) {
	r := &MockResolver{
		TXT:      map[string][]string{"example.com.": {"v=spf1 -all"}},
		A:        map[string][]string{"mail.example.com.": {"192.0.2.1"}},
		AAAA:     map[string][]string{"mail.example.com.": {"2001:db8::1"}},
		MX:       map[string][]*net.MX{"example.com.": {{Host: "mail.example.com.", Pref: 10}}},
		Fail:     []string{"txt fail.example.com."},
		PermFail: []string{"txt perm.example.com."},
	}
	ctx := context.Background()

	if got := r.LookupTXT(ctx, "example.com").TXT(); !slices.Equal(got, []string{"v=spf1 -all"}) {
		t.Errorf("TXT = %v", got)
	}
	if got := r.LookupTXT(ctx, "fail.example.com").Status; got != StatusTempError {
		t.Errorf("fail status = %v", got)
	}
	if got := r.LookupTXT(ctx, "perm.example.com").Status; got != StatusPermError {
		t.Errorf("perm status = %v", got)
	}
	if got := r.LookupTXT(ctx, "missing.example.com").Status; got != StatusNotFound {
		t.Errorf("missing status = %v", got)
	}
	if got := r.LookupMX(ctx, "example.com").MXHosts(); !slices.Equal(got, []string{"mail.example.com"}) {
		t.Errorf("MX = %v", got)
	}

	ips, res := LookupIP(ctx, r, "mail.example.com")
	if !res.OK() || len(ips) != 2 {
		t.Errorf("LookupIP = %v, %v", ips, res.Status)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if got := r.LookupTXT(cancelled, "example.com").Status; got != StatusTempError {
		t.Errorf("cancelled status = %v, want TEMP_ERROR", got)
	}
}

func TestLookupIPPrefersTempError(t *testing.T) {
	r := &MockResolver{Fail: []string{"aaaa host.example.com."}}
	_, res := LookupIP(context.Background(), r, "host.example.com")
	if res.Status != StatusTempError {
		t.Errorf("status = %v, want TEMP_ERROR", res.Status)
	}
}

func TestPooledResolver(t *testing.T) {
	mock := &MockResolver{TXT: map[string][]string{"example.com.": {"hello"}}}
	p := NewPooledResolver(mock, 1)

	if got := p.LookupTXT(context.Background(), "example.com").TXT(); !slices.Equal(got, []string{"hello"}) {
		t.Errorf("TXT = %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := p.LookupA(ctx, "example.com").Status; got != StatusTempError {
		t.Errorf("status with cancelled context = %v, want TEMP_ERROR", got)
	}
}

func TestResolverInterface(t *testing.T) {
	var _ Resolver = (*DNSResolver)(nil)
	var _ Resolver = (*StdResolver)(nil)
	var _ Resolver = (*PooledResolver)(nil)
}

func TestNewResolverDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{})
	if r.client.Timeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s", r.client.Timeout)
	}
	if r.retries != 2 {
		t.Errorf("retries = %d, want 2", r.retries)
	}
	if len(r.servers) == 0 {
		t.Error("expected nameservers to be set")
	}
}

func TestResolvConfServersFallback(t *testing.T) {
	got := resolvConfServers(filepath.Join(t.TempDir(), "missing.conf"))
	if len(got) != len(fallbackServers) || got[0] != fallbackServers[0] {
		t.Errorf("servers = %v, want %v", got, fallbackServers)
	}
}
