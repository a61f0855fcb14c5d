package spf

import (
	"errors"
	"testing"
)

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   error
		checkFunc func(t *testing.T, r *Record)
	}{
		{
			name:  "simple pass all",
			input: "v=spf1 +all",
			checkFunc: func(t *testing.T, r *Record) {
				if len(r.Directives) != 1 {
					t.Fatalf("expected 1 directive, got %d", len(r.Directives))
				}
				if r.Directives[0].Mechanism != "all" {
					t.Errorf("expected mechanism 'all', got %q", r.Directives[0].Mechanism)
				}
				if r.Directives[0].Qualifier != "+" {
					t.Errorf("expected qualifier '+', got %q", r.Directives[0].Qualifier)
				}
			},
		},
		{
			name:  "default qualifier",
			input: "v=spf1 all",
			checkFunc: func(t *testing.T, r *Record) {
				if r.Directives[0].Qualifier != "" {
					t.Errorf("expected empty qualifier, got %q", r.Directives[0].Qualifier)
				}
			},
		},
		{
			name:  "version is case-insensitive",
			input: "V=SPF1 -ALL",
			checkFunc: func(t *testing.T, r *Record) {
				if r.Directives[0].Mechanism != "all" || r.Directives[0].Qualifier != "-" {
					t.Errorf("got %+v", r.Directives[0])
				}
			},
		},
		{
			name:  "include",
			input: "v=spf1 include:Example.COM -all",
			checkFunc: func(t *testing.T, r *Record) {
				if len(r.Directives) != 2 {
					t.Fatalf("expected 2 directives, got %d", len(r.Directives))
				}
				if r.Directives[0].Mechanism != "include" {
					t.Errorf("expected mechanism 'include', got %q", r.Directives[0].Mechanism)
				}
				if r.Directives[0].Target != "example.com" {
					t.Errorf("expected lower-cased target, got %q", r.Directives[0].Target)
				}
			},
		},
		{
			name:  "ip4 with cidr",
			input: "v=spf1 ip4:192.0.2.7/24 -all",
			checkFunc: func(t *testing.T, r *Record) {
				if got := r.Directives[0].Network.String(); got != "192.0.2.0/24" {
					t.Errorf("expected masked network 192.0.2.0/24, got %q", got)
				}
			},
		},
		{
			name:  "ip4 without cidr",
			input: "v=spf1 ip4:192.0.2.1",
			checkFunc: func(t *testing.T, r *Record) {
				if got := r.Directives[0].Network.Bits(); got != 32 {
					t.Errorf("expected /32, got /%d", got)
				}
			},
		},
		{
			name:  "ip6 with cidr",
			input: "v=spf1 ip6:2001:db8::/32 -all",
			checkFunc: func(t *testing.T, r *Record) {
				if got := r.Directives[0].Network.String(); got != "2001:db8::/32" {
					t.Errorf("expected 2001:db8::/32, got %q", got)
				}
			},
		},
		{
			name:  "a with dual cidr",
			input: "v=spf1 a/24//64 -all",
			checkFunc: func(t *testing.T, r *Record) {
				d := r.Directives[0]
				if d.Target != "" || d.Prefix4 != 24 || d.Prefix6 != 64 {
					t.Errorf("got target=%q prefix4=%d prefix6=%d", d.Target, d.Prefix4, d.Prefix6)
				}
			},
		},
		{
			name:  "mx with domain and ip6 cidr",
			input: "v=spf1 mx:mail.example.com//48",
			checkFunc: func(t *testing.T, r *Record) {
				d := r.Directives[0]
				if d.Target != "mail.example.com" || d.Prefix4 != 32 || d.Prefix6 != 48 {
					t.Errorf("got target=%q prefix4=%d prefix6=%d", d.Target, d.Prefix4, d.Prefix6)
				}
			},
		},
		{
			name:  "redirect modifier",
			input: "v=spf1 redirect=_spf.example.com",
			checkFunc: func(t *testing.T, r *Record) {
				if r.Redirect != "_spf.example.com" {
					t.Errorf("expected redirect, got %q", r.Redirect)
				}
				if len(r.Directives) != 0 {
					t.Errorf("expected no directives, got %d", len(r.Directives))
				}
			},
		},
		{
			name:  "unknown modifier ignored",
			input: "v=spf1 exp=explain.example.com foo=bar -all",
			checkFunc: func(t *testing.T, r *Record) {
				if len(r.Directives) != 1 {
					t.Errorf("expected 1 directive, got %d", len(r.Directives))
				}
			},
		},
		{
			name:  "exists and ptr",
			input: "v=spf1 exists:check.example.com ?ptr -all",
			checkFunc: func(t *testing.T, r *Record) {
				if r.Directives[0].Mechanism != "exists" || r.Directives[1].Mechanism != "ptr" {
					t.Errorf("got %v", r.Directives)
				}
			},
		},
		{name: "missing version", input: "ip4:192.0.2.1 -all", wantErr: ErrRecordSyntax},
		{name: "spf2 is not spf1", input: "v=spf10 -all", wantErr: ErrRecordSyntax},
		{name: "duplicate redirect", input: "v=spf1 redirect=a.example redirect=b.example", wantErr: ErrRecordSyntax},
		{name: "unknown mechanism", input: "v=spf1 foo -all", wantErr: ErrInvalidMechanism},
		{name: "bare qualifier", input: "v=spf1 - all", wantErr: ErrInvalidMechanism},
		{name: "include without domain", input: "v=spf1 include: -all", wantErr: ErrInvalidMechanism},
		{name: "ip4 without address", input: "v=spf1 ip4 -all", wantErr: ErrInvalidMechanism},
		{name: "ip4 cidr too large", input: "v=spf1 ip4:192.0.2.0/33", wantErr: ErrInvalidCIDR},
		{name: "ip6 cidr too large", input: "v=spf1 ip6:2001:db8::/129", wantErr: ErrInvalidCIDR},
		{name: "empty cidr", input: "v=spf1 ip4:192.0.2.0/", wantErr: ErrInvalidCIDR},
		{name: "cidr leading zero", input: "v=spf1 a/024", wantErr: ErrInvalidCIDR},
		{name: "ip4 mechanism with ipv6 address", input: "v=spf1 ip4:2001:db8::1", wantErr: ErrInvalidIP},
		{name: "ip6 mechanism with ipv4 address", input: "v=spf1 ip6:192.0.2.1", wantErr: ErrInvalidIP},
		{name: "bad ip", input: "v=spf1 ip4:192.0.2.300", wantErr: ErrInvalidIP},
		{name: "macro in include", input: "v=spf1 include:%{d}.example.com", wantErr: ErrMacrosNotSupported},
		{name: "macro in redirect", input: "v=spf1 redirect=%{d}._spf.example.com", wantErr: ErrMacrosNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRecord(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseRecord(%q) error = %v, want %v", tt.input, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRecord(%q) unexpected error: %v", tt.input, err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, r)
			}
		})
	}
}

func TestIsSPF(t *testing.T) {
	tests := []struct {
		txt  string
		want bool
	}{
		{"v=spf1", true},
		{"v=spf1 -all", true},
		{"  V=SPF1 +all", true},
		{"v=spf10", false},
		{"v=DKIM1; p=abc", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSPF(tt.txt); got != tt.want {
			t.Errorf("IsSPF(%q) = %v, want %v", tt.txt, got, tt.want)
		}
	}
}

func TestDirectiveString(t *testing.T) {
	for _, rec := range []string{
		"v=spf1 -ip4:192.0.2.0/24",
		"v=spf1 ~a:mail.example.com/24//64",
		"v=spf1 mx//48",
		"v=spf1 include:example.com",
		"v=spf1 ?all",
	} {
		r, err := ParseRecord(rec)
		if err != nil {
			t.Fatalf("ParseRecord(%q): %v", rec, err)
		}
		want := rec[len("v=spf1 "):]
		if got := r.Directives[0].String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
