package dkim

import (
	"errors"
	"slices"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   error
		checkFunc func(t *testing.T, sig *Signature)
	}{
		{
			name: "complete signature",
			input: "v=1; a=rsa-sha256; c=relaxed/relaxed; d=Example.COM; s=Sel1;\r\n" +
				"\th=from:to:subject; bh=MTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTI=;\r\n" +
				"\tb=dGVzdHNp\r\n\t Z25hdHVyZQ==",
			checkFunc: func(t *testing.T, sig *Signature) {
				if sig.Domain != "example.com" {
					t.Errorf("Domain = %q, want example.com", sig.Domain)
				}
				if sig.Selector != "sel1" {
					t.Errorf("Selector = %q, want sel1", sig.Selector)
				}
				if sig.Signature != "dGVzdHNpZ25hdHVyZQ==" {
					t.Errorf("Signature = %q, want folded whitespace removed", sig.Signature)
				}
				if !slices.Equal(sig.SignedHeaders, []string{"from", "to", "subject"}) {
					t.Errorf("SignedHeaders = %v", sig.SignedHeaders)
				}
			},
		},
		{
			name:  "version optional",
			input: "d=example.com; s=sel; b=abc; bh=def",
			checkFunc: func(t *testing.T, sig *Signature) {
				if sig.Version != "" {
					t.Errorf("Version = %q, want empty", sig.Version)
				}
			},
		},
		{name: "missing domain", input: "v=1; s=sel; b=abc; bh=def", wantErr: ErrMissingTag},
		{name: "missing selector", input: "v=1; d=example.com; b=abc; bh=def", wantErr: ErrMissingTag},
		{name: "blank signature", input: "v=1; d=example.com; s=sel; b= ; bh=def", wantErr: ErrMissingTag},
		{name: "missing body hash", input: "v=1; d=example.com; s=sel; b=abc", wantErr: ErrMissingTag},
		{name: "wrong version", input: "v=2; d=example.com; s=sel; b=abc; bh=def", wantErr: ErrInvalidVersion},
		{name: "duplicate tag", input: "d=example.com; d=example.net; s=sel; b=abc; bh=def", wantErr: ErrDuplicateTag},
		{name: "not a tag list", input: "garbage", wantErr: ErrHeaderMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig, err := ParseSignature(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, sig)
			}
		})
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
		wantKey string
	}{
		{name: "minimal", input: "v=DKIM1; p=MIGfMA0GCSqGSIb3DQEBAQUAA4GNADCBiQKBgQ", wantKey: "rsa"},
		{name: "version case-insensitive", input: "v=dkim1; k=ed25519; p=abc", wantKey: "ed25519"},
		{name: "version absent", input: "p=abc", wantKey: "rsa"},
		{name: "folded key", input: "v=DKIM1; p=MIGf MA0G\r\n CSqG", wantKey: "rsa"},
		{name: "wrong version", input: "v=DKIM2; p=abc", wantErr: ErrInvalidVersion},
		{name: "missing key", input: "v=DKIM1; k=rsa", wantErr: ErrSyntax},
		{name: "revoked key", input: "v=DKIM1; p=", wantErr: ErrKeyRevoked},
		{name: "duplicate tag", input: "v=DKIM1; p=abc; p=def", wantErr: ErrSyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRecord(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.Key != tt.wantKey {
				t.Errorf("Key = %q, want %q", r.Key, tt.wantKey)
			}
			if r.Pubkey == "" {
				t.Error("Pubkey is empty")
			}
		})
	}
}

func TestRecordIsTesting(t *testing.T) {
	r, err := ParseRecord("v=DKIM1; t=y:s; p=abc")
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsTesting() {
		t.Error("expected testing flag")
	}
}

func TestIsTLD(t *testing.T) {
	tests := []struct {
		domain string
		want   bool
	}{
		{"com", true},
		{"co.uk", true},
		{"", true},
		{"example.com", false},
		{"mail.example.com", false},
		{"example.co.uk", false},
		{"example.com.", false},
	}
	for _, tt := range tests {
		if got := IsTLD(tt.domain); got != tt.want {
			t.Errorf("IsTLD(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}
