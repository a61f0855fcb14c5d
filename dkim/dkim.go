// Package dkim checks DomainKeys Identified Mail (DKIM) signatures per RFC 6376.
//
// The verifier locates the DKIM-Signature header of a message, validates the
// shape of its tags and confirms that the signing domain publishes a usable
// key record at <selector>._domainkey.<domain>. The signature bytes are not
// verified cryptographically.
//
// # Basic Usage
//
//	v := dkim.NewVerifier(resolver, logger)
//
//	header, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
//	result := v.Verify(ctx, header, raw)
//	if result.Status == dkim.StatusPass {
//	    // Signing domain publishes a key for the selector
//	}
package dkim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/mailsim/dns"
)

// Status represents the result of DKIM verification per RFC 8601.
type Status string

const (
	// StatusNone indicates the message was not signed.
	StatusNone Status = "none"

	// StatusPass indicates the signing domain publishes a valid key record.
	StatusPass Status = "pass"

	// StatusFail indicates the key record is missing or unusable.
	StatusFail Status = "fail"

	// StatusTemperror indicates a temporary error (e.g., DNS timeout).
	StatusTemperror Status = "temperror"

	// StatusPermerror indicates a permanent error (e.g., invalid syntax).
	StatusPermerror Status = "permerror"
)

// SignatureHeader is the name of the header carrying a DKIM signature.
const SignatureHeader = "DKIM-Signature"

// Common errors.
var (
	// DNS lookup errors.
	ErrNoRecord = errors.New("dkim: no DKIM DNS record found")
	ErrDNSTemp  = errors.New("dkim: temporary DNS failure")
	ErrDNSPerm  = errors.New("dkim: permanent DNS failure")
	ErrSyntax   = errors.New("dkim: syntax error in DKIM record")

	// Signature errors.
	ErrNoSignature     = errors.New("dkim: message is not signed")
	ErrHeaderMalformed = errors.New("dkim: signature header is malformed")
	ErrMissingTag      = errors.New("dkim: missing required tag")
	ErrDuplicateTag    = errors.New("dkim: duplicate tag")
	ErrInvalidVersion  = errors.New("dkim: invalid version")
	ErrTLD             = errors.New("dkim: signed domain is top-level domain")
	ErrKeyRevoked      = errors.New("dkim: key has been revoked")
)

// Result represents the result of checking the DKIM-Signature of a message.
type Result struct {
	// Status is the verification result.
	Status Status

	// Domain and Selector come from the d= and s= tags, lower-cased.
	Domain   string
	Selector string

	// Err contains any error that occurred during verification.
	Err error
}

// Verifier checks DKIM signatures. It holds no per-message state and is safe
// for concurrent use.
type Verifier struct {
	// Resolver is the DNS resolver to use.
	Resolver dns.Resolver

	Logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(resolver dns.Resolver, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{Resolver: resolver, Logger: logger}
}

// Verify checks the first DKIM-Signature header of a message. raw is the
// complete message; it is reserved for signature verification.
func (v *Verifier) Verify(ctx context.Context, header textproto.Header, raw []byte) Result {
	if !header.Has(SignatureHeader) {
		return Result{Status: StatusNone, Err: ErrNoSignature}
	}

	result := v.verify(ctx, header.Get(SignatureHeader))
	if v.Logger != nil {
		v.Logger.Debug("dkim verify",
			slog.String("domain", result.Domain),
			slog.String("selector", result.Selector),
			slog.String("status", string(result.Status)),
			slog.Any("error", result.Err),
		)
	}
	return result
}

func (v *Verifier) verify(ctx context.Context, value string) Result {
	sig, err := ParseSignature(value)
	if err != nil {
		return Result{Status: StatusPermerror, Err: err}
	}

	result := Result{Domain: sig.Domain, Selector: sig.Selector}

	if IsTLD(sig.Domain) {
		result.Status = StatusPermerror
		result.Err = fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
		return result
	}

	name := sig.Selector + "._domainkey." + sig.Domain
	res := v.Resolver.LookupTXT(ctx, name)
	switch res.Status {
	case dns.StatusTempError:
		result.Status = StatusTemperror
		result.Err = fmt.Errorf("%w: %s", ErrDNSTemp, res.Detail)
		return result
	case dns.StatusPermError:
		result.Status = StatusPermerror
		result.Err = fmt.Errorf("%w: %s", ErrDNSPerm, res.Detail)
		return result
	}

	txt := ""
	for _, s := range res.TXT() {
		if strings.TrimSpace(s) != "" {
			txt = s
			break
		}
	}
	if txt == "" {
		result.Status = StatusFail
		result.Err = fmt.Errorf("%w: %s", ErrNoRecord, name)
		return result
	}

	if _, err := ParseRecord(txt); err != nil {
		result.Status = StatusFail
		result.Err = err
		return result
	}

	result.Status = StatusPass
	return result
}

// IsTLD reports whether domain is a public suffix, for which no DKIM
// signature may be accepted. Uses the Public Suffix List.
func IsTLD(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}

	// EffectiveTLDPlusOne fails when domain is itself a public suffix.
	if _, err := publicsuffix.EffectiveTLDPlusOne(domain); err != nil {
		return true
	}
	return false
}
