package dmarc

import "errors"

var (
	ErrNoRecord        = errors.New("dmarc: no record published")
	ErrMultipleRecords = errors.New("dmarc: more than one record published")
	ErrSyntax          = errors.New("dmarc: record syntax error")
	ErrMissingPolicy   = errors.New("dmarc: record lacks p= tag")
	ErrDNSTemp         = errors.New("dmarc: transient lookup failure")
	ErrDNSPerm         = errors.New("dmarc: lookup failed")

	// ErrNotAligned is set on a fail result: no SPF or DKIM pass matched
	// the From domain.
	ErrNotAligned = errors.New("dmarc: identifiers not aligned")

	ErrNoFromHeader      = errors.New("dmarc: message has no From domain")
	ErrInvalidFromHeader = errors.New("dmarc: unparsable From header")
)

// Status is the RFC 8601 method result reported for dmarc.
type Status string

const (
	StatusNone      Status = "none"
	StatusPass      Status = "pass"
	StatusFail      Status = "fail"
	StatusTemperror Status = "temperror" // lookup could not complete
	StatusPermerror Status = "permerror" // record present but unusable
)

// Disposition is what the domain owner asks receivers to do with a failing
// message.
type Disposition string

const (
	DispositionNone       Disposition = "none"
	DispositionQuarantine Disposition = "quarantine"
	DispositionReject     Disposition = "reject"
)

// Result is the outcome of one Verify call.
type Result struct {
	// Pass is false when the policy asks for quarantine or reject, or when
	// no verdict could be reached. A p=none failure still passes.
	Pass        bool
	Disposition Disposition

	// Domain holds the record owner, which is the organizational domain
	// when the From domain publishes nothing.
	Domain string
	Status Status
	Err    error
}
