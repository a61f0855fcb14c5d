package rules

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/authres"

	"github.com/synqronlabs/mailsim/dkim"
	"github.com/synqronlabs/mailsim/dmarc"
	"github.com/synqronlabs/mailsim/dns"
	"github.com/synqronlabs/mailsim/policy"
	"github.com/synqronlabs/mailsim/spf"
)

// Level is how strictly a failed authentication check is enforced.
type Level string

const (
	// LevelWarn records the result and allows the message.
	LevelWarn Level = "warn"
	// LevelTempFail refuses a failed message with a 4xx reply.
	LevelTempFail Level = "tempfail"
	// LevelReject refuses a failed message with a 5xx reply.
	LevelReject Level = "reject"
)

func (l Level) validate() error {
	switch l {
	case LevelWarn, LevelTempFail, LevelReject:
		return nil
	}
	return fmt.Errorf("%w: unknown level %q", ErrInvalidParams, l)
}

// Values of MailAuthParams.OnTempError.
const (
	OnTempErrorTempFail = "tempfail"
	OnTempErrorAllow    = "allow"
)

// SPFCheck configures the SPF part of MailAuth.
type SPFCheck struct {
	Enabled        bool  `yaml:"enabled"`
	Level          Level `yaml:"level"`
	FailOnSoftfail bool  `yaml:"fail_on_softfail"`
}

// DKIMCheck configures the DKIM part of MailAuth.
type DKIMCheck struct {
	Enabled          bool  `yaml:"enabled"`
	Level            Level `yaml:"level"`
	RequireSignature bool  `yaml:"require_signature"`
}

// DMARCCheck configures the DMARC part of MailAuth.
type DMARCCheck struct {
	Enabled bool  `yaml:"enabled"`
	Level   Level `yaml:"level"`
}

// MailAuthParams configures MailAuth.
type MailAuthParams struct {
	SPF   SPFCheck   `yaml:"spf"`
	DKIM  DKIMCheck  `yaml:"dkim"`
	DMARC DMARCCheck `yaml:"dmarc"`

	// OnTempError is "tempfail" (default) or "allow". It applies to checks
	// whose level is not warn.
	OnTempError string `yaml:"on_temperror"`

	// Timeout bounds the DNS work of one evaluation.
	Timeout time.Duration `yaml:"timeout"`

	// AuthenticationResults stores an Authentication-Results value in the
	// context attributes under policy.AttrAuthResults.
	AuthenticationResults bool   `yaml:"authentication_results"`
	AuthservID            string `yaml:"authserv_id"`
}

// AuthResults holds the verifier results of one message. A nil result means
// the check did not run.
type AuthResults struct {
	SPF   *spf.Result
	DKIM  *dkim.Result
	DMARC *dmarc.Result

	// SPFDomain is the domain SPF was evaluated for, and SPFHelo whether it
	// came from HELO because of a null sender.
	SPFDomain string
	SPFHelo   bool

	FromDomain string
}

// MailAuth verifies SPF, DKIM and DMARC at the end of DATA and enforces the
// results according to each check's level.
type MailAuth struct {
	policy.BaseRule
	params  MailAuthParams
	spf     *spf.Verifier
	dkim    *dkim.Verifier
	dmarc   *dmarc.Verifier
	metrics policy.MetricsSink
	logger  *slog.Logger
}

// NewMailAuth validates p and creates the rule.
func NewMailAuth(p MailAuthParams, resolver dns.Resolver, metrics policy.MetricsSink, logger *slog.Logger) (*MailAuth, error) {
	if resolver == nil {
		return nil, fmt.Errorf("%w: mail_auth requires a DNS resolver", ErrInvalidParams)
	}
	for _, l := range []*Level{&p.SPF.Level, &p.DKIM.Level, &p.DMARC.Level} {
		if *l == "" {
			*l = LevelWarn
		}
		if err := l.validate(); err != nil {
			return nil, err
		}
	}
	switch p.OnTempError {
	case "":
		p.OnTempError = OnTempErrorTempFail
	case OnTempErrorTempFail, OnTempErrorAllow:
	default:
		return nil, fmt.Errorf("%w: on_temperror must be %q or %q", ErrInvalidParams, OnTempErrorTempFail, OnTempErrorAllow)
	}
	if p.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidParams)
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	if p.AuthservID == "" {
		p.AuthservID = "localhost"
	}
	if metrics == nil {
		metrics = policy.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MailAuth{
		params:  p,
		spf:     spf.NewVerifier(resolver, logger),
		dkim:    dkim.NewVerifier(resolver, logger),
		dmarc:   dmarc.NewVerifier(resolver, logger),
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (r *MailAuth) Type() string { return TypeMailAuth }

func (r *MailAuth) Supports(phase policy.Phase) bool {
	return phase == policy.PhaseDataEnd
}

// Evaluate implements policy.Rule.
func (r *MailAuth) Evaluate(ctx context.Context, pctx *policy.Context) policy.Outcome {
	res := r.Verify(ctx, pctx)

	if r.params.AuthenticationResults && pctx.Attributes != nil {
		pctx.Attributes.Set(policy.AttrAuthResults, res.Format(r.params.AuthservID))
	}
	return r.decide(res)
}

// Verify runs the enabled checks. SPF and DKIM run concurrently; DMARC runs
// after both since it depends on them. The DNS work is detached from ctx
// cancellation and bounded by the rule's own timeout.
func (r *MailAuth) Verify(ctx context.Context, pctx *policy.Context) AuthResults {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.params.Timeout)
	defer cancel()

	header := parseHeader(pctx.Message)
	var out AuthResults

	// Verifier failures are results, not errors; neither check cancels the
	// other.
	var wg sync.WaitGroup
	if r.params.SPF.Enabled || r.params.DMARC.Enabled {
		wg.Go(func() {
			domain, helo := pctx.SenderDomain(), false
			if domain == "" && pctx.MailFrom == "" {
				domain, helo = heloDomain(pctx.RemoteHost), true
			}
			res := r.spf.Check(ctx, domain, pctx.RemoteIP)
			out.SPF, out.SPFDomain, out.SPFHelo = &res, domain, helo
			r.metrics.AuthResult("spf", string(res.Status))
		})
	}
	if r.params.DKIM.Enabled || r.params.DMARC.Enabled {
		wg.Go(func() {
			res := r.dkim.Verify(ctx, header, pctx.Message)
			out.DKIM = &res
			r.metrics.AuthResult("dkim", string(res.Status))
		})
	}
	wg.Wait()

	if r.params.DMARC.Enabled {
		from, err := dmarc.ExtractFromDomain(header.Get("From"))
		if err != nil && !errors.Is(err, dmarc.ErrNoFromHeader) {
			r.logger.Debug("unusable From header", slog.String("session", pctx.SessionID), slog.Any("error", err))
		}
		out.FromDomain = from

		aligned := out.DKIM != nil && out.DKIM.Status == dkim.StatusPass && dmarc.Aligned(out.DKIM.Domain, from)
		args := dmarc.Args{FromDomain: from, DKIMAligned: aligned}
		if out.SPF != nil {
			args.SPFResult, args.SPFDomain = out.SPF.Status, out.SPFDomain
		}
		res := r.dmarc.Verify(ctx, args)
		out.DMARC = &res
		r.metrics.AuthResult("dmarc", string(res.Status))
	}

	r.logger.Debug("mail authentication",
		slog.String("session", pctx.SessionID),
		slog.Any("results", out),
	)
	return out
}

// Format returns the value of an Authentication-Results header.
func (a AuthResults) Format(authservID string) string {
	var results []authres.Result
	if a.SPF != nil {
		res := &authres.SPFResult{Value: authres.ResultValue(a.SPF.Status)}
		if a.SPFHelo {
			res.Helo = a.SPFDomain
		} else {
			res.From = a.SPFDomain
		}
		results = append(results, res)
	}
	if a.DKIM != nil {
		results = append(results, &authres.DKIMResult{
			Value:  authres.ResultValue(a.DKIM.Status),
			Domain: a.DKIM.Domain,
		})
	}
	if a.DMARC != nil {
		results = append(results, &authres.DMARCResult{
			Value: authres.ResultValue(a.DMARC.Status),
			From:  a.FromDomain,
		})
	}
	return authres.Format(authservID, results)
}

type verdict int

const (
	verdictOK verdict = iota
	verdictFail
	verdictTempError
)

type authReplies struct {
	reason  policy.Reason
	perm    string
	temp    string
	tempErr string
}

var (
	spfReplies = authReplies{
		reason:  policy.ReasonSPF,
		perm:    "5.7.23 SPF validation failed",
		temp:    "4.7.23 SPF validation failed, try again later",
		tempErr: "4.7.24 SPF validation error",
	}
	dkimReplies = authReplies{
		reason:  policy.ReasonDKIM,
		perm:    "5.7.20 No passing DKIM signature found",
		temp:    "4.7.20 No passing DKIM signature found, try again later",
		tempErr: "4.7.5 DKIM validation error",
	}
	dmarcReplies = authReplies{
		reason:  policy.ReasonDMARC,
		perm:    "5.7.1 Rejected by DMARC policy",
		temp:    "4.7.1 Deferred by DMARC policy",
		tempErr: "4.7.1 DMARC validation error",
	}
)

// decide applies the checks in SPF, DKIM, DMARC order; the first one that
// refuses supplies the outcome. A temporary error never yields a permanent
// failure.
func (r *MailAuth) decide(res AuthResults) policy.Outcome {
	if r.params.SPF.Enabled && res.SPF != nil {
		if out := r.apply(r.params.SPF.Level, r.spfVerdict(res.SPF.Status), spfReplies); !out.IsAllow() {
			return out
		}
	}
	if r.params.DKIM.Enabled && res.DKIM != nil {
		if out := r.apply(r.params.DKIM.Level, r.dkimVerdict(res.DKIM.Status), dkimReplies); !out.IsAllow() {
			return out
		}
	}
	if r.params.DMARC.Enabled && res.DMARC != nil {
		if out := r.apply(r.params.DMARC.Level, dmarcVerdict(res.DMARC), dmarcReplies); !out.IsAllow() {
			return out
		}
	}
	return policy.Allow()
}

func (r *MailAuth) apply(level Level, v verdict, replies authReplies) policy.Outcome {
	if level == LevelWarn {
		return policy.Allow()
	}
	switch v {
	case verdictFail:
		if level == LevelReject {
			return policy.PermFail(550, replies.perm, replies.reason)
		}
		return policy.TempFail(451, replies.temp, replies.reason)
	case verdictTempError:
		if r.params.OnTempError == OnTempErrorAllow {
			return policy.Allow()
		}
		return policy.TempFail(451, replies.tempErr, replies.reason)
	}
	return policy.Allow()
}

func (r *MailAuth) spfVerdict(s spf.Status) verdict {
	switch s {
	case spf.StatusFail, spf.StatusPermerror:
		return verdictFail
	case spf.StatusSoftfail:
		if r.params.SPF.FailOnSoftfail {
			return verdictFail
		}
	case spf.StatusTemperror:
		return verdictTempError
	}
	return verdictOK
}

func (r *MailAuth) dkimVerdict(s dkim.Status) verdict {
	switch s {
	case dkim.StatusFail, dkim.StatusPermerror:
		return verdictFail
	case dkim.StatusNone:
		if r.params.DKIM.RequireSignature {
			return verdictFail
		}
	case dkim.StatusTemperror:
		return verdictTempError
	}
	return verdictOK
}

func dmarcVerdict(res *dmarc.Result) verdict {
	switch res.Status {
	case dmarc.StatusTemperror:
		return verdictTempError
	case dmarc.StatusPermerror:
		return verdictFail
	}
	if !res.Pass {
		return verdictFail
	}
	return verdictOK
}

func parseHeader(raw []byte) textproto.Header {
	if len(raw) == 0 {
		return textproto.Header{}
	}
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return textproto.Header{}
	}
	return h
}

// heloDomain returns the HELO name usable as an SPF domain, or "" for
// address literals.
func heloDomain(host string) string {
	host = strings.TrimSpace(host)
	if host == "" || strings.HasPrefix(host, "[") {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// LogValue implements slog.LogValuer.
func (a AuthResults) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 3)
	if a.SPF != nil {
		attrs = append(attrs, slog.String("spf", string(a.SPF.Status)))
	}
	if a.DKIM != nil {
		attrs = append(attrs, slog.String("dkim", string(a.DKIM.Status)))
	}
	if a.DMARC != nil {
		attrs = append(attrs, slog.String("dmarc", string(a.DMARC.Status)))
	}
	return slog.GroupValue(attrs...)
}
