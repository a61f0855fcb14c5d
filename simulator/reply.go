package simulator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/synqronlabs/mailsim/policy"
)

// EnhancedCode is an RFC 3463 status code, "class.subject.detail".
type EnhancedCode string

const (
	ESCTempFailure       EnhancedCode = "4.0.0"
	ESCTempPolicy        EnhancedCode = "4.7.0"
	ESCConnectionDropped EnhancedCode = "4.4.2"
	ESCPermFailure       EnhancedCode = "5.0.0"
	ESCDeliveryNotAuth   EnhancedCode = "5.7.1"
)

// ForClass adjusts the class digit to match the reply code (RFC 2034).
func (e EnhancedCode) ForClass(class int) EnhancedCode {
	if len(e) < 1 || (class != 2 && class != 4 && class != 5) {
		return e
	}
	return EnhancedCode(strconv.Itoa(class) + string(e[1:]))
}

// parse splits the code into its three numeric parts.
func (e EnhancedCode) parse() (smtp.EnhancedCode, bool) {
	parts := strings.Split(string(e), ".")
	if len(parts) != 3 {
		return smtp.EnhancedCode{}, false
	}
	var out smtp.EnhancedCode
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 999 {
			return smtp.EnhancedCode{}, false
		}
		out[i] = n
	}
	if out[0] != 2 && out[0] != 4 && out[0] != 5 {
		return smtp.EnhancedCode{}, false
	}
	return out, true
}

// Reply is the SMTP response derived from a refusing outcome.
type Reply struct {
	Code         int
	EnhancedCode EnhancedCode
	Message      string
}

// ReplyFor converts an outcome into the reply sent to the client. Rule
// messages may lead with an enhanced code ("4.7.1 Rate limit exceeded");
// otherwise one is chosen from the decision. The enhanced code class always
// follows the reply code.
func ReplyFor(o policy.Outcome) Reply {
	code := o.Code
	if code == 0 {
		switch o.Decision {
		case policy.DecisionPermFail:
			code = policy.DefaultPermFailCode
		case policy.DecisionDisconnect:
			code = policy.DefaultDisconnectCode
		default:
			code = policy.DefaultTempFailCode
		}
	}

	msg := strings.TrimSpace(o.Message)
	var esc EnhancedCode
	if head, rest, ok := strings.Cut(msg, " "); ok {
		if _, valid := EnhancedCode(head).parse(); valid {
			esc, msg = EnhancedCode(head), strings.TrimSpace(rest)
		}
	} else if _, valid := EnhancedCode(msg).parse(); valid {
		esc, msg = EnhancedCode(msg), ""
	}
	if esc == "" {
		switch o.Decision {
		case policy.DecisionDisconnect:
			esc = ESCConnectionDropped
		case policy.DecisionPermFail:
			esc = ESCDeliveryNotAuth
		default:
			esc = ESCTempPolicy
		}
	}
	if msg == "" {
		msg = defaultText(o.Decision)
	}

	return Reply{
		Code:         code,
		EnhancedCode: esc.ForClass(code / 100),
		Message:      msg,
	}
}

func defaultText(d policy.Decision) string {
	switch d {
	case policy.DecisionPermFail:
		return policy.DefaultPermFailMessage
	case policy.DecisionDisconnect:
		return policy.DefaultDisconnectMessage
	default:
		return policy.DefaultTempFailMessage
	}
}

// String formats the reply as an SMTP reply line without CRLF.
func (r Reply) String() string {
	if r.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", r.Code, r.EnhancedCode, r.Message)
	}
	return fmt.Sprintf("%d %s", r.Code, r.Message)
}

// SMTPError converts the reply for returning from a go-smtp session.
func (r Reply) SMTPError() *smtp.SMTPError {
	ec, ok := r.EnhancedCode.parse()
	if !ok {
		ec = smtp.EnhancedCodeNotSet
	}
	return &smtp.SMTPError{
		Code:         r.Code,
		EnhancedCode: ec,
		Message:      r.Message,
	}
}
