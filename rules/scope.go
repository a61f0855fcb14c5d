package rules

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/mailsim/policy"
)

// Scope names a session attribute used to partition rule state.
type Scope string

const (
	ScopeIP              Scope = "ip"
	ScopeSenderDomain    Scope = "sender_domain"
	ScopeRecipientDomain Scope = "recipient_domain"
	ScopeSession         Scope = "session"
	ScopeGlobal          Scope = "global"
)

// Scopes is a composite scope. Its key joins the key of each part with "|".
type Scopes []Scope

// UnmarshalYAML accepts a list of scopes or a single "|"-joined string.
func (s *Scopes) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = nil
		for part := range strings.SplitSeq(node.Value, "|") {
			*s = append(*s, Scope(strings.TrimSpace(part)))
		}
		return nil
	}
	var list []Scope
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Validate checks every part is a known scope. An empty list is valid and
// behaves like global.
func (s Scopes) Validate() error {
	for _, sc := range s {
		switch sc {
		case ScopeIP, ScopeSenderDomain, ScopeRecipientDomain, ScopeSession, ScopeGlobal:
		default:
			return fmt.Errorf("%w: unknown scope %q", ErrInvalidParams, sc)
		}
	}
	return nil
}

// Key resolves the scope key for pctx.
func (s Scopes) Key(pctx *policy.Context) string {
	if len(s) == 0 {
		return "*"
	}
	parts := make([]string, len(s))
	for i, sc := range s {
		parts[i] = sc.value(pctx)
	}
	return strings.Join(parts, "|")
}

func (s Scope) value(pctx *policy.Context) string {
	switch s {
	case ScopeIP:
		if ip := pctx.RemoteIPString(); ip != "" {
			return ip
		}
		return "unknown"
	case ScopeSenderDomain:
		if d := pctx.SenderDomain(); d != "" {
			return d
		}
		return "<>"
	case ScopeRecipientDomain:
		return pctx.RecipientDomain()
	case ScopeSession:
		return pctx.SessionID
	default:
		return "*"
	}
}
