package policy

import (
	"maps"
	"net"
	"strings"
	"sync"
	"time"
)

// Well-known attribute keys.
const (
	// AttrAuthResults holds the Authentication-Results header value produced
	// by the mail authentication rule, as a string.
	AttrAuthResults = "mail_auth.authentication_results"
)

// Context is the state of an SMTP session at one evaluation. The session
// driver owns it and updates the fields as the session advances.
type Context struct {
	SessionID  string
	RemoteIP   net.IP
	RemoteHost string // HELO/EHLO name

	// MailFrom is the envelope sender, empty for the null reverse-path.
	MailFrom string

	// CurrentRecipient is the RCPT TO address under evaluation.
	CurrentRecipient string

	// SessionRecipients counts recipients accepted in this session.
	SessionRecipients int

	// TotalRecipients counts recipients of the current transaction.
	TotalRecipients int

	Phase Phase

	// Message is the raw message, set only at DATA phases.
	Message []byte

	// Time is the evaluation time; zero means now.
	Time time.Time

	// Attributes is a bag shared by the rules and the driver for the
	// lifetime of the session.
	Attributes *Attributes
}

// Now returns the evaluation time.
func (c *Context) Now() time.Time {
	if c.Time.IsZero() {
		return time.Now()
	}
	return c.Time
}

// SenderDomain returns the lower-cased domain of MailFrom.
func (c *Context) SenderDomain() string {
	return domainOf(c.MailFrom)
}

// RecipientDomain returns the lower-cased domain of CurrentRecipient.
func (c *Context) RecipientDomain() string {
	return domainOf(c.CurrentRecipient)
}

// RemoteIPString returns the remote IP as text, empty when unknown.
func (c *Context) RemoteIPString() string {
	if c.RemoteIP == nil {
		return ""
	}
	return c.RemoteIP.String()
}

func domainOf(addr string) string {
	addr = strings.Trim(strings.TrimSpace(addr), "<>")
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(addr[at+1:], "."))
}

// Attributes is a concurrency-safe string-keyed bag.
type Attributes struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewAttributes returns an empty bag.
func NewAttributes() *Attributes {
	return &Attributes{m: make(map[string]any)}
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.m[key]
	return v, ok
}

// GetString returns the value under key if it is a string.
func (a *Attributes) GetString(key string) string {
	v, _ := a.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores value under key.
func (a *Attributes) Set(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.m == nil {
		a.m = make(map[string]any)
	}
	a.m[key] = value
}

// Delete removes key.
func (a *Attributes) Delete(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.m, key)
}

// Snapshot returns a copy of the bag's contents.
func (a *Attributes) Snapshot() map[string]any {
	if a == nil {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return maps.Clone(a.m)
}
