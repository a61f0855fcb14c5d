package dkim

import (
	"fmt"
	"slices"
	"strings"
)

// Record is a key record published at <selector>._domainkey.<domain>.
type Record struct {
	Version string   // "DKIM1"
	Key     string   // k=, "rsa" unless stated
	Pubkey  string   // p=, base64 without whitespace
	Flags   []string // t=, e.g. "y" and "s"
}

// IsTesting reports the t=y flag.
func (r *Record) IsTesting() bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool { return strings.EqualFold(f, "y") })
}

// ParseRecord parses a key record. A v= other than DKIM1 is rejected, and
// an empty p= means the key was revoked.
func ParseRecord(txt string) (*Record, error) {
	tags, err := ParseTags(txt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	rec := &Record{Version: "DKIM1", Key: "rsa"}
	for name, value := range tags {
		switch name {
		case "v":
			if !strings.EqualFold(value, "DKIM1") {
				return nil, fmt.Errorf("%w: v=%s", ErrInvalidVersion, value)
			}
			rec.Version = value
		case "k":
			if value != "" {
				rec.Key = strings.ToLower(value)
			}
		case "t":
			for flag := range strings.SplitSeq(value, ":") {
				if flag = strings.TrimSpace(flag); flag != "" {
					rec.Flags = append(rec.Flags, flag)
				}
			}
		case "p":
			rec.Pubkey = stripWhitespace(value)
		}
	}

	if _, ok := tags["p"]; !ok {
		return nil, fmt.Errorf("%w: no p= tag", ErrSyntax)
	}
	if rec.Pubkey == "" {
		return nil, ErrKeyRevoked
	}
	return rec, nil
}
