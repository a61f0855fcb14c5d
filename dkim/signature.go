package dkim

import (
	"fmt"
	"strings"
)

// Signature represents a parsed DKIM-Signature header (RFC 6376 Section 3.5).
// Only the tags needed to locate and identify the key are interpreted.
type Signature struct {
	// Required fields
	Version   string // v= Version, must be "1" when present
	Algorithm string // a= Algorithm (e.g., "rsa-sha256")
	Signature string // b= Signature data, whitespace removed
	BodyHash  string // bh= Body hash, whitespace removed
	Domain    string // d= Signing domain, lower-cased
	Selector  string // s= Selector, lower-cased

	// Optional fields
	SignedHeaders []string // h= Signed header fields
	Identity      string   // i= Agent or User Identifier (AUID)
}

// ParseTags parses a semicolon-separated tag=value list as used by DKIM
// signatures and key records. Tag names are case-sensitive. Values are
// trimmed of surrounding whitespace, including folding.
func ParseTags(s string) (map[string]string, error) {
	tags := make(map[string]string)
	for part := range strings.SplitSeq(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		tag, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a tag=value pair", ErrHeaderMalformed, part)
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			return nil, fmt.Errorf("%w: empty tag name", ErrHeaderMalformed)
		}
		if _, dup := tags[tag]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		tags[tag] = strings.TrimSpace(value)
	}
	return tags, nil
}

// ParseSignature parses a DKIM-Signature header value (without the header
// name). The d, s, b and bh tags must be present and non-blank.
func ParseSignature(value string) (*Signature, error) {
	tags, err := ParseTags(value)
	if err != nil {
		return nil, err
	}

	sig := &Signature{
		Version:   tags["v"],
		Algorithm: strings.ToLower(tags["a"]),
		Signature: stripWhitespace(tags["b"]),
		BodyHash:  stripWhitespace(tags["bh"]),
		Domain:    strings.ToLower(strings.TrimSuffix(tags["d"], ".")),
		Selector:  strings.ToLower(tags["s"]),
		Identity:  tags["i"],
	}

	if v, ok := tags["v"]; ok && v != "1" {
		return nil, fmt.Errorf("%w: v=%s", ErrInvalidVersion, v)
	}

	for _, req := range []struct{ tag, value string }{
		{"d", sig.Domain},
		{"s", sig.Selector},
		{"b", sig.Signature},
		{"bh", sig.BodyHash},
	} {
		if req.value == "" {
			return nil, fmt.Errorf("%w: %s=", ErrMissingTag, req.tag)
		}
	}

	if h := tags["h"]; h != "" {
		for name := range strings.SplitSeq(h, ":") {
			if name = strings.TrimSpace(name); name != "" {
				sig.SignedHeaders = append(sig.SignedHeaders, name)
			}
		}
	}

	return sig, nil
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}
