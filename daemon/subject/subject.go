// Package subject implements the hierarchical subject grammar and
// wildcard matching used to route envelopes.
//
// A subject is 1-8 dot-separated tokens of [A-Za-z0-9_-], at most 256
// characters in total. Patterns additionally allow "*" (matches exactly
// one token) and a final ">" (matches one or more remaining tokens).
package subject

import (
	"strings"

	"github.com/dork-labs/relay/daemon/relay"
)

const (
	// MaxLen is the maximum total length of a subject.
	MaxLen = 256
	// MaxTokens is the maximum number of dot-separated tokens.
	MaxTokens = 8
)

// Validate checks that s is a well-formed concrete subject,
// with no wildcard tokens.
func Validate(s string) error {
	return check(s, false)
}

// ValidatePattern checks that s is a well-formed pattern. Every
// concrete subject is also a valid pattern.
func ValidatePattern(s string) error {
	return check(s, true)
}

func check(s string, wildcards bool) error {
	if s == "" {
		return relay.Errorf(relay.CodeInvalidSubject, "subject must not be empty")
	}
	if len(s) > MaxLen {
		return relay.Errorf(relay.CodeInvalidSubject, "subject exceeds %d characters", MaxLen)
	}
	tokens := strings.Split(s, ".")
	if len(tokens) > MaxTokens {
		return relay.Errorf(relay.CodeInvalidSubject, "subject %q has %d tokens, max %d", s, len(tokens), MaxTokens)
	}
	for i, tok := range tokens {
		switch tok {
		case "":
			return relay.Errorf(relay.CodeInvalidSubject, "subject %q has an empty token", s)
		case "*":
			if !wildcards {
				return relay.Errorf(relay.CodeInvalidSubject, "subject %q must not contain wildcards", s)
			}
		case ">":
			if !wildcards {
				return relay.Errorf(relay.CodeInvalidSubject, "subject %q must not contain wildcards", s)
			}
			if i != len(tokens)-1 {
				return relay.Errorf(relay.CodeInvalidSubject, "pattern %q uses '>' before the final token", s)
			}
		default:
			for _, r := range tok {
				if !validRune(r) {
					return relay.Errorf(relay.CodeInvalidSubject, "subject %q contains invalid character %q", s, r)
				}
			}
		}
	}
	return nil
}

func validRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z':
		return true
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// Match reports whether pattern matches subject. Matching is
// case-sensitive and token-wise: "*" matches exactly one token and a
// final ">" matches one or more remaining tokens. Match is total;
// malformed inputs match nothing.
func Match(pattern, subject string) bool {
	if pattern == "" || subject == "" {
		return false
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// HasWildcard reports whether s contains a wildcard token.
func HasWildcard(s string) bool {
	for _, tok := range strings.Split(s, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}
