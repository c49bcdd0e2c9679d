package auth

import "strings"

// PrefixChecker scopes identifiers to an owner and an optional list
// of requested prefixes.
type PrefixChecker struct {
	owner    string
	prefixes []string
}

// NewPrefixChecker builds a checker. An empty prefix list matches
// everything under owner.
func NewPrefixChecker(prefixes []string, owner string) *PrefixChecker {
	return &PrefixChecker{
		owner:    owner,
		prefixes: prefixes,
	}
}

// OwnerPrefix returns the identifier namespace owned by login.
func OwnerPrefix(login string) string {
	if login == "" {
		return ""
	}
	return login + "_"
}

// ParsePrefixes splits a space-delimited prefix list.
func ParsePrefixes(s string) []string {
	return strings.Fields(s)
}

// Matches reports whether id is visible through the checker.
func (c *PrefixChecker) Matches(id string) bool {
	if !strings.HasPrefix(id, c.owner) {
		return false
	}
	if len(c.prefixes) == 0 {
		return true
	}
	for _, p := range c.prefixes {
		if strings.HasPrefix(id, p) {
			return true
		}
	}
	return false
}
