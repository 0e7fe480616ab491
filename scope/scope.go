// Package scope implements the scope set value type used on grants and tokens.
// A set is order-irrelevant; its canonical string form is sorted and
// space-joined so that two equal sets always serialize identically.
package scope

import (
	"sort"
	"strings"
)

// Set is an unordered collection of scope strings.
type Set map[string]struct{}

// New builds a set from individual scope values. Empty values are dropped.
func New(scopes ...string) Set {
	s := make(Set, len(scopes))
	for _, sc := range scopes {
		if sc != "" {
			s[sc] = struct{}{}
		}
	}
	return s
}

// Parse builds a set from a space-separated scope string (RFC 6749 section 3.3).
func Parse(raw string) Set {
	return New(strings.Fields(raw)...)
}

// String returns the canonical space-joined form, sorted lexicographically.
func (s Set) String() string {
	return strings.Join(s.Slice(), " ")
}

// Slice returns the scopes sorted lexicographically.
func (s Set) Slice() []string {
	out := make([]string, 0, len(s))
	for sc := range s {
		out = append(out, sc)
	}
	sort.Strings(out)
	return out
}

// IsEmpty reports whether the set has no scopes.
func (s Set) IsEmpty() bool {
	return len(s) == 0
}

// Contains reports whether the set includes the given scope.
func (s Set) Contains(sc string) bool {
	_, ok := s[sc]
	return ok
}

// SubsetOf reports whether every scope in s is also in other.
// The empty set is a subset of everything.
func (s Set) SubsetOf(other Set) bool {
	for sc := range s {
		if !other.Contains(sc) {
			return false
		}
	}
	return true
}

// Intersect returns the scopes present in both sets.
func (s Set) Intersect(other Set) Set {
	out := make(Set)
	for sc := range s {
		if other.Contains(sc) {
			out[sc] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets contain exactly the same scopes.
func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.SubsetOf(other)
}

// Clone returns an independent copy of the set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for sc := range s {
		out[sc] = struct{}{}
	}
	return out
}
