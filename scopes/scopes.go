// Package scopes implements OAuth scope sets and the checks the server runs
// against requested scopes.
package scopes

import (
	"slices"
	"strings"
)

// Set is an ordered collection of unique, case-sensitive scope tokens.
// The zero value is an empty set ready to use.
type Set struct {
	items []string
}

// Parse splits s on whitespace and collapses duplicates, keeping the order
// of first appearance.
func Parse(s string) Set {
	return FromSlice(strings.Fields(s))
}

// FromSlice builds a set from the given tokens. Blank tokens are dropped.
func FromSlice(items []string) Set {
	var set Set
	set.Add(items...)
	return set
}

// Add appends tokens that are not already present.
func (s *Set) Add(items ...string) {
	for _, item := range items {
		if item == "" || slices.Contains(s.items, item) {
			continue
		}
		s.items = append(s.items, item)
	}
}

// Contains reports whether scope is an exact member of the set.
func (s Set) Contains(scope string) bool {
	return slices.Contains(s.items, scope)
}

// ContainsAll reports whether other is a subset of s.
func (s Set) ContainsAll(other Set) bool {
	for _, item := range other.items {
		if !s.Contains(item) {
			return false
		}
	}
	return true
}

// Union returns s followed by the members of other not already in s.
func (s Set) Union(other Set) Set {
	out := FromSlice(s.items)
	out.Add(other.items...)
	return out
}

// Intersect returns the members of s that are also in other, in s's order.
func (s Set) Intersect(other Set) Set {
	var out Set
	for _, item := range s.items {
		if other.Contains(item) {
			out.items = append(out.items, item)
		}
	}
	return out
}

// Equal reports set equality, ignoring order.
func (s Set) Equal(other Set) bool {
	return len(s.items) == len(other.items) && s.ContainsAll(other)
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	return len(s.items) == 0
}

// Len returns the number of members.
func (s Set) Len() int {
	return len(s.items)
}

// Slice returns a copy of the members in order.
func (s Set) Slice() []string {
	return slices.Clone(s.items)
}

// String joins the members with a single space.
func (s Set) String() string {
	return strings.Join(s.items, " ")
}
