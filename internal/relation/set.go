package relation

import "github.com/abramin/annoscan/internal/intern"

// Set is a set of handles from a single intern table.
type Set map[intern.Handle]struct{}

// NewSet creates a set holding the given handles.
func NewSet(hs ...intern.Handle) Set {
	s := make(Set, len(hs))
	for _, h := range hs {
		s[h] = struct{}{}
	}
	return s
}

// Add adds h and reports whether it was absent.
func (s Set) Add(h intern.Handle) bool {
	if _, ok := s[h]; ok {
		return false
	}
	s[h] = struct{}{}
	return true
}

// Has reports whether h is in the set. A nil set is empty.
func (s Set) Has(h intern.Handle) bool {
	_, ok := s[h]
	return ok
}

// Remove deletes h from the set.
func (s Set) Remove(h intern.Handle) {
	delete(s, h)
}

// AddAll adds every member of other.
func (s Set) AddAll(other Set) {
	for h := range other {
		s[h] = struct{}{}
	}
}

// Clone returns an independent copy. Cloning a nil set yields an empty set.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for h := range s {
		out[h] = struct{}{}
	}
	return out
}

// Union returns a new set holding the members of s and every other set.
func (s Set) Union(others ...Set) Set {
	out := s.Clone()
	for _, o := range others {
		out.AddAll(o)
	}
	return out
}

// Minus returns the members of s not in any of others.
func (s Set) Minus(others ...Set) Set {
	out := make(Set, len(s))
outer:
	for h := range s {
		for _, o := range others {
			if o.Has(h) {
				continue outer
			}
		}
		out[h] = struct{}{}
	}
	return out
}

// Intersect returns the members present in both sets.
func (s Set) Intersect(other Set) Set {
	small, large := s, other
	if len(large) < len(small) {
		small, large = large, small
	}
	out := make(Set, len(small))
	for h := range small {
		if large.Has(h) {
			out[h] = struct{}{}
		}
	}
	return out
}

// Equal reports whether both sets have the same members.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for h := range s {
		if !other.Has(h) {
			return false
		}
	}
	return true
}

// Slice returns the members in unspecified order.
func (s Set) Slice() []intern.Handle {
	out := make([]intern.Handle, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	return out
}

// Sorted resolves the members against t and returns them sorted.
func (s Set) Sorted(t *intern.Table) []string {
	return t.SortedNames(s.Slice())
}

// Translate re-interns the members of s from src into dst.
func (s Set) Translate(src, dst *intern.Table) Set {
	names := make([]string, 0, len(s))
	for h := range s {
		names = append(names, src.Name(h))
	}
	return NewSet(dst.InternAll(names)...)
}
