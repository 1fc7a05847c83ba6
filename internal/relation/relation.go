// Package relation provides a many-to-many holder/held index over interned
// handles, queryable from either side.
package relation

import (
	"log/slog"

	"github.com/abramin/annoscan/internal/intern"
)

// Map records holder -> held edges, e.g. class -> annotation, and keeps the
// inverse index so held -> holders lookups are as cheap as the forward ones.
type Map struct {
	holderTag string
	heldTag   string

	heldOf    map[intern.Handle]Set
	holdersOf map[intern.Handle]Set
	edges     int
}

// New creates an empty map. The tags name the two sides in diagnostics,
// for example "annotated class" and "class annotation".
func New(holderTag, heldTag string) *Map {
	return &Map{
		holderTag: holderTag,
		heldTag:   heldTag,
		heldOf:    make(map[intern.Handle]Set),
		holdersOf: make(map[intern.Handle]Set),
	}
}

// LogValue reports the number of holders, held values and edges, keyed by
// the tags.
func (m *Map) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int(m.holderTag, len(m.heldOf)),
		slog.Int(m.heldTag, len(m.holdersOf)),
		slog.Int("edges", m.edges))
}

// Record adds the edge holder -> held and reports whether it was new.
func (m *Map) Record(holder, held intern.Handle) bool {
	vals := m.heldOf[holder]
	if vals == nil {
		vals = make(Set)
		m.heldOf[holder] = vals
	}
	if !vals.Add(held) {
		return false
	}

	holders := m.holdersOf[held]
	if holders == nil {
		holders = make(Set)
		m.holdersOf[held] = holders
	}
	holders.Add(holder)
	m.edges++
	return true
}

// Contains reports whether the edge holder -> held is present.
func (m *Map) Contains(holder, held intern.Handle) bool {
	return m.heldOf[holder].Has(held)
}

// HasHolder reports whether holder has at least one edge.
func (m *Map) HasHolder(holder intern.Handle) bool {
	return len(m.heldOf[holder]) > 0
}

// HasHeld reports whether held has at least one edge.
func (m *Map) HasHeld(held intern.Handle) bool {
	return len(m.holdersOf[held]) > 0
}

// HeldOf returns the values held by holder. The result must not be modified.
func (m *Map) HeldOf(holder intern.Handle) Set {
	return m.heldOf[holder]
}

// HoldersOf returns the holders of held. The result must not be modified.
func (m *Map) HoldersOf(held intern.Handle) Set {
	return m.holdersOf[held]
}

// Holders returns every distinct holder as a new set.
func (m *Map) Holders() Set {
	out := make(Set, len(m.heldOf))
	for h := range m.heldOf {
		out[h] = struct{}{}
	}
	return out
}

// Held returns every distinct held value as a new set.
func (m *Map) Held() Set {
	out := make(Set, len(m.holdersOf))
	for h := range m.holdersOf {
		out[h] = struct{}{}
	}
	return out
}

// Len returns the number of edges.
func (m *Map) Len() int { return m.edges }

// IsEmpty reports whether the map has no edges.
func (m *Map) IsEmpty() bool { return m.edges == 0 }

// AddAll copies every edge of other into m.
func (m *Map) AddAll(other *Map) {
	for holder, held := range other.heldOf {
		for h := range held {
			m.Record(holder, h)
		}
	}
}

// RestrictedAdd copies the edges of other whose holder is in restrict.
// Merging many tables into a running aggregate passes the holders newly
// added by the current table, so entries already present are not copied
// again.
func (m *Map) RestrictedAdd(other *Map, restrict Set) {
	if len(restrict) < len(other.heldOf) {
		for holder := range restrict {
			for h := range other.heldOf[holder] {
				m.Record(holder, h)
			}
		}
		return
	}
	for holder, held := range other.heldOf {
		if !restrict.Has(holder) {
			continue
		}
		for h := range held {
			m.Record(holder, h)
		}
	}
}

// SameAs reports whether both maps hold exactly the same edges.
func (m *Map) SameAs(other *Map) bool {
	if m == other {
		return true
	}
	if other == nil || m.edges != other.edges || len(m.heldOf) != len(other.heldOf) {
		return false
	}
	for holder, held := range m.heldOf {
		if !held.Equal(other.heldOf[holder]) {
			return false
		}
	}
	return true
}

// Translate copies the map into other intern tables, re-interning each
// holder from holderSrc into holderDst and each held value from heldSrc
// into heldDst.
func (m *Map) Translate(holderSrc, holderDst, heldSrc, heldDst *intern.Table) *Map {
	out := New(m.holderTag, m.heldTag)
	if m.edges == 0 {
		return out
	}

	holderMemo := make(map[intern.Handle]intern.Handle, len(m.heldOf))
	heldMemo := make(map[intern.Handle]intern.Handle, len(m.holdersOf))
	for holder, held := range m.heldOf {
		dh, ok := holderMemo[holder]
		if !ok {
			dh = holderDst.Intern(holderSrc.Name(holder))
			holderMemo[holder] = dh
		}
		for h := range held {
			dv, ok := heldMemo[h]
			if !ok {
				dv = heldDst.Intern(heldSrc.Name(h))
				heldMemo[h] = dv
			}
			out.Record(dh, dv)
		}
	}
	return out
}

// Each calls fn for every edge in unspecified order.
func (m *Map) Each(fn func(holder, held intern.Handle)) {
	for holder, held := range m.heldOf {
		for h := range held {
			fn(holder, h)
		}
	}
}
