package targets

import (
	"log/slog"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
)

// Bucket holds the classes and annotations merged under one policy.
type Bucket struct {
	Policy      source.Policy
	Classes     relation.Set
	Packages    relation.Set
	Annotations *AnnotationTable
}

func newBucket(p source.Policy) *Bucket {
	return &Bucket{
		Policy:      p,
		Classes:     make(relation.Set),
		Packages:    make(relation.Set),
		Annotations: NewAnnotationTable(),
	}
}

// Merged combines per-source tables in classpath order. Every class lands
// in exactly one bucket: the bucket of the first source that held it.
type Merged struct {
	Tables  *intern.Tables
	Classes *ClassTable

	Referenced relation.Set
	Resolved   relation.Set
	Unresolved relation.Set
	Stats      Stats

	buckets map[source.Policy]*Bucket
}

// NewMerged creates an empty merge over tables.
func NewMerged(tables *intern.Tables, logger *slog.Logger) *Merged {
	m := &Merged{
		Tables:     tables,
		Classes:    NewClassTable(tables.Classes, logger),
		Referenced: make(relation.Set),
		Resolved:   make(relation.Set),
		Unresolved: make(relation.Set),
		buckets:    make(map[source.Policy]*Bucket, len(source.Policies)),
	}
	for _, p := range source.Policies {
		m.buckets[p] = newBucket(p)
	}
	return m
}

// Bucket returns the bucket of a single policy.
func (m *Merged) Bucket(p source.Policy) *Bucket {
	return m.buckets[p]
}

// Buckets returns the buckets selected by mask, in policy order.
func (m *Merged) Buckets(mask source.Policy) []*Bucket {
	var out []*Bucket
	for _, p := range source.Policies {
		if p.Accept(mask) {
			out = append(out, m.buckets[p])
		}
	}
	return out
}

// Add merges a table scanned under policy and returns the classes it
// contributed. Classes already merged from an earlier source are ignored
// along with their annotations. t must use m.Tables.
func (m *Merged) Add(t *Table, policy source.Policy) relation.Set {
	added, addedPackages := m.Classes.RestrictedAdd(t.classes)
	b := m.buckets[policy]
	b.Classes.AddAll(added)
	b.Packages.AddAll(addedPackages)
	b.Annotations.RestrictedAdd(t.annos, added, addedPackages)
	m.Referenced.AddAll(t.referenced)
	m.Stats.Add(t.stats)
	return added
}

// PolicyOf returns the bucket a class was merged into.
func (m *Merged) PolicyOf(class intern.Handle) (source.Policy, bool) {
	for _, p := range source.Policies {
		if m.buckets[p].Classes.Has(class) {
			return p, true
		}
	}
	return 0, false
}

// Frontier returns the referenced names that are neither merged nor known
// to be unresolvable.
func (m *Merged) Frontier() relation.Set {
	return m.Referenced.Minus(m.Classes.Classes(), m.Unresolved)
}
