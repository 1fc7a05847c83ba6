package targets

import (
	"log/slog"
	"sort"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
)

// ClassRecord is the serializable form of one placed class.
type ClassRecord struct {
	Name       string   `json:"name"`
	Source     string   `json:"source"`
	Super      string   `json:"super,omitempty"`
	Interfaces []string `json:"interfaces,omitempty"`
	Modifiers  uint16   `json:"modifiers"`
}

// PackageRecord is the serializable form of one placed package.
type PackageRecord struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// AnnotationRecord is one target -> annotation edge. Member is set for
// field and method detail edges.
type AnnotationRecord struct {
	Category   string `json:"category"`
	Target     string `json:"target"`
	Annotation string `json:"annotation,omitempty"`
	Member     string `json:"member,omitempty"`
}

// ClassSnapshot is the serializable form of a ClassTable.
type ClassSnapshot struct {
	Sources  []string        `json:"sources"`
	Classes  []ClassRecord   `json:"classes"`
	Packages []PackageRecord `json:"packages,omitempty"`
}

// Snapshot is the serializable form of a Table.
type Snapshot struct {
	Source      string             `json:"source"`
	Stamp       string             `json:"stamp"`
	Classes     ClassSnapshot      `json:"classes"`
	Annotations []AnnotationRecord `json:"annotations,omitempty"`
	Referenced  []string           `json:"referenced,omitempty"`
}

// Snapshot captures the table in name order.
func (ct *ClassTable) Snapshot() ClassSnapshot {
	snap := ClassSnapshot{Sources: ct.SourceNames()}
	for _, h := range sortedHandles(ct.names, ct.Classes()) {
		rec := ClassRecord{
			Name:      ct.names.Name(h),
			Source:    ct.classSource[h],
			Super:     ct.names.Name(ct.super[h]),
			Modifiers: ct.modifiers[h],
		}
		for _, i := range ct.interfaces[h] {
			rec.Interfaces = append(rec.Interfaces, ct.names.Name(i))
		}
		snap.Classes = append(snap.Classes, rec)
	}
	for _, h := range sortedHandles(ct.names, ct.Packages()) {
		snap.Packages = append(snap.Packages, PackageRecord{Name: ct.names.Name(h), Source: ct.packageSource[h]})
	}
	return snap
}

// ClassTableFromSnapshot rebuilds a ClassTable, interning into names.
func ClassTableFromSnapshot(snap ClassSnapshot, names *intern.Table, logger *slog.Logger) *ClassTable {
	ct := NewClassTable(names, logger)
	for _, s := range snap.Sources {
		ct.noteSource(s)
	}
	for _, rec := range snap.Classes {
		h := names.Intern(rec.Name)
		ct.PlaceClass(rec.Source, h)
		if rec.Super != "" {
			ct.super[h] = names.Intern(rec.Super)
		}
		if len(rec.Interfaces) > 0 {
			ct.interfaces[h] = names.InternAll(rec.Interfaces)
		}
		ct.modifiers[h] = rec.Modifiers
	}
	for _, rec := range snap.Packages {
		ct.PlacePackage(rec.Source, names.Intern(rec.Name))
	}
	return ct
}

// Records lists every edge, sorted by category, target and annotation.
func (at *AnnotationTable) Records(tables *intern.Tables) []AnnotationRecord {
	var out []AnnotationRecord
	for _, c := range Categories {
		at.byCategory[c].Each(func(target, anno intern.Handle) {
			out = append(out, AnnotationRecord{
				Category:   c.String(),
				Target:     tables.Classes.Name(target),
				Annotation: tables.Classes.Name(anno),
			})
		})
	}
	at.fields.Each(func(class, field intern.Handle) {
		out = append(out, AnnotationRecord{
			Category: Field.String(),
			Target:   tables.Classes.Name(class),
			Member:   tables.Fields.Name(field),
		})
	})
	at.methods.Each(func(class, sig intern.Handle) {
		out = append(out, AnnotationRecord{
			Category: Method.String(),
			Target:   tables.Classes.Name(class),
			Member:   tables.Methods.Name(sig),
		})
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Annotation != b.Annotation {
			return a.Annotation < b.Annotation
		}
		return a.Member < b.Member
	})
	return out
}

// AnnotationTableFromRecords rebuilds an AnnotationTable.
func AnnotationTableFromRecords(records []AnnotationRecord, tables *intern.Tables) (*AnnotationTable, error) {
	at := NewAnnotationTable()
	for _, rec := range records {
		cat, err := ParseCategory(rec.Category)
		if err != nil {
			return nil, err
		}
		target := tables.Classes.Intern(rec.Target)
		switch {
		case rec.Member != "" && cat == Field:
			at.fields.Record(target, tables.Fields.Intern(rec.Member))
		case rec.Member != "" && cat == Method:
			at.methods.Record(target, tables.Methods.Intern(rec.Member))
		default:
			at.byCategory[cat].Record(target, tables.Classes.Intern(rec.Annotation))
		}
	}
	return at, nil
}

// Snapshot captures the table in a form that can be cached.
func (t *Table) Snapshot() *Snapshot {
	return &Snapshot{
		Source:      t.sourceName,
		Stamp:       t.stamp,
		Classes:     t.classes.Snapshot(),
		Annotations: t.annos.Records(t.tables),
		Referenced:  t.referenced.Sorted(t.tables.Classes),
	}
}

// FromSnapshot rebuilds a table, interning into tables.
func FromSnapshot(snap *Snapshot, tables *intern.Tables, logger *slog.Logger) (*Table, error) {
	t := NewTable(tables, snap.Source, logger)
	t.stamp = snap.Stamp
	t.classes = ClassTableFromSnapshot(snap.Classes, tables.Classes, t.logger)
	annos, err := AnnotationTableFromRecords(snap.Annotations, tables)
	if err != nil {
		return nil, err
	}
	t.annos = annos
	t.referenced = relation.NewSet(tables.Classes.InternAll(snap.Referenced)...)
	t.stats.Classes = t.classes.Len()
	t.stats.Packages = len(t.classes.packageSource)
	return t, nil
}

func sortedHandles(names *intern.Table, s relation.Set) []intern.Handle {
	hs := s.Slice()
	sort.Slice(hs, func(i, j int) bool { return names.Name(hs[i]) < names.Name(hs[j]) })
	return hs
}
