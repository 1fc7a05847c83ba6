package targets

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
)

// Category is the kind of target an annotation is attached to.
type Category int

const (
	Package Category = iota
	Class
	Field
	Method
)

// Categories lists every category.
var Categories = []Category{Package, Class, Field, Method}

func (c Category) String() string {
	switch c {
	case Package:
		return "package"
	case Class:
		return "class"
	case Field:
		return "field"
	case Method:
		return "method"
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if strings.EqualFold(s, c.String()) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown annotation category %q", s)
}

// AnnotationTable holds target -> annotation edges per category. Field and
// method edges are keyed by the declaring class; the annotated member names
// are kept as detail.
type AnnotationTable struct {
	byCategory [4]*relation.Map

	fields  *relation.Map // class -> field name (fields table)
	methods *relation.Map // class -> name+descriptor (methods table)
}

// NewAnnotationTable creates an empty table.
func NewAnnotationTable() *AnnotationTable {
	return &AnnotationTable{
		byCategory: [4]*relation.Map{
			relation.New("annotated package", "package annotation"),
			relation.New("annotated class", "class annotation"),
			relation.New("class with annotated fields", "field annotation"),
			relation.New("class with annotated methods", "method annotation"),
		},
		fields:  relation.New("class", "annotated field"),
		methods: relation.New("class", "annotated method"),
	}
}

// LogValue reports the relation sizes of every category.
func (at *AnnotationTable) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(at.byCategory))
	for _, c := range Categories {
		attrs = append(attrs, slog.Any(c.String(), at.byCategory[c]))
	}
	return slog.GroupValue(attrs...)
}

// Map returns the relation for a category.
func (at *AnnotationTable) Map(c Category) *relation.Map {
	return at.byCategory[c]
}

// Record adds target -> annotation in category c.
func (at *AnnotationTable) Record(c Category, target, annotation intern.Handle) bool {
	return at.byCategory[c].Record(target, annotation)
}

// RecordField records an annotation on a field of class.
func (at *AnnotationTable) RecordField(class, field, annotation intern.Handle) {
	at.byCategory[Field].Record(class, annotation)
	at.fields.Record(class, field)
}

// RecordMethod records an annotation on a method of class.
func (at *AnnotationTable) RecordMethod(class, signature, annotation intern.Handle) {
	at.byCategory[Method].Record(class, annotation)
	at.methods.Record(class, signature)
}

// AnnotatedFields returns the annotated field names of class (fields table).
func (at *AnnotationTable) AnnotatedFields(class intern.Handle) relation.Set {
	return at.fields.HeldOf(class)
}

// AnnotatedMethods returns the annotated method signatures of class
// (methods table).
func (at *AnnotationTable) AnnotatedMethods(class intern.Handle) relation.Set {
	return at.methods.HeldOf(class)
}

// Len returns the number of edges over all categories.
func (at *AnnotationTable) Len() int {
	n := 0
	for _, m := range at.byCategory {
		n += m.Len()
	}
	return n
}

// RestrictedAdd copies the edges of other whose target was newly added:
// package edges for addedPackages, every other category for addedClasses.
func (at *AnnotationTable) RestrictedAdd(other *AnnotationTable, addedClasses, addedPackages relation.Set) {
	at.byCategory[Package].RestrictedAdd(other.byCategory[Package], addedPackages)
	for _, c := range []Category{Class, Field, Method} {
		at.byCategory[c].RestrictedAdd(other.byCategory[c], addedClasses)
	}
	at.fields.RestrictedAdd(other.fields, addedClasses)
	at.methods.RestrictedAdd(other.methods, addedClasses)
}

// AddAll copies every edge of other.
func (at *AnnotationTable) AddAll(other *AnnotationTable) {
	for c := range at.byCategory {
		at.byCategory[c].AddAll(other.byCategory[c])
	}
	at.fields.AddAll(other.fields)
	at.methods.AddAll(other.methods)
}

// SameAs reports whether both tables hold the same edges.
func (at *AnnotationTable) SameAs(other *AnnotationTable) bool {
	for c := range at.byCategory {
		if !at.byCategory[c].SameAs(other.byCategory[c]) {
			return false
		}
	}
	return at.fields.SameAs(other.fields) && at.methods.SameAs(other.methods)
}

// Translate re-interns every edge from src into dst.
func (at *AnnotationTable) Translate(src, dst *intern.Tables) *AnnotationTable {
	out := &AnnotationTable{}
	for c, m := range at.byCategory {
		out.byCategory[c] = m.Translate(src.Classes, dst.Classes, src.Classes, dst.Classes)
	}
	out.fields = at.fields.Translate(src.Classes, dst.Classes, src.Fields, dst.Fields)
	out.methods = at.methods.Translate(src.Classes, dst.Classes, src.Methods, dst.Methods)
	return out
}
