// Package delta compares two exported index reports.
package delta

import (
	"fmt"
	"io"
	"sort"

	"github.com/abramin/annoscan/internal/index"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// Diff is the added and removed members of a name set.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// IsEmpty reports whether nothing changed.
func (d Diff) IsEmpty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// SuperChange is a class whose superclass changed.
type SuperChange struct {
	Class  string `json:"class"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Delta is the change set between two reports. Policies and categories
// without changes are omitted.
type Delta struct {
	Before      string                     `json:"before"`
	After       string                     `json:"after"`
	Classes     map[string]Diff            `json:"classes,omitempty"`
	Annotations map[string]map[string]Diff `json:"annotations,omitempty"`
	Supers      []SuperChange              `json:"superclasses,omitempty"`
	Resolved    Diff                       `json:"resolved"`
	Unresolved  Diff                       `json:"unresolved"`
}

// Compare computes the changes from before to after.
func Compare(before, after *index.Report) *Delta {
	d := &Delta{
		Before:      before.Module,
		After:       after.Module,
		Classes:     make(map[string]Diff),
		Annotations: make(map[string]map[string]Diff),
	}
	for _, p := range source.Policies {
		name := p.String()
		b, a := policyOf(before, name), policyOf(after, name)

		if diff := diffNames(b.Classes, a.Classes); !diff.IsEmpty() {
			d.Classes[name] = diff
		}
		byCat := make(map[string]Diff)
		for _, cat := range targets.Categories {
			diff := diffNames(edges(b.Annotations, cat), edges(a.Annotations, cat))
			if !diff.IsEmpty() {
				byCat[cat.String()] = diff
			}
		}
		if len(byCat) > 0 {
			d.Annotations[name] = byCat
		}
	}
	d.Supers = diffSupers(before.Supers, after.Supers)
	d.Resolved = diffNames(before.Resolved, after.Resolved)
	d.Unresolved = diffNames(before.Unresolved, after.Unresolved)
	return d
}

// IsEmpty reports whether the reports describe the same index.
func (d *Delta) IsEmpty() bool {
	return len(d.Classes) == 0 && len(d.Annotations) == 0 && len(d.Supers) == 0 &&
		d.Resolved.IsEmpty() && d.Unresolved.IsEmpty()
}

func policyOf(r *index.Report, name string) *index.PolicyReport {
	if p, ok := r.Policies[name]; ok && p != nil {
		return p
	}
	return &index.PolicyReport{}
}

// edges renders the annotation records of one category as comparable
// strings: "target @annotation" or "target #member".
func edges(records []targets.AnnotationRecord, cat targets.Category) []string {
	var out []string
	for _, r := range records {
		if r.Category != cat.String() {
			continue
		}
		if r.Member != "" {
			out = append(out, r.Target+" #"+r.Member)
		} else {
			out = append(out, r.Target+" @"+r.Annotation)
		}
	}
	return out
}

func diffNames(before, after []string) Diff {
	b := toSet(before)
	a := toSet(after)
	var d Diff
	for name := range a {
		if !b[name] {
			d.Added = append(d.Added, name)
		}
	}
	for name := range b {
		if !a[name] {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	return d
}

func toSet(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// diffSupers lists classes present in both reports whose superclass differs.
func diffSupers(before, after map[string]string) []SuperChange {
	var out []SuperChange
	for class, b := range before {
		if a, ok := after[class]; ok && a != b {
			out = append(out, SuperChange{Class: class, Before: b, After: a})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// WriteText prints the delta for a terminal.
func (d *Delta) WriteText(w io.Writer) error {
	if d.IsEmpty() {
		_, err := fmt.Fprintln(w, "No changes.")
		return err
	}
	ew := &errWriter{w: w}
	for _, p := range source.Policies {
		name := p.String()
		if diff, ok := d.Classes[name]; ok {
			ew.printf("%s classes:\n", name)
			ew.diff(diff)
		}
		for _, cat := range targets.Categories {
			if diff, ok := d.Annotations[name][cat.String()]; ok {
				ew.printf("%s %s annotations:\n", name, cat)
				ew.diff(diff)
			}
		}
	}
	if len(d.Supers) > 0 {
		ew.printf("superclasses:\n")
		for _, s := range d.Supers {
			ew.printf("  ~ %s: %s -> %s\n", s.Class, s.Before, s.After)
		}
	}
	if !d.Resolved.IsEmpty() {
		ew.printf("resolved:\n")
		ew.diff(d.Resolved)
	}
	if !d.Unresolved.IsEmpty() {
		ew.printf("unresolved:\n")
		ew.diff(d.Unresolved)
	}
	return ew.err
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(format string, args ...any) {
	if e.err == nil {
		_, e.err = fmt.Fprintf(e.w, format, args...)
	}
}

func (e *errWriter) diff(d Diff) {
	for _, n := range d.Added {
		e.printf("  + %s\n", n)
	}
	for _, n := range d.Removed {
		e.printf("  - %s\n", n)
	}
}
