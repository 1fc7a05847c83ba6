// Package targets records the annotation targets of class sources: which
// classes each source holds, their declared structure, and which packages,
// classes, fields and methods carry which annotations.
package targets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
)

// Stats counts what a scan recorded and what it had to skip.
type Stats struct {
	Classes    int `json:"classes"`
	Packages   int `json:"packages"`
	Duplicates int `json:"duplicates"`
	Mismatches int `json:"mismatches"`
	Corrupt    int `json:"corrupt"`
	Unreadable int `json:"unreadable"`
}

// Failures returns the number of classes that could not be recorded.
func (s Stats) Failures() int {
	return s.Duplicates + s.Mismatches + s.Corrupt + s.Unreadable
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Classes += other.Classes
	s.Packages += other.Packages
	s.Duplicates += other.Duplicates
	s.Mismatches += other.Mismatches
	s.Corrupt += other.Corrupt
	s.Unreadable += other.Unreadable
}

// ScanOptions tune a scan of one source.
type ScanOptions struct {
	// Detail records field and method annotations. Without it a visit
	// stops at the first member.
	Detail bool
	// Annotations restricts recording to the named annotation types.
	Annotations []string
}

// Table holds the results of scanning one class source.
type Table struct {
	tables *intern.Tables
	logger *slog.Logger

	sourceName string
	stamp      string

	classes    *ClassTable
	annos      *AnnotationTable
	referenced relation.Set // supertype and annotation type names seen

	stats Stats
}

// NewTable creates an empty table for the named source.
func NewTable(tables *intern.Tables, sourceName string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("source", sourceName))
	return &Table{
		tables:     tables,
		logger:     logger,
		sourceName: sourceName,
		stamp:      source.StampNotRecorded,
		classes:    NewClassTable(tables.Classes, logger),
		annos:      NewAnnotationTable(),
		referenced: make(relation.Set),
	}
}

func (t *Table) Tables() *intern.Tables        { return t.tables }
func (t *Table) SourceName() string            { return t.sourceName }
func (t *Table) Stamp() string                 { return t.stamp }
func (t *Table) SetStamp(stamp string)         { t.stamp = stamp }
func (t *Table) Classes() *ClassTable          { return t.classes }
func (t *Table) Annotations() *AnnotationTable { return t.annos }
func (t *Table) Stats() Stats                  { return t.stats }

// Referenced returns the supertype and annotation type names seen so far.
func (t *Table) Referenced() relation.Set { return t.referenced }

// NewVisitor returns a visitor recording into t.
func (t *Table) NewVisitor(policy source.Policy, opts ScanOptions) *Visitor {
	v := &Visitor{table: t, source: t.sourceName, policy: policy, detail: opts.Detail}
	if opts.Annotations != nil {
		v.selection = relation.NewSet(t.tables.Classes.InternAll(opts.Annotations)...)
	}
	return v
}

// ScanInternal opens src, streams every class into t and closes src. Close
// runs even when open fails.
func (t *Table) ScanInternal(ctx context.Context, src source.ClassSource, opts ScanOptions) (err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", src.Name(), cerr)
		}
	}()
	if err := src.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", src.Name(), err)
	}
	t.stamp = src.Stamp()

	s := &streamer{t: t, v: t.NewVisitor(src.Policy(), opts)}
	return src.ScanClasses(ctx, s)
}

// ScanSpecific opens src and streams only the named classes.
func (t *Table) ScanSpecific(ctx context.Context, src source.ClassSource, classNames []string, opts ScanOptions) (err error) {
	defer func() {
		if cerr := src.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing %s: %w", src.Name(), cerr)
		}
	}()
	if err := src.Open(); err != nil {
		return fmt.Errorf("opening %s: %w", src.Name(), err)
	}
	t.stamp = src.Stamp()

	s := &streamer{t: t, v: t.NewVisitor(src.Policy(), opts)}
	for _, name := range classNames {
		if err := ctx.Err(); err != nil {
			return err
		}
		found, err := src.ScanSpecificSeedClass(name, s)
		if err != nil {
			return fmt.Errorf("scanning %s in %s: %w", name, src.Name(), err)
		}
		if !found {
			t.logger.Debug("specific class not found", slog.String("class", name))
		}
	}
	return nil
}

// ScanExternal resolves frontier names against an open external source.
// Names referenced by the classes it resolves are tried against the same
// source until nothing new turns up. known names are never requested.
// It returns the names it resolved and the names it tried but could not
// resolve.
func (t *Table) ScanExternal(ctx context.Context, src source.ClassSource, frontier, known relation.Set) (resolved, unresolved relation.Set, err error) {
	t.stamp = src.Stamp()
	names := t.tables.Classes
	s := &streamer{t: t, v: t.NewVisitor(source.External, ScanOptions{})}

	resolved = make(relation.Set)
	unresolved = make(relation.Set)
	attempted := make(relation.Set)

	pending := frontier.Minus(known)
	for len(pending) > 0 {
		for _, name := range pending.Sorted(names) {
			if err := ctx.Err(); err != nil {
				return resolved, unresolved, err
			}
			h := names.Intern(name)
			attempted.Add(h)
			if t.classes.ContainsClass(h) {
				resolved.Add(h)
				continue
			}
			found, err := src.ScanReferencedClass(name, s)
			if err != nil {
				t.logger.Warn("referenced class scan failed",
					slog.String("class", name), slog.String("error", err.Error()))
			}
			if found && t.classes.ContainsClass(h) {
				resolved.Add(h)
			} else {
				unresolved.Add(h)
			}
		}
		pending = t.referenced.Minus(known, attempted)
	}
	return resolved, unresolved, nil
}

// RestrictedAdd merges other into t, first writer wins, and returns the
// newly added classes and packages. Both tables must share intern tables.
func (t *Table) RestrictedAdd(other *Table) (added, addedPackages relation.Set) {
	added, addedPackages = t.classes.RestrictedAdd(other.classes)
	t.annos.RestrictedAdd(other.annos, added, addedPackages)
	t.referenced.AddAll(other.referenced)
	return added, addedPackages
}

// SameAs reports whether both tables recorded the same facts.
func (t *Table) SameAs(other *Table) bool {
	return t.classes.SameAs(other.classes) && t.annos.SameAs(other.annos)
}

// Translate copies t into dst, re-interning every name.
func (t *Table) Translate(dst *intern.Tables) *Table {
	return &Table{
		tables:     dst,
		logger:     t.logger,
		sourceName: t.sourceName,
		stamp:      t.stamp,
		classes:    t.classes.Translate(dst.Classes),
		annos:      t.annos.Translate(t.tables, dst),
		referenced: t.referenced.Translate(t.tables.Classes, dst.Classes),
		stats:      t.stats,
	}
}

// streamer adapts a Visitor to source.Streamer and accounts for failures.
type streamer struct {
	t *Table
	v *Visitor
}

func (s *streamer) Want(string) bool { return true }

func (s *streamer) Stream(className string, data []byte) {
	r, err := s.v.VisitBytes(className, data)
	s.t.note(className, r, err)
}

func (s *streamer) StreamIndexed(c *classfile.Class) {
	s.t.note(c.Name, s.v.VisitIndexed(c), nil)
}

func (s *streamer) Failed(className string, err error) {
	s.t.stats.Unreadable++
	s.t.logger.Warn("class unreadable",
		slog.String("class", className), slog.String("error", err.Error()))
}

func (t *Table) note(className string, r VisitResult, err error) {
	if err != nil {
		if errors.Is(err, classfile.ErrCorrupt) {
			t.stats.Corrupt++
		} else {
			t.stats.Unreadable++
		}
		t.logger.Warn("class visit failed",
			slog.String("class", className), slog.String("error", err.Error()))
		return
	}
	if !r.Failed() {
		return
	}
	switch r {
	case VisitStopDuplicateClass:
		t.stats.Duplicates++
	default:
		t.stats.Mismatches++
	}
	t.logger.Warn("class visit stopped",
		slog.String("class", className), slog.String("result", r.String()))
}
