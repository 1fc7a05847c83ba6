package targets

import (
	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
)

// VisitResult is the outcome of visiting one class.
type VisitResult int

const (
	// VisitContinue means the class was visited to the end.
	VisitContinue VisitResult = iota
	// VisitStopDetail means the visit ended early because no more detail
	// was wanted. It is not a failure.
	VisitStopDetail
	// VisitStopDuplicateClass means the class was already recorded.
	VisitStopDuplicateClass
	// VisitStopClassMismatch means the class file names a different class
	// than its resource path.
	VisitStopClassMismatch
	// VisitStopPackageMismatch is VisitStopClassMismatch for package-info.
	VisitStopPackageMismatch
)

func (r VisitResult) String() string {
	switch r {
	case VisitContinue:
		return "continue"
	case VisitStopDetail:
		return "stop-detail"
	case VisitStopDuplicateClass:
		return "duplicate-class"
	case VisitStopClassMismatch:
		return "class-mismatch"
	case VisitStopPackageMismatch:
		return "package-mismatch"
	}
	return "unknown"
}

// Failed reports whether the result is a per-class failure.
func (r VisitResult) Failed() bool {
	switch r {
	case VisitStopDuplicateClass, VisitStopClassMismatch, VisitStopPackageMismatch:
		return true
	}
	return false
}

// Visitor records the classes of one source into a Table.
type Visitor struct {
	table     *Table
	source    string
	policy    source.Policy
	detail    bool
	selection relation.Set // annotations to keep; nil keeps all
}

// VisitBytes parses one class file. expected is the class name derived
// from the resource path. A corrupt file returns an error wrapping
// classfile.ErrCorrupt.
func (v *Visitor) VisitBytes(expected string, data []byte) (VisitResult, error) {
	vc := v.newContext(expected)
	if err := classfile.Parse(data, vc); err != nil {
		return vc.result, err
	}
	return vc.result, nil
}

// VisitIndexed replays a class served from a precomputed index.
func (v *Visitor) VisitIndexed(c *classfile.Class) VisitResult {
	vc := v.newContext(c.Name)
	classfile.Walk(c, vc)
	return vc.result
}

func (v *Visitor) newContext(expected string) *visitContext {
	return &visitContext{v: v, expected: expected}
}

// visitContext holds the state of a single class visit.
type visitContext struct {
	v        *Visitor
	expected string
	class    intern.Handle
	pkg      bool
	result   VisitResult
}

func (c *visitContext) stop(r VisitResult) classfile.Step {
	c.result = r
	return classfile.Stop
}

func (c *visitContext) VisitHeader(h classfile.Header) classfile.Step {
	t := c.v.table
	names := t.tables.Classes

	if classfile.IsPackageInfo(h.Name) || classfile.IsPackageInfo(c.expected) {
		got, want := classfile.PackageOf(h.Name), classfile.PackageOf(c.expected)
		if got != want {
			return c.stop(VisitStopPackageMismatch)
		}
		pkg := names.Intern(got)
		if !t.classes.PlacePackage(c.v.source, pkg) {
			return c.stop(VisitStopDuplicateClass)
		}
		t.stats.Packages++
		c.class, c.pkg = pkg, true
		if c.v.policy == source.External {
			return c.stop(VisitStopDetail)
		}
		return classfile.SkipMembers
	}

	if h.Name != c.expected {
		return c.stop(VisitStopClassMismatch)
	}
	class := names.Intern(h.Name)
	if !t.classes.PlaceClass(c.v.source, class) {
		return c.stop(VisitStopDuplicateClass)
	}
	t.stats.Classes++
	c.class = class

	if h.Super != "" {
		super := names.Intern(h.Super)
		t.classes.SetSuperclass(class, super)
		t.referenced.Add(super)
	}
	if len(h.Interfaces) > 0 {
		ifaces := names.InternAll(h.Interfaces)
		t.classes.SetInterfaces(class, ifaces)
		for _, i := range ifaces {
			t.referenced.Add(i)
		}
	}
	t.classes.SetModifiers(class, h.Access)

	if c.v.policy == source.External {
		return c.stop(VisitStopDetail)
	}
	return classfile.Continue
}

// annotation interns a, or reports false when a selection excludes it.
// Recorded annotation types are referenced like supertypes are.
func (c *visitContext) annotation(a string) (intern.Handle, bool) {
	t := c.v.table
	h, ok := t.tables.Classes.Find(a, c.v.selection == nil)
	if !ok || (c.v.selection != nil && !c.v.selection.Has(h)) {
		return intern.None, false
	}
	t.referenced.Add(h)
	return h, true
}

func (c *visitContext) VisitClassAnnotation(a string, _ bool) classfile.Step {
	anno, ok := c.annotation(a)
	if !ok {
		return classfile.Continue
	}
	cat := Class
	if c.pkg {
		cat = Package
	}
	c.v.table.annos.Record(cat, c.class, anno)
	return classfile.Continue
}

func (c *visitContext) VisitField(classfile.Member) classfile.Step {
	if !c.v.detail {
		return c.stop(VisitStopDetail)
	}
	return classfile.Continue
}

func (c *visitContext) VisitFieldAnnotation(f classfile.Member, a string, _ bool) classfile.Step {
	anno, ok := c.annotation(a)
	if !ok {
		return classfile.Continue
	}
	t := c.v.table
	t.annos.RecordField(c.class, t.tables.Fields.Intern(f.Name), anno)
	return classfile.Continue
}

func (c *visitContext) VisitMethod(classfile.Member) classfile.Step {
	if !c.v.detail {
		return c.stop(VisitStopDetail)
	}
	return classfile.Continue
}

func (c *visitContext) VisitMethodAnnotation(m classfile.Member, a string, _ bool) classfile.Step {
	anno, ok := c.annotation(a)
	if !ok {
		return classfile.Continue
	}
	t := c.v.table
	t.annos.RecordMethod(c.class, t.tables.Methods.Intern(m.Signature()), anno)
	return classfile.Continue
}
