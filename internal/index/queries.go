package index

import (
	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// ClassNames returns the classes of every policy in mask.
func (t *Targets) ClassNames(mask source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sorted(t.classes(mask))
}

func (t *Targets) classes(mask source.Policy) relation.Set {
	m := t.need(mask)
	if m == nil {
		return nil
	}
	out := make(relation.Set)
	for _, b := range m.Buckets(mask) {
		out.AddAll(b.Classes)
	}
	return out
}

func (t *Targets) SeedClassNames() []string     { return t.ClassNames(source.Seed) }
func (t *Targets) PartialClassNames() []string  { return t.ClassNames(source.Partial) }
func (t *Targets) ExcludedClassNames() []string { return t.ClassNames(source.Excluded) }
func (t *Targets) ExternalClassNames() []string { return t.ClassNames(source.External) }

// IsClassName reports whether class was merged under a policy in mask.
func (t *Targets) IsClassName(class string, mask source.Policy) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(mask)
	h, ok := t.find(class)
	if m == nil || !ok {
		return false
	}
	p, ok := m.PolicyOf(h)
	return ok && p.Accept(mask)
}

func (t *Targets) IsSeedClassName(class string) bool     { return t.IsClassName(class, source.Seed) }
func (t *Targets) IsPartialClassName(class string) bool  { return t.IsClassName(class, source.Partial) }
func (t *Targets) IsExcludedClassName(class string) bool { return t.IsClassName(class, source.Excluded) }
func (t *Targets) IsExternalClassName(class string) bool { return t.IsClassName(class, source.External) }

// ClassSourceNames returns the names of every class source in classpath
// order.
func (t *Targets) ClassSourceNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.agg == nil {
		return []string{}
	}
	return t.agg.Names()
}

// ClassSourceClassNames returns the classes placed against one source.
func (t *Targets) ClassSourceClassNames(sourceName string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(t.policyOfSource(sourceName))
	if m == nil {
		return []string{}
	}
	return t.sorted(m.Classes.ClassesOf(sourceName))
}

// ClassSourceName returns the source a class was taken from, or "". A
// package name resolves to the source of its package-info.
func (t *Targets) ClassSourceName(class string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(class)
	if m == nil || !ok {
		return ""
	}
	if name, ok := m.Classes.SourceOf(h); ok {
		return name
	}
	name, _ := m.Classes.PackageSourceOf(h)
	return name
}

func (t *Targets) policyOfSource(name string) source.Policy {
	if t.agg != nil {
		for _, c := range t.agg.Children() {
			if c.Name() == name {
				return c.Policy()
			}
		}
	}
	return source.NonExternal
}

// AnnotatedTargets returns the targets of category carrying annotation in
// the policies of mask.
func (t *Targets) AnnotatedTargets(cat targets.Category, annotation string, mask source.Policy) []string {
	return t.annotatedQuery("AnnotatedTargets", cat, annotation, mask)
}

func (t *Targets) annotatedQuery(method string, cat targets.Category, annotation string, mask source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.sorted(t.annotatedTargets(cat, annotation, mask))
	t.logQuery(method, "Discover annotated "+cat.String()+" targets", mask, "", queryType(cat), annotation, out)
	return out
}

func (t *Targets) annotatedTargets(cat targets.Category, annotation string, mask source.Policy) relation.Set {
	m := t.need(mask)
	h, ok := t.find(annotation)
	if m == nil || !ok {
		return nil
	}
	out := make(relation.Set)
	for _, b := range m.Buckets(mask) {
		out.AddAll(b.Annotations.Map(cat).HoldersOf(h))
	}
	return out
}

// AllAnnotatedTargets returns every target of category carrying any
// annotation.
func (t *Targets) AllAnnotatedTargets(cat targets.Category, mask source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(mask)
	if m == nil {
		return []string{}
	}
	out := make(relation.Set)
	for _, b := range m.Buckets(mask) {
		out.AddAll(b.Annotations.Map(cat).Holders())
	}
	names := t.sorted(out)
	t.logQuery("AllAnnotatedTargets", "Discover all annotated "+cat.String()+" targets", mask, "", queryType(cat), "", names)
	return names
}

// Annotations returns the annotations of one target.
func (t *Targets) Annotations(cat targets.Category, target string, mask source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(mask)
	h, ok := t.find(target)
	if m == nil || !ok {
		return []string{}
	}
	out := make(relation.Set)
	for _, b := range m.Buckets(mask) {
		out.AddAll(b.Annotations.Map(cat).HeldOf(h))
	}
	names := t.sorted(out)
	t.logQuery("Annotations", "Discover annotations of "+target, mask, "", queryType(cat), "", names)
	return names
}

// AllAnnotations returns every annotation used on a target of category.
func (t *Targets) AllAnnotations(cat targets.Category, mask source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(mask)
	if m == nil {
		return []string{}
	}
	out := make(relation.Set)
	for _, b := range m.Buckets(mask) {
		out.AddAll(b.Annotations.Map(cat).Held())
	}
	names := t.sorted(out)
	t.logQuery("AllAnnotations", "Discover "+cat.String()+" annotations", mask, "", queryType(cat), "", names)
	return names
}

func (t *Targets) AnnotatedClasses(annotation string) []string {
	return t.annotatedQuery("AnnotatedClasses", targets.Class, annotation, source.Seed)
}

func (t *Targets) ClassAnnotations(class string) []string {
	return t.Annotations(targets.Class, class, source.Seed)
}

func (t *Targets) AnnotatedPackages(annotation string) []string {
	return t.annotatedQuery("AnnotatedPackages", targets.Package, annotation, source.Seed)
}

func (t *Targets) PackageAnnotations(pkg string) []string {
	return t.Annotations(targets.Package, pkg, source.Seed)
}

func (t *Targets) ClassesWithFieldAnnotation(annotation string) []string {
	return t.annotatedQuery("ClassesWithFieldAnnotation", targets.Field, annotation, source.Seed)
}

func (t *Targets) FieldAnnotations(class string) []string {
	return t.Annotations(targets.Field, class, source.Seed)
}

func (t *Targets) ClassesWithMethodAnnotation(annotation string) []string {
	return t.annotatedQuery("ClassesWithMethodAnnotation", targets.Method, annotation, source.Seed)
}

func (t *Targets) MethodAnnotations(class string) []string {
	return t.Annotations(targets.Method, class, source.Seed)
}

// AnnotatedClassesIn returns the classes of one source carrying annotation.
func (t *Targets) AnnotatedClassesIn(sourceName, annotation string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	mask := t.policyOfSource(sourceName)
	annotated := t.annotatedTargets(targets.Class, annotation, mask)
	if t.scanner == nil {
		return []string{}
	}
	out := t.sorted(annotated.Intersect(t.scanner.Merged().Classes.ClassesOf(sourceName)))
	t.logQuery("AnnotatedClassesIn", "Discover annotated classes", mask, sourceName, QueryClass, annotation, out)
	return out
}

// AnnotatedFields returns the names of the annotated fields of class.
func (t *Targets) AnnotatedFields(class string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.annotationsOf(class)
	if at == nil {
		return []string{}
	}
	h, _ := t.find(class)
	return at.AnnotatedFields(h).Sorted(t.tables.Fields)
}

// AnnotatedMethods returns the name and descriptor of the annotated
// methods of class, e.g. "run()V".
func (t *Targets) AnnotatedMethods(class string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	at := t.annotationsOf(class)
	if at == nil {
		return []string{}
	}
	h, _ := t.find(class)
	return at.AnnotatedMethods(h).Sorted(t.tables.Methods)
}

// annotationsOf returns the annotation table of the bucket holding class.
func (t *Targets) annotationsOf(class string) *targets.AnnotationTable {
	m := t.need(source.NonExternal)
	h, ok := t.find(class)
	if m == nil || !ok {
		return nil
	}
	p, ok := m.PolicyOf(h)
	if !ok {
		return nil
	}
	return m.Bucket(p).Annotations
}

// AllInheritedAnnotatedClasses returns the classes of the declarer policies
// carrying annotation, plus every subclass of those that belongs to the
// inheritor policies.
func (t *Targets) AllInheritedAnnotatedClasses(annotation string, declarer, inheritor source.Policy) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	declared := t.annotatedTargets(targets.Class, annotation, declarer)
	m := t.need(source.All)
	if m == nil {
		return []string{}
	}
	inheritors := make(relation.Set)
	for _, b := range m.Buckets(inheritor) {
		inheritors.AddAll(b.Classes)
	}
	out := declared.Clone()
	for class := range declared {
		out.AddAll(m.Classes.SubclassesOf(class).Intersect(inheritors))
	}
	names := t.sorted(out)
	t.logQuery("AllInheritedAnnotatedClasses", "Discover inherited annotated classes", declarer|inheritor, "", QueryInherited, annotation, names)
	return names
}

// SuperclassName returns the declared superclass of class, or "".
func (t *Targets) SuperclassName(class string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(class)
	if m == nil || !ok {
		return ""
	}
	super := m.Classes.Superclass(h)
	if super == intern.None {
		return ""
	}
	return t.tables.Classes.Name(super)
}

// InterfaceNames returns the interfaces class declares.
func (t *Targets) InterfaceNames(class string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(class)
	if m == nil || !ok {
		return []string{}
	}
	return t.sortedHandles(m.Classes.Interfaces(h))
}

// SubclassNames returns every transitive subclass of class.
func (t *Targets) SubclassNames(class string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(class)
	if m == nil || !ok {
		return []string{}
	}
	return t.sorted(m.Classes.SubclassesOf(h))
}

// AllImplementorsOf returns every class and sub-interface reaching iface.
func (t *Targets) AllImplementorsOf(iface string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(iface)
	if m == nil || !ok {
		return []string{}
	}
	return t.sorted(m.Classes.ImplementorsOf(h))
}

// IsInstanceOf reports whether candidate is target or extends it, or, for
// an interface target, implements it. A cyclic superclass chain yields an
// error wrapping targets.ErrInheritanceCycle.
func (t *Targets) IsInstanceOf(candidate, target string, isInterface bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	c, ok := t.find(candidate)
	if m == nil || !ok {
		return false, nil
	}
	tgt, ok := t.find(target)
	if !ok {
		return false, nil
	}
	return m.Classes.IsInstanceOf(c, tgt, isInterface)
}

// Modifiers returns the access flags of class.
func (t *Targets) Modifiers(class string) (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	h, ok := t.find(class)
	if m == nil || !ok {
		return 0, false
	}
	return m.Classes.Modifiers(h)
}

func (t *Targets) IsAbstract(class string) bool {
	mods, ok := t.Modifiers(class)
	return ok && mods&classfile.AccAbstract != 0
}

func (t *Targets) IsInterface(class string) bool {
	mods, ok := t.Modifiers(class)
	return ok && mods&classfile.AccInterface != 0
}

// ResolvedClassNames returns the referenced classes found in external
// sources.
func (t *Targets) ResolvedClassNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	if m == nil {
		return []string{}
	}
	return t.sorted(m.Resolved)
}

// UnresolvedClassNames returns the referenced classes no source holds.
func (t *Targets) UnresolvedClassNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.need(source.All)
	if m == nil {
		return []string{}
	}
	return t.sorted(m.Unresolved)
}
