package targets

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
)

// ErrInheritanceCycle reports a class that is its own ancestor.
var ErrInheritanceCycle = errors.New("inheritance cycle")

// ClassTable records where each class was found and its declared structure.
// Handles come from a single class-name intern table.
type ClassTable struct {
	names  *intern.Table
	logger *slog.Logger

	classSource   map[intern.Handle]string
	packageSource map[intern.Handle]string
	sourceOrder   []string
	bySource      map[string]relation.Set

	super      map[intern.Handle]intern.Handle
	interfaces map[intern.Handle][]intern.Handle
	modifiers  map[intern.Handle]uint16

	// direct subclasses per superclass; nil until first use and after any
	// structural change
	subIndex map[intern.Handle]relation.Set
}

// NewClassTable creates an empty table over the given class-name table.
func NewClassTable(names *intern.Table, logger *slog.Logger) *ClassTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClassTable{
		names:         names,
		logger:        logger,
		classSource:   make(map[intern.Handle]string),
		packageSource: make(map[intern.Handle]string),
		bySource:      make(map[string]relation.Set),
		super:         make(map[intern.Handle]intern.Handle),
		interfaces:    make(map[intern.Handle][]intern.Handle),
		modifiers:     make(map[intern.Handle]uint16),
	}
}

// Names returns the intern table the handles belong to.
func (ct *ClassTable) Names() *intern.Table { return ct.names }

func (ct *ClassTable) noteSource(source string) relation.Set {
	s, ok := ct.bySource[source]
	if !ok {
		s = make(relation.Set)
		ct.bySource[source] = s
		ct.sourceOrder = append(ct.sourceOrder, source)
	}
	return s
}

// PlaceClass records class as found in source. It returns false, leaving
// the table unchanged, when the class was already placed.
func (ct *ClassTable) PlaceClass(source string, class intern.Handle) bool {
	if _, ok := ct.classSource[class]; ok {
		return false
	}
	ct.classSource[class] = source
	ct.noteSource(source).Add(class)
	return true
}

// PlacePackage records a package-info as found in source.
func (ct *ClassTable) PlacePackage(source string, pkg intern.Handle) bool {
	if _, ok := ct.packageSource[pkg]; ok {
		return false
	}
	ct.packageSource[pkg] = source
	ct.noteSource(source)
	return true
}

func (ct *ClassTable) SetSuperclass(class, super intern.Handle) {
	if super == intern.None {
		delete(ct.super, class)
	} else {
		ct.super[class] = super
	}
	ct.subIndex = nil
}

func (ct *ClassTable) SetInterfaces(class intern.Handle, ifaces []intern.Handle) {
	if len(ifaces) == 0 {
		delete(ct.interfaces, class)
	} else {
		ct.interfaces[class] = slices.Clone(ifaces)
	}
	ct.subIndex = nil
}

func (ct *ClassTable) SetModifiers(class intern.Handle, access uint16) {
	ct.modifiers[class] = access
}

// ContainsClass reports whether class was placed.
func (ct *ClassTable) ContainsClass(class intern.Handle) bool {
	_, ok := ct.classSource[class]
	return ok
}

// ContainsPackage reports whether the package-info of pkg was placed.
func (ct *ClassTable) ContainsPackage(pkg intern.Handle) bool {
	_, ok := ct.packageSource[pkg]
	return ok
}

// SourceOf returns the source a class was placed against.
func (ct *ClassTable) SourceOf(class intern.Handle) (string, bool) {
	s, ok := ct.classSource[class]
	return s, ok
}

// PackageSourceOf returns the source a package was placed against.
func (ct *ClassTable) PackageSourceOf(pkg intern.Handle) (string, bool) {
	s, ok := ct.packageSource[pkg]
	return s, ok
}

// SourceNames returns the sources that contributed classes, in the order
// they were first seen.
func (ct *ClassTable) SourceNames() []string {
	return slices.Clone(ct.sourceOrder)
}

// Classes returns every placed class.
func (ct *ClassTable) Classes() relation.Set {
	out := make(relation.Set, len(ct.classSource))
	for h := range ct.classSource {
		out.Add(h)
	}
	return out
}

// Packages returns every placed package.
func (ct *ClassTable) Packages() relation.Set {
	out := make(relation.Set, len(ct.packageSource))
	for h := range ct.packageSource {
		out.Add(h)
	}
	return out
}

// ClassesOf returns the classes placed against source.
func (ct *ClassTable) ClassesOf(source string) relation.Set {
	return ct.bySource[source].Clone()
}

// ClassNames returns the sorted names of every placed class.
func (ct *ClassTable) ClassNames() []string {
	return ct.Classes().Sorted(ct.names)
}

// ClassNamesOf returns the sorted names of the classes placed against source.
func (ct *ClassTable) ClassNamesOf(source string) []string {
	return ct.bySource[source].Sorted(ct.names)
}

// Len returns the number of placed classes.
func (ct *ClassTable) Len() int { return len(ct.classSource) }

// Superclass returns the declared superclass, or None.
func (ct *ClassTable) Superclass(class intern.Handle) intern.Handle {
	return ct.super[class]
}

// Interfaces returns the declared interfaces. The slice must not be
// modified.
func (ct *ClassTable) Interfaces(class intern.Handle) []intern.Handle {
	return ct.interfaces[class]
}

// Modifiers returns the access flags of a placed class.
func (ct *ClassTable) Modifiers(class intern.Handle) (uint16, bool) {
	m, ok := ct.modifiers[class]
	return m, ok
}

// IsInterface reports whether class is a known interface.
func (ct *ClassTable) IsInterface(class intern.Handle) bool {
	return ct.modifiers[class]&classfile.AccInterface != 0
}

func (ct *ClassTable) buildSubIndex() {
	if ct.subIndex != nil {
		return
	}
	ct.subIndex = make(map[intern.Handle]relation.Set, len(ct.super))
	for class, super := range ct.super {
		s := ct.subIndex[super]
		if s == nil {
			s = make(relation.Set)
			ct.subIndex[super] = s
		}
		s.Add(class)
	}
}

// SubclassesOf returns every transitive subclass of super. super itself is
// never included, even when the hierarchy is cyclic.
func (ct *ClassTable) SubclassesOf(super intern.Handle) relation.Set {
	ct.buildSubIndex()
	out := make(relation.Set)
	queue := []intern.Handle{super}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for sub := range ct.subIndex[cur] {
			if sub == super || !out.Add(sub) {
				continue
			}
			queue = append(queue, sub)
		}
	}
	return out
}

// ImplementorsOf returns the classes that reach iface through their
// superclass chain and super-interfaces. Sub-interfaces of iface are
// included; iface itself is not.
func (ct *ClassTable) ImplementorsOf(iface intern.Handle) relation.Set {
	out := make(relation.Set)
	reach := make(map[intern.Handle]bool)
	for class := range ct.classSource {
		if class != iface && ct.reachesInterface(class, iface, reach) {
			out.Add(class)
		}
	}
	return out
}

// reachesInterface walks the superclass chain of class and every
// super-interface met on the way. memo caches per-interface answers.
func (ct *ClassTable) reachesInterface(class, iface intern.Handle, memo map[intern.Handle]bool) bool {
	seenClass := make(map[intern.Handle]bool)
	for cur := class; cur != intern.None && !seenClass[cur]; cur = ct.super[cur] {
		seenClass[cur] = true
		for _, i := range ct.interfaces[cur] {
			if ct.interfaceReaches(i, iface, memo) {
				return true
			}
		}
	}
	return false
}

func (ct *ClassTable) interfaceReaches(start, target intern.Handle, memo map[intern.Handle]bool) bool {
	if v, ok := memo[start]; ok {
		return v
	}
	seen := map[intern.Handle]bool{start: true}
	queue := []intern.Handle{start}
	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			found = true
			break
		}
		if v, ok := memo[cur]; ok {
			if v {
				found = true
			}
			continue
		}
		for _, next := range ct.interfaces[cur] {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	memo[start] = found
	return found
}

// IsInstanceOf reports whether candidate is target, a subclass of target,
// or, when isInterface is set, an implementor of target. A class met twice
// on its superclass chain yields ErrInheritanceCycle.
func (ct *ClassTable) IsInstanceOf(candidate, target intern.Handle, isInterface bool) (bool, error) {
	if candidate == target {
		return true, nil
	}
	seen := make(map[intern.Handle]bool)
	memo := make(map[intern.Handle]bool)
	for cur := candidate; cur != intern.None; cur = ct.super[cur] {
		if seen[cur] {
			return false, fmt.Errorf("%w at %s", ErrInheritanceCycle, ct.names.Name(cur))
		}
		seen[cur] = true
		if cur == target {
			return true, nil
		}
		if !isInterface {
			continue
		}
		for _, i := range ct.interfaces[cur] {
			if ct.interfaceReaches(i, target, memo) {
				return true, nil
			}
		}
	}
	return false, nil
}

// RestrictedAdd merges other into ct, first writer wins. It returns the
// classes and packages that were newly added. Both tables must share the
// same intern table.
func (ct *ClassTable) RestrictedAdd(other *ClassTable) (added, addedPackages relation.Set) {
	added = make(relation.Set)
	addedPackages = make(relation.Set)

	for _, source := range other.sourceOrder {
		for class := range other.bySource[source] {
			if !ct.PlaceClass(source, class) {
				prior, _ := ct.SourceOf(class)
				ct.logger.Info("duplicate class ignored",
					slog.String("class", ct.names.Name(class)),
					slog.String("source", source),
					slog.String("kept_from", prior))
				continue
			}
			added.Add(class)
			if s := other.super[class]; s != intern.None {
				ct.super[class] = s
			}
			if ifs := other.interfaces[class]; len(ifs) > 0 {
				ct.interfaces[class] = slices.Clone(ifs)
			}
			if m, ok := other.modifiers[class]; ok {
				ct.modifiers[class] = m
			}
		}
	}
	for _, source := range other.sourceOrder {
		for pkg, from := range other.packageSource {
			if from == source && ct.PlacePackage(source, pkg) {
				addedPackages.Add(pkg)
			}
		}
	}
	if len(added) > 0 {
		ct.subIndex = nil
	}
	return added, addedPackages
}

// SameAs reports whether both tables record the same placements and
// structure.
func (ct *ClassTable) SameAs(other *ClassTable) bool {
	if len(ct.classSource) != len(other.classSource) || len(ct.packageSource) != len(other.packageSource) {
		return false
	}
	for class, source := range ct.classSource {
		if other.classSource[class] != source {
			return false
		}
		if ct.super[class] != other.super[class] ||
			!slices.Equal(ct.interfaces[class], other.interfaces[class]) ||
			ct.modifiers[class] != other.modifiers[class] {
			return false
		}
	}
	for pkg, source := range ct.packageSource {
		if other.packageSource[pkg] != source {
			return false
		}
	}
	return true
}

// Translate copies the table into dst, re-interning every handle.
func (ct *ClassTable) Translate(dst *intern.Table) *ClassTable {
	out := NewClassTable(dst, ct.logger)
	tr := func(h intern.Handle) intern.Handle {
		if h == intern.None {
			return intern.None
		}
		return dst.Intern(ct.names.Name(h))
	}

	for _, source := range ct.sourceOrder {
		out.noteSource(source)
		for class := range ct.bySource[source] {
			out.PlaceClass(source, tr(class))
		}
	}
	for pkg, source := range ct.packageSource {
		out.PlacePackage(source, tr(pkg))
	}
	for class, super := range ct.super {
		out.super[tr(class)] = tr(super)
	}
	for class, ifs := range ct.interfaces {
		mapped := make([]intern.Handle, len(ifs))
		for i, h := range ifs {
			mapped[i] = tr(h)
		}
		out.interfaces[tr(class)] = mapped
	}
	for class, m := range ct.modifiers {
		out.modifiers[tr(class)] = m
	}
	return out
}
