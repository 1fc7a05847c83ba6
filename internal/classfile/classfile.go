// Package classfile reads JVM class files just far enough to report the
// structural facts an annotation index needs: the class header, declared
// fields and methods, and the annotations on each of them.
//
// The reader is push-based. Parse decodes the file and drives a Handler; every
// callback returns a Step telling the reader whether to continue.
package classfile

import (
	"errors"
	"strings"
)

// ErrCorrupt reports a truncated or malformed class file.
var ErrCorrupt = errors.New("corrupt class file")

// Access flags.
const (
	AccPublic     uint16 = 0x0001
	AccPrivate    uint16 = 0x0002
	AccProtected  uint16 = 0x0004
	AccStatic     uint16 = 0x0008
	AccFinal      uint16 = 0x0010
	AccSuper      uint16 = 0x0020
	AccInterface  uint16 = 0x0200
	AccAbstract   uint16 = 0x0400
	AccSynthetic  uint16 = 0x1000
	AccAnnotation uint16 = 0x2000
	AccEnum       uint16 = 0x4000
	AccModule     uint16 = 0x8000
)

// Magic is the first word of every class file.
const Magic uint32 = 0xCAFEBABE

// PackageInfo is the simple name of the class carrying package annotations.
const PackageInfo = "package-info"

// Step is returned by Handler callbacks.
type Step int

const (
	// Continue asks for the next callback.
	Continue Step = iota
	// SkipMembers skips the remaining fields and methods. Class annotations
	// are still delivered when returned from VisitHeader.
	SkipMembers
	// Stop ends the parse immediately.
	Stop
)

func (s Step) String() string {
	switch s {
	case Continue:
		return "continue"
	case SkipMembers:
		return "skip-members"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Header is the fixed part of a class file. Names use the dotted binary
// form, e.g. "com.example.Outer$Inner".
type Header struct {
	Major      uint16
	Minor      uint16
	Access     uint16
	Name       string
	Super      string // "" for java.lang.Object and module-info
	Interfaces []string
}

// Member is a declared field or method.
type Member struct {
	Access     uint16
	Name       string
	Descriptor string
}

// Signature returns name+descriptor, the key used for methods.
func (m Member) Signature() string {
	return m.Name + m.Descriptor
}

// Handler receives the facts of one class file in this order: header, class
// annotations, then each field with its annotations, then each method with
// its annotations.
type Handler interface {
	VisitHeader(h Header) Step
	VisitClassAnnotation(annotation string, visible bool) Step
	VisitField(f Member) Step
	VisitFieldAnnotation(f Member, annotation string, visible bool) Step
	VisitMethod(m Member) Step
	VisitMethodAnnotation(m Member, annotation string, visible bool) Step
}

// NopHandler continues on every callback. Embed it to implement only the
// callbacks of interest.
type NopHandler struct{}

func (NopHandler) VisitHeader(Header) Step                         { return Continue }
func (NopHandler) VisitClassAnnotation(string, bool) Step          { return Continue }
func (NopHandler) VisitField(Member) Step                          { return Continue }
func (NopHandler) VisitFieldAnnotation(Member, string, bool) Step  { return Continue }
func (NopHandler) VisitMethod(Member) Step                         { return Continue }
func (NopHandler) VisitMethodAnnotation(Member, string, bool) Step { return Continue }

// BinaryName converts an internal name ("a/b/C") to dotted form ("a.b.C").
func BinaryName(internal string) string {
	return strings.ReplaceAll(internal, "/", ".")
}

// InternalName converts a dotted name to internal form.
func InternalName(binary string) string {
	return strings.ReplaceAll(binary, ".", "/")
}

// TypeName converts a field descriptor of an object type ("La/b/C;") to the
// dotted class name. Other descriptors are returned unchanged.
func TypeName(descriptor string) string {
	if len(descriptor) >= 2 && descriptor[0] == 'L' && descriptor[len(descriptor)-1] == ';' {
		return BinaryName(descriptor[1 : len(descriptor)-1])
	}
	return descriptor
}

// Descriptor converts a dotted class name to an object type descriptor.
func Descriptor(binary string) string {
	return "L" + InternalName(binary) + ";"
}

// IsPackageInfo reports whether a dotted class name names a package-info
// class.
func IsPackageInfo(name string) bool {
	return name == PackageInfo || strings.HasSuffix(name, "."+PackageInfo)
}

// PackageOf strips the package-info suffix: "a.b.package-info" -> "a.b".
// Names without the suffix are returned unchanged.
func PackageOf(name string) string {
	if name == PackageInfo {
		return ""
	}
	return strings.TrimSuffix(name, "."+PackageInfo)
}

// ResourceClassName maps a resource path inside a class directory or jar to
// a dotted class name: "a/b/C.class" -> "a.b.C".
func ResourceClassName(resource string) (string, bool) {
	resource = strings.TrimPrefix(strings.ReplaceAll(resource, "\\", "/"), "/")
	if !strings.HasSuffix(resource, ".class") {
		return "", false
	}
	return BinaryName(strings.TrimSuffix(resource, ".class")), true
}

// ResourcePath is the inverse of ResourceClassName.
func ResourcePath(className string) string {
	return InternalName(className) + ".class"
}
