package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Constant pool tags.
const (
	tagUtf8               = 1
	tagInteger            = 3
	tagFloat              = 4
	tagLong               = 5
	tagDouble             = 6
	tagClass              = 7
	tagString             = 8
	tagFieldref           = 9
	tagMethodref          = 10
	tagInterfaceMethodref = 11
	tagNameAndType        = 12
	tagMethodHandle       = 15
	tagMethodType         = 16
	tagDynamic            = 17
	tagInvokeDynamic      = 18
	tagModule             = 19
	tagPackage            = 20
)

const (
	attrVisibleAnnotations   = "RuntimeVisibleAnnotations"
	attrInvisibleAnnotations = "RuntimeInvisibleAnnotations"
)

// maxElementDepth bounds nesting of annotation element values.
const maxElementDepth = 64

// Read reads a whole class file from r and parses it.
func Read(r io.Reader, h Handler) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading class file: %w", err)
	}
	return Parse(data, h)
}

// Parse decodes data and drives h. It returns nil when h stops the parse
// early, and an error wrapping ErrCorrupt when data is not a class file.
func Parse(data []byte, h Handler) error {
	r := &cursor{data: data}
	if r.u4() != Magic {
		return corrupt("bad magic")
	}
	minor, major := r.u2(), r.u2()

	pool, err := readPool(r)
	if err != nil {
		return err
	}

	hdr := Header{Major: major, Minor: minor, Access: r.u2()}
	thisIdx, superIdx := r.u2(), r.u2()
	ifaceCount := int(r.u2())
	ifaceIdx := make([]uint16, 0, ifaceCount)
	for i := 0; i < ifaceCount; i++ {
		ifaceIdx = append(ifaceIdx, r.u2())
	}
	if r.err != nil {
		return r.err
	}

	if hdr.Name, err = pool.className(thisIdx); err != nil {
		return err
	}
	if superIdx != 0 {
		if hdr.Super, err = pool.className(superIdx); err != nil {
			return err
		}
	}
	for _, idx := range ifaceIdx {
		name, err := pool.className(idx)
		if err != nil {
			return err
		}
		hdr.Interfaces = append(hdr.Interfaces, name)
	}

	step := h.VisitHeader(hdr)
	if step == Stop {
		return nil
	}

	// Class attributes follow the members, so the members are decoded
	// before any annotation callback.
	fields, err := readMembers(r, pool)
	if err != nil {
		return err
	}
	methods, err := readMembers(r, pool)
	if err != nil {
		return err
	}
	classAnnos, err := readAttributes(r, pool)
	if err != nil {
		return err
	}

	walkBody(&Class{Annotations: classAnnos, Fields: fields, Methods: methods}, h, step)
	return nil
}

// Walk drives h over an already decoded class in the same order Parse uses.
func Walk(c *Class, h Handler) {
	if step := h.VisitHeader(c.Header); step != Stop {
		walkBody(c, h, step)
	}
}

func walkBody(c *Class, h Handler, step Step) {
	for _, a := range c.Annotations {
		switch h.VisitClassAnnotation(a.Type, !a.Invisible) {
		case Stop:
			return
		case SkipMembers:
			step = SkipMembers
		}
	}
	if step == SkipMembers {
		return
	}
	if !visitMembers(c.Fields, h.VisitField, h.VisitFieldAnnotation) {
		return
	}
	visitMembers(c.Methods, h.VisitMethod, h.VisitMethodAnnotation)
}

// visitMembers reports whether the parse should go on to the next group.
func visitMembers(decls []MemberDecl, visit func(Member) Step, visitAnno func(Member, string, bool) Step) bool {
	for _, d := range decls {
		switch visit(d.Member) {
		case Stop, SkipMembers:
			return false
		}
		for _, a := range d.Annotations {
			switch visitAnno(d.Member, a.Type, !a.Invisible) {
			case Stop, SkipMembers:
				return false
			}
		}
	}
	return true
}

// Decode parses data into a Class. Annotation element values are not kept.
func Decode(data []byte) (*Class, error) {
	c := &collector{}
	if err := Parse(data, c); err != nil {
		return nil, err
	}
	return &c.class, nil
}

type collector struct {
	class Class
}

func (c *collector) VisitHeader(h Header) Step {
	c.class.Header = h
	return Continue
}

func (c *collector) VisitClassAnnotation(a string, visible bool) Step {
	c.class.Annotations = append(c.class.Annotations, Annotation{Type: a, Invisible: !visible})
	return Continue
}

func (c *collector) VisitField(f Member) Step {
	c.class.Fields = append(c.class.Fields, MemberDecl{Member: f})
	return Continue
}

func (c *collector) VisitFieldAnnotation(_ Member, a string, visible bool) Step {
	last := &c.class.Fields[len(c.class.Fields)-1]
	last.Annotations = append(last.Annotations, Annotation{Type: a, Invisible: !visible})
	return Continue
}

func (c *collector) VisitMethod(m Member) Step {
	c.class.Methods = append(c.class.Methods, MemberDecl{Member: m})
	return Continue
}

func (c *collector) VisitMethodAnnotation(_ Member, a string, visible bool) Step {
	last := &c.class.Methods[len(c.class.Methods)-1]
	last.Annotations = append(last.Annotations, Annotation{Type: a, Invisible: !visible})
	return Continue
}

type poolEntry struct {
	tag  uint8
	ref  uint16
	utf8 string
}

type constantPool []poolEntry

func readPool(r *cursor) (constantPool, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	if count == 0 {
		return nil, corrupt("empty constant pool")
	}
	pool := make(constantPool, count)
	for i := 1; i < count; i++ {
		tag := r.u1()
		pool[i].tag = tag
		switch tag {
		case tagUtf8:
			n := int(r.u2())
			pool[i].utf8 = string(r.bytes(n))
		case tagClass, tagString, tagMethodType, tagModule, tagPackage:
			pool[i].ref = r.u2()
		case tagInteger, tagFloat, tagFieldref, tagMethodref, tagInterfaceMethodref,
			tagNameAndType, tagDynamic, tagInvokeDynamic:
			r.skip(4)
		case tagLong, tagDouble:
			r.skip(8)
			i++ // eight-byte constants take two slots
		case tagMethodHandle:
			r.skip(3)
		default:
			if r.err == nil {
				return nil, corrupt("constant pool tag %d at index %d", tag, i)
			}
		}
		if r.err != nil {
			return nil, r.err
		}
	}
	return pool, nil
}

func (p constantPool) utf8(idx uint16) (string, error) {
	if int(idx) <= 0 || int(idx) >= len(p) || p[idx].tag != tagUtf8 {
		return "", corrupt("constant %d is not a Utf8 entry", idx)
	}
	return p[idx].utf8, nil
}

func (p constantPool) className(idx uint16) (string, error) {
	if int(idx) <= 0 || int(idx) >= len(p) || p[idx].tag != tagClass {
		return "", corrupt("constant %d is not a Class entry", idx)
	}
	name, err := p.utf8(p[idx].ref)
	if err != nil {
		return "", err
	}
	return BinaryName(name), nil
}

func readMembers(r *cursor, pool constantPool) ([]MemberDecl, error) {
	count := int(r.u2())
	if r.err != nil {
		return nil, r.err
	}
	out := make([]MemberDecl, 0, count)
	for i := 0; i < count; i++ {
		access, nameIdx, descIdx := r.u2(), r.u2(), r.u2()
		if r.err != nil {
			return nil, r.err
		}
		name, err := pool.utf8(nameIdx)
		if err != nil {
			return nil, err
		}
		desc, err := pool.utf8(descIdx)
		if err != nil {
			return nil, err
		}
		annos, err := readAttributes(r, pool)
		if err != nil {
			return nil, err
		}
		out = append(out, MemberDecl{
			Member:      Member{Access: access, Name: name, Descriptor: desc},
			Annotations: annos,
		})
	}
	return out, nil
}

// readAttributes reads an attribute table and returns the annotations found
// in it. Other attributes are skipped.
func readAttributes(r *cursor, pool constantPool) ([]Annotation, error) {
	count := int(r.u2())
	var out []Annotation
	for i := 0; i < count; i++ {
		nameIdx := r.u2()
		length := int(r.u4())
		body := r.bytes(length)
		if r.err != nil {
			return nil, r.err
		}
		name, err := pool.utf8(nameIdx)
		if err != nil {
			return nil, err
		}
		var invisible bool
		switch name {
		case attrVisibleAnnotations:
		case attrInvisibleAnnotations:
			invisible = true
		default:
			continue
		}

		sub := &cursor{data: body}
		n := int(sub.u2())
		for j := 0; j < n; j++ {
			typ, err := readAnnotation(sub, pool, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, Annotation{Type: TypeName(typ), Invisible: invisible})
		}
		if sub.err != nil {
			return nil, sub.err
		}
	}
	return out, r.err
}

// readAnnotation consumes one annotation structure and returns its type
// descriptor. Element values are skipped.
func readAnnotation(r *cursor, pool constantPool, depth int) (string, error) {
	if depth > maxElementDepth {
		return "", corrupt("annotation nesting too deep")
	}
	typ, err := pool.utf8(r.u2())
	if r.err != nil {
		return "", r.err
	}
	if err != nil {
		return "", err
	}
	pairs := int(r.u2())
	for i := 0; i < pairs; i++ {
		r.skip(2) // element name
		if err := skipElementValue(r, pool, depth+1); err != nil {
			return "", err
		}
	}
	return typ, r.err
}

func skipElementValue(r *cursor, pool constantPool, depth int) error {
	if depth > maxElementDepth {
		return corrupt("annotation nesting too deep")
	}
	tag := r.u1()
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		r.skip(2)
	case 'e':
		r.skip(4)
	case '@':
		_, err := readAnnotation(r, pool, depth+1)
		return err
	case '[':
		n := int(r.u2())
		for i := 0; i < n; i++ {
			if err := skipElementValue(r, pool, depth+1); err != nil {
				return err
			}
		}
	default:
		if r.err == nil {
			return corrupt("element value tag %q", tag)
		}
	}
	return r.err
}

// cursor is a bounds-checked big-endian reader. The first overrun sets err
// and every later read returns zero.
type cursor struct {
	data []byte
	pos  int
	err  error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if n < 0 || c.pos+n > len(c.data) {
		c.err = corrupt("truncated at offset %d", c.pos)
		return false
	}
	return true
}

func (c *cursor) u1() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.data[c.pos]
	c.pos++
	return v
}

func (c *cursor) u2() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(c.data[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) u4() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(c.data[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := c.data[c.pos : c.pos+n]
	c.pos += n
	return v
}

func (c *cursor) skip(n int) {
	if c.need(n) {
		c.pos += n
	}
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
