package classfile

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// Annotation is an annotation use. Values are written by the encoder as
// string elements and ignored by the reader.
type Annotation struct {
	Type      string
	Invisible bool
	Values    map[string]string
}

// MemberDecl is a field or method together with its annotations.
type MemberDecl struct {
	Member
	Annotations []Annotation
}

// Class is the decoded model of a class file, and the input of Encode.
type Class struct {
	Header
	Annotations []Annotation
	Fields      []MemberDecl
	Methods     []MemberDecl
}

// Java 8 class file version, readable by every tool that reads class files.
const (
	defaultMajor = 52
	defaultMinor = 0
)

// Encode writes c as a minimal class file: no code, no debug attributes.
// A zero Major selects Java 8.
func (c *Class) Encode() []byte {
	b := newPoolBuilder()

	thisIdx := b.class(c.Name)
	var superIdx uint16
	if c.Super != "" {
		superIdx = b.class(c.Super)
	}
	ifaces := make([]uint16, len(c.Interfaces))
	for i, name := range c.Interfaces {
		ifaces[i] = b.class(name)
	}

	var body bytes.Buffer
	put16(&body, c.Access)
	put16(&body, thisIdx)
	put16(&body, superIdx)
	put16(&body, uint16(len(ifaces)))
	for _, idx := range ifaces {
		put16(&body, idx)
	}
	for _, group := range [][]MemberDecl{c.Fields, c.Methods} {
		put16(&body, uint16(len(group)))
		for _, m := range group {
			put16(&body, m.Access)
			put16(&body, b.utf8(m.Name))
			put16(&body, b.utf8(m.Descriptor))
			writeAnnotationAttrs(&body, b, m.Annotations)
		}
	}
	writeAnnotationAttrs(&body, b, c.Annotations)

	major, minor := c.Major, c.Minor
	if major == 0 {
		major, minor = defaultMajor, defaultMinor
	}

	var out bytes.Buffer
	put32(&out, Magic)
	put16(&out, minor)
	put16(&out, major)
	b.writeTo(&out)
	out.Write(body.Bytes())
	return out.Bytes()
}

func writeAnnotationAttrs(w *bytes.Buffer, b *poolBuilder, annos []Annotation) {
	var visible, invisible []Annotation
	for _, a := range annos {
		if a.Invisible {
			invisible = append(invisible, a)
		} else {
			visible = append(visible, a)
		}
	}

	var count uint16
	if len(visible) > 0 {
		count++
	}
	if len(invisible) > 0 {
		count++
	}
	put16(w, count)
	for _, group := range []struct {
		name  string
		annos []Annotation
	}{
		{attrVisibleAnnotations, visible},
		{attrInvisibleAnnotations, invisible},
	} {
		if len(group.annos) == 0 {
			continue
		}
		var attr bytes.Buffer
		put16(&attr, uint16(len(group.annos)))
		for _, a := range group.annos {
			put16(&attr, b.utf8(Descriptor(a.Type)))
			keys := make([]string, 0, len(a.Values))
			for k := range a.Values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			put16(&attr, uint16(len(keys)))
			for _, k := range keys {
				put16(&attr, b.utf8(k))
				attr.WriteByte('s')
				put16(&attr, b.utf8(a.Values[k]))
			}
		}
		put16(w, b.utf8(group.name))
		put32(w, uint32(attr.Len()))
		w.Write(attr.Bytes())
	}
}

type poolBuilder struct {
	buf     bytes.Buffer
	next    uint16
	utf8s   map[string]uint16
	classes map[string]uint16
}

func newPoolBuilder() *poolBuilder {
	return &poolBuilder{
		next:    1,
		utf8s:   make(map[string]uint16),
		classes: make(map[string]uint16),
	}
}

func (b *poolBuilder) utf8(s string) uint16 {
	if idx, ok := b.utf8s[s]; ok {
		return idx
	}
	b.buf.WriteByte(tagUtf8)
	put16(&b.buf, uint16(len(s)))
	b.buf.WriteString(s)
	idx := b.next
	b.next++
	b.utf8s[s] = idx
	return idx
}

// class adds a Class constant for a dotted name.
func (b *poolBuilder) class(name string) uint16 {
	if idx, ok := b.classes[name]; ok {
		return idx
	}
	nameIdx := b.utf8(InternalName(name))
	b.buf.WriteByte(tagClass)
	put16(&b.buf, nameIdx)
	idx := b.next
	b.next++
	b.classes[name] = idx
	return idx
}

func (b *poolBuilder) writeTo(w *bytes.Buffer) {
	put16(w, b.next)
	w.Write(b.buf.Bytes())
}

func put16(w *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.Write(tmp[:])
}

func put32(w *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.Write(tmp[:])
}
