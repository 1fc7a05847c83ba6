// Package classindex reads and writes precomputed class indexes. A source
// that ships an index can be scanned without opening its class files: each
// entry is replayed through the same classfile.Handler callbacks a byte-level
// parse would produce.
//
// Two formats are supported. The full index is JSON and records every member.
// The sparse index is a line format that records only annotated members.
package classindex

import (
	"sort"

	"github.com/abramin/annoscan/internal/classfile"
)

// Resource paths of the two index formats inside a class directory or jar.
const (
	FullPath   = "META-INF/annoscan-index.json"
	SparsePath = "META-INF/annoscan-index.txt"
)

// Format selects an index encoding.
type Format int

const (
	Full Format = iota
	Sparse
)

func (f Format) String() string {
	if f == Sparse {
		return "sparse"
	}
	return "full"
}

// ParseFormat maps "full" or "sparse" to a Format.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "full", "":
		return Full, true
	case "sparse":
		return Sparse, true
	}
	return Full, false
}

// Path returns the resource path used for f.
func (f Format) Path() string {
	if f == Sparse {
		return SparsePath
	}
	return FullPath
}

// Index holds decoded classes keyed by dotted class name.
type Index struct {
	format  Format
	classes map[string]*classfile.Class
}

// New creates an empty index.
func New(format Format) *Index {
	return &Index{format: format, classes: make(map[string]*classfile.Class)}
}

// Format returns the encoding the index was read from or will be written in.
func (ix *Index) Format() Format { return ix.format }

// Add stores c, replacing an entry of the same name. In a sparse index
// unannotated members are dropped.
func (ix *Index) Add(c *classfile.Class) {
	if ix.format == Sparse {
		c = sparsify(c)
	}
	ix.classes[c.Name] = c
}

// AddClassFile decodes a class file and adds it.
func (ix *Index) AddClassFile(data []byte) (string, error) {
	c, err := classfile.Decode(data)
	if err != nil {
		return "", err
	}
	ix.Add(c)
	return c.Name, nil
}

// Len returns the number of indexed classes.
func (ix *Index) Len() int { return len(ix.classes) }

// Names returns the indexed class names, sorted.
func (ix *Index) Names() []string {
	names := make([]string, 0, len(ix.classes))
	for name := range ix.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry for name.
func (ix *Index) Lookup(name string) (*classfile.Class, bool) {
	c, ok := ix.classes[name]
	return c, ok
}

// Replay drives h over the entry for name and reports whether it exists.
func (ix *Index) Replay(name string, h classfile.Handler) bool {
	c, ok := ix.classes[name]
	if !ok {
		return false
	}
	classfile.Walk(c, h)
	return true
}

func sparsify(c *classfile.Class) *classfile.Class {
	out := &classfile.Class{Header: c.Header, Annotations: c.Annotations}
	for _, f := range c.Fields {
		if len(f.Annotations) > 0 {
			out.Fields = append(out.Fields, f)
		}
	}
	for _, m := range c.Methods {
		if len(m.Annotations) > 0 {
			out.Methods = append(out.Methods, m)
		}
	}
	return out
}
