package classindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/abramin/annoscan/internal/classfile"
)

const (
	fullVersion  = 1
	sparseHeader = "# annoscan sparse index 1"
)

type fullIndex struct {
	Version int         `json:"version"`
	Classes []fullClass `json:"classes"`
}

type fullClass struct {
	Name        string       `json:"name"`
	Super       string       `json:"super,omitempty"`
	Interfaces  []string     `json:"interfaces,omitempty"`
	Access      uint16       `json:"access"`
	Annotations []fullAnno   `json:"annotations,omitempty"`
	Fields      []fullMember `json:"fields,omitempty"`
	Methods     []fullMember `json:"methods,omitempty"`
}

type fullMember struct {
	Name        string     `json:"name"`
	Descriptor  string     `json:"descriptor"`
	Access      uint16     `json:"access"`
	Annotations []fullAnno `json:"annotations,omitempty"`
}

type fullAnno struct {
	Type      string `json:"type"`
	Invisible bool   `json:"invisible,omitempty"`
}

// Read decodes an index in the given format.
func Read(r io.Reader, format Format) (*Index, error) {
	if format == Sparse {
		return readSparse(r)
	}
	return readFull(r)
}

// Write encodes the index in its own format, classes in name order.
func (ix *Index) Write(w io.Writer) error {
	if ix.format == Sparse {
		return ix.writeSparse(w)
	}
	return ix.writeFull(w)
}

func readFull(r io.Reader) (*Index, error) {
	var doc fullIndex
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding full index: %w", err)
	}
	if doc.Version != fullVersion {
		return nil, fmt.Errorf("unsupported full index version %d", doc.Version)
	}

	ix := New(Full)
	for _, fc := range doc.Classes {
		if fc.Name == "" {
			return nil, fmt.Errorf("full index entry without a class name")
		}
		c := &classfile.Class{
			Header: classfile.Header{
				Name:       fc.Name,
				Super:      fc.Super,
				Interfaces: fc.Interfaces,
				Access:     fc.Access,
			},
			Annotations: fromFullAnnos(fc.Annotations),
			Fields:      fromFullMembers(fc.Fields),
			Methods:     fromFullMembers(fc.Methods),
		}
		ix.classes[c.Name] = c
	}
	return ix, nil
}

func (ix *Index) writeFull(w io.Writer) error {
	doc := fullIndex{Version: fullVersion}
	for _, name := range ix.Names() {
		c := ix.classes[name]
		doc.Classes = append(doc.Classes, fullClass{
			Name:        c.Name,
			Super:       c.Super,
			Interfaces:  c.Interfaces,
			Access:      c.Access,
			Annotations: toFullAnnos(c.Annotations),
			Fields:      toFullMembers(c.Fields),
			Methods:     toFullMembers(c.Methods),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encoding full index: %w", err)
	}
	return nil
}

func fromFullAnnos(in []fullAnno) []classfile.Annotation {
	var out []classfile.Annotation
	for _, a := range in {
		out = append(out, classfile.Annotation{Type: a.Type, Invisible: a.Invisible})
	}
	return out
}

func toFullAnnos(in []classfile.Annotation) []fullAnno {
	var out []fullAnno
	for _, a := range in {
		out = append(out, fullAnno{Type: a.Type, Invisible: a.Invisible})
	}
	return out
}

func fromFullMembers(in []fullMember) []classfile.MemberDecl {
	var out []classfile.MemberDecl
	for _, m := range in {
		out = append(out, classfile.MemberDecl{
			Member:      classfile.Member{Access: m.Access, Name: m.Name, Descriptor: m.Descriptor},
			Annotations: fromFullAnnos(m.Annotations),
		})
	}
	return out
}

func toFullMembers(in []classfile.MemberDecl) []fullMember {
	var out []fullMember
	for _, m := range in {
		out = append(out, fullMember{
			Name:        m.Name,
			Descriptor:  m.Descriptor,
			Access:      m.Access,
			Annotations: toFullAnnos(m.Annotations),
		})
	}
	return out
}

// The sparse format is tab separated, one record per line:
//
//	C <name> <super> <access> <iface,iface>
//	A <annotation>
//	F <name> <descriptor> <access> <annotation,annotation>
//	M <name> <descriptor> <access> <annotation,annotation>
//
// A, F and M lines belong to the preceding C line. Invisible annotations
// carry a leading '!'.
func readSparse(r io.Reader) (*Index, error) {
	ix := New(Sparse)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var cur *classfile.Class
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "\t")
		switch parts[0] {
		case "C":
			if len(parts) != 5 || parts[1] == "" {
				return nil, sparseErr(lineNo, "class record needs 4 fields")
			}
			access, err := parseAccess(parts[3])
			if err != nil {
				return nil, sparseErr(lineNo, err.Error())
			}
			cur = &classfile.Class{Header: classfile.Header{
				Name:       parts[1],
				Super:      parts[2],
				Access:     access,
				Interfaces: splitList(parts[4]),
			}}
			ix.classes[cur.Name] = cur
		case "A":
			if cur == nil || len(parts) != 2 {
				return nil, sparseErr(lineNo, "annotation record outside a class")
			}
			cur.Annotations = append(cur.Annotations, parseAnnos(parts[1])...)
		case "F", "M":
			if cur == nil || len(parts) != 5 {
				return nil, sparseErr(lineNo, "member record outside a class")
			}
			access, err := parseAccess(parts[3])
			if err != nil {
				return nil, sparseErr(lineNo, err.Error())
			}
			decl := classfile.MemberDecl{
				Member:      classfile.Member{Access: access, Name: parts[1], Descriptor: parts[2]},
				Annotations: parseAnnos(parts[4]),
			}
			if parts[0] == "F" {
				cur.Fields = append(cur.Fields, decl)
			} else {
				cur.Methods = append(cur.Methods, decl)
			}
		default:
			return nil, sparseErr(lineNo, fmt.Sprintf("unknown record %q", parts[0]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading sparse index: %w", err)
	}
	return ix, nil
}

func (ix *Index) writeSparse(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, sparseHeader)
	for _, name := range ix.Names() {
		c := ix.classes[name]
		fmt.Fprintf(bw, "C\t%s\t%s\t%s\t%s\n", c.Name, c.Super, formatAccess(c.Access), strings.Join(c.Interfaces, ","))
		if len(c.Annotations) > 0 {
			fmt.Fprintf(bw, "A\t%s\n", formatAnnos(c.Annotations))
		}
		for _, f := range c.Fields {
			if len(f.Annotations) > 0 {
				fmt.Fprintf(bw, "F\t%s\t%s\t%s\t%s\n", f.Name, f.Descriptor, formatAccess(f.Access), formatAnnos(f.Annotations))
			}
		}
		for _, m := range c.Methods {
			if len(m.Annotations) > 0 {
				fmt.Fprintf(bw, "M\t%s\t%s\t%s\t%s\n", m.Name, m.Descriptor, formatAccess(m.Access), formatAnnos(m.Annotations))
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("writing sparse index: %w", err)
	}
	return nil
}

func sparseErr(line int, msg string) error {
	return fmt.Errorf("sparse index line %d: %s", line, msg)
}

func parseAccess(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("bad access flags %q", s)
	}
	return uint16(v), nil
}

func formatAccess(v uint16) string {
	return strconv.FormatUint(uint64(v), 16)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseAnnos(s string) []classfile.Annotation {
	var out []classfile.Annotation
	for _, t := range splitList(s) {
		if strings.HasPrefix(t, "!") {
			out = append(out, classfile.Annotation{Type: t[1:], Invisible: true})
		} else {
			out = append(out, classfile.Annotation{Type: t})
		}
	}
	return out
}

func formatAnnos(annos []classfile.Annotation) string {
	parts := make([]string, len(annos))
	for i, a := range annos {
		if a.Invisible {
			parts[i] = "!" + a.Type
		} else {
			parts[i] = a.Type
		}
	}
	return strings.Join(parts, ",")
}
