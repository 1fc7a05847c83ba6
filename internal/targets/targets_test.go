package targets

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/classindex"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type classSpec struct {
	name       string
	super      string
	interfaces []string
	access     uint16
	annos      []string
	fieldAnnos map[string]string // field name -> annotation
	methodAnno map[string]string // method name -> annotation, descriptor ()V
}

func (s classSpec) bytes() []byte {
	c := &classfile.Class{Header: classfile.Header{
		Name:       s.name,
		Super:      s.super,
		Interfaces: s.interfaces,
		Access:     s.access | classfile.AccPublic,
	}}
	if c.Super == "" && !classfile.IsPackageInfo(s.name) {
		c.Super = "java.lang.Object"
	}
	for _, a := range s.annos {
		c.Annotations = append(c.Annotations, classfile.Annotation{Type: a})
	}
	for f, a := range s.fieldAnnos {
		c.Fields = append(c.Fields, classfile.MemberDecl{
			Member:      classfile.Member{Name: f, Descriptor: "I"},
			Annotations: []classfile.Annotation{{Type: a}},
		})
	}
	for m, a := range s.methodAnno {
		c.Methods = append(c.Methods, classfile.MemberDecl{
			Member:      classfile.Member{Name: m, Descriptor: "()V"},
			Annotations: []classfile.Annotation{{Type: a}},
		})
	}
	return c.Encode()
}

func memSource(name string, policy source.Policy, specs ...classSpec) *source.MemorySource {
	m := source.NewMemory(name, policy)
	for _, s := range specs {
		m.AddClass(s.name, s.bytes())
	}
	return m
}

func scan(t *testing.T, tables *intern.Tables, src source.ClassSource, detail bool) *Table {
	t.Helper()
	tbl := NewTable(tables, src.Name(), quietLogger())
	require.NoError(t, tbl.ScanInternal(context.Background(), src, ScanOptions{Detail: detail}))
	return tbl
}

func names(tables *intern.Tables, s relation.Set) []string {
	return s.Sorted(tables.Classes)
}

func TestScanRecordsAnnotationsPerCategory(t *testing.T) {
	tables := intern.NewTables()
	src := memSource("app", source.Seed,
		classSpec{
			name:       "com.example.Foo",
			annos:      []string{"com.example.Marker"},
			fieldAnnos: map[string]string{"id": "com.example.Id"},
			methodAnno: map[string]string{"run": "com.example.Timed"},
		},
		classSpec{name: "com.example.package-info", annos: []string{"com.example.Pkg"}},
	)

	tbl := scan(t, tables, src, true)

	foo, _ := tables.Classes.Find("com.example.Foo", false)
	pkg, ok := tables.Classes.Find("com.example", false)
	require.True(t, ok, "package should be interned without the package-info suffix")

	at := tbl.Annotations()
	assert.Equal(t, []string{"com.example.Marker"}, names(tables, at.Map(Class).HeldOf(foo)))
	assert.Equal(t, []string{"com.example.Pkg"}, names(tables, at.Map(Package).HeldOf(pkg)))
	assert.Equal(t, []string{"com.example.Id"}, names(tables, at.Map(Field).HeldOf(foo)))
	assert.Equal(t, []string{"com.example.Timed"}, names(tables, at.Map(Method).HeldOf(foo)))
	assert.Equal(t, []string{"id"}, at.AnnotatedFields(foo).Sorted(tables.Fields))
	assert.Equal(t, []string{"run()V"}, at.AnnotatedMethods(foo).Sorted(tables.Methods))
	assert.True(t, tbl.Classes().ContainsPackage(pkg))
	assert.Equal(t, 1, tbl.Stats().Classes)
	assert.Equal(t, 1, tbl.Stats().Packages)

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("scanned", slog.Any("annotations", at))
	assert.Contains(t, buf.String(), "annotations.class.edges=1")
	assert.Contains(t, buf.String(), "annotations.package.edges=1")
	assert.Contains(t, buf.String(), "package annotation")
}

func TestDetailOffStopsAtFirstMember(t *testing.T) {
	tables := intern.NewTables()
	src := memSource("app", source.Seed, classSpec{
		name:       "com.example.Foo",
		annos:      []string{"com.example.Marker"},
		fieldAnnos: map[string]string{"id": "com.example.Id"},
	})

	tbl := scan(t, tables, src, false)
	foo, _ := tables.Classes.Find("com.example.Foo", false)

	assert.True(t, tbl.Annotations().Map(Class).Contains(foo, tables.Classes.Intern("com.example.Marker")))
	assert.True(t, tbl.Annotations().Map(Field).IsEmpty())
	assert.Zero(t, tbl.Stats().Failures(), "stopping for detail is not a failure")
}

func TestVisitResults(t *testing.T) {
	tables := intern.NewTables()
	tbl := NewTable(tables, "app", quietLogger())
	v := tbl.NewVisitor(source.Seed, ScanOptions{Detail: true})

	foo := classSpec{name: "com.example.Foo"}.bytes()

	r, err := v.VisitBytes("com.example.Foo", foo)
	require.NoError(t, err)
	assert.Equal(t, VisitContinue, r)

	r, err = v.VisitBytes("com.example.Foo", foo)
	require.NoError(t, err)
	assert.Equal(t, VisitStopDuplicateClass, r)

	r, err = v.VisitBytes("com.example.Other", foo)
	require.NoError(t, err)
	assert.Equal(t, VisitStopClassMismatch, r)

	pkgInfo := classSpec{name: "com.example.package-info"}.bytes()
	r, err = v.VisitBytes("com.other.package-info", pkgInfo)
	require.NoError(t, err)
	assert.Equal(t, VisitStopPackageMismatch, r)
	_, placed := tables.Classes.Find("com.other", false)
	assert.False(t, placed, "a mismatched package must not be recorded")

	_, err = v.VisitBytes("com.example.Broken", []byte{0xCA, 0xFE})
	assert.ErrorIs(t, err, classfile.ErrCorrupt)

	assert.True(t, VisitStopDuplicateClass.Failed())
	assert.False(t, VisitStopDetail.Failed())
}

func TestExternalPolicyRecordsStructureOnly(t *testing.T) {
	tables := intern.NewTables()
	tbl := NewTable(tables, "lib", quietLogger())
	v := tbl.NewVisitor(source.External, ScanOptions{Detail: true})

	data := classSpec{name: "lib.Base", super: "lib.Root", annos: []string{"lib.Marker"}}.bytes()
	r, err := v.VisitBytes("lib.Base", data)
	require.NoError(t, err)
	assert.Equal(t, VisitStopDetail, r)

	base, _ := tables.Classes.Find("lib.Base", false)
	assert.True(t, tbl.Classes().ContainsClass(base))
	assert.Equal(t, "lib.Root", tables.Classes.Name(tbl.Classes().Superclass(base)))
	assert.Zero(t, tbl.Annotations().Len())
}

func TestAnnotationSelection(t *testing.T) {
	tables := intern.NewTables()
	src := memSource("app", source.Seed, classSpec{
		name:  "com.example.Foo",
		annos: []string{"com.example.Keep", "com.example.Drop"},
	})
	tbl := NewTable(tables, "app", quietLogger())
	require.NoError(t, tbl.ScanSpecific(context.Background(), src, []string{"com.example.Foo"},
		ScanOptions{Detail: true, Annotations: []string{"com.example.Keep"}}))

	assert.Equal(t, []string{"com.example.Keep"}, names(tables, tbl.Annotations().Map(Class).Held()))
}

func TestSubclassesOfIsTransitiveAndIrreflexive(t *testing.T) {
	tables := intern.NewTables()
	ct := NewClassTable(tables.Classes, quietLogger())
	a, b, c := tables.Classes.Intern("A"), tables.Classes.Intern("B"), tables.Classes.Intern("C")
	for _, h := range []intern.Handle{a, b, c} {
		ct.PlaceClass("src", h)
	}
	ct.SetSuperclass(b, a)
	ct.SetSuperclass(c, b)

	assert.Equal(t, []string{"B", "C"}, names(tables, ct.SubclassesOf(a)))
	assert.Empty(t, ct.SubclassesOf(c))

	// The lazily built index must follow later changes.
	d := tables.Classes.Intern("D")
	ct.PlaceClass("src", d)
	ct.SetSuperclass(d, c)
	assert.Equal(t, []string{"B", "C", "D"}, names(tables, ct.SubclassesOf(a)))
}

func TestIsInstanceOfDetectsCycles(t *testing.T) {
	tables := intern.NewTables()
	ct := NewClassTable(tables.Classes, quietLogger())
	a, b, x := tables.Classes.Intern("A"), tables.Classes.Intern("B"), tables.Classes.Intern("X")
	ct.PlaceClass("src", a)
	ct.PlaceClass("src", b)
	ct.SetSuperclass(a, b)
	ct.SetSuperclass(b, a)

	ok, err := ct.IsInstanceOf(a, x, false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInheritanceCycle)

	// Subclass queries over the cycle terminate and exclude the start.
	assert.Equal(t, []string{"B"}, names(tables, ct.SubclassesOf(a)))
}

func TestImplementorsOf(t *testing.T) {
	tables := intern.NewTables()
	ct := NewClassTable(tables.Classes, quietLogger())
	h := tables.Classes.Intern
	iface, sub, impl, child, other := h("I"), h("J"), h("Impl"), h("Child"), h("Other")
	for _, c := range []intern.Handle{iface, sub, impl, child, other} {
		ct.PlaceClass("src", c)
	}
	ct.SetModifiers(iface, classfile.AccInterface)
	ct.SetModifiers(sub, classfile.AccInterface)
	ct.SetInterfaces(sub, []intern.Handle{iface}) // J extends I
	ct.SetInterfaces(impl, []intern.Handle{sub})  // Impl implements J
	ct.SetSuperclass(child, impl)                 // Child extends Impl

	assert.Equal(t, []string{"Child", "Impl", "J"}, names(tables, ct.ImplementorsOf(iface)))

	ok, err := ct.IsInstanceOf(child, iface, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ct.IsInstanceOf(other, iface, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, ct.IsInterface(iface))
}

func TestRestrictedAddFirstWriterWins(t *testing.T) {
	tables := intern.NewTables()
	t1 := scan(t, tables, memSource("first", source.Seed,
		classSpec{name: "X", annos: []string{"M1"}},
		classSpec{name: "Y", super: "FromFirst", annos: []string{"M1"}},
	), true)
	t2 := scan(t, tables, memSource("second", source.Partial,
		classSpec{name: "Y", super: "FromSecond", annos: []string{"M2"}},
		classSpec{name: "Z", annos: []string{"M2"}},
	), true)

	m := NewMerged(tables, quietLogger())
	m.Add(t1, source.Seed)
	added := m.Add(t2, source.Partial)

	assert.Equal(t, []string{"Z"}, names(tables, added))
	assert.Equal(t, []string{"X", "Y", "Z"}, m.Classes.ClassNames())

	y := tables.Classes.Intern("Y")
	src, _ := m.Classes.SourceOf(y)
	assert.Equal(t, "first", src)
	assert.Equal(t, "FromFirst", tables.Classes.Name(m.Classes.Superclass(y)))

	assert.Equal(t, []string{"X", "Y"}, names(tables, m.Bucket(source.Seed).Classes))
	assert.Equal(t, []string{"Z"}, names(tables, m.Bucket(source.Partial).Classes))
	assert.False(t, m.Bucket(source.Partial).Annotations.Map(Class).Contains(y, tables.Classes.Intern("M2")),
		"annotations of a rejected duplicate must not be merged")
}

func TestScanExternalFollowsReferences(t *testing.T) {
	tables := intern.NewTables()
	app := scan(t, tables, memSource("app", source.Seed,
		classSpec{name: "com.example.Foo", super: "ext.Base"},
	), true)

	ext := memSource("ext", source.External,
		classSpec{name: "ext.Base", super: "ext.Root"},
		classSpec{name: "ext.Root", interfaces: []string{"ext.Base"}},
	)
	require.NoError(t, ext.Open())
	defer ext.Close()

	known := app.Classes().Classes()
	frontier := app.Referenced().Minus(known)
	extTable := NewTable(tables, "ext", quietLogger())
	resolved, unresolved, err := extTable.ScanExternal(context.Background(), ext, frontier, known)
	require.NoError(t, err)

	assert.Equal(t, []string{"ext.Base", "ext.Root"}, names(tables, resolved))
	assert.Equal(t, []string{"java.lang.Object"}, names(tables, unresolved))
}

func TestSnapshotRoundTrip(t *testing.T) {
	tables := intern.NewTables()
	tbl := scan(t, tables, memSource("app", source.Seed,
		classSpec{
			name:       "com.example.Foo",
			super:      "com.example.Base",
			interfaces: []string{"com.example.Api"},
			annos:      []string{"com.example.Marker"},
			fieldAnnos: map[string]string{"id": "com.example.Id"},
		},
		classSpec{name: "com.example.package-info", annos: []string{"com.example.Pkg"}},
	), true)

	snap := tbl.Snapshot()
	back, err := FromSnapshot(snap, tables, quietLogger())
	require.NoError(t, err)
	assert.True(t, tbl.SameAs(back))
	assert.Equal(t, tbl.Stamp(), back.Stamp())

	other := intern.NewTables()
	fresh, err := FromSnapshot(snap, other, quietLogger())
	require.NoError(t, err)
	assert.True(t, tbl.SameAs(fresh.Translate(tables)))
}

func TestTranslateIntoSharedTables(t *testing.T) {
	private := intern.NewTables()
	shared := intern.NewTables()
	shared.Classes.Intern("padding") // force different handle values

	tbl := scan(t, private, memSource("app", source.Seed,
		classSpec{name: "com.example.Foo", annos: []string{"com.example.Marker"}},
	), true)
	moved := tbl.Translate(shared)

	foo, ok := shared.Classes.Find("com.example.Foo", false)
	require.True(t, ok)
	assert.True(t, moved.Classes().ContainsClass(foo))
	assert.Equal(t, []string{"com.example.Marker"}, names(shared, moved.Annotations().Map(Class).HeldOf(foo)))
	assert.Equal(t, tbl.Stats(), moved.Stats())
}

// classDir writes specs as class files under a new directory and stores an
// index of all of them in the given format.
func classDir(t *testing.T, format classindex.Format, specs ...classSpec) string {
	t.Helper()
	root := t.TempDir()
	for _, s := range specs {
		path := filepath.Join(root, filepath.FromSlash(classfile.ResourcePath(s.name)))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, s.bytes(), 0o644))
	}

	res, err := source.BuildIndex(context.Background(),
		source.NewDir(source.Options{Name: "all", Path: root, Policy: source.Seed}), format)
	require.NoError(t, err)
	require.Empty(t, res.Corrupt)
	var buf bytes.Buffer
	require.NoError(t, res.Index.Write(&buf))
	indexPath := filepath.Join(root, filepath.FromSlash(format.Path()))
	require.NoError(t, os.MkdirAll(filepath.Dir(indexPath), 0o755))
	require.NoError(t, os.WriteFile(indexPath, buf.Bytes(), 0o644))
	return root
}

func TestIndexedScanMatchesByteScan(t *testing.T) {
	specs := []classSpec{
		{
			name:       "app.Order",
			super:      "app.Base",
			interfaces: []string{"app.Entity"},
			annos:      []string{"app.Table"},
			fieldAnnos: map[string]string{"id": "app.Id"},
			methodAnno: map[string]string{"save": "app.Tx"},
		},
		{name: "app.Base", access: classfile.AccAbstract, annos: []string{"app.Mapped"}},
		{name: "app.Entity", access: classfile.AccInterface | classfile.AccAbstract},
		{name: "app.package-info", annos: []string{"app.Module"}},
		{name: "app.gen.Proxy", super: "app.Order", annos: []string{"app.Generated"}},
	}

	for _, format := range []classindex.Format{classindex.Full, classindex.Sparse} {
		for _, detail := range []bool{true, false} {
			for _, exclude := range [][]string{nil, {"app/gen/"}} {
				name := format.String()
				if detail {
					name += "/detail"
				}
				if exclude != nil {
					name += "/exclude"
				}
				t.Run(name, func(t *testing.T) {
					root := classDir(t, format, specs...)
					dir := func(useIndex bool) *source.DirSource {
						return source.NewDir(source.Options{
							Name: "classes", Path: root, Policy: source.Seed,
							Exclude: exclude, UseIndex: useIndex,
						})
					}

					indexed := dir(true)
					require.NoError(t, indexed.Open())
					require.True(t, indexed.Indexed())
					require.NoError(t, indexed.Close())

					tables := intern.NewTables()
					fromBytes := scan(t, tables, dir(false), detail)
					fromIndex := scan(t, tables, indexed, detail)

					assert.True(t, fromIndex.SameAs(fromBytes))
					assert.Equal(t, names(tables, fromBytes.Classes().Classes()), names(tables, fromIndex.Classes().Classes()))
					assert.Equal(t, names(tables, fromBytes.Referenced()), names(tables, fromIndex.Referenced()))
					assert.Equal(t, fromBytes.Stats().Classes, fromIndex.Stats().Classes)

					proxy, _ := tables.Classes.Find("app.gen.Proxy", false)
					assert.Equal(t, exclude == nil, fromIndex.Classes().Classes().Has(proxy))
				})
			}
		}
	}
}
