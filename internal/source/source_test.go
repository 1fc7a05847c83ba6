package source

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/classindex"
)

type collect struct {
	want    func(string) bool
	bytes   []string
	indexed []string
	failed  []string
}

func (c *collect) Want(name string) bool {
	return c.want == nil || c.want(name)
}
func (c *collect) Stream(name string, _ []byte)      { c.bytes = append(c.bytes, name) }
func (c *collect) StreamIndexed(cl *classfile.Class) { c.indexed = append(c.indexed, cl.Name) }
func (c *collect) Failed(name string, _ error)       { c.failed = append(c.failed, name) }

func classBytes(name string) []byte {
	c := &classfile.Class{Header: classfile.Header{Name: name, Super: "java.lang.Object"}}
	return c.Encode()
}

func writeClass(t *testing.T, root, name string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(classfile.ResourcePath(name)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, classBytes(name), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestPolicyAcceptChecksEachBit(t *testing.T) {
	tests := []struct {
		policy Policy
		mask   Policy
		want   bool
	}{
		{Seed, Seed, true},
		{Seed, Partial | External, false},
		{Partial, Partial, true},
		{Partial, Seed, false},
		{Excluded, Excluded | Seed, true},
		{Excluded, Partial, false},
		{External, External, true},
		{External, NonExternal, false},
		{Seed | Partial, All, false}, // not a single policy
	}
	for _, tt := range tests {
		if got := tt.policy.Accept(tt.mask); got != tt.want {
			t.Errorf("%s.Accept(%s) = %v, want %v", tt.policy, tt.mask, got, tt.want)
		}
	}
}

func TestParseMask(t *testing.T) {
	mask, err := ParseMask("seed, external")
	if err != nil {
		t.Fatal(err)
	}
	if mask != Seed|External {
		t.Errorf("mask = %s", mask)
	}
	if _, err := ParseMask("seed,bogus"); err == nil {
		t.Error("expected error for unknown policy")
	}
	if all, _ := ParseMask("all"); all != All {
		t.Errorf("all = %s", all)
	}
}

func TestStampSentinelsNeverMatch(t *testing.T) {
	if StampsMatch(StampNotRecorded, StampNotRecorded) {
		t.Error("not-recorded stamps must not match")
	}
	if StampsMatch(StampUnavailable, StampUnavailable) {
		t.Error("unavailable stamps must not match")
	}
	if !StampsMatch("abc", "abc") {
		t.Error("equal stamps must match")
	}
}

func TestDirSourceExcludesAndStamps(t *testing.T) {
	root := t.TempDir()
	writeClass(t, root, "com.example.Keep")
	writeClass(t, root, "com.example.gen.Skip")
	if err := os.WriteFile(filepath.Join(root, "README.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDir(Options{Name: "classes", Path: root, Policy: Seed, Exclude: []string{"com/example/gen"}})
	if err := d.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var c collect
	if err := d.ScanClasses(context.Background(), &c); err != nil {
		t.Fatalf("ScanClasses: %v", err)
	}
	if len(c.bytes) != 1 || c.bytes[0] != "com.example.Keep" {
		t.Errorf("streamed = %v", c.bytes)
	}

	found, err := d.ScanReferencedClass("com.example.gen.Skip", &c)
	if err != nil || found {
		t.Errorf("excluded class was served: found=%v err=%v", found, err)
	}

	first := d.Stamp()
	if !StampUsable(first) {
		t.Fatalf("stamp = %q", first)
	}
	writeClass(t, root, "com.example.Added")
	d.Close()
	if err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if d.Stamp() == first {
		t.Error("stamp did not change after adding a class")
	}
}

func TestDirSourceMissingRoot(t *testing.T) {
	d := NewDir(Options{Name: "gone", Path: filepath.Join(t.TempDir(), "missing"), Policy: Seed})
	if err := d.Open(); err == nil {
		t.Fatal("expected open error")
	}
	if d.Stamp() != StampUnavailable {
		t.Errorf("stamp = %q", d.Stamp())
	}
}

func TestJarSourcePrefersIndex(t *testing.T) {
	ix := classindex.New(classindex.Full)
	if _, err := ix.AddClassFile(classBytes("com.example.Indexed")); err != nil {
		t.Fatal(err)
	}
	var indexBuf bytes.Buffer
	if err := ix.Write(&indexBuf); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "lib.jar")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	put := func(name string, data []byte) {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			t.Fatal(err)
		}
	}
	put("com/example/Plain.class", classBytes("com.example.Plain"))
	put(classindex.FullPath, indexBuf.Bytes())
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	for _, useIndex := range []bool{false, true} {
		j := NewJar(Options{Name: "lib", Path: path, Policy: Partial, UseIndex: useIndex})
		if err := j.Open(); err != nil {
			t.Fatalf("Open: %v", err)
		}
		var c collect
		if err := j.ScanClasses(context.Background(), &c); err != nil {
			t.Fatal(err)
		}
		j.Close()

		if useIndex {
			if len(c.indexed) != 1 || c.indexed[0] != "com.example.Indexed" || len(c.bytes) != 0 {
				t.Errorf("indexed scan: bytes=%v indexed=%v", c.bytes, c.indexed)
			}
		} else if len(c.bytes) != 1 || c.bytes[0] != "com.example.Plain" {
			t.Errorf("byte scan: bytes=%v indexed=%v", c.bytes, c.indexed)
		}
	}
}

func TestMemorySourceWantAndLookup(t *testing.T) {
	m := NewMemory("mem", Seed)
	m.AddClass("a.A", classBytes("a.A"))
	m.AddClass("a.B", classBytes("a.B"))
	if err := m.Open(); err != nil {
		t.Fatal(err)
	}

	c := collect{want: func(n string) bool { return n != "a.B" }}
	if err := m.ScanClasses(context.Background(), &c); err != nil {
		t.Fatal(err)
	}
	if len(c.bytes) != 1 || c.bytes[0] != "a.A" {
		t.Errorf("streamed = %v", c.bytes)
	}

	found, err := m.ScanSpecificSeedClass("a.Missing", &c)
	if found || err != nil {
		t.Errorf("missing class: found=%v err=%v", found, err)
	}

	before := m.Stamp()
	m.Remove("a.B")
	if m.Stamp() == before {
		t.Error("stamp unchanged after removal")
	}
	m.SetStamp(StampNotRecorded)
	if StampUsable(m.Stamp()) {
		t.Error("pinned sentinel stamp reported usable")
	}
}

func TestScanClassesHonoursCancellation(t *testing.T) {
	m := NewMemory("mem", Seed)
	m.AddClass("a.A", classBytes("a.A"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.ScanClasses(ctx, &collect{}); err == nil {
		t.Error("expected context error")
	}
}

func TestAggregateMasksFailedChildren(t *testing.T) {
	agg := NewAggregate("app/mod", slog.New(slog.NewTextHandler(io.Discard, nil)))
	good := NewMemory("good", Seed)
	ext := NewMemory("ext", External)
	bad := NewDir(Options{Name: "bad", Path: filepath.Join(t.TempDir(), "nope"), Policy: Partial})

	for _, c := range []ClassSource{good, bad, ext} {
		if err := agg.Add(c); err != nil {
			t.Fatal(err)
		}
	}
	if err := agg.Add(NewMemory("good", Seed)); err == nil {
		t.Error("expected duplicate name error")
	}

	agg.Open()
	defer agg.Close()

	if !agg.Masked("bad") {
		t.Error("failed child not masked")
	}
	var names []string
	for _, c := range agg.NonExternal() {
		names = append(names, c.Name())
	}
	if len(names) != 1 || names[0] != "good" {
		t.Errorf("NonExternal = %v", names)
	}
	if ext := agg.External(); len(ext) != 1 || ext[0].Name() != "ext" {
		t.Errorf("External = %v", ext)
	}
	if got := agg.Names(); len(got) != 3 || got[0] != "good" || got[1] != "bad" || got[2] != "ext" {
		t.Errorf("order not preserved: %v", got)
	}
}

func TestBuildIndexFromDirectory(t *testing.T) {
	root := t.TempDir()
	writeClass(t, root, "com.example.A")
	writeClass(t, root, "com.example.B")
	bad := filepath.Join(root, "com", "example", "Broken.class")
	if err := os.WriteFile(bad, []byte("not a class"), 0644); err != nil {
		t.Fatal(err)
	}

	d := NewDir(Options{Name: "classes", Path: root, Policy: Seed})
	res, err := BuildIndex(context.Background(), d, classindex.Sparse)
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Index.Names(); len(got) != 2 || got[0] != "com.example.A" || got[1] != "com.example.B" {
		t.Errorf("indexed = %v", got)
	}
	if len(res.Corrupt) != 1 || res.Corrupt[0] != "com.example.Broken" {
		t.Errorf("corrupt = %v", res.Corrupt)
	}
	if res.Index.Format() != classindex.Sparse {
		t.Errorf("format = %v", res.Index.Format())
	}

	if _, err := BuildIndex(context.Background(), NewDir(Options{Name: "gone", Path: filepath.Join(root, "nope")}), classindex.Full); err == nil {
		t.Error("expected open error")
	}
}

// writeIndex stores an index of every class under root inside root.
func writeIndex(t *testing.T, root string, format classindex.Format) {
	t.Helper()
	res, err := BuildIndex(context.Background(), NewDir(Options{Name: "all", Path: root, Policy: Seed}), format)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, filepath.FromSlash(format.Path()))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := res.Index.Write(&buf); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestIndexedDirSourceHonoursExcludes(t *testing.T) {
	for _, format := range []classindex.Format{classindex.Full, classindex.Sparse} {
		t.Run(format.String(), func(t *testing.T) {
			root := t.TempDir()
			writeClass(t, root, "com.example.Keep")
			writeClass(t, root, "com.example.internal.Hidden")
			writeIndex(t, root, format)

			for _, useIndex := range []bool{false, true} {
				d := NewDir(Options{
					Name:     "classes",
					Path:     root,
					Policy:   Seed,
					Exclude:  []string{"com/example/internal/"},
					UseIndex: useIndex,
				})
				if err := d.Open(); err != nil {
					t.Fatalf("Open: %v", err)
				}
				if d.Indexed() != useIndex {
					t.Fatalf("Indexed() = %v, want %v", d.Indexed(), useIndex)
				}

				var c collect
				if err := d.ScanClasses(context.Background(), &c); err != nil {
					t.Fatal(err)
				}
				streamed := append(c.bytes, c.indexed...)
				if len(streamed) != 1 || streamed[0] != "com.example.Keep" {
					t.Errorf("useIndex=%v: streamed %v", useIndex, streamed)
				}

				found, err := d.ScanReferencedClass("com.example.internal.Hidden", &c)
				if err != nil || found {
					t.Errorf("useIndex=%v: excluded class served: found=%v err=%v", useIndex, found, err)
				}
				d.Close()
			}
		})
	}
}
