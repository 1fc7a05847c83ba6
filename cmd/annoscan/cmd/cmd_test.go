package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/classindex"
)

func writeClass(t *testing.T, root, name, super string, annos ...string) {
	t.Helper()
	c := &classfile.Class{Header: classfile.Header{Name: name, Super: super, Access: classfile.AccPublic}}
	for _, a := range annos {
		c.Annotations = append(c.Annotations, classfile.Annotation{Type: a})
	}
	path := filepath.Join(root, filepath.FromSlash(classfile.ResourcePath(name)))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, c.Encode(), 0644); err != nil {
		t.Fatal(err)
	}
}

// project lays out a class directory and a config file using it.
func project(t *testing.T) (dir, configPath string) {
	t.Helper()
	dir = t.TempDir()
	classes := filepath.Join(dir, "classes")
	writeClass(t, classes, "shop.Cart", "shop.Base", "shop.Entity")
	writeClass(t, classes, "shop.Base", "java.lang.Object")

	configPath = filepath.Join(dir, "annoscan.yaml")
	content := `
module:
  app: shop
  name: web
sources:
  - name: classes
    path: classes
cache:
  backend: memory
log:
  level: error
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, configPath
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func TestScanExportAndDiff(t *testing.T) {
	dir, configPath := project(t)
	report := filepath.Join(dir, "report.json")

	out := run(t, "--config", configPath, "scan", "--export", report)
	for _, want := range []string{"Scanning shop#web", "Scan complete!", "seed:", "2 classes", "Unresolved: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("scan output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(report); err != nil {
		t.Fatalf("report not written: %v", err)
	}

	out = run(t, "--config", configPath, "diff", report, report)
	if strings.TrimSpace(out) != "No changes." {
		t.Errorf("diff output = %q", out)
	}
	scanExport = ""
}

func TestQuery(t *testing.T) {
	_, configPath := project(t)
	t.Cleanup(func() { queryPolicies = "" })

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"query", "annotated", "shop.Entity"}, "shop.Cart\n"},
		{[]string{"query", "classes", "--policies", "seed"}, "shop.Base\nshop.Cart\n"},
		{[]string{"query", "superclass", "shop.Cart"}, "shop.Base\n"},
		{[]string{"query", "instanceof", "shop.Cart", "shop.Base"}, "true\n"},
		{[]string{"query", "unresolved"}, "java.lang.Object\nshop.Entity\n"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args[1:], " "), func(t *testing.T) {
			got := run(t, append([]string{"--config", configPath}, tt.args...)...)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestQueryRejectsBadArguments(t *testing.T) {
	_, configPath := project(t)
	for _, args := range [][]string{
		{"query", "nope"},
		{"query", "annotated"},
		{"query", "classes", "--policies", "sometimes"},
	} {
		rootCmd.SetOut(&bytes.Buffer{})
		rootCmd.SetErr(&bytes.Buffer{})
		rootCmd.SetArgs(append([]string{"--config", configPath}, args...))
		if err := rootCmd.ExecuteContext(context.Background()); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
	queryPolicies = ""
}

func TestIndexWritesIntoDirectory(t *testing.T) {
	dir, configPath := project(t)
	classes := filepath.Join(dir, "classes")

	out := run(t, "--config", configPath, "index", classes, "--format", "sparse")
	if !strings.Contains(out, "Classes:  2") {
		t.Errorf("index output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(classes, filepath.FromSlash(classindex.SparsePath))); err != nil {
		t.Errorf("sparse index not written: %v", err)
	}
	indexFormat = "full"
}
