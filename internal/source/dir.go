package source

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/abramin/annoscan/internal/classfile"
)

// DirSource reads classes from a class directory, e.g. WEB-INF/classes.
type DirSource struct {
	base
	root    string
	classes []string // resource paths, populated by Open
}

// NewDir creates a directory source. It is not opened.
func NewDir(opts Options) *DirSource {
	d := &DirSource{root: opts.Path}
	d.base = newBase(opts, d)
	return d
}

// Root returns the directory the source reads.
func (d *DirSource) Root() string { return d.root }

// Open walks the directory, records its classes and computes the stamp.
// Opening an open source does nothing.
func (d *DirSource) Open() error {
	if d.opened {
		return nil
	}
	info, err := os.Stat(d.root)
	if err != nil {
		d.stamp = StampUnavailable
		return fmt.Errorf("opening %s: %w", d.name, err)
	}
	if !info.IsDir() {
		d.stamp = StampUnavailable
		return fmt.Errorf("opening %s: %s is not a directory", d.name, d.root)
	}

	h := xxh3.New()
	var classes []string
	err = filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, ok := classfile.ResourceClassName(rel); !ok || d.excluded(rel) {
			return nil
		}
		fi, err := entry.Info()
		if err != nil {
			return err
		}
		classes = append(classes, rel)
		// WalkDir visits in lexical order, so the stamp is stable.
		h.WriteString(rel)
		h.WriteString(strconv.FormatInt(fi.Size(), 10))
		h.WriteString(strconv.FormatInt(fi.ModTime().UnixNano(), 10))
		return nil
	})
	if err != nil {
		d.stamp = StampUnavailable
		return fmt.Errorf("walking %s: %w", d.root, err)
	}

	d.classes = classes
	d.stamp = strconv.FormatUint(h.Sum64(), 16)
	if err := d.loadIndex(); err != nil {
		return err
	}
	d.opened = true
	return nil
}

// Close releases the class listing.
func (d *DirSource) Close() error {
	d.classes = nil
	d.index = nil
	d.opened = false
	return nil
}

// Stamp returns the content stamp computed by Open.
func (d *DirSource) Stamp() string {
	if d.stamp == "" {
		return StampNotRecorded
	}
	return d.stamp
}

func (d *DirSource) classNames() ([]string, error) {
	names := make([]string, 0, len(d.classes))
	for _, rel := range d.classes {
		name, _ := classfile.ResourceClassName(rel)
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *DirSource) read(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.root, filepath.FromSlash(path)))
}
