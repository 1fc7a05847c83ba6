package source

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/abramin/annoscan/internal/classfile"
)

// JarSource reads classes from a jar or any other zip archive.
type JarSource struct {
	base
	path    string
	zr      *zip.ReadCloser
	entries map[string]*zip.File
}

// NewJar creates a jar source. It is not opened.
func NewJar(opts Options) *JarSource {
	j := &JarSource{path: opts.Path}
	j.base = newBase(opts, j)
	return j
}

// Path returns the archive path.
func (j *JarSource) Path() string { return j.path }

// Open opens the archive. The stamp covers the name, CRC and size of every
// class entry, so it changes only when class content changes.
func (j *JarSource) Open() error {
	if j.opened {
		return nil
	}
	zr, err := zip.OpenReader(j.path)
	if err != nil {
		j.stamp = StampUnavailable
		return fmt.Errorf("opening %s: %w", j.name, err)
	}
	j.zr = zr
	j.entries = make(map[string]*zip.File, len(zr.File))

	var classes []string
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		j.entries[f.Name] = f
		if _, ok := classfile.ResourceClassName(f.Name); ok && !j.excluded(f.Name) {
			classes = append(classes, f.Name)
		}
	}
	sort.Strings(classes)

	h := xxh3.New()
	for _, name := range classes {
		f := j.entries[name]
		h.WriteString(name)
		h.WriteString(strconv.FormatUint(uint64(f.CRC32), 16))
		h.WriteString(strconv.FormatUint(f.UncompressedSize64, 10))
	}
	j.stamp = strconv.FormatUint(h.Sum64(), 16)

	if err := j.loadIndex(); err != nil {
		return err
	}
	j.opened = true
	return nil
}

// Close closes the archive.
func (j *JarSource) Close() error {
	j.entries = nil
	j.index = nil
	j.opened = false
	if j.zr == nil {
		return nil
	}
	err := j.zr.Close()
	j.zr = nil
	return err
}

// Stamp returns the content stamp computed by Open.
func (j *JarSource) Stamp() string {
	if j.stamp == "" {
		return StampNotRecorded
	}
	return j.stamp
}

func (j *JarSource) classNames() ([]string, error) {
	if j.zr == nil {
		return nil, fmt.Errorf("%s is not open", j.name)
	}
	var names []string
	for path := range j.entries {
		if j.excluded(path) {
			continue
		}
		if name, ok := classfile.ResourceClassName(path); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (j *JarSource) read(path string) ([]byte, error) {
	f, ok := j.entries[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
