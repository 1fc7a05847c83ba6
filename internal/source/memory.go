package source

import (
	"io/fs"
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/abramin/annoscan/internal/classfile"
)

// MemorySource holds class bytes in memory. It backs tests and the watch
// command, which replaces changed classes without touching the disk.
type MemorySource struct {
	base

	mu        sync.RWMutex
	resources map[string][]byte
	fixed     string // stamp override, "" to hash the content
}

// NewMemory creates an empty in-memory source.
func NewMemory(name string, policy Policy) *MemorySource {
	m := &MemorySource{resources: make(map[string][]byte)}
	m.base = newBase(Options{Name: name, Policy: policy}, m)
	return m
}

// AddClass stores class bytes under the resource path of className.
func (m *MemorySource) AddClass(className string, data []byte) {
	m.Put(classfile.ResourcePath(className), data)
}

// Put stores an arbitrary resource, such as a precomputed index.
func (m *MemorySource) Put(path string, data []byte) {
	m.mu.Lock()
	m.resources[path] = data
	m.mu.Unlock()
}

// Remove deletes the class, if present.
func (m *MemorySource) Remove(className string) {
	m.mu.Lock()
	delete(m.resources, classfile.ResourcePath(className))
	m.mu.Unlock()
}

// UseIndex makes Open load a precomputed index from the stored resources.
func (m *MemorySource) UseIndex(on bool) { m.useIndex = on }

// SetStamp pins the stamp, e.g. to a sentinel. An empty stamp restores
// content hashing.
func (m *MemorySource) SetStamp(stamp string) { m.fixed = stamp }

func (m *MemorySource) Open() error {
	if m.opened {
		return nil
	}
	if err := m.loadIndex(); err != nil {
		return err
	}
	m.opened = true
	return nil
}

func (m *MemorySource) Close() error {
	m.opened = false
	return nil
}

// Stamp hashes the stored resources unless a stamp was pinned.
func (m *MemorySource) Stamp() string {
	if m.fixed != "" {
		return m.fixed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.resources))
	for p := range m.resources {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	h := xxh3.New()
	for _, p := range paths {
		h.WriteString(p)
		h.Write(m.resources[p])
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (m *MemorySource) classNames() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for path := range m.resources {
		if name, ok := classfile.ResourceClassName(path); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemorySource) read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.resources[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}
