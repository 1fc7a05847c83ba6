// Package intern deduplicates names so the rest of the scanner can compare
// small handles instead of strings.
package intern

import (
	"log/slog"
	"sort"
	"sync"
)

// Handle is the canonical representation of an interned name.
// Handles are only meaningful relative to the Table that issued them.
type Handle uint32

// None is never issued by a Table.
const None Handle = 0

// Table maps names to handles and back. Tables only grow.
//
// A Table is safe for concurrent use. Its lock is the only lock taken while
// interning; callers must not hold their own result locks while interning.
type Table struct {
	mu    sync.RWMutex
	name  string
	ids   map[string]Handle
	names []string // names[h-1] is the name of handle h
}

// NewTable creates an empty table. The name is used only in diagnostics.
func NewTable(name string) *Table {
	return &Table{
		name: name,
		ids:  make(map[string]Handle),
	}
}

// Intern returns the handle for name, adding it if needed.
func (t *Table) Intern(name string) Handle {
	h, _ := t.Find(name, true)
	return h
}

// Find looks up name. When force is false and the name is absent, Find
// returns (None, false) without adding the name.
func (t *Table) Find(name string, force bool) (Handle, bool) {
	t.mu.RLock()
	h, ok := t.ids[name]
	t.mu.RUnlock()
	if ok || !force {
		return h, ok
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.ids[name]; ok {
		return h, true
	}
	t.names = append(t.names, name)
	h = Handle(len(t.names))
	t.ids[name] = h
	return h, true
}

// InternAll interns every name under a single lock acquisition.
func (t *Table) InternAll(names []string) []Handle {
	out := make([]Handle, len(names))
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, name := range names {
		h, ok := t.ids[name]
		if !ok {
			t.names = append(t.names, name)
			h = Handle(len(t.names))
			t.ids[name] = h
		}
		out[i] = h
	}
	return out
}

// Name returns the name for h, or "" for None or an unknown handle.
func (t *Table) Name(h Handle) string {
	if h == None {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(h) > len(t.names) {
		return ""
	}
	return t.names[h-1]
}

// Len returns the number of interned names.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}

// SortedNames resolves handles and returns the names in sorted order.
// The returned slice is always a fresh copy.
func (t *Table) SortedNames(handles []Handle) []string {
	out := make([]string, 0, len(handles))
	t.mu.RLock()
	for _, h := range handles {
		if h == None || int(h) > len(t.names) {
			continue
		}
		out = append(out, t.names[h-1])
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Tables bundles the tables used by one scan session.
type Tables struct {
	Classes *Table // class, package and annotation type names
	Fields  *Table // field names
	Methods *Table // method name + descriptor
}

// NewTables creates a fresh set of tables.
func NewTables() *Tables {
	return &Tables{
		Classes: NewTable("classes"),
		Fields:  NewTable("fields"),
		Methods: NewTable("methods"),
	}
}

// LogValue reports the size of each table.
func (ts *Tables) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int(ts.Classes.name, ts.Classes.Len()),
		slog.Int(ts.Fields.name, ts.Fields.Len()),
		slog.Int(ts.Methods.name, ts.Methods.Len()))
}
