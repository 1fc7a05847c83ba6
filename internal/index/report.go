package index

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/scanner"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// Report is the exported form of a scanned index.
type Report struct {
	Module     string                   `json:"module"`
	Session    string                   `json:"session,omitempty"`
	State      string                   `json:"state"`
	CreatedAt  time.Time                `json:"created_at"`
	Sources    []SourceReport           `json:"sources"`
	Policies   map[string]*PolicyReport `json:"policies"`
	Supers     map[string]string        `json:"superclasses,omitempty"`
	Resolved   []string                 `json:"resolved"`
	Unresolved []string                 `json:"unresolved"`
	Stats      targets.Stats            `json:"stats"`
	Cache      *CacheReport             `json:"cache,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// SourceReport describes one class source.
type SourceReport struct {
	Name    string `json:"name"`
	Policy  string `json:"policy"`
	Stamp   string `json:"stamp,omitempty"`
	Masked  bool   `json:"masked,omitempty"`
	Classes int    `json:"classes"`
}

// PolicyReport lists what was merged under one policy.
type PolicyReport struct {
	Classes     []string                   `json:"classes"`
	Packages    []string                   `json:"packages,omitempty"`
	Annotations []targets.AnnotationRecord `json:"annotations,omitempty"`
}

// CacheReport summarizes the cache checks of a full scan.
type CacheReport struct {
	Checks    []CacheCheck `json:"checks"`
	Reads     int64        `json:"reads"`
	Writes    int64        `json:"writes"`
	ReadTime  string       `json:"read_time"`
	WriteTime string       `json:"write_time"`
}

// CacheCheck is one artifact validity outcome.
type CacheCheck struct {
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// Report scans fully, if needed, and exports the index.
func (t *Targets) Report() *Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := &Report{
		State:     t.state.String(),
		CreatedAt: time.Now().UTC(),
		Policies:  make(map[string]*PolicyReport, len(source.Policies)),
		Supers:    make(map[string]string),
	}
	if t.agg == nil {
		return r
	}
	m := t.need(source.All)
	r.Module = t.agg.Name()
	r.State = t.state.String()
	if t.err != nil {
		r.Error = t.err.Error()
	}
	if m == nil {
		return r
	}
	r.Session = t.scanner.Session()

	for _, c := range t.agg.Children() {
		sr := SourceReport{Name: c.Name(), Policy: c.Policy().String(), Masked: t.agg.Masked(c.Name())}
		if !sr.Masked {
			sr.Stamp = c.Stamp()
		}
		sr.Classes = len(m.Classes.ClassesOf(c.Name()))
		r.Sources = append(r.Sources, sr)
	}

	for _, b := range m.Buckets(source.All) {
		pr := &PolicyReport{
			Classes:     t.sorted(b.Classes),
			Annotations: b.Annotations.Records(t.tables),
		}
		if len(b.Packages) > 0 {
			pr.Packages = t.sorted(b.Packages)
		}
		r.Policies[b.Policy.String()] = pr
		for class := range b.Classes {
			if super := m.Classes.Superclass(class); super != intern.None {
				r.Supers[t.tables.Classes.Name(class)] = t.tables.Classes.Name(super)
			}
		}
	}
	r.Resolved = t.sorted(m.Resolved)
	r.Unresolved = t.sorted(m.Unresolved)
	r.Stats = m.Stats

	if overall, ok := t.scanner.(*scanner.Overall); ok {
		r.Cache = cacheReport(overall.Checks(), overall.CacheTiming())
	}
	return r
}

func cacheReport(checks []scanner.Check, timing cache.Timing) *CacheReport {
	cr := &CacheReport{
		Reads:     timing.Reads,
		Writes:    timing.Writes,
		ReadTime:  timing.ReadTime.String(),
		WriteTime: timing.WriteTime.String(),
	}
	for _, c := range checks {
		cr.Checks = append(cr.Checks, CacheCheck{
			Kind:    string(c.Kind),
			Name:    c.Name,
			Outcome: c.Outcome.Kind.String(),
			Reason:  c.Outcome.Reason,
		})
	}
	return cr
}

// WriteJSON writes r as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes r to path.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}
	if err := r.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("writing report: %w", err)
	}
	return f.Close()
}

// LoadReport reads a report written by WriteFile.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing report %s: %w", path, err)
	}
	return &r, nil
}
