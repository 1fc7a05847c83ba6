// Package index is the caller-facing annotation target index of one module.
// It owns the classpath, triggers the scans a query needs and answers with
// plain sorted names.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/scanner"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

var (
	// ErrSourcesFrozen is returned when a source is added after the scan
	// that would have read it.
	ErrSourcesFrozen = errors.New("class sources are frozen")
	// ErrNoRoot is returned when sources or scans are requested before a
	// root is attached.
	ErrNoRoot = errors.New("no root attached")
)

// State is the lifecycle position of a Targets. It only moves forward.
type State int

const (
	StateCreated State = iota
	StateRootAttached
	StateSourcesAttached
	StateDirectScanned
	StateExternalAttached
	StateReferencedScanned
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRootAttached:
		return "root-attached"
	case StateSourcesAttached:
		return "sources-attached"
	case StateDirectScanned:
		return "direct-scanned"
	case StateExternalAttached:
		return "external-attached"
	case StateReferencedScanned:
		return "referenced-scanned"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ScanError reports a failed scan phase.
type ScanError struct {
	Module string
	Phase  string
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("%s scan of %s failed: %v", e.Phase, e.Module, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Options configure a Targets.
type Options struct {
	Scan scanner.Options
	// Artifacts caches full scans. Nil disables caching.
	Artifacts *cache.Artifacts
	// Queries logs annotation queries. Nil disables the log.
	Queries *QueryLog
}

// Targets is the annotation target index of one module. It is safe for
// concurrent use; queries are serialized.
type Targets struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	tables  *intern.Tables
	agg     *source.Aggregate
	app     string
	module  string
	state   State
	scanner  scanner.Scanner
	specific []string // classes of a specific scan
	err      error
}

// New creates an index with no root.
func New(opts Options, logger *slog.Logger) *Targets {
	if logger == nil {
		logger = slog.Default()
	}
	return &Targets{
		opts:   opts,
		logger: logger,
		tables: intern.NewTables(),
	}
}

// AttachRoot names the module. It must be called once, before any source
// is added.
func (t *Targets) AttachRoot(app, module string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateCreated {
		return fmt.Errorf("root already attached as %s", t.agg.Name())
	}
	t.app, t.module = app, module
	t.agg = source.NewAggregate(app+"#"+module, t.logger)
	t.logger = t.logger.With(slog.String("module", t.agg.Name()))
	t.state = StateRootAttached
	return nil
}

// AddSource appends a class source to the classpath. Non-external sources
// are frozen by the direct scan, external ones by the referenced scan.
func (t *Targets) AddSource(src source.ClassSource) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCreated {
		return ErrNoRoot
	}
	if src.Policy() == source.External {
		if t.state >= StateReferencedScanned {
			return fmt.Errorf("adding %s: %w", src.Name(), ErrSourcesFrozen)
		}
	} else if t.state >= StateDirectScanned {
		return fmt.Errorf("adding %s: %w", src.Name(), ErrSourcesFrozen)
	}
	if err := t.agg.Add(src); err != nil {
		return err
	}
	switch {
	case t.state == StateRootAttached:
		t.state = StateSourcesAttached
	case t.state == StateDirectScanned:
		t.state = StateExternalAttached
	}
	return nil
}

// State returns the lifecycle state.
func (t *Targets) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the last scan failure, if any.
func (t *Targets) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Name returns the module name, app#module.
func (t *Targets) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.agg == nil {
		return ""
	}
	return t.agg.Name()
}

// ScanDirect scans the seed, partial and excluded sources.
func (t *Targets) ScanDirect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanDirect(ctx)
}

// ScanReferenced completes the referenced classes from the external
// sources, scanning directly first if needed.
func (t *Targets) ScanReferenced(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanReferenced(ctx)
}

// ScanLimited runs a limited scan in place of the full one: every internal
// class lands in the seed policy and external sources are never read.
func (t *Targets) ScanLimited(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.claimOneShot(); err != nil {
		return err
	}
	t.scanner = scanner.NewLimited(t.agg, t.tables, t.opts.Scan, t.logger)
	return t.runOneShot(ctx, "limited")
}

// ScanSpecific scans only the named classes, recording only the named
// annotations when annotations is not nil.
func (t *Targets) ScanSpecific(ctx context.Context, classNames, annotations []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.claimOneShot(); err != nil {
		return err
	}
	t.scanner = scanner.NewSpecific(t.agg, t.tables, classNames, annotations, t.opts.Scan, t.logger)
	if err := t.runOneShot(ctx, "specific"); err != nil {
		return err
	}
	t.specific = append([]string(nil), classNames...)
	return nil
}

func (t *Targets) claimOneShot() error {
	if t.state == StateCreated {
		return ErrNoRoot
	}
	if t.state >= StateDirectScanned {
		return fmt.Errorf("index already scanned: %w", ErrSourcesFrozen)
	}
	return nil
}

func (t *Targets) runOneShot(ctx context.Context, phase string) error {
	if err := t.scanner.ScanReferenced(ctx); err != nil {
		t.scanner = nil
		t.err = &ScanError{Module: t.agg.Name(), Phase: phase, Err: err}
		return t.err
	}
	t.err = nil
	t.state = StateReferencedScanned
	return nil
}

func (t *Targets) ensureScanner() {
	if t.scanner == nil {
		t.scanner = scanner.NewOverall(t.agg, t.tables, t.opts.Scan, t.opts.Artifacts, t.logger)
	}
}

func (t *Targets) scanDirect(ctx context.Context) error {
	if t.state == StateCreated {
		return ErrNoRoot
	}
	if t.state >= StateDirectScanned {
		return nil
	}
	t.ensureScanner()
	if err := t.scanner.ScanDirect(ctx); err != nil {
		t.err = &ScanError{Module: t.agg.Name(), Phase: "direct", Err: err}
		return t.err
	}
	t.err = nil
	t.state = StateDirectScanned
	return nil
}

func (t *Targets) scanReferenced(ctx context.Context) error {
	if err := t.scanDirect(ctx); err != nil {
		return err
	}
	if t.state >= StateReferencedScanned {
		return nil
	}
	if err := t.scanner.ScanReferenced(ctx); err != nil {
		t.err = &ScanError{Module: t.agg.Name(), Phase: "referenced", Err: err}
		return t.err
	}
	t.err = nil
	t.state = StateReferencedScanned
	return nil
}

// need runs the scan a query over mask requires. Failures are logged; the
// query then answers from what is already known.
func (t *Targets) need(mask source.Policy) *targets.Merged {
	ctx := context.Background()
	var err error
	if source.External.Accept(mask) {
		err = t.scanReferenced(ctx)
	} else {
		err = t.scanDirect(ctx)
	}
	if err != nil && !errors.Is(err, ErrNoRoot) {
		t.logger.Warn("query answered from a partial scan", slog.String("error", err.Error()))
	}
	if t.scanner == nil {
		return nil
	}
	return t.scanner.Merged()
}

// find looks up a name without interning it.
func (t *Targets) find(name string) (intern.Handle, bool) {
	return t.tables.Classes.Find(name, false)
}

func (t *Targets) sorted(s relation.Set) []string {
	if len(s) == 0 {
		return []string{}
	}
	return s.Sorted(t.tables.Classes)
}

func (t *Targets) sortedHandles(hs []intern.Handle) []string {
	if len(hs) == 0 {
		return []string{}
	}
	return t.tables.Classes.SortedNames(hs)
}
