package scanner

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/relation"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
	"github.com/abramin/annoscan/internal/telemetry"
)

// Check records the validity outcome of one cached artifact.
type Check struct {
	Kind    cache.Kind
	Name    string
	Outcome cache.Outcome
}

// Overall is the full scanner: every non-external source is scanned or
// restored from the cache, then referenced names are completed from the
// external sources.
type Overall struct {
	base
	artifacts *cache.Artifacts

	checks           []Check // guarded by resultsMu
	cachedContainers []cache.Container
	directUsable     bool
}

// NewOverall creates a scanner over agg. A nil artifacts disables caching.
func NewOverall(agg *source.Aggregate, tables *intern.Tables, opts Options, artifacts *cache.Artifacts, logger *slog.Logger) *Overall {
	s := &Overall{base: newBase(agg, tables, opts, logger)}
	if artifacts == nil {
		artifacts = cache.NewArtifacts(nil, agg.Name(), cache.Options{Disabled: true}, s.logger)
	}
	s.artifacts = artifacts
	return s
}

// Checks returns the validity outcomes recorded so far.
func (s *Overall) Checks() []Check {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	return append([]Check(nil), s.checks...)
}

// CacheTiming returns the time spent on cache reads and writes.
func (s *Overall) CacheTiming() cache.Timing {
	return s.artifacts.Timing()
}

func (s *Overall) note(kind cache.Kind, name string, o cache.Outcome) {
	s.resultsMu.Lock()
	s.checks = append(s.checks, Check{Kind: kind, Name: name, Outcome: o})
	s.resultsMu.Unlock()
	recordOutcome(kind, o)
	s.logger.Debug("cache check",
		slog.String("kind", string(kind)),
		slog.String("name", name),
		slog.String("outcome", o.String()))
}

func recordOutcome(kind cache.Kind, o cache.Outcome) {
	telemetry.RecordCacheOutcome(string(kind), o.Kind.String())
}

func (s *Overall) ScanDirect(ctx context.Context) (err error) {
	if s.directDone {
		return nil
	}
	ctx, end := s.span(ctx, "direct", attribute.Int("sources", s.agg.Len()))
	defer func() { end(err) }()

	closeAll, err := s.open()
	if err != nil {
		return err
	}
	defer closeAll()

	current := s.containers()
	upstream := s.checkContainers(ctx, current)

	srcs := s.agg.NonExternal()
	outcomes := make([]cache.Outcome, len(srcs))
	writer := s.artifacts.NewWriter(ctx)
	tables, err := s.scanSources(ctx, srcs, func(ctx context.Context, i int, src source.ClassSource, tables *intern.Tables) (*targets.Table, error) {
		t, o, err := s.scanWithCache(ctx, src, upstream, tables, writer)
		outcomes[i] = o
		return t, err
	})
	if werr := writer.Wait(); werr != nil {
		s.logger.Warn("writing cached targets failed", slog.String("error", werr.Error()))
	}
	if err != nil {
		return err
	}

	usable := upstream.Usable()
	for i, o := range outcomes {
		if tables[i] == nil || !o.Usable() {
			usable = false
		}
	}
	s.directUsable = usable
	s.mergeDirect(srcs, tables, source.ClassSource.Policy)
	s.writeContainers(ctx, current, usable)

	s.logger.Info("direct scan complete",
		slog.Int("sources", len(srcs)),
		slog.Int("classes", s.merged.Classes.Len()),
		slog.Any("interned", s.tables),
		slog.Bool("from_cache", usable))
	s.directDone = true
	return nil
}

func (s *Overall) ScanReferenced(ctx context.Context) (err error) {
	if s.referencedDone {
		return nil
	}
	if err := s.ScanDirect(ctx); err != nil {
		return err
	}
	ctx, end := s.span(ctx, "referenced")
	defer func() { end(err) }()

	closeAll, err := s.open()
	if err != nil {
		return err
	}
	defer closeAll()

	externals := s.agg.External()
	restored := s.restoreReferenced(ctx, externals)
	if !restored || len(s.merged.Frontier()) > 0 {
		if restored {
			s.logger.Warn("cached referenced names left a frontier, completing it")
		}
		if err := s.completeReferenced(ctx, externals); err != nil {
			return err
		}
		s.writeReferenced(ctx)
	}

	s.logger.Info("referenced scan complete",
		slog.Int("resolved", len(s.merged.Resolved)),
		slog.Int("unresolved", len(s.merged.Unresolved)),
		slog.Bool("from_cache", restored))
	s.referencedDone = true
	return nil
}

// containers describes the classpath as it is now. Masked children carry
// the unavailable stamp.
func (s *Overall) containers() []cache.Container {
	children := s.agg.Children()
	out := make([]cache.Container, len(children))
	for i, c := range children {
		stamp := source.StampUnavailable
		if !s.agg.Masked(c.Name()) {
			stamp = c.Stamp()
		}
		out[i] = cache.Container{Name: c.Name(), Policy: c.Policy().String(), Stamp: stamp}
	}
	return out
}

func (s *Overall) checkContainers(ctx context.Context, current []cache.Container) cache.Outcome {
	var o cache.Outcome
	if !s.artifacts.Enabled() {
		o = cache.MissOutcome("cache disabled")
	} else {
		cached, hit := s.artifacts.ReadContainers(ctx)
		s.cachedContainers = cached
		switch {
		case !hit:
			o = cache.MissOutcome("not cached")
		case s.artifacts.Options().AlwaysValid:
			o = cache.ForcedOutcome()
		case !sameClasspath(cached, current):
			o = cache.InvalidOutcome("classpath changed")
		default:
			o = cache.ValidOutcome("")
		}
	}
	s.note(cache.KindContainers, "", o)
	return o
}

// sameClasspath compares names and policies in order. Stamps are checked
// per source.
func sameClasspath(cached, current []cache.Container) bool {
	if len(cached) != len(current) {
		return false
	}
	for i := range cached {
		if cached[i].Name != current[i].Name || cached[i].Policy != current[i].Policy {
			return false
		}
	}
	return true
}

// scanWithCache returns the table of one non-external source, restored
// from the cache when its artifact is still valid.
func (s *Overall) scanWithCache(ctx context.Context, src source.ClassSource, upstream cache.Outcome, tables *intern.Tables, w *cache.Writer) (*targets.Table, cache.Outcome, error) {
	name := src.Name()
	if !s.artifacts.Enabled() {
		t, err := s.fresh(ctx, src, tables)
		return t, cache.MissOutcome("cache disabled"), err
	}

	snap, hit := s.artifacts.ReadTargets(ctx, name)
	cachedStamp := ""
	if hit {
		cachedStamp = snap.Stamp
	}
	stamped := cache.CheckStamp(hit, cachedStamp, src.Stamp(), s.artifacts.Options())
	o := stamped.Downstream(upstream, "classpath")

	if o.Usable() {
		cached, err := targets.FromSnapshot(snap, tables, s.logger)
		if err == nil {
			return s.validate(ctx, src, cached, o, tables, w)
		}
		s.logger.Warn("cached targets unreadable",
			slog.String("source", name), slog.String("error", err.Error()))
		o = cache.InvalidOutcome("unreadable snapshot")
		stamped = o
	}

	fresh, err := s.fresh(ctx, src, tables)
	if err != nil {
		return nil, o, err
	}
	// A changed stamp does not prove changed content. When nothing upstream
	// changed, an identical rescan keeps downstream artifacts valid.
	if hit && stamped.Kind == cache.HitInvalid && upstream.Usable() {
		if cached, err := targets.FromSnapshot(snap, tables, s.logger); err == nil && cached.SameAs(fresh) {
			o = cache.ValidOutcome("content unchanged")
		}
	}
	s.note(cache.KindTargets, name, o)
	s.store(fresh, w)
	return fresh, o, nil
}

// validate rescans a source whose stamp matched when validation is on.
func (s *Overall) validate(ctx context.Context, src source.ClassSource, cached *targets.Table, o cache.Outcome, tables *intern.Tables, w *cache.Writer) (*targets.Table, cache.Outcome, error) {
	if o.Kind != cache.HitValid || !s.artifacts.Options().Validate {
		s.note(cache.KindTargets, src.Name(), o)
		return cached, o, nil
	}
	fresh, err := s.fresh(ctx, src, tables)
	if err != nil {
		return nil, o, err
	}
	if fresh.SameAs(cached) {
		s.note(cache.KindTargets, src.Name(), o)
		return cached, o, nil
	}
	s.logger.Warn("cached targets differ from a fresh scan despite a matching stamp",
		slog.String("source", src.Name()))
	o = cache.InvalidOutcome("validation mismatch")
	s.note(cache.KindTargets, src.Name(), o)
	s.store(fresh, w)
	return fresh, o, nil
}

func (s *Overall) fresh(ctx context.Context, src source.ClassSource, tables *intern.Tables) (*targets.Table, error) {
	t := targets.NewTable(tables, src.Name(), s.logger)
	if err := t.ScanInternal(ctx, src, targets.ScanOptions{Detail: s.opts.Detail}); err != nil {
		return nil, err
	}
	return t, nil
}

// store schedules a write of t. The snapshot is taken before returning so
// that t may be translated concurrently with the write.
func (s *Overall) store(t *targets.Table, w *cache.Writer) {
	if !s.artifacts.Writable() {
		return
	}
	snap := t.Snapshot()
	w.Go(func(ctx context.Context) error {
		return s.artifacts.WriteTargets(ctx, snap)
	})
}

// writeContainers records the current classpath. The referenced artifacts
// are dropped first when the direct results or an external stamp changed.
func (s *Overall) writeContainers(ctx context.Context, current []cache.Container, directUsable bool) {
	if !s.artifacts.Writable() {
		return
	}
	if !directUsable || !sameExternals(s.cachedContainers, current) {
		for _, kind := range []cache.Kind{cache.KindResolved, cache.KindUnresolved, cache.KindClassTable} {
			if err := s.artifacts.Invalidate(ctx, kind, ""); err != nil {
				s.logger.Warn("invalidating cached artifact failed",
					slog.String("kind", string(kind)), slog.String("error", err.Error()))
			}
		}
	}
	if err := s.artifacts.WriteContainers(ctx, current); err != nil {
		s.logger.Warn("writing cached classpath failed", slog.String("error", err.Error()))
	}
}

// sameExternals reports whether every external container kept its stamp.
func sameExternals(cached, current []cache.Container) bool {
	stamps := make(map[string]string, len(cached))
	for _, c := range cached {
		if c.Policy == source.External.String() {
			stamps[c.Name] = c.Stamp
		}
	}
	n := 0
	for _, c := range current {
		if c.Policy != source.External.String() {
			continue
		}
		n++
		old, ok := stamps[c.Name]
		if !ok || !source.StampsMatch(old, c.Stamp) {
			return false
		}
	}
	return n == len(stamps)
}

// restoreReferenced loads the referenced results from the cache when the
// direct results and every external stamp are unchanged.
func (s *Overall) restoreReferenced(ctx context.Context, externals []source.ClassSource) bool {
	if !s.artifacts.Enabled() {
		return false
	}

	upstream := cache.ValidOutcome("")
	switch {
	case s.artifacts.Options().AlwaysValid:
		upstream = cache.ForcedOutcome()
	case !s.directUsable:
		upstream = cache.InvalidOutcome("direct targets changed")
	case !sameExternals(s.cachedContainers, s.containers()):
		upstream = cache.InvalidOutcome("external sources changed")
	}

	referenced := []cache.Kind{cache.KindResolved, cache.KindUnresolved, cache.KindClassTable}
	if !upstream.Usable() {
		for _, kind := range referenced {
			o := cache.MissOutcome("not cached")
			if s.artifacts.Has(ctx, kind, "") {
				o = upstream
			}
			s.note(kind, "", o)
		}
		return false
	}

	resolved, okResolved := s.artifacts.ReadNames(ctx, cache.KindResolved)
	unresolved, okUnresolved := s.artifacts.ReadNames(ctx, cache.KindUnresolved)
	classes, okClasses := s.artifacts.ReadClassTable(ctx)

	usable := true
	for i, ok := range []bool{okResolved, okUnresolved, okClasses} {
		o := cache.MissOutcome("not cached")
		if ok {
			o = upstream
		}
		s.note(referenced[i], "", o)
		usable = usable && ok
	}
	if !usable {
		return false
	}

	for _, ext := range externals {
		snap := &targets.Snapshot{
			Source:  ext.Name(),
			Stamp:   ext.Stamp(),
			Classes: classesOf(classes, ext.Name()),
		}
		t, err := targets.FromSnapshot(snap, s.tables, s.logger)
		if err != nil {
			s.logger.Warn("cached external classes unreadable",
				slog.String("source", ext.Name()), slog.String("error", err.Error()))
			return false
		}
		s.merged.Add(t, source.External)
	}
	s.merged.Resolved.AddAll(relation.NewSet(s.tables.Classes.InternAll(resolved)...))
	s.merged.Unresolved.AddAll(relation.NewSet(s.tables.Classes.InternAll(unresolved)...))
	return true
}

// classesOf filters a merged class snapshot down to one source.
func classesOf(all *targets.ClassSnapshot, sourceName string) targets.ClassSnapshot {
	out := targets.ClassSnapshot{Sources: []string{sourceName}}
	for _, c := range all.Classes {
		if c.Source == sourceName {
			out.Classes = append(out.Classes, c)
		}
	}
	return out
}

func (s *Overall) writeReferenced(ctx context.Context) {
	if !s.artifacts.Writable() {
		return
	}
	m := s.merged
	w := s.artifacts.NewWriter(ctx)
	resolved := m.Resolved.Sorted(s.tables.Classes)
	unresolved := m.Unresolved.Sorted(s.tables.Classes)
	classes := m.Classes.Snapshot()
	w.Go(func(ctx context.Context) error { return s.artifacts.WriteNames(ctx, cache.KindResolved, resolved) })
	w.Go(func(ctx context.Context) error { return s.artifacts.WriteNames(ctx, cache.KindUnresolved, unresolved) })
	w.Go(func(ctx context.Context) error { return s.artifacts.WriteClassTable(ctx, classes) })
	if err := w.Wait(); err != nil {
		s.logger.Warn("writing cached referenced results failed", slog.String("error", err.Error()))
	}
}
