// Package scanner drives scans of a module's class sources into a merged,
// policy-partitioned set of targets tables.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
	"github.com/abramin/annoscan/internal/telemetry"
)

// ErrNoSources is returned when a scan is asked of an empty classpath.
var ErrNoSources = errors.New("no class sources")

// Scanner fills a targets.Merged from a classpath. ScanDirect records the
// seed, partial and excluded sources; ScanReferenced completes the
// referenced names from the external sources, scanning directly first.
// Both are idempotent once they succeed.
type Scanner interface {
	ScanDirect(ctx context.Context) error
	ScanReferenced(ctx context.Context) error
	Merged() *targets.Merged
	Session() string
}

// Options tune a scan.
type Options struct {
	// Threads requests concurrent source scans. Zero or one scans
	// sequentially.
	Threads int
	// MaxThreads caps Threads. Zero means no cap.
	MaxThreads int
	// Detail records field and method annotations.
	Detail bool
}

// PoolSize returns the number of workers used for n sources.
func (o Options) PoolSize(n int) int {
	size := o.Threads
	if o.MaxThreads > 0 && size > o.MaxThreads {
		size = o.MaxThreads
	}
	if size > n {
		size = n
	}
	if size < 1 {
		size = 1
	}
	return size
}

// base holds what every scanner variant shares: the classpath, the shared
// intern tables and the merged result.
type base struct {
	agg    *source.Aggregate
	tables *intern.Tables
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	session string
	merged  *targets.Merged

	// resultsMu guards per-source results written by workers. It is never
	// held while interning.
	resultsMu sync.Mutex

	directDone     bool
	referencedDone bool
}

func newBase(agg *source.Aggregate, tables *intern.Tables, opts Options, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.NewString()
	logger = logger.With(slog.String("session", session), slog.String("module", agg.Name()))
	return base{
		agg:     agg,
		tables:  tables,
		opts:    opts,
		logger:  logger,
		tracer:  telemetry.Tracer(),
		session: session,
		merged:  targets.NewMerged(tables, logger),
	}
}

func (b *base) Merged() *targets.Merged { return b.merged }
func (b *base) Session() string         { return b.session }

// open opens the classpath for one phase. The returned function closes it.
func (b *base) open() (func(), error) {
	if b.agg.Len() == 0 {
		return nil, ErrNoSources
	}
	b.agg.Open()
	return func() {
		if err := b.agg.Close(); err != nil {
			b.logger.Warn("closing class sources", slog.String("error", err.Error()))
		}
	}, nil
}

// sourceScan produces the table of one source, interning into tables.
type sourceScan func(ctx context.Context, i int, src source.ClassSource, tables *intern.Tables) (*targets.Table, error)

// scanSources runs scan over srcs with a bounded pool and returns the
// tables in source order, all interned into b.tables. A source whose scan
// fails is logged and left nil; only cancellation is returned.
func (b *base) scanSources(ctx context.Context, srcs []source.ClassSource, scan sourceScan) ([]*targets.Table, error) {
	results := make([]*targets.Table, len(srcs))
	size := b.opts.PoolSize(len(srcs))

	record := func(i int, t *targets.Table, err error) error {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("class source scan failed, skipping it",
				slog.String("source", srcs[i].Name()),
				slog.String("error", err.Error()))
			return nil
		}
		if t != nil {
			b.logger.Debug("class source scanned",
				slog.String("source", srcs[i].Name()),
				slog.Any("annotations", t.Annotations()))
		}
		b.resultsMu.Lock()
		results[i] = t
		b.resultsMu.Unlock()
		return nil
	}

	if size == 1 {
		for i, src := range srcs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			t, err := scan(ctx, i, src, b.tables)
			if err := record(i, t, err); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	b.logger.Debug("scanning sources concurrently",
		slog.Int("sources", len(srcs)), slog.Int("workers", size))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(size)
	for i, src := range srcs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t, err := scan(gctx, i, src, intern.NewTables())
			if err == nil {
				t = t.Translate(b.tables)
			}
			return record(i, t, err)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// mergeDirect merges direct tables in classpath order and records metrics.
func (b *base) mergeDirect(srcs []source.ClassSource, tables []*targets.Table, policyOf func(source.ClassSource) source.Policy) {
	for i, t := range tables {
		if t == nil {
			continue
		}
		policy := policyOf(srcs[i])
		added := b.merged.Add(t, policy)
		telemetry.RecordClasses(policy.String(), len(added))
		recordFailures(t.Stats())
	}
}

func recordFailures(s targets.Stats) {
	telemetry.RecordFailures("duplicate", s.Duplicates)
	telemetry.RecordFailures("mismatch", s.Mismatches)
	telemetry.RecordFailures("corrupt", s.Corrupt)
	telemetry.RecordFailures("unreadable", s.Unreadable)
}

// completeReferenced resolves the merged frontier against the external
// sources until nothing is left to resolve. Every external source is tried
// for a name before the name counts as unresolved.
func (b *base) completeReferenced(ctx context.Context, externals []source.ClassSource) error {
	m := b.merged
	for pass := 1; ; pass++ {
		frontier := m.Frontier()
		if len(frontier) == 0 {
			return nil
		}
		b.logger.Debug("referenced pass",
			slog.Int("pass", pass), slog.Int("frontier", len(frontier)))

		remaining := frontier.Clone()
		for _, ext := range externals {
			if len(remaining) == 0 {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			t := targets.NewTable(b.tables, ext.Name(), b.logger)
			resolved, _, err := t.ScanExternal(ctx, ext, remaining, m.Classes.Classes())
			if err != nil {
				return fmt.Errorf("scanning referenced classes of %s: %w", ext.Name(), err)
			}
			added := m.Add(t, source.External)
			telemetry.RecordClasses(source.External.String(), len(added))
			recordFailures(t.Stats())
			m.Resolved.AddAll(resolved)
			remaining = remaining.Minus(resolved)
		}
		m.Unresolved.AddAll(remaining)
	}
}

// span starts the span of a scan phase and returns a function that ends
// it, recording err and the phase duration.
func (b *base) span(ctx context.Context, phase string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	attrs = append(attrs,
		attribute.String("session", b.session),
		attribute.String("module", b.agg.Name()))
	ctx, span := b.tracer.Start(ctx, "scan."+phase, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		telemetry.ObservePhase(phase, start)
	}
}
