package scanner

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// Specific scans only the named classes of each non-external source,
// optionally restricted to a set of annotation types.
type Specific struct {
	base
	classNames  []string
	annotations []string
}

// NewSpecific creates a scanner for classNames. A nil annotations records
// every annotation.
func NewSpecific(agg *source.Aggregate, tables *intern.Tables, classNames, annotations []string, opts Options, logger *slog.Logger) *Specific {
	return &Specific{
		base:        newBase(agg, tables, opts, logger),
		classNames:  classNames,
		annotations: annotations,
	}
}

func (s *Specific) ScanDirect(ctx context.Context) (err error) {
	if s.directDone {
		return nil
	}
	ctx, end := s.span(ctx, "specific", attribute.Int("classes", len(s.classNames)))
	defer func() { end(err) }()

	closeAll, err := s.open()
	if err != nil {
		return err
	}
	defer closeAll()

	opts := targets.ScanOptions{Detail: s.opts.Detail, Annotations: s.annotations}
	srcs := s.agg.NonExternal()
	tables, err := s.scanSources(ctx, srcs, func(ctx context.Context, _ int, src source.ClassSource, tables *intern.Tables) (*targets.Table, error) {
		t := targets.NewTable(tables, src.Name(), s.logger)
		if err := t.ScanSpecific(ctx, src, s.classNames, opts); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return err
	}
	s.mergeDirect(srcs, tables, source.ClassSource.Policy)
	s.directDone = true
	return nil
}

// ScanReferenced is ScanDirect. Specific scans do not complete references.
func (s *Specific) ScanReferenced(ctx context.Context) error {
	if err := s.ScanDirect(ctx); err != nil {
		return err
	}
	s.referencedDone = true
	return nil
}
