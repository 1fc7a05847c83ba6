package scanner

import (
	"context"
	"log/slog"

	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// Limited scans every non-external source as a seed, without detail,
// caching or reference completion.
type Limited struct {
	base
}

// NewLimited creates a limited scanner over agg. opts.Detail is ignored.
func NewLimited(agg *source.Aggregate, tables *intern.Tables, opts Options, logger *slog.Logger) *Limited {
	opts.Detail = false
	return &Limited{base: newBase(agg, tables, opts, logger)}
}

func (s *Limited) ScanDirect(ctx context.Context) (err error) {
	if s.directDone {
		return nil
	}
	ctx, end := s.span(ctx, "limited")
	defer func() { end(err) }()

	closeAll, err := s.open()
	if err != nil {
		return err
	}
	defer closeAll()

	srcs := s.agg.NonExternal()
	tables, err := s.scanSources(ctx, srcs, func(ctx context.Context, _ int, src source.ClassSource, tables *intern.Tables) (*targets.Table, error) {
		t := targets.NewTable(tables, src.Name(), s.logger)
		if err := t.ScanInternal(ctx, src, targets.ScanOptions{}); err != nil {
			return nil, err
		}
		return t, nil
	})
	if err != nil {
		return err
	}
	s.mergeDirect(srcs, tables, func(source.ClassSource) source.Policy { return source.Seed })
	s.directDone = true
	return nil
}

// ScanReferenced is ScanDirect: a limited scan never reads external sources.
func (s *Limited) ScanReferenced(ctx context.Context) error {
	if err := s.ScanDirect(ctx); err != nil {
		return err
	}
	s.referencedDone = true
	return nil
}
