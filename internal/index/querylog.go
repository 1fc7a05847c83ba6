package index

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

// Query types of logged records.
const (
	QueryPackage   = "package"
	QueryClass     = "class"
	QueryField     = "field"
	QueryMethod    = "method"
	QueryInherited = "inherited"
)

// QueryLog collects the annotation queries answered by an index. Each
// record is also written to the logger at debug level.
type QueryLog struct {
	logger *slog.Logger

	mu      sync.Mutex
	records []cache.QueryRecord
	flushed int
}

// NewQueryLog creates an empty log.
func NewQueryLog(logger *slog.Logger) *QueryLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryLog{logger: logger}
}

// Record appends r, stamping it with the current time when unset.
func (l *QueryLog) Record(r cache.QueryRecord) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	l.mu.Lock()
	l.records = append(l.records, r)
	l.mu.Unlock()

	l.logger.Debug(r.Title,
		slog.String("method", r.Method),
		slog.String("policies", r.Policies),
		slog.String("source", r.Source),
		slog.String("type", r.Type),
		slog.Any("specific", r.Specific),
		slog.String("annotation", r.Annotation),
		slog.Int("results", len(r.Results)))
}

// Records returns a copy of every record so far.
func (l *QueryLog) Records() []cache.QueryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cache.QueryRecord(nil), l.records...)
}

// pending returns the records not yet flushed and marks them flushed.
func (l *QueryLog) pending() []cache.QueryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]cache.QueryRecord(nil), l.records[l.flushed:]...)
	l.flushed = len(l.records)
	return out
}

func queryType(cat targets.Category) string {
	switch cat {
	case targets.Package:
		return QueryPackage
	case targets.Field:
		return QueryField
	case targets.Method:
		return QueryMethod
	}
	return QueryClass
}

// logQuery records one annotation query when a query log is configured.
// Callers hold t.mu.
func (t *Targets) logQuery(method, title string, mask source.Policy, sourceName, typ, annotation string, results []string) {
	if t.opts.Queries == nil {
		return
	}
	t.opts.Queries.Record(cache.QueryRecord{
		Method:     "Targets." + method,
		Title:      title,
		Policies:   mask.String(),
		Source:     sourceName,
		Type:       typ,
		Specific:   append([]string(nil), t.specific...),
		Annotation: annotation,
		Results:    append([]string{}, results...),
	})
}

// FlushQueries stores the queries logged since the last flush under the
// current scan session. It does nothing without a query log, a writable
// cache or a scan.
func (t *Targets) FlushQueries(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.opts.Queries == nil || t.opts.Artifacts == nil || !t.opts.Artifacts.Writable() || t.scanner == nil {
		return nil
	}
	return t.opts.Artifacts.AppendQueries(ctx, t.scanner.Session(), t.opts.Queries.pending())
}
