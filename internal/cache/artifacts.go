package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/abramin/annoscan/internal/targets"
)

// formatVersion is bumped whenever an artifact layout changes. Artifacts
// of another version read as misses.
const formatVersion = 1

// Container describes one class source as it was when its artifacts were
// written.
type Container struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
	Stamp  string `json:"stamp"`
}

// QueryRecord is one logged annotation query.
type QueryRecord struct {
	Time       time.Time `json:"time"`
	Method     string    `json:"method"`
	Title      string    `json:"title"`
	Policies   string    `json:"policies"`
	Source     string    `json:"source,omitempty"`
	Type       string    `json:"type"`
	Specific   []string  `json:"specific,omitempty"`
	Annotation string    `json:"annotation,omitempty"`
	Results    []string  `json:"results"`
}

type envelope struct {
	Version int             `json:"version"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Timing accumulates time spent reading and writing artifacts.
type Timing struct {
	Reads     int64
	Writes    int64
	ReadTime  time.Duration
	WriteTime time.Duration
}

// Artifacts reads and writes the typed artifacts of one module. Reads that
// fail for any reason are reported as misses.
type Artifacts struct {
	store  Store
	module string
	opts   Options
	logger *slog.Logger

	reads     atomic.Int64
	writes    atomic.Int64
	readTime  atomic.Int64
	writeTime atomic.Int64
}

// NewArtifacts binds store to module. A nil store behaves as a disabled
// cache.
func NewArtifacts(store Store, module string, opts Options, logger *slog.Logger) *Artifacts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Artifacts{
		store:  store,
		module: module,
		opts:   opts,
		logger: logger.With(slog.String("module", module)),
	}
}

func (a *Artifacts) Module() string   { return a.module }
func (a *Artifacts) Options() Options { return a.opts }

// Enabled reports whether artifacts are read at all.
func (a *Artifacts) Enabled() bool {
	return a != nil && a.store != nil && !a.opts.Disabled
}

// Writable reports whether artifacts are written.
func (a *Artifacts) Writable() bool {
	return a.Enabled() && !a.opts.ReadOnly
}

// Timing returns the accumulated read and write timing.
func (a *Artifacts) Timing() Timing {
	return Timing{
		Reads:     a.reads.Load(),
		Writes:    a.writes.Load(),
		ReadTime:  time.Duration(a.readTime.Load()),
		WriteTime: time.Duration(a.writeTime.Load()),
	}
}

func (a *Artifacts) key(kind Kind, name string) Key {
	return Key{Module: a.module, Kind: kind, Name: name}
}

// Has reports whether an artifact is stored, without decoding it.
func (a *Artifacts) Has(ctx context.Context, kind Kind, name string) bool {
	if !a.Enabled() {
		return false
	}
	ok, err := a.store.Has(ctx, a.key(kind, name))
	if err != nil {
		a.logger.Warn("cache lookup failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		return false
	}
	return ok
}

func (a *Artifacts) ReadContainers(ctx context.Context) ([]Container, bool) {
	var out []Container
	ok := a.read(ctx, KindContainers, "", &out)
	return out, ok
}

func (a *Artifacts) WriteContainers(ctx context.Context, containers []Container) error {
	return a.write(ctx, KindContainers, "", containers)
}

// ReadTargets reads the targets snapshot of one source.
func (a *Artifacts) ReadTargets(ctx context.Context, sourceName string) (*targets.Snapshot, bool) {
	var out targets.Snapshot
	if !a.read(ctx, KindTargets, sourceName, &out) {
		return nil, false
	}
	return &out, true
}

func (a *Artifacts) WriteTargets(ctx context.Context, snap *targets.Snapshot) error {
	return a.write(ctx, KindTargets, snap.Source, snap)
}

// ReadNames reads a sorted name list (KindResolved or KindUnresolved).
func (a *Artifacts) ReadNames(ctx context.Context, kind Kind) ([]string, bool) {
	var out []string
	ok := a.read(ctx, kind, "", &out)
	return out, ok
}

func (a *Artifacts) WriteNames(ctx context.Context, kind Kind, names []string) error {
	return a.write(ctx, kind, "", names)
}

// ReadClassTable reads the merged class table of the module.
func (a *Artifacts) ReadClassTable(ctx context.Context) (*targets.ClassSnapshot, bool) {
	var out targets.ClassSnapshot
	if !a.read(ctx, KindClassTable, "", &out) {
		return nil, false
	}
	return &out, true
}

func (a *Artifacts) WriteClassTable(ctx context.Context, snap targets.ClassSnapshot) error {
	return a.write(ctx, KindClassTable, "", snap)
}

// ReadQueries reads the query log written for one session.
func (a *Artifacts) ReadQueries(ctx context.Context, session string) ([]QueryRecord, bool) {
	var out []QueryRecord
	ok := a.read(ctx, KindQueries, session, &out)
	return out, ok
}

// AppendQueries adds records to the query log of session.
func (a *Artifacts) AppendQueries(ctx context.Context, session string, records []QueryRecord) error {
	if !a.Writable() || len(records) == 0 {
		return nil
	}
	prior, _ := a.ReadQueries(ctx, session)
	return a.write(ctx, KindQueries, session, append(prior, records...))
}

// Invalidate removes an artifact so that a later run cannot pick it up.
func (a *Artifacts) Invalidate(ctx context.Context, kind Kind, name string) error {
	if !a.Writable() {
		return nil
	}
	return a.store.Delete(ctx, a.key(kind, name))
}

func (a *Artifacts) read(ctx context.Context, kind Kind, name string, v any) bool {
	if !a.Enabled() {
		return false
	}
	start := time.Now()
	defer func() {
		a.reads.Add(1)
		a.readTime.Add(int64(time.Since(start)))
	}()

	data, err := a.store.Get(ctx, a.key(kind, name))
	if errors.Is(err, ErrNotFound) {
		return false
	}
	if err == nil {
		err = decode(data, kind, v)
	}
	if err != nil {
		a.logger.Warn("cache read failed, treating as miss",
			slog.String("kind", string(kind)),
			slog.String("name", name),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (a *Artifacts) write(ctx context.Context, kind Kind, name string, v any) error {
	if !a.Writable() {
		return nil
	}
	start := time.Now()
	defer func() {
		a.writes.Add(1)
		a.writeTime.Add(int64(time.Since(start)))
	}()

	data, err := encode(kind, v)
	if err != nil {
		return fmt.Errorf("encoding %s artifact: %w", kind, err)
	}
	if err := a.store.Put(ctx, a.key(kind, name), data); err != nil {
		return err
	}
	a.logger.Debug("cache artifact written",
		slog.String("kind", string(kind)),
		slog.String("name", name),
		slog.Int("bytes", len(data)))
	return nil
}

func encode(kind Kind, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	env, err := json.Marshal(envelope{Version: formatVersion, Kind: kind, Payload: payload})
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(env); err != nil {
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return compressed.Bytes(), nil
}

func decode(data []byte, kind Kind, v any) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("opening gzip reader: %w", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if env.Version != formatVersion {
		return fmt.Errorf("artifact version %d, want %d", env.Version, formatVersion)
	}
	if env.Kind != kind {
		return fmt.Errorf("artifact kind %q, want %q", env.Kind, kind)
	}
	return json.Unmarshal(env.Payload, v)
}

// Writer runs artifact writes in the background, bounded by
// Options.WriteThreads.
type Writer struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewWriter starts a write group. Wait must be called before the store is
// closed.
func (a *Artifacts) NewWriter(ctx context.Context) *Writer {
	g, gctx := errgroup.WithContext(ctx)
	n := a.opts.WriteThreads
	if n < 1 {
		n = 1
	}
	g.SetLimit(n)
	return &Writer{g: g, ctx: gctx}
}

// Go schedules fn. With a limit of one it runs in order of submission.
func (w *Writer) Go(fn func(ctx context.Context) error) {
	w.g.Go(func() error { return fn(w.ctx) })
}

// Wait blocks until every scheduled write finished and returns the first
// error.
func (w *Writer) Wait() error {
	return w.g.Wait()
}
