package scanner

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abramin/annoscan/internal/cache"
	"github.com/abramin/annoscan/internal/classfile"
	"github.com/abramin/annoscan/internal/intern"
	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type class struct {
	name       string
	super      string
	interfaces []string
	annos      []string
	fieldAnno  string
}

func (c class) bytes() []byte {
	cf := &classfile.Class{Header: classfile.Header{
		Name:       c.name,
		Super:      c.super,
		Interfaces: c.interfaces,
		Access:     classfile.AccPublic,
	}}
	if cf.Super == "" {
		cf.Super = "java.lang.Object"
	}
	for _, a := range c.annos {
		cf.Annotations = append(cf.Annotations, classfile.Annotation{Type: a})
	}
	if c.fieldAnno != "" {
		cf.Fields = append(cf.Fields, classfile.MemberDecl{
			Member:      classfile.Member{Name: "id", Descriptor: "I"},
			Annotations: []classfile.Annotation{{Type: c.fieldAnno}},
		})
	}
	return cf.Encode()
}

func mem(name string, policy source.Policy, classes ...class) *source.MemorySource {
	m := source.NewMemory(name, policy)
	for _, c := range classes {
		m.AddClass(c.name, c.bytes())
	}
	return m
}

func aggregate(t *testing.T, children ...source.ClassSource) *source.Aggregate {
	t.Helper()
	agg := source.NewAggregate("shop#web", quietLogger())
	for _, c := range children {
		require.NoError(t, agg.Add(c))
	}
	return agg
}

// classpath is a small module: two seed sources sharing a class, a partial
// library and two external jars.
type classpath struct {
	web, shared, lib, ext1, ext2 *source.MemorySource
}

func newClasspath() *classpath {
	return &classpath{
		web: mem("WEB-INF/classes", source.Seed,
			class{name: "shop.Cart", super: "lib.Base", interfaces: []string{"api.Service"}, annos: []string{"shop.Entity"}, fieldAnno: "shop.Id"},
			class{name: "shop.Dup", annos: []string{"shop.First"}},
		),
		shared: mem("WEB-INF/lib/shared.jar", source.Seed,
			class{name: "shop.Dup", annos: []string{"shop.Second"}},
			class{name: "shop.Order", annos: []string{"shop.Entity"}},
		),
		lib: mem("WEB-INF/lib/util.jar", source.Partial,
			class{name: "util.Strings", annos: []string{"util.Helper"}},
		),
		ext1: mem("lib/base.jar", source.External,
			class{name: "lib.Base", super: "lib.Root"},
		),
		ext2: mem("lib/api.jar", source.External,
			class{name: "api.Service"},
			class{name: "lib.Root"},
		),
	}
}

func (c *classpath) aggregate(t *testing.T) *source.Aggregate {
	return aggregate(t, c.web, c.shared, c.lib, c.ext1, c.ext2)
}

func overall(t *testing.T, agg *source.Aggregate, opts Options, artifacts *cache.Artifacts) *Overall {
	t.Helper()
	s := NewOverall(agg, intern.NewTables(), opts, artifacts, quietLogger())
	require.NoError(t, s.ScanReferenced(context.Background()))
	return s
}

func bucketNames(m *targets.Merged, p source.Policy) []string {
	return m.Bucket(p).Classes.Sorted(m.Tables.Classes)
}

func outcomeOf(t *testing.T, checks []Check, kind cache.Kind, name string) cache.Outcome {
	t.Helper()
	for _, c := range checks {
		if c.Kind == kind && c.Name == name {
			return c.Outcome
		}
	}
	t.Fatalf("no %s check for %q", kind, name)
	return cache.Outcome{}
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		n    int
		want int
	}{
		{"sequential by default", Options{}, 5, 1},
		{"threads", Options{Threads: 4}, 5, 4},
		{"capped", Options{Threads: 8, MaxThreads: 3}, 5, 3},
		{"no more workers than sources", Options{Threads: 8}, 2, 2},
		{"empty classpath", Options{Threads: 8}, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.PoolSize(tt.n))
		})
	}
}

func TestFirstSourceWinsDuplicateClass(t *testing.T) {
	cp := newClasspath()
	s := overall(t, cp.aggregate(t), Options{Detail: true}, nil)
	m := s.Merged()

	dup, _ := m.Tables.Classes.Find("shop.Dup", false)
	src, ok := m.Classes.SourceOf(dup)
	require.True(t, ok)
	assert.Equal(t, "WEB-INF/classes", src)

	first := m.Tables.Classes.Intern("shop.First")
	second := m.Tables.Classes.Intern("shop.Second")
	classAnnos := m.Bucket(source.Seed).Annotations.Map(targets.Class)
	assert.True(t, classAnnos.Contains(dup, first))
	assert.False(t, classAnnos.Contains(dup, second), "annotations of a shadowed class must be dropped")

	assert.Equal(t, []string{"shop.Cart", "shop.Dup", "shop.Order"}, bucketNames(m, source.Seed))
	assert.Equal(t, []string{"util.Strings"}, bucketNames(m, source.Partial))
}

func TestConcurrentScanMatchesSequential(t *testing.T) {
	seq := overall(t, newClasspath().aggregate(t), Options{Detail: true}, nil).Merged()
	par := overall(t, newClasspath().aggregate(t), Options{Threads: 4, Detail: true}, nil).Merged()

	for _, p := range source.Policies {
		assert.Equal(t, bucketNames(seq, p), bucketNames(par, p), p.String())
		assert.Equal(t,
			seq.Bucket(p).Annotations.Len(),
			par.Bucket(p).Annotations.Len(), p.String())
	}
	assert.Equal(t, seq.Resolved.Sorted(seq.Tables.Classes), par.Resolved.Sorted(par.Tables.Classes))
	assert.Equal(t, seq.Unresolved.Sorted(seq.Tables.Classes), par.Unresolved.Sorted(par.Tables.Classes))

	dup, _ := par.Tables.Classes.Find("shop.Dup", false)
	src, _ := par.Classes.SourceOf(dup)
	assert.Equal(t, "WEB-INF/classes", src, "merge order must not depend on scheduling")
}

func TestReferencedCompletionTriesEveryExternal(t *testing.T) {
	s := overall(t, newClasspath().aggregate(t), Options{}, nil)
	m := s.Merged()

	assert.Equal(t, []string{"api.Service", "lib.Base", "lib.Root"}, m.Resolved.Sorted(m.Tables.Classes))
	assert.Equal(t,
		[]string{"java.lang.Object", "shop.Entity", "shop.First", "shop.Second", "util.Helper"},
		m.Unresolved.Sorted(m.Tables.Classes), "annotation types are referenced like supertypes")
	assert.Equal(t, []string{"api.Service", "lib.Base", "lib.Root"}, bucketNames(m, source.External))
	assert.Empty(t, m.Frontier())

	root, _ := m.Tables.Classes.Find("lib.Root", false)
	src, _ := m.Classes.SourceOf(root)
	assert.Equal(t, "lib/api.jar", src)

	assert.True(t, m.Bucket(source.External).Annotations.Map(targets.Class).IsEmpty(),
		"external classes contribute structure only")
}

func TestScanDirectLeavesReferencesOpen(t *testing.T) {
	s := NewOverall(newClasspath().aggregate(t), intern.NewTables(), Options{}, nil, quietLogger())
	require.NoError(t, s.ScanDirect(context.Background()))
	m := s.Merged()

	assert.Empty(t, bucketNames(m, source.External))
	assert.Equal(t,
		[]string{"api.Service", "java.lang.Object", "lib.Base", "shop.Entity", "shop.First", "shop.Second", "util.Helper"},
		m.Frontier().Sorted(m.Tables.Classes))

	require.NoError(t, s.ScanReferenced(context.Background()))
	require.NoError(t, s.ScanReferenced(context.Background()))
	assert.Len(t, bucketNames(m, source.External), 3)
}

func TestEmptyClasspath(t *testing.T) {
	ctx := context.Background()
	agg := aggregate(t)
	tables := intern.NewTables()
	for _, s := range []Scanner{
		NewOverall(agg, tables, Options{}, nil, quietLogger()),
		NewLimited(agg, tables, Options{}, quietLogger()),
		NewSpecific(agg, tables, []string{"a.B"}, nil, Options{}, quietLogger()),
	} {
		assert.ErrorIs(t, s.ScanDirect(ctx), ErrNoSources)
		assert.ErrorIs(t, s.ScanReferenced(ctx), ErrNoSources)
	}
}

func TestCancelledScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, threads := range []int{1, 4} {
		s := NewOverall(newClasspath().aggregate(t), intern.NewTables(), Options{Threads: threads}, nil, quietLogger())
		assert.ErrorIs(t, s.ScanReferenced(ctx), context.Canceled)
	}
}

func TestMaskedSourceIsSkipped(t *testing.T) {
	missing := source.NewDir(source.Options{
		Name:   "WEB-INF/missing",
		Path:   filepath.Join(t.TempDir(), "nope"),
		Policy: source.Seed,
	})
	web := mem("WEB-INF/classes", source.Seed, class{name: "shop.Cart"})
	agg := aggregate(t, missing, web)

	s := NewOverall(agg, intern.NewTables(), Options{}, nil, quietLogger())
	require.NoError(t, s.ScanDirect(context.Background()))

	assert.True(t, agg.Masked("WEB-INF/missing"))
	assert.Equal(t, []string{"shop.Cart"}, bucketNames(s.Merged(), source.Seed))
}

func TestLimitedScan(t *testing.T) {
	cp := newClasspath()
	s := NewLimited(cp.aggregate(t), intern.NewTables(), Options{Detail: true}, quietLogger())
	require.NoError(t, s.ScanReferenced(context.Background()))
	m := s.Merged()

	assert.Equal(t, []string{"shop.Cart", "shop.Dup", "shop.Order", "util.Strings"}, bucketNames(m, source.Seed))
	assert.Empty(t, bucketNames(m, source.Partial))
	assert.Empty(t, bucketNames(m, source.External))
	assert.Empty(t, m.Resolved)
	assert.True(t, m.Bucket(source.Seed).Annotations.Map(targets.Field).IsEmpty(), "limited scans record no detail")
}

func TestSpecificScan(t *testing.T) {
	cp := newClasspath()
	s := NewSpecific(cp.aggregate(t), intern.NewTables(),
		[]string{"shop.Cart", "util.Strings", "shop.Missing"}, []string{"shop.Entity"},
		Options{Detail: true}, quietLogger())
	require.NoError(t, s.ScanReferenced(context.Background()))
	m := s.Merged()

	assert.Equal(t, []string{"shop.Cart"}, bucketNames(m, source.Seed))
	assert.Equal(t, []string{"util.Strings"}, bucketNames(m, source.Partial))
	assert.Empty(t, bucketNames(m, source.External))

	cart, _ := m.Tables.Classes.Find("shop.Cart", false)
	assert.Equal(t, []string{"shop.Entity"},
		m.Bucket(source.Seed).Annotations.Map(targets.Class).HeldOf(cart).Sorted(m.Tables.Classes))
	assert.True(t, m.Bucket(source.Seed).Annotations.Map(targets.Field).IsEmpty(),
		"annotations outside the selection are not recorded")
	assert.True(t, m.Bucket(source.Partial).Annotations.Map(targets.Class).IsEmpty())
}

func newArtifacts(st cache.Store, opts cache.Options) *cache.Artifacts {
	return cache.NewArtifacts(st, "shop#web", opts, quietLogger())
}

func TestCacheFirstRunMissesSecondRunHits(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()

	first := overall(t, cp.aggregate(t), Options{Detail: true}, newArtifacts(st, cache.Options{}))
	for _, c := range first.Checks() {
		assert.Equal(t, cache.Miss, c.Outcome.Kind, "%s %s", c.Kind, c.Name)
	}
	assert.NotZero(t, first.CacheTiming().Writes)

	second := overall(t, cp.aggregate(t), Options{Detail: true}, newArtifacts(st, cache.Options{}))
	checks := second.Checks()
	require.Len(t, checks, 7, "containers, three targets and three referenced artifacts")
	for _, c := range checks {
		assert.Equal(t, cache.HitValid, c.Outcome.Kind, "%s %s: %s", c.Kind, c.Name, c.Outcome)
	}

	a, b := first.Merged(), second.Merged()
	for _, p := range source.Policies {
		assert.Equal(t, bucketNames(a, p), bucketNames(b, p), p.String())
	}
	assert.Equal(t, a.Resolved.Sorted(a.Tables.Classes), b.Resolved.Sorted(b.Tables.Classes))
	assert.Equal(t, a.Unresolved.Sorted(a.Tables.Classes), b.Unresolved.Sorted(b.Tables.Classes))

	cart, _ := b.Tables.Classes.Find("shop.Cart", false)
	assert.Equal(t, []string{"shop.Id"},
		b.Bucket(source.Seed).Annotations.Map(targets.Field).HeldOf(cart).Sorted(b.Tables.Classes))
}

func TestCacheChangedSourceInvalidatesReferenced(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.shared.AddClass("shop.Invoice", class{name: "shop.Invoice"}.bytes())
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	checks := s.Checks()

	assert.Equal(t, cache.HitValid, outcomeOf(t, checks, cache.KindContainers, "").Kind)
	assert.Equal(t, cache.HitValid, outcomeOf(t, checks, cache.KindTargets, "WEB-INF/classes").Kind)
	assert.Equal(t, cache.HitInvalid, outcomeOf(t, checks, cache.KindTargets, "WEB-INF/lib/shared.jar").Kind)
	assert.Equal(t, cache.Miss, outcomeOf(t, checks, cache.KindResolved, "").Kind,
		"referenced results are dropped once a source changes")
	assert.Contains(t, bucketNames(s.Merged(), source.Seed), "shop.Invoice")
}

func TestCacheDirectOnlyRunDropsReferenced(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.web.AddClass("shop.Cart", class{name: "shop.Cart", super: "lib.Base", annos: []string{"shop.Entity"}}.bytes())
	direct := NewOverall(cp.aggregate(t), intern.NewTables(), Options{}, newArtifacts(st, cache.Options{}), quietLogger())
	require.NoError(t, direct.ScanDirect(context.Background()))

	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	checks := s.Checks()
	assert.Equal(t, cache.HitValid, outcomeOf(t, checks, cache.KindTargets, "WEB-INF/classes").Kind)
	for _, kind := range []cache.Kind{cache.KindResolved, cache.KindUnresolved, cache.KindClassTable} {
		assert.Equal(t, cache.Miss, outcomeOf(t, checks, kind, "").Kind, string(kind))
	}

	m := s.Merged()
	assert.Equal(t, []string{"lib.Base", "lib.Root"}, m.Resolved.Sorted(m.Tables.Classes))
	assert.Equal(t, []string{"lib.Base", "lib.Root"}, bucketNames(m, source.External))

	fresh := overall(t, cp.aggregate(t), Options{}, nil).Merged()
	assert.Equal(t, fresh.Resolved.Sorted(fresh.Tables.Classes), m.Resolved.Sorted(m.Tables.Classes))
	assert.Equal(t, fresh.Unresolved.Sorted(fresh.Tables.Classes), m.Unresolved.Sorted(m.Tables.Classes))
}

func TestCacheStampChangeWithSameContentStaysValid(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.lib.SetStamp("rebuilt")
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	checks := s.Checks()

	lib := outcomeOf(t, checks, cache.KindTargets, "WEB-INF/lib/util.jar")
	assert.Equal(t, cache.HitValid, lib.Kind)
	assert.Equal(t, "content unchanged", lib.Reason)
	assert.Equal(t, cache.HitValid, outcomeOf(t, checks, cache.KindResolved, "").Kind)

	again := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	lib = outcomeOf(t, again.Checks(), cache.KindTargets, "WEB-INF/lib/util.jar")
	assert.Equal(t, cache.HitValid, lib.Kind)
	assert.Empty(t, lib.Reason, "the rescanned stamp is cached")
}

func TestCacheUnusableStampForcesRescan(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	cp.web.SetStamp(source.StampNotRecorded)
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.web.AddClass("shop.Coupon", class{name: "shop.Coupon"}.bytes())
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	assert.Equal(t, cache.HitInvalid, outcomeOf(t, s.Checks(), cache.KindTargets, "WEB-INF/classes").Kind)
	assert.Contains(t, bucketNames(s.Merged(), source.Seed), "shop.Coupon")
}

func TestCacheAlwaysValidServesStaleEntries(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.web.AddClass("shop.Coupon", class{name: "shop.Coupon"}.bytes())
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{AlwaysValid: true}))

	for _, c := range s.Checks() {
		assert.Equal(t, cache.ForcedValid, c.Outcome.Kind, "%s %s", c.Kind, c.Name)
	}
	assert.NotContains(t, bucketNames(s.Merged(), source.Seed), "shop.Coupon")
}

func TestCacheExternalChangeInvalidatesReferenced(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.ext1.AddClass("lib.Extra", class{name: "lib.Extra"}.bytes())
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	checks := s.Checks()

	assert.Equal(t, cache.HitValid, outcomeOf(t, checks, cache.KindTargets, "WEB-INF/classes").Kind)
	assert.False(t, outcomeOf(t, checks, cache.KindResolved, "").Usable())
	m := s.Merged()
	assert.Equal(t, []string{"api.Service", "lib.Base", "lib.Root"}, m.Resolved.Sorted(m.Tables.Classes))

	again := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	assert.Equal(t, cache.HitValid, outcomeOf(t, again.Checks(), cache.KindResolved, "").Kind)
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	key := cache.Key{Module: "shop#web", Kind: cache.KindTargets, Name: "WEB-INF/classes"}
	require.NoError(t, st.Put(ctx, key, []byte("garbage")))

	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))
	checks := s.Checks()
	assert.Equal(t, cache.Miss, outcomeOf(t, checks, cache.KindTargets, "WEB-INF/classes").Kind)
	assert.Equal(t, cache.Miss, outcomeOf(t, checks, cache.KindClassTable, "").Kind)
	assert.Contains(t, bucketNames(s.Merged(), source.Seed), "shop.Cart")
}

func TestCacheValidateCatchesStaleEntry(t *testing.T) {
	ctx := context.Background()
	st := cache.NewMemoryStore()
	cp := newClasspath()
	arts := newArtifacts(st, cache.Options{})
	overall(t, cp.aggregate(t), Options{}, arts)

	// Same stamp, different content.
	snap, ok := arts.ReadTargets(ctx, "WEB-INF/lib/util.jar")
	require.True(t, ok)
	snap.Annotations = nil
	require.NoError(t, arts.WriteTargets(ctx, snap))

	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{Validate: true}))
	lib := outcomeOf(t, s.Checks(), cache.KindTargets, "WEB-INF/lib/util.jar")
	assert.Equal(t, cache.HitInvalid, lib.Kind)
	assert.Equal(t, "validation mismatch", lib.Reason)

	m := s.Merged()
	strs, _ := m.Tables.Classes.Find("util.Strings", false)
	assert.Equal(t, []string{"util.Helper"},
		m.Bucket(source.Partial).Annotations.Map(targets.Class).HeldOf(strs).Sorted(m.Tables.Classes))
}

func TestCacheReadOnlyDoesNotWrite(t *testing.T) {
	st := cache.NewMemoryStore()
	s := overall(t, newClasspath().aggregate(t), Options{}, newArtifacts(st, cache.Options{ReadOnly: true}))
	assert.Zero(t, st.Len())
	assert.Zero(t, s.CacheTiming().Writes)
}

func TestCacheReadOnlyReportsStaleReferenced(t *testing.T) {
	st := cache.NewMemoryStore()
	cp := newClasspath()
	overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{}))

	cp.web.AddClass("shop.Coupon", class{name: "shop.Coupon"}.bytes())
	s := overall(t, cp.aggregate(t), Options{}, newArtifacts(st, cache.Options{ReadOnly: true}))
	resolved := outcomeOf(t, s.Checks(), cache.KindResolved, "")
	assert.Equal(t, cache.HitInvalid, resolved.Kind)
	assert.Equal(t, "direct targets changed", resolved.Reason)
	assert.Contains(t, bucketNames(s.Merged(), source.Seed), "shop.Coupon")
}
