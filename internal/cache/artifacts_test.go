package cache

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abramin/annoscan/internal/source"
	"github.com/abramin/annoscan/internal/targets"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot() *targets.Snapshot {
	return &targets.Snapshot{
		Source: "WEB-INF/classes",
		Stamp:  "3f2a",
		Classes: targets.ClassSnapshot{
			Sources: []string{"WEB-INF/classes"},
			Classes: []targets.ClassRecord{
				{Name: "com.example.Foo", Source: "WEB-INF/classes", Super: "java.lang.Object", Modifiers: 0x21},
			},
		},
		Annotations: []targets.AnnotationRecord{
			{Category: "class", Target: "com.example.Foo", Annotation: "com.example.Marker"},
		},
		Referenced: []string{"java.lang.Object"},
	}
}

func TestArtifactsRoundTrip(t *testing.T) {
	ctx := context.Background()
	a := NewArtifacts(NewMemoryStore(), "app#web", Options{}, quietLogger())

	containers := []Container{{Name: "WEB-INF/classes", Policy: "seed", Stamp: "3f2a"}}
	require.NoError(t, a.WriteContainers(ctx, containers))
	gotContainers, ok := a.ReadContainers(ctx)
	require.True(t, ok)
	assert.Equal(t, containers, gotContainers)

	snap := sampleSnapshot()
	require.NoError(t, a.WriteTargets(ctx, snap))
	gotSnap, ok := a.ReadTargets(ctx, snap.Source)
	require.True(t, ok)
	assert.Equal(t, snap, gotSnap)
	assert.True(t, a.Has(ctx, KindTargets, snap.Source))

	require.NoError(t, a.WriteNames(ctx, KindUnresolved, []string{"a.Missing"}))
	names, ok := a.ReadNames(ctx, KindUnresolved)
	require.True(t, ok)
	assert.Equal(t, []string{"a.Missing"}, names)
	_, ok = a.ReadNames(ctx, KindResolved)
	assert.False(t, ok)

	require.NoError(t, a.WriteClassTable(ctx, snap.Classes))
	classes, ok := a.ReadClassTable(ctx)
	require.True(t, ok)
	assert.Equal(t, snap.Classes, *classes)

	timing := a.Timing()
	assert.EqualValues(t, 4, timing.Writes)
	assert.EqualValues(t, 5, timing.Reads)
}

func TestArtifactsCorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	a := NewArtifacts(st, "m", Options{}, quietLogger())

	require.NoError(t, st.Put(ctx, Key{Module: "m", Kind: KindContainers}, []byte("not gzip")))
	_, ok := a.ReadContainers(ctx)
	assert.False(t, ok)

	// An artifact stored under the wrong kind is rejected by its envelope.
	data, err := encode(KindResolved, []string{"x"})
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, Key{Module: "m", Kind: KindUnresolved}, data))
	_, ok = a.ReadNames(ctx, KindUnresolved)
	assert.False(t, ok)
}

func TestArtifactsOptions(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	ro := NewArtifacts(st, "m", Options{ReadOnly: true}, quietLogger())
	require.NoError(t, ro.WriteNames(ctx, KindResolved, []string{"x"}))
	assert.Zero(t, st.Len(), "read-only cache must not write")
	assert.True(t, ro.Enabled())
	assert.False(t, ro.Writable())

	off := NewArtifacts(st, "m", Options{Disabled: true}, quietLogger())
	require.NoError(t, off.WriteNames(ctx, KindResolved, []string{"x"}))
	_, ok := off.ReadNames(ctx, KindResolved)
	assert.False(t, ok)
	assert.Zero(t, st.Len())

	var none *Artifacts
	assert.False(t, none.Enabled())
}

func TestWriterBoundsAndCollectsErrors(t *testing.T) {
	ctx := context.Background()
	a := NewArtifacts(NewMemoryStore(), "m", Options{WriteThreads: 2}, quietLogger())

	w := a.NewWriter(ctx)
	for _, name := range []string{"a", "b", "c"} {
		snap := sampleSnapshot()
		snap.Source = name
		w.Go(func(ctx context.Context) error { return a.WriteTargets(ctx, snap) })
	}
	require.NoError(t, w.Wait())
	for _, name := range []string{"a", "b", "c"} {
		assert.True(t, a.Has(ctx, KindTargets, name))
	}

	closed := NewMemoryStore()
	closed.Close()
	b := NewArtifacts(closed, "m", Options{}, quietLogger())
	w = b.NewWriter(ctx)
	w.Go(func(ctx context.Context) error { return b.WriteNames(ctx, KindResolved, nil) })
	assert.ErrorIs(t, w.Wait(), ErrClosed)
}

func TestCheckStamp(t *testing.T) {
	tests := []struct {
		name    string
		hit     bool
		cached  string
		current string
		opts    Options
		want    OutcomeKind
	}{
		{"nothing cached", false, "", "a", Options{}, Miss},
		{"same stamp", true, "a", "a", Options{}, HitValid},
		{"changed stamp", true, "a", "b", Options{}, HitInvalid},
		{"current not recorded", true, source.StampNotRecorded, source.StampNotRecorded, Options{}, HitInvalid},
		{"current unavailable", true, "a", source.StampUnavailable, Options{}, HitInvalid},
		{"always valid", true, "a", "b", Options{AlwaysValid: true}, ForcedValid},
		{"always valid needs a hit", false, "", "b", Options{AlwaysValid: true}, Miss},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckStamp(tt.hit, tt.cached, tt.current, tt.opts)
			assert.Equal(t, tt.want, got.Kind, got.String())
		})
	}
}

func TestDownstreamPropagation(t *testing.T) {
	valid := ValidOutcome("")
	changed := InvalidOutcome("stamp changed")

	assert.Equal(t, valid, valid.Downstream(valid, "containers"))
	assert.Equal(t, HitInvalid, valid.Downstream(changed, "containers").Kind)
	assert.Equal(t, HitInvalid, valid.Downstream(MissOutcome("not cached"), "containers").Kind)
	assert.Equal(t, Miss, MissOutcome("x").Downstream(changed, "containers").Kind)
	assert.Equal(t, ForcedValid, ForcedOutcome().Downstream(ForcedOutcome(), "containers").Kind)
	assert.True(t, ForcedOutcome().Usable())
	assert.False(t, changed.Usable())
}
